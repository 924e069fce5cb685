package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lydakis/mcpbrowser/internal/ipc"
	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
	"github.com/lydakis/mcpbrowser/internal/response"
	"github.com/lydakis/mcpbrowser/internal/sparse"
)

const (
	replPrompt   = "mcpbrowser> "
	maxDescWidth = 80
)

// terminalFile reports the file behind r when it is an interactive terminal.
func terminalFile(r io.Reader) (*os.File, bool) {
	f, ok := r.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil, false
	}
	return f, true
}

type lineReader interface {
	ReadLine() (string, error)
}

type scanReader struct {
	s *bufio.Scanner
}

func (r scanReader) ReadLine() (string, error) {
	if r.s.Scan() {
		return r.s.Text(), nil
	}
	if err := r.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

type replTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// repl is the interactive shell over one session.
type repl struct {
	sess    session
	opts    *globalOptions
	in      lineReader
	out     io.Writer
	tools   map[string]replTool
	virtual map[string]bool
	history int
}

func newInteractiveCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "interactive",
		Aliases: []string{"shell"},
		Short:   "Explore and call tools from an interactive shell",
		Long: `Start a shell over one broker session. Type "help" for commands.
Tool names complete with Tab when stdin is a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			sess, err := openSession(ctx, opts)
			if err != nil {
				return &ExitError{Code: ipc.ExitInternal, Cause: err}
			}
			defer sess.Close()

			r := &repl{sess: sess, opts: opts, tools: map[string]replTool{}, virtual: map[string]bool{}}
			if f, ok := terminalFile(cmd.InOrStdin()); ok {
				state, err := term.MakeRaw(int(f.Fd()))
				if err != nil {
					return fmt.Errorf("configuring terminal: %w", err)
				}
				defer term.Restore(int(f.Fd()), state) //nolint: errcheck
				t := term.NewTerminal(struct {
					io.Reader
					io.Writer
				}{f, cmd.OutOrStdout()}, replPrompt)
				t.AutoCompleteCallback = r.complete
				r.in, r.out = t, t
			} else {
				r.in, r.out = scanReader{bufio.NewScanner(cmd.InOrStdin())}, cmd.OutOrStdout()
			}
			return r.run(ctx)
		},
	}
}

func (r *repl) run(ctx context.Context) error {
	fmt.Fprintln(r.out, "mcpbrowser interactive mode")
	fmt.Fprintln(r.out, "Type 'help' for commands, 'quit' to exit")
	r.refresh(ctx)

	for {
		line, err := r.in.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.history++
		if !r.execute(ctx, line) {
			fmt.Fprintln(r.out, "Goodbye")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// execute runs one command line and reports whether the shell continues.
func (r *repl) execute(ctx context.Context, line string) bool {
	words, err := shellquote.Split(line)
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return true
	}
	if len(words) == 0 {
		return true
	}
	name, args := words[0], words[1:]
	switch name {
	case "quit", "exit", "q":
		return false
	case "help", "?":
		r.help()
	case "refresh":
		r.refresh(ctx)
		fmt.Fprintf(r.out, "Tool cache refreshed (%d tools)\n", len(r.tools))
	case "status":
		r.status()
	case "list", "ls":
		r.list(args)
	case "discover":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "usage: discover <jsonpath>")
			fmt.Fprintln(r.out, "  discover '$.tools[*].name'")
			return true
		}
		r.callTool(ctx, sparse.ToolDiscover, map[string]any{"jsonpath": args[0]})
	case "call":
		if len(args) == 0 {
			fmt.Fprintln(r.out, "usage: call <tool> [key=value ...]")
			return true
		}
		r.callTool(ctx, args[0], r.parseArgs(args[0], args[1:]))
	case "test":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "usage: test <tool>")
			return true
		}
		r.test(ctx, args[0])
	case "onboard":
		if len(args) == 0 {
			fmt.Fprintln(r.out, "usage: onboard <identity> [instructions]")
			return true
		}
		arguments := map[string]any{"identity": args[0]}
		if len(args) > 1 {
			arguments["instructions"] = strings.Join(args[1:], " ")
		}
		r.callTool(ctx, sparse.ToolOnboarding, arguments)
	default:
		if _, ok := r.tools[name]; !ok {
			fmt.Fprintf(r.out, "unknown command or tool: %s (try 'help' or 'list')\n", name)
			return true
		}
		r.callTool(ctx, name, r.parseArgs(name, args))
	}
	return true
}

func (r *repl) help() {
	fmt.Fprint(r.out, `Commands:
  list [pattern]              list cached tools, optionally filtered
  discover <jsonpath>         query the tool catalog
  call <tool> [key=value ...] call a tool
  <tool> [key=value ...]      call a cached tool directly
  test <tool>                 call a tool with generated sample arguments
  onboard <identity> [text]   read or set onboarding instructions
  status                      show session and cache status
  refresh                     reload the tool cache
  help                        show this help
  quit                        leave the shell

A bare value after the tool name fills its first required parameter.
`)
}

// refresh reloads the tool cache: the advertised tools plus, in sparse
// mode, the full catalog behind discover.
func (r *repl) refresh(ctx context.Context) {
	clear(r.tools)
	clear(r.virtual)

	resp, err := r.call(ctx, "tools/list", map[string]any{})
	if err != nil || resp.Error != nil {
		return
	}
	var listed struct {
		Tools []replTool `json:"tools"`
	}
	if json.Unmarshal(resp.Result, &listed) != nil {
		return
	}
	sparseMode := false
	for _, t := range listed.Tools {
		r.tools[t.Name] = t
		if t.Name == sparse.ToolDiscover {
			sparseMode = true
		}
	}
	if !sparseMode {
		return
	}
	for name := range r.tools {
		r.virtual[name] = true
	}

	resp, err = r.call(ctx, "tools/call", map[string]any{
		"name":      sparse.ToolDiscover,
		"arguments": map[string]any{"jsonpath": "$.tools[*]"},
	})
	if err != nil || resp.Error != nil {
		return
	}
	text, ok := firstText(resp.Result)
	if !ok {
		return
	}
	var catalog []replTool
	if json.Unmarshal([]byte(text), &catalog) != nil {
		// A single match comes back unwrapped.
		var one replTool
		if json.Unmarshal([]byte(text), &one) != nil {
			return
		}
		catalog = []replTool{one}
	}
	for _, t := range catalog {
		if _, taken := r.tools[t.Name]; !taken && t.Name != "" {
			r.tools[t.Name] = t
		}
	}
}

func (r *repl) call(ctx context.Context, method string, params any) (*jsonrpc.Message, error) {
	req, err := jsonrpc.NewRequest(jsonrpc.IntID(int64(r.history+1)), method, params)
	if err != nil {
		return nil, err
	}
	return r.sess.Call(ctx, req)
}

func (r *repl) callTool(ctx context.Context, name string, arguments map[string]any) {
	resp, err := r.call(ctx, "tools/call", map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	if resp.Error != nil {
		fmt.Fprintf(r.out, "error: %s\n", resp.Error.Message)
		return
	}
	out, _ := response.Unwrap(resp)
	r.out.Write(out) //nolint: errcheck
}

// parseArgs turns key=value words into tool arguments. A bare word fills
// the tool's first required parameter; later bare words are numbered.
func (r *repl) parseArgs(tool string, words []string) map[string]any {
	args := map[string]any{}
	var required []string
	if t, ok := r.tools[tool]; ok {
		required = schemaRequired(t.InputSchema)
	}
	for _, w := range words {
		if key, value, ok := strings.Cut(w, "="); ok && key != "" {
			args[key] = value
			continue
		}
		if len(required) > 0 && len(args) == 0 {
			args[required[0]] = w
			continue
		}
		args[fmt.Sprintf("arg_%d", len(args))] = w
	}
	return args
}

func schemaRequired(schema map[string]any) []string {
	raw, _ := schema["required"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *repl) list(args []string) {
	pattern := ""
	if len(args) > 0 {
		pattern = strings.ToLower(args[0])
	}
	names := make([]string, 0, len(r.tools))
	for name, t := range r.tools {
		if pattern == "" || strings.Contains(strings.ToLower(name), pattern) ||
			strings.Contains(strings.ToLower(t.Description), pattern) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		fmt.Fprintln(r.out, "No tools found")
		return
	}
	slices.Sort(names)
	fmt.Fprintf(r.out, "Available tools (%d):\n", len(names))
	for _, name := range names {
		desc := strings.Join(strings.Fields(r.tools[name].Description), " ")
		if len(desc) > maxDescWidth {
			desc = desc[:maxDescWidth-3] + "..."
		}
		fmt.Fprintf(r.out, "  %s\n", name)
		if desc != "" {
			fmt.Fprintf(r.out, "      %s\n", desc)
		}
	}
}

func (r *repl) status() {
	conn := "local broker"
	if r.opts.useDaemon {
		conn = "daemon"
	}
	fmt.Fprintf(r.out, "Connection: %s\n", conn)
	if r.opts.server != "" {
		fmt.Fprintf(r.out, "Server: %s\n", r.opts.server)
	}
	fmt.Fprintf(r.out, "Tools cached: %d\n", len(r.tools))
	fmt.Fprintf(r.out, "Commands run: %d\n", r.history)
	if len(r.virtual) > 0 {
		meta := make([]string, 0, len(r.virtual))
		for name := range r.virtual {
			meta = append(meta, name)
		}
		slices.Sort(meta)
		fmt.Fprintf(r.out, "Virtual tools: %d (%s)\n", len(meta), strings.Join(meta, ", "))
		fmt.Fprintf(r.out, "Catalog tools: %d\n", len(r.tools)-len(meta))
	}
}

func (r *repl) test(ctx context.Context, name string) {
	t, ok := r.tools[name]
	if !ok {
		fmt.Fprintf(r.out, "unknown tool: %s\n", name)
		return
	}
	schema, _ := json.MarshalIndent(t.InputSchema, "", "  ")
	args := sampleArguments(t.InputSchema)
	sample, _ := json.Marshal(args)

	fmt.Fprintf(r.out, "Testing %s\n", name)
	fmt.Fprintf(r.out, "Description: %s\n", t.Description)
	fmt.Fprintf(r.out, "Schema: %s\n", schema)
	fmt.Fprintf(r.out, "Sample arguments: %s\n", sample)
	const confirm = "Proceed with test? [y/N] "
	if tty, ok := r.in.(*term.Terminal); ok {
		tty.SetPrompt(confirm)
		defer tty.SetPrompt(replPrompt)
	} else {
		fmt.Fprint(r.out, confirm)
	}

	answer, err := r.in.ReadLine()
	if err != nil || !slices.Contains([]string{"y", "yes"}, strings.ToLower(strings.TrimSpace(answer))) {
		fmt.Fprintln(r.out, "Test cancelled")
		return
	}
	r.callTool(ctx, name, args)
}

// sampleArguments builds placeholder arguments from a tool's input schema.
func sampleArguments(schema map[string]any) map[string]any {
	args := map[string]any{}
	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		typ, _ := prop["type"].(string)
		if typ == "" {
			typ = "string"
		}
		switch typ {
		case "string":
			switch lower := strings.ToLower(name); {
			case prop["example"] != nil:
				args[name] = prop["example"]
			case lower == "jsonpath" || lower == "path":
				args[name] = "$.tools[*].name"
			case lower == "query" || lower == "search":
				args[name] = "test query"
			default:
				args[name] = "sample_" + name
			}
		case "boolean":
			args[name] = false
		case "number", "integer":
			args[name] = 1
		case "array":
			args[name] = []any{"sample"}
		case "object":
			args[name] = map[string]any{}
		}
	}
	return args
}

var replCommands = []string{"call", "discover", "exit", "help", "list", "onboard", "quit", "refresh", "status", "test"}

// complete is the terminal's Tab handler: it completes the first word to a
// command or cached tool name, and the second word of call and test to a
// tool name.
func (r *repl) complete(line string, pos int, key rune) (string, int, bool) {
	if key != '\t' || pos != len(line) {
		return "", 0, false
	}
	words := strings.Fields(line)
	trailingSpace := strings.HasSuffix(line, " ")

	var prefix, head string
	var candidates []string
	switch {
	case len(words) == 0 || (len(words) == 1 && !trailingSpace):
		if len(words) == 1 {
			prefix = words[0]
		}
		candidates = append(slices.Clone(replCommands), r.toolNames()...)
	case (words[0] == "call" || words[0] == "test") &&
		((len(words) == 1 && trailingSpace) || (len(words) == 2 && !trailingSpace)):
		head = words[0] + " "
		if len(words) == 2 {
			prefix = words[1]
		}
		candidates = r.toolNames()
	default:
		return "", 0, false
	}

	var matches []string
	for _, c := range candidates {
		if strings.HasPrefix(c, prefix) {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return "", 0, false
	}
	completed := commonPrefix(matches)
	if len(matches) == 1 {
		completed += " "
	}
	newLine := head + completed
	return newLine, len(newLine), true
}

func (r *repl) toolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func commonPrefix(words []string) string {
	prefix := words[0]
	for _, w := range words[1:] {
		for !strings.HasPrefix(w, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	return prefix
}
