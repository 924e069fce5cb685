package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lydakis/mcpbrowser/internal/broker"
	"github.com/lydakis/mcpbrowser/internal/ipc"
	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
	"github.com/lydakis/mcpbrowser/internal/response"
)

// callResult sends one request and returns its result, turning a JSON-RPC error
// into the matching exit code.
func callResult(cmd *cobra.Command, opts *globalOptions, method string, params any) (json.RawMessage, error) {
	resp, err := request(commandContext(cmd), opts, method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &ExitError{Code: response.ExitCode(resp.Error), Message: resp.Error.Message}
	}
	return resp.Result, nil
}

func writeIndented(w io.Writer, raw json.RawMessage) error {
	out, err := response.Indent(raw)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func newResourcesListCommand(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "resources-list",
		Short: "List the resources the primary server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := callResult(cmd, opts, "resources/list", map[string]any{})
			if err != nil {
				return err
			}
			if asJSON {
				return writeIndented(cmd.OutOrStdout(), raw)
			}
			var res struct {
				Resources []struct {
					URI  string `json:"uri"`
					Name string `json:"name"`
				} `json:"resources"`
			}
			if err := json.Unmarshal(raw, &res); err != nil {
				return fmt.Errorf("decoding resources/list result: %w", err)
			}
			for _, r := range res.Resources {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", r.URI, r.Name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw resources/list result")
	return cmd
}

func newResourcesReadCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resources-read <uri>",
		Short: "Read a resource and print its contents",
		Long: `Read a resource by URI. Text contents are printed as is; anything
else is printed as the raw result.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := callResult(cmd, opts, "resources/read", map[string]any{"uri": args[0]})
			if err != nil {
				return err
			}
			var res struct {
				Contents []struct {
					Text *string `json:"text"`
				} `json:"contents"`
			}
			if err := json.Unmarshal(raw, &res); err != nil || len(res.Contents) == 0 {
				return writeIndented(cmd.OutOrStdout(), raw)
			}
			for _, c := range res.Contents {
				if c.Text == nil {
					return writeIndented(cmd.OutOrStdout(), raw)
				}
			}
			for _, c := range res.Contents {
				fmt.Fprintln(cmd.OutOrStdout(), *c.Text)
			}
			return nil
		},
	}
}

func newPromptsListCommand(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "prompts-list",
		Short: "List the prompts the primary server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := callResult(cmd, opts, "prompts/list", map[string]any{})
			if err != nil {
				return err
			}
			if asJSON {
				return writeIndented(cmd.OutOrStdout(), raw)
			}
			var res struct {
				Prompts []struct {
					Name        string `json:"name"`
					Description string `json:"description"`
				} `json:"prompts"`
			}
			if err := json.Unmarshal(raw, &res); err != nil {
				return fmt.Errorf("decoding prompts/list result: %w", err)
			}
			for _, p := range res.Prompts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", p.Name, p.Description)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw prompts/list result")
	return cmd
}

func newPromptsGetCommand(opts *globalOptions) *cobra.Command {
	var arguments string
	cmd := &cobra.Command{
		Use:   "prompts-get <name>",
		Short: "Render a prompt and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var promptArgs map[string]string
			if err := json.Unmarshal([]byte(arguments), &promptArgs); err != nil || promptArgs == nil {
				return usageError("--arguments must be a JSON object of strings: %s", arguments)
			}
			raw, err := callResult(cmd, opts, "prompts/get", map[string]any{
				"name":      args[0],
				"arguments": promptArgs,
			})
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVarP(&arguments, "arguments", "a", "{}", "Prompt arguments as a JSON object")
	return cmd
}

func newCompletionCommand(opts *globalOptions) *cobra.Command {
	var (
		ref      string
		argument string
		value    string
		prompt   bool
	)
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Ask the primary server for argument completions",
		Long: `Request completion/complete for an argument of a resource template
(--ref is its URI) or, with --prompt, of a prompt (--ref is its name).
Suggested values are printed one per line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			refObj := map[string]any{"type": "ref/resource", "uri": ref}
			if prompt {
				refObj = map[string]any{"type": "ref/prompt", "name": ref}
			}
			raw, err := callResult(cmd, opts, "completion/complete", map[string]any{
				"ref":      refObj,
				"argument": map[string]any{"name": argument, "value": value},
			})
			if err != nil {
				return err
			}
			var res struct {
				Completion struct {
					Values []string `json:"values"`
				} `json:"completion"`
			}
			if err := json.Unmarshal(raw, &res); err != nil {
				return fmt.Errorf("decoding completion result: %w", err)
			}
			for _, v := range res.Completion.Values {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "Resource URI, or prompt name with --prompt")
	cmd.Flags().StringVar(&argument, "argument", "", "Name of the argument being completed")
	cmd.Flags().StringVar(&value, "value", "", "Partial value typed so far")
	cmd.Flags().BoolVar(&prompt, "prompt", false, "Complete a prompt argument instead of a resource")
	cmd.MarkFlagRequired("ref")      //nolint: errcheck
	cmd.MarkFlagRequired("argument") //nolint: errcheck
	return cmd
}

func newTestCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Check that the configured servers start and list tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			name := opts.server
			if name == "" {
				name = "default"
			}
			fmt.Fprintf(w, "Testing connection to server: %s\n", name)

			ctx := commandContext(cmd)
			sess, err := openSession(ctx, opts)
			if err != nil {
				return &ExitError{Code: ipc.ExitInternal, Message: "connection failed", Cause: err}
			}
			defer sess.Close()

			calls := []struct {
				method string
				params any
			}{
				{"initialize", map[string]any{
					"protocolVersion": "2025-06-18",
					"capabilities":    map[string]any{},
					"clientInfo":      map[string]any{"name": "mcpbrowser-test", "version": broker.ServerVersion},
				}},
				{"tools/list", map[string]any{}},
			}
			var tools json.RawMessage
			for i, c := range calls {
				req, err := jsonrpc.NewRequest(jsonrpc.IntID(int64(i+1)), c.method, c.params)
				if err != nil {
					return err
				}
				resp, err := sess.Call(ctx, req)
				if err != nil {
					return &ExitError{Code: ipc.ExitInternal, Message: "connection failed", Cause: err}
				}
				if resp.Error != nil {
					return &ExitError{Code: response.ExitCode(resp.Error), Message: c.method + " failed: " + resp.Error.Message}
				}
				tools = resp.Result
			}
			fmt.Fprintln(w, "Connected")

			entries, err := decodeToolListPayload(tools)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Server provides %d tools\n", len(entries))
			if !opts.noSparse {
				fmt.Fprintln(w, "(sparse mode: showing virtual tools only)")
			}
			return nil
		},
	}
}
