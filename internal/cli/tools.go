package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lydakis/mcpbrowser/internal/ipc"
	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
	"github.com/lydakis/mcpbrowser/internal/response"
	"github.com/lydakis/mcpbrowser/internal/sparse"
)

// request sends one request on a fresh session and returns the answer.
func request(ctx context.Context, opts *globalOptions, method string, params any) (*jsonrpc.Message, error) {
	req, err := jsonrpc.NewRequest(jsonrpc.IntID(1), method, params)
	if err != nil {
		return nil, err
	}
	return send(ctx, opts, req)
}

func send(ctx context.Context, opts *globalOptions, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	sess, err := openSession(ctx, opts)
	if err != nil {
		return nil, &ExitError{Code: ipc.ExitInternal, Cause: err}
	}
	defer sess.Close()
	return sess.Call(ctx, req)
}

// printToolResult writes a tools/call answer and maps it to an exit code.
func printToolResult(cmd *cobra.Command, resp *jsonrpc.Message) error {
	out, code := response.Unwrap(resp)
	w := cmd.OutOrStdout()
	if code == ipc.ExitUsageErr || code == ipc.ExitInternal {
		w = cmd.ErrOrStderr()
	}
	if _, err := w.Write(out); err != nil {
		return err
	}
	return exitCode(code)
}

func newToolsListCommand(opts *globalOptions) *cobra.Command {
	var (
		asJSON  bool
		names   bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "tools-list",
		Short: "List the tools a client sees",
		Long: `List the tools a connected client would see. In sparse mode that is
the three virtual tools; use --no-sparse to list the real catalog.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := request(commandContext(cmd), opts, "tools/list", map[string]any{})
			if err != nil {
				return err
			}
			if resp.Error != nil {
				return &ExitError{Code: response.ExitCode(resp.Error), Message: resp.Error.Message}
			}
			if asJSON {
				out, err := response.Indent(resp.Result)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			entries, err := decodeToolListPayload(resp.Result)
			if err != nil {
				return err
			}
			if names {
				for _, name := range toolListNames(entries) {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}
			return writeToolListText(cmd.OutOrStdout(), entries, verbose)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw tools/list result")
	cmd.Flags().BoolVar(&names, "names", false, "Print sorted tool names only")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print full descriptions")
	return cmd
}

func newToolsCallCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools-call <name> [json-arguments|-]",
		Short: "Call a tool and print its result",
		Long: `Call a tool by name. Arguments are a JSON object given inline or,
with "-", read from stdin. Namespaced names like builtin:memory::search
reach router backends directly.

Exit codes: 0 success, 1 the tool reported an error, 2 usage error,
3 internal error.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := "{}"
			if len(args) == 2 {
				raw = args[1]
			}
			arguments, err := readArguments(raw, cmd.InOrStdin())
			if err != nil {
				return err
			}
			resp, err := request(commandContext(cmd), opts, "tools/call", map[string]any{
				"name":      args[0],
				"arguments": arguments,
			})
			if err != nil {
				return err
			}
			return printToolResult(cmd, resp)
		},
	}
}

func newDiscoverCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discover <jsonpath>",
		Short: "Query the tool catalog with JSONPath",
		Long: `Evaluate a JSONPath expression against the catalog document
{tools, servers, metadata}. Examples:

  mcpbrowser discover '$.tools[*].name'
  mcpbrowser discover '$.tools[?(@.name =~ /search/i)]'
  mcpbrowser discover '$.servers'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(commandContext(cmd), opts, "tools/call", map[string]any{
				"name":      sparse.ToolDiscover,
				"arguments": map[string]any{"jsonpath": args[0]},
			})
			if err != nil {
				return err
			}
			return printToolResult(cmd, resp)
		},
	}
}

func newJSONRPCCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "jsonrpc <json|->",
		Short: "Send a raw JSON-RPC message and print the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			req, err := jsonrpc.Decode(raw)
			if err != nil {
				return usageError("invalid JSON-RPC message: %v", err)
			}
			if req.JSONRPC == "" {
				req.JSONRPC = jsonrpc.Version
			}
			resp, err := send(commandContext(cmd), opts, req)
			if err != nil {
				return err
			}
			if resp == nil {
				return nil
			}
			data, err := jsonrpc.Encode(resp)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// readArguments decodes a tools/call arguments object.
func readArguments(raw string, stdin io.Reader) (json.RawMessage, error) {
	data, err := readInput(raw, stdin)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, usageError("arguments must be a JSON object: %s", strings.TrimSpace(string(data)))
	}
	return json.RawMessage(data), nil
}

// readInput returns arg itself, or stdin when arg is "-".
func readInput(arg string, stdin io.Reader) ([]byte, error) {
	if arg != "-" {
		return []byte(arg), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return data, nil
}
