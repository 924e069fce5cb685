package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/lydakis/mcpbrowser/internal/daemon"
	"github.com/lydakis/mcpbrowser/internal/ipc"
	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
	"github.com/lydakis/mcpbrowser/internal/sparse"
)

var (
	inspectDaemonFn = daemon.Inspect
	stopDaemonFn    = daemon.Stop
)

func newDaemonCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the shared background broker",
		Long: `The daemon owns one broker and shares it with every client that
connects to its Unix socket. There is one daemon per primary server.`,
	}

	cmd.AddCommand(newDaemonRunCommand(opts))
	cmd.AddCommand(newDaemonStartCommand(opts))
	cmd.AddCommand(newDaemonStopCommand(opts))
	cmd.AddCommand(newDaemonStatusCommand(opts))
	return cmd
}

func newDaemonRunCommand(opts *globalOptions) *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := opts.settings()
			s.Socket = socket
			return daemon.Run(commandContext(cmd), s)
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "Socket path (default: per-server path in the runtime dir)")
	return cmd
}

func newDaemonStartCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background if it is not running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sock, err := spawnOrConnectFn(opts.settings())
			if err != nil {
				return err
			}
			st := inspectDaemonFn(sock)
			fmt.Fprintf(cmd.OutOrStdout(), "daemon running on %s (pid %d)\n", sock, st.PID)
			return nil
		},
	}
}

func newDaemonStopCommand(opts *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sock := daemon.SocketFor(opts.settings())
			err := stopDaemonFn(sock, timeout)
			if errors.Is(err, daemon.ErrNotRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon not running")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the daemon to exit")
	return cmd
}

func newDaemonStatusCommand(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running and its backends' states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sock := daemon.SocketFor(opts.settings())
			st := inspectDaemonFn(sock)
			servers := map[string]any{}
			if st.Running {
				servers = daemonServers(sock)
			}
			if asJSON {
				return writeStatusJSON(cmd.OutOrStdout(), st, servers)
			}
			writeStatusText(cmd.OutOrStdout(), st, servers)
			if !st.Running {
				return exitCode(ipc.ExitToolErr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

// daemonServers asks a running daemon for its servers metadata. Failures
// leave the map empty; status is best effort.
func daemonServers(sock string) map[string]any {
	c, err := ipc.Dial(sock, dialTimeout)
	if err != nil {
		return map[string]any{}
	}
	defer c.Close()

	req, err := jsonrpc.NewRequest(jsonrpc.IntID(1), "tools/call", map[string]any{
		"name":      sparse.ToolDiscover,
		"arguments": map[string]any{"jsonpath": "$.servers"},
	})
	if err != nil {
		return map[string]any{}
	}
	resp, err := c.Call(req)
	if err != nil || resp == nil || resp.Error != nil {
		return map[string]any{}
	}
	text, ok := firstText(resp.Result)
	if !ok {
		return map[string]any{}
	}
	var servers map[string]any
	if err := json.Unmarshal([]byte(text), &servers); err != nil {
		return map[string]any{}
	}
	return servers
}

func writeStatusJSON(w io.Writer, st daemon.Status, servers map[string]any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"socket":  st.Socket,
		"pid":     st.PID,
		"running": st.Running,
		"stale":   st.Stale,
		"servers": servers,
	})
}

func writeStatusText(w io.Writer, st daemon.Status, servers map[string]any) {
	switch {
	case st.Running:
		fmt.Fprintf(w, "daemon running on %s (pid %d)\n", st.Socket, st.PID)
	case st.Stale:
		fmt.Fprintf(w, "daemon not running (stale state at %s)\n", st.Socket)
	default:
		fmt.Fprintln(w, "daemon not running")
	}
	for _, name := range slices.Sorted(maps.Keys(servers)) {
		state := ""
		if info, ok := servers[name].(map[string]any); ok {
			state, _ = info["state"].(string)
		}
		fmt.Fprintf(w, "  %s\t%s\n", name, state)
	}
}

// firstText returns the first text block of a tools/call result.
func firstText(result json.RawMessage) (string, bool) {
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return "", false
	}
	for _, c := range res.Content {
		if c.Type == "text" {
			return c.Text, true
		}
	}
	return "", false
}
