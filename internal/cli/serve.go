package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lydakis/mcpbrowser/internal/ipc"
	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
	"github.com/lydakis/mcpbrowser/internal/logging"
)

func newServeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdin and stdout",
		Long: `Serve reads newline-delimited JSON-RPC requests from stdin and writes
the answers to stdout. Point an MCP client's server command at it.

With --daemon the requests are relayed to the shared background daemon
instead of a broker owned by this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(commandContext(cmd), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runServe(ctx context.Context, opts *globalOptions, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	logger := logging.OrDefault(opts.logger).With("component", "serve")
	handler := func(ctx context.Context, req *jsonrpc.Message) *jsonrpc.Message {
		resp, err := sess.Call(ctx, req)
		if err != nil {
			logger.Error("request failed", "method", req.Method, "error", err)
			if !req.ExpectsResponse() {
				return nil
			}
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error())
		}
		return resp
	}

	// Reading stdin cannot be interrupted, so a signal ends serving without
	// waiting for the reader.
	done := make(chan error, 1)
	go func() { done <- ipc.ServeStream(ctx, in, out, handler, logger) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
