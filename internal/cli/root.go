// Package cli implements the mcpbrowser command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lydakis/mcpbrowser/internal/daemon"
	"github.com/lydakis/mcpbrowser/internal/ipc"
	"github.com/lydakis/mcpbrowser/internal/logging"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	server     string
	noSparse   bool
	noBuiltins bool
	useDaemon  bool
	logFile    string
	debug      bool

	logger  *slog.Logger
	logSink io.Closer
}

// settings translates the flags into daemon settings.
func (o *globalOptions) settings() daemon.Settings {
	return daemon.Settings{
		ConfigPath: o.configPath,
		Server:     o.server,
		NoSparse:   o.noSparse,
		NoBuiltins: o.noBuiltins,
		Logger:     o.logger,
	}
}

// setupLogging builds the command's logger. Logs never go to stdout, which
// carries the protocol in serve mode.
func (o *globalOptions) setupLogging(stderr io.Writer) error {
	cfg, envErr := logging.FromEnv()
	cfg.Output = stderr
	if o.debug {
		cfg.Level = "debug"
	}
	if o.logFile != "" {
		f, err := os.OpenFile(o.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		cfg.Output = f
		o.logSink = f
	}
	o.logger = logging.New(cfg)
	if envErr != nil {
		o.logger.Warn("ignoring invalid logging environment", "error", envErr)
	}
	return nil
}

func (o *globalOptions) closeLogging() {
	if o.logSink != nil {
		o.logSink.Close()
		o.logSink = nil
	}
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "mcpbrowser",
		Short: "MCP broker with sparse tool discovery",
		Long: `mcpbrowser sits between an MCP client and one or more MCP servers.

In sparse mode it advertises three tools (discover, call, onboarding) and
keeps the full catalog behind a JSONPath query, so clients with small
context windows can still reach every tool.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setupLogging(cmd.ErrOrStderr())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			opts.closeLogging()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to config file (default: $XDG_CONFIG_HOME/mcpbrowser/config.toml)")
	flags.StringVar(&opts.server, "server", "", "Primary server to use instead of default_server")
	flags.BoolVar(&opts.noSparse, "no-sparse", false, "Pass the real tool catalog through instead of the virtual tools")
	flags.BoolVar(&opts.noBuiltins, "no-builtins", false, "Do not start the built-in backends")
	flags.BoolVar(&opts.useDaemon, "daemon", false, "Route requests through the shared daemon, starting it if needed")
	flags.StringVar(&opts.logFile, "log-file", "", "Append logs to this file instead of stderr")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newDaemonCommand(opts))
	cmd.AddCommand(newToolsListCommand(opts))
	cmd.AddCommand(newToolsCallCommand(opts))
	cmd.AddCommand(newDiscoverCommand(opts))
	cmd.AddCommand(newJSONRPCCommand(opts))
	cmd.AddCommand(newResourcesListCommand(opts))
	cmd.AddCommand(newResourcesReadCommand(opts))
	cmd.AddCommand(newPromptsListCommand(opts))
	cmd.AddCommand(newPromptsGetCommand(opts))
	cmd.AddCommand(newCompletionCommand(opts))
	cmd.AddCommand(newTestCommand(opts))
	cmd.AddCommand(newInteractiveCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

// Run executes the command line and returns the process exit code.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ipc.ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Message != "" || exitErr.Cause != nil {
			fmt.Fprintf(stderr, "mcpbrowser: %v\n", exitErr)
		}
		return exitErr.Code
	}
	fmt.Fprintf(stderr, "mcpbrowser: %v\n", err)
	if isUsageError(err) {
		return ipc.ExitUsageErr
	}
	return ipc.ExitInternal
}
