package cli

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/lydakis/mcpbrowser/internal/bootstrap"
	"github.com/lydakis/mcpbrowser/internal/broker"
	"github.com/lydakis/mcpbrowser/internal/config"
	"github.com/lydakis/mcpbrowser/internal/daemon"
	"github.com/lydakis/mcpbrowser/internal/ipc"
	"github.com/lydakis/mcpbrowser/internal/mcppool"
)

func newConfigCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create the configuration file",
	}
	cmd.AddCommand(newConfigShowCommand(opts))
	cmd.AddCommand(newConfigInitCommand(opts))
	cmd.AddCommand(newConfigServersCommand(opts))
	cmd.AddCommand(newConfigValidateCommand(opts))
	return cmd
}

func (o *globalOptions) configFile() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.ExampleConfigPath()
}

func newConfigShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with placeholders unexpanded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadForEditFrom(opts.configFile())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", opts.configFile())
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
}

func newConfigInitCommand(opts *globalOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.configFile()
			if _, err := os.Stat(path); err == nil && !force {
				return usageError("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveTo(path, config.Example()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newConfigServersCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List configured servers, custom backends and built-ins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := daemon.LoadConfig(opts.settings())
			if err != nil {
				return &ExitError{Code: ipc.ExitUsageErr, Cause: err}
			}
			bopts, err := daemon.BrokerOptions(cfg, opts.settings())
			if err != nil {
				return &ExitError{Code: ipc.ExitUsageErr, Cause: err}
			}
			primary := ""
			if bopts.Primary != nil {
				primary = bopts.Primary.Name
			}
			return writeServers(cmd.OutOrStdout(), cfg, primary, bopts.Builtins)
		},
	}
}

func newConfigValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := daemon.LoadConfig(opts.settings())
			if err != nil {
				return &ExitError{Code: ipc.ExitUsageErr, Cause: err}
			}
			bopts, err := daemon.BrokerOptions(cfg, opts.settings())
			if err != nil {
				return &ExitError{Code: ipc.ExitUsageErr, Cause: err}
			}
			// Missing runtimes warn without failing validation.
			if err := bootstrap.CheckDefinitions(launchDefinitions(bopts)); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", opts.configFile())
			return nil
		},
	}
}

// launchDefinitions lists every backend the broker would spawn.
func launchDefinitions(bopts broker.Options) []mcppool.Definition {
	var defs []mcppool.Definition
	if p := bopts.Primary; p != nil {
		defs = append(defs, mcppool.Definition{Name: p.Name, Command: p.Command, Args: p.Args})
	}
	defs = append(defs, bopts.Builtins...)
	return append(defs, bopts.Backends...)
}

func writeServers(w io.Writer, cfg *config.Config, primary string, builtins []mcppool.Definition) error {
	var b strings.Builder
	if len(cfg.Servers) == 0 && len(cfg.Backends) == 0 && len(builtins) == 0 {
		fmt.Fprintln(&b, "No MCP servers configured.")
		fmt.Fprintf(&b, "Create a config file at %s\n", config.ExampleConfigPath())
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Servers)) {
		marker := " "
		if name == primary {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s\t%s\n", marker, name, describe(cfg.Servers[name]))
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Backends)) {
		fmt.Fprintf(&b, "  %s\t%s\t(backend)\n", name, describe(cfg.Backends[name]))
	}
	for _, def := range builtins {
		fmt.Fprintf(&b, "  %s\t%s\t(built-in)\n", def.Name, strings.Join(append([]string{def.Command}, def.Args...), " "))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func describe(srv config.ServerConfig) string {
	if srv.Description != "" {
		return srv.Description
	}
	return strings.Join(append([]string{srv.Command}, srv.Args...), " ")
}
