package daemon

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/lydakis/mcpbrowser/internal/backend"
	"github.com/lydakis/mcpbrowser/internal/broker"
	"github.com/lydakis/mcpbrowser/internal/config"
	"github.com/lydakis/mcpbrowser/internal/mcppool"
)

// Settings are the command-line choices layered over the config file.
type Settings struct {
	// ConfigPath is the file to load; empty means the default location.
	ConfigPath string
	// Server overrides default_server.
	Server     string
	NoSparse   bool
	NoBuiltins bool

	// Socket overrides the per-server default socket path.
	Socket string

	Logger *slog.Logger
}

// LoadConfig reads, completes and validates the configuration named by s.
func LoadConfig(s Settings) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if s.ConfigPath != "" {
		cfg, err = config.LoadFrom(s.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if ferr := config.MergeFallbackServers(cfg); ferr != nil && s.Logger != nil {
		s.Logger.Warn("failed to load fallback MCP server config", "error", ferr)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// BrokerOptions translates cfg and s into broker options.
func BrokerOptions(cfg *config.Config, s Settings) (broker.Options, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return broker.Options{}, err
	}

	opts := broker.Options{
		Sparse:  cfg.SparseMode && !s.NoSparse,
		Timeout: timeout,
		Backend: backend.Config{Logger: s.Logger},
		Logger:  s.Logger,
	}

	name, srv, ok, err := cfg.Primary(s.Server)
	if err != nil {
		return broker.Options{}, err
	}
	if ok {
		opts.Primary = &backend.Config{
			Name:    name,
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
			Logger:  s.Logger,
		}
		opts.PrimaryDescription = srv.Description
	}

	if cfg.EnableBuiltinServers && !s.NoBuiltins {
		opts.Builtins = builtinDefinitions(cfg.Builtin)
	}
	opts.Backends = backendDefinitions(cfg.Backends)
	return opts, nil
}

// builtinDefinitions applies [builtin.*] overrides to the default set.
func builtinDefinitions(overrides map[string]config.BuiltinConfig) []mcppool.Definition {
	var defs []mcppool.Definition
	for _, def := range mcppool.DefaultBuiltins() {
		o, ok := overrides[mcppool.ShortName(def.Name)]
		if ok && o.Disabled {
			continue
		}
		if ok && o.Command != "" {
			def.Command = o.Command
			def.Args = o.Args
		}
		if ok && len(o.Env) > 0 {
			def.Env = o.Env
		}
		defs = append(defs, def)
	}
	return defs
}

// backendDefinitions lists custom backends in name order so that
// unnamespaced routing is stable across restarts.
func backendDefinitions(backends map[string]config.ServerConfig) []mcppool.Definition {
	defs := make([]mcppool.Definition, 0, len(backends))
	for _, name := range slices.Sorted(maps.Keys(backends)) {
		defs = append(defs, definition(name, backends[name]))
	}
	return defs
}

func definition(name string, srv config.ServerConfig) mcppool.Definition {
	return mcppool.Definition{
		Name:        name,
		Command:     srv.Command,
		Args:        srv.Args,
		Env:         srv.Env,
		Description: srv.Description,
	}
}
