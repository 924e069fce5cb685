package config

import (
	"fmt"
	"time"
)

// NoPrimary as default_server runs the broker on router backends only.
const NoPrimary = "builtin-only"

// Config is the top-level mcpbrowser configuration.
type Config struct {
	// DefaultServer names the entry in Servers used as the primary backend.
	DefaultServer        string `toml:"default_server"`
	SparseMode           bool   `toml:"sparse_mode"`
	EnableBuiltinServers bool   `toml:"enable_builtin_servers"`
	// Timeout bounds requests passed through to the primary backend.
	Timeout string `toml:"timeout"`
	Debug   bool   `toml:"debug"`

	Servers  map[string]ServerConfig  `toml:"servers"`
	Builtin  map[string]BuiltinConfig `toml:"builtin"`
	Backends map[string]ServerConfig  `toml:"backends"`
	Daemon   DaemonConfig             `toml:"daemon"`

	// FallbackSources replaces the default list of external mcpServers
	// documents imported when Servers is empty. An explicit empty list
	// disables the import.
	FallbackSources []string `toml:"fallback_sources,omitempty"`
}

// ServerConfig describes how to launch one MCP server over stdio.
type ServerConfig struct {
	Command     string            `toml:"command"`
	Args        []string          `toml:"args,omitempty"`
	Env         map[string]string `toml:"env,omitempty"`
	Description string            `toml:"description,omitempty"`
}

// BuiltinConfig overrides a built-in backend. Keys are short names such as
// "memory" for builtin:memory.
type BuiltinConfig struct {
	Command  string            `toml:"command,omitempty"`
	Args     []string          `toml:"args,omitempty"`
	Env      map[string]string `toml:"env,omitempty"`
	Disabled bool              `toml:"disabled,omitempty"`
}

// DaemonConfig holds settings only the background daemon reads.
type DaemonConfig struct {
	// IdleTimeout shuts the daemon down after this long without clients.
	// Zero disables idle shutdown.
	IdleTimeout string `toml:"idle_timeout"`
	// MetricsAddr serves /metrics on host:port. Empty disables it.
	MetricsAddr string `toml:"metrics_addr"`
	WatchConfig bool   `toml:"watch_config"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultServer:        "default",
		SparseMode:           true,
		EnableBuiltinServers: true,
		Timeout:              "30s",
		Servers:              make(map[string]ServerConfig),
		Builtin:              make(map[string]BuiltinConfig),
		Backends:             make(map[string]ServerConfig),
		Daemon: DaemonConfig{
			IdleTimeout: "0s",
			WatchConfig: true,
		},
	}
}

// TimeoutDuration returns the primary request timeout. An empty value means
// the broker default.
func (c *Config) TimeoutDuration() (time.Duration, error) {
	return parseDuration("timeout", c.Timeout)
}

// IdleTimeoutDuration returns the daemon idle timeout.
func (c *Config) IdleTimeoutDuration() (time.Duration, error) {
	return parseDuration("daemon.idle_timeout", c.Daemon.IdleTimeout)
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must be >= 0, got %q", field, raw)
	}
	return d, nil
}

// Primary resolves the primary backend. override, when non-empty, replaces
// default_server. It returns ok=false when the broker should run without a
// primary, and an error when the name is not configured.
func (c *Config) Primary(override string) (name string, srv ServerConfig, ok bool, err error) {
	name = c.DefaultServer
	if override != "" {
		name = override
	}
	if name == "" || name == NoPrimary {
		return name, ServerConfig{}, false, nil
	}
	srv, found := c.Servers[name]
	if !found {
		// The implicit default is optional; anything named explicitly is not.
		if override == "" && name == "default" {
			return name, ServerConfig{}, false, nil
		}
		return name, ServerConfig{}, false, fmt.Errorf("server %q not found in configuration", name)
	}
	return name, srv, true, nil
}
