package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/lydakis/mcpbrowser/internal/paths"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the config file and returns the parsed Config.
// If the config file does not exist, it returns Default() (no error).
func Load() (*Config, error) {
	return LoadFrom(paths.ConfigFile())
}

// LoadForEdit reads the config file for in-place edits.
// Unlike Load, it preserves raw ${ENV_VAR} placeholders.
func LoadForEdit() (*Config, error) {
	return LoadForEditFrom(paths.ConfigFile())
}

// LoadFrom reads and parses a config file at the given path. Files ending in
// .yaml or .yml are read as YAML, everything else as TOML.
func LoadFrom(path string) (*Config, error) {
	return loadFrom(path, true)
}

// LoadForEditFrom reads and parses a config file at the given path for edits.
// It intentionally skips env expansion so writes do not bake secrets.
func LoadForEditFrom(path string) (*Config, error) {
	return loadFrom(path, false)
}

// ExpandServerForCurrentEnv returns a copy of server with ${ENV_VAR}
// placeholders expanded from the current process environment.
func ExpandServerForCurrentEnv(server ServerConfig) ServerConfig {
	return expandServerEnvVars(cloneServerConfig(server))
}

func loadFrom(path string, expand bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if isYAML(path) {
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	fillMaps(cfg)
	if expand {
		expandConfigEnvVars(cfg)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func fillMaps(cfg *Config) {
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}
	if cfg.Builtin == nil {
		cfg.Builtin = make(map[string]BuiltinConfig)
	}
	if cfg.Backends == nil {
		cfg.Backends = make(map[string]ServerConfig)
	}
}

// ExampleConfigPath returns the default config file path (for help messages).
func ExampleConfigPath() string {
	return paths.ConfigFile()
}

// Example returns the starter configuration written by config init.
func Example() *Config {
	cfg := Default()
	cfg.Servers["default"] = ServerConfig{
		Command:     "npx",
		Args:        []string{"-y", "@modelcontextprotocol/server-memory"},
		Description: "Default in-memory MCP server",
	}
	return cfg
}

func expandConfigEnvVars(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.DefaultServer = expandEnvVars(cfg.DefaultServer)
	cfg.Daemon.MetricsAddr = expandEnvVars(cfg.Daemon.MetricsAddr)
	for i := range cfg.FallbackSources {
		cfg.FallbackSources[i] = expandEnvVars(cfg.FallbackSources[i])
	}

	for name, srv := range cfg.Servers {
		cfg.Servers[name] = expandServerEnvVars(srv)
	}
	for name, srv := range cfg.Backends {
		cfg.Backends[name] = expandServerEnvVars(srv)
	}
	for name, b := range cfg.Builtin {
		b.Command = expandEnvVars(b.Command)
		expandSlice(b.Args)
		expandMap(b.Env)
		cfg.Builtin[name] = b
	}
}

func expandServerEnvVars(srv ServerConfig) ServerConfig {
	srv.Command = expandEnvVars(srv.Command)
	expandSlice(srv.Args)
	expandMap(srv.Env)
	return srv
}

func expandSlice(values []string) {
	for i := range values {
		values[i] = expandEnvVars(values[i])
	}
}

func expandMap(values map[string]string) {
	for k, v := range values {
		values[k] = expandEnvVars(v)
	}
}

// expandEnvVars replaces ${VAR_NAME} with the value of the environment variable.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // leave unresolved vars as-is
	})
}
