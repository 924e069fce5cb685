package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlConfig is the YAML on-disk shape. It accepts a command given as a
// list (program followed by leading arguments) and a timeout given as
// seconds.
type yamlConfig struct {
	DefaultServer        *string                `yaml:"default_server"`
	SparseMode           *bool                  `yaml:"sparse_mode"`
	EnableBuiltinServers *bool                  `yaml:"enable_builtin_servers"`
	Timeout              *yamlDuration          `yaml:"timeout"`
	Debug                *bool                  `yaml:"debug"`
	Servers              map[string]yamlServer  `yaml:"servers"`
	Builtin              map[string]yamlBuiltin `yaml:"builtin"`
	Backends             map[string]yamlServer  `yaml:"backends"`
	Daemon               *yamlDaemon            `yaml:"daemon"`
	FallbackSources      []string               `yaml:"fallback_sources"`
}

type yamlServer struct {
	Command     yamlCommand       `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Description string            `yaml:"description"`
}

type yamlBuiltin struct {
	Command  yamlCommand       `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Disabled bool              `yaml:"disabled"`
}

type yamlDaemon struct {
	IdleTimeout *yamlDuration `yaml:"idle_timeout"`
	MetricsAddr string        `yaml:"metrics_addr"`
	WatchConfig *bool         `yaml:"watch_config"`
}

// yamlCommand is a scalar command or a list whose tail is prepended to args.
type yamlCommand []string

func (c *yamlCommand) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = yamlCommand{node.Value}
		return nil
	case yaml.SequenceNode:
		var parts []string
		if err := node.Decode(&parts); err != nil {
			return err
		}
		*c = parts
		return nil
	}
	return fmt.Errorf("line %d: command must be a string or a list", node.Line)
}

func (c yamlCommand) split(args []string) (string, []string) {
	if len(c) == 0 {
		return "", args
	}
	if len(c) == 1 {
		return c[0], args
	}
	return c[0], append(append([]string(nil), c[1:]...), args...)
}

// yamlDuration accepts a Go duration string or a number of seconds.
type yamlDuration string

func (d *yamlDuration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = yamlDuration(time.Duration(secs * float64(time.Second)).String())
		return nil
	}
	*d = yamlDuration(node.Value)
	return nil
}

// decodeYAML overlays a YAML document on cfg.
func decodeYAML(data []byte, cfg *Config) error {
	var doc yamlConfig
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}

	if doc.DefaultServer != nil {
		cfg.DefaultServer = *doc.DefaultServer
	}
	if doc.SparseMode != nil {
		cfg.SparseMode = *doc.SparseMode
	}
	if doc.EnableBuiltinServers != nil {
		cfg.EnableBuiltinServers = *doc.EnableBuiltinServers
	}
	if doc.Timeout != nil {
		cfg.Timeout = string(*doc.Timeout)
	}
	if doc.Debug != nil {
		cfg.Debug = *doc.Debug
	}
	if doc.FallbackSources != nil {
		cfg.FallbackSources = doc.FallbackSources
	}

	fillMaps(cfg)
	for name, srv := range doc.Servers {
		cfg.Servers[name] = srv.toServer()
	}
	for name, srv := range doc.Backends {
		cfg.Backends[name] = srv.toServer()
	}
	for name, b := range doc.Builtin {
		command, args := b.Command.split(b.Args)
		cfg.Builtin[name] = BuiltinConfig{Command: command, Args: args, Env: b.Env, Disabled: b.Disabled}
	}

	if doc.Daemon != nil {
		if doc.Daemon.IdleTimeout != nil {
			cfg.Daemon.IdleTimeout = string(*doc.Daemon.IdleTimeout)
		}
		if doc.Daemon.MetricsAddr != "" {
			cfg.Daemon.MetricsAddr = doc.Daemon.MetricsAddr
		}
		if doc.Daemon.WatchConfig != nil {
			cfg.Daemon.WatchConfig = *doc.Daemon.WatchConfig
		}
	}
	return nil
}

func (s yamlServer) toServer() ServerConfig {
	command, args := s.Command.split(s.Args)
	return ServerConfig{Command: command, Args: args, Env: s.Env, Description: s.Description}
}
