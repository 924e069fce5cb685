package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// builtinNames are the short names accepted under [builtin.*].
var builtinNames = []string{"screen", "memory", "patterns", "onboarding"}

// Validate checks configuration invariants and returns actionable errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var errs []error
	if _, err := cfg.TimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.IdleTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}

	for _, name := range slices.Sorted(maps.Keys(cfg.Servers)) {
		errs = append(errs, validateServer("servers", name, cfg.Servers[name])...)
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Backends)) {
		errs = append(errs, validateServer("backends", name, cfg.Backends[name])...)
		switch {
		case strings.Contains(name, "::"):
			errs = append(errs, fmt.Errorf("backends.%s: name must not contain \"::\"", name))
		case strings.HasPrefix(name, "builtin:") || slices.Contains(builtinNames, name):
			errs = append(errs, fmt.Errorf("backends.%s: name collides with a built-in backend", name))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Builtin)) {
		if !slices.Contains(builtinNames, name) {
			errs = append(errs, fmt.Errorf("builtin.%s: unknown built-in, want one of %s", name, strings.Join(builtinNames, ", ")))
		}
	}

	if name := cfg.DefaultServer; name != "" && name != NoPrimary && name != "default" {
		if _, ok := cfg.Servers[name]; !ok {
			errs = append(errs, fmt.Errorf("default_server: %q is not a configured server", name))
		}
	}

	return errors.Join(errs...)
}

// ValidateForCurrentEnv checks config invariants after expanding ${ENV_VAR}
// placeholders against the current process environment.
func ValidateForCurrentEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	expanded := cloneConfig(cfg)
	expandConfigEnvVars(expanded)
	return Validate(expanded)
}

func cloneConfig(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}

	cloned := *cfg
	if cfg.FallbackSources != nil {
		cloned.FallbackSources = append([]string{}, cfg.FallbackSources...)
	}
	cloned.Servers = make(map[string]ServerConfig, len(cfg.Servers))
	for name, srv := range cfg.Servers {
		cloned.Servers[name] = cloneServerConfig(srv)
	}
	cloned.Backends = make(map[string]ServerConfig, len(cfg.Backends))
	for name, srv := range cfg.Backends {
		cloned.Backends[name] = cloneServerConfig(srv)
	}
	cloned.Builtin = make(map[string]BuiltinConfig, len(cfg.Builtin))
	for name, b := range cfg.Builtin {
		b.Args = slices.Clone(b.Args)
		b.Env = maps.Clone(b.Env)
		cloned.Builtin[name] = b
	}
	return &cloned
}

func cloneServerConfig(srv ServerConfig) ServerConfig {
	cloned := srv
	cloned.Args = slices.Clone(srv.Args)
	cloned.Env = maps.Clone(srv.Env)
	return cloned
}

func validateServer(section, name string, srv ServerConfig) []error {
	var errs []error
	if strings.TrimSpace(srv.Command) == "" {
		errs = append(errs, fmt.Errorf("%s.%s: missing command", section, name))
	}
	for key := range srv.Env {
		if key == "" || strings.Contains(key, "=") {
			errs = append(errs, fmt.Errorf("%s.%s.env: invalid variable name %q", section, name, key))
		}
	}
	return errs
}
