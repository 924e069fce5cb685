package config

import (
	"strings"
	"testing"
)

func TestValidateAcceptsExample(t *testing.T) {
	cfg := Example()
	cfg.DefaultServer = "default"
	cfg.Backends["search"] = ServerConfig{Command: "search-mcp"}
	cfg.Builtin["memory"] = BuiltinConfig{Command: "my-memory"}

	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.DefaultServer = "ghost"
	cfg.Timeout = "soon"
	cfg.Daemon.IdleTimeout = "-1s"
	cfg.Servers["empty"] = ServerConfig{}
	cfg.Backends["a::b"] = ServerConfig{Command: "x"}
	cfg.Backends["memory"] = ServerConfig{Command: "x"}
	cfg.Builtin["clock"] = BuiltinConfig{Disabled: true}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error = nil, want non-nil")
	}

	msg := err.Error()
	for _, want := range []string{
		`timeout: invalid duration "soon"`,
		"daemon.idle_timeout: must be >= 0",
		"servers.empty: missing command",
		`backends.a::b: name must not contain "::"`,
		"backends.memory: name collides with a built-in backend",
		"builtin.clock: unknown built-in",
		`default_server: "ghost" is not a configured server`,
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("Validate() error = %q, want %q", msg, want)
		}
	}
}

func TestValidateAllowsBuiltinOnly(t *testing.T) {
	cfg := Default()
	cfg.DefaultServer = NoPrimary
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
