package bootstrap

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lydakis/mcpbrowser/internal/mcppool"
)

func lookupMissing(found string, missing ...string) lookupPathFunc {
	return func(bin string) (string, error) {
		if bin == found {
			return bin, nil
		}
		for _, m := range missing {
			if bin == m {
				return "", errors.New("not found")
			}
		}
		return "", fmt.Errorf("unexpected lookup for %q", bin)
	}
}

func TestMissingRuntime(t *testing.T) {
	tests := []struct {
		name    string
		command string
		args    []string
		lookup  lookupPathFunc
		want    string
	}{
		{
			name:    "plain command missing",
			command: "npx",
			args:    []string{"-y", "@modelcontextprotocol/server-memory"},
			lookup:  lookupMissing("", "npx"),
			want:    "npx",
		},
		{
			name:    "plain command found",
			command: "mcpbrowser-memory",
			lookup:  lookupMissing("mcpbrowser-memory"),
			want:    "",
		},
		{
			name:    "env assignment then runtime",
			command: "/usr/bin/env",
			args:    []string{"UV_CACHE_DIR=/tmp/uv", "uvx", "mcp-server"},
			lookup:  lookupMissing("/usr/bin/env", "uvx"),
			want:    "uvx",
		},
		{
			name:    "env split string",
			command: "/usr/bin/env",
			args:    []string{"-S", "npx -y @modelcontextprotocol/server-github"},
			lookup:  lookupMissing("/usr/bin/env", "npx"),
			want:    "npx",
		},
		{
			name:    "env unset consumes its value",
			command: "/usr/bin/env",
			args:    []string{"-u", "PYTHONPATH", "uvx", "mcp-server"},
			lookup:  lookupMissing("/usr/bin/env", "uvx"),
			want:    "uvx",
		},
		{
			name:    "env chdir consumes its value",
			command: "/usr/bin/env",
			args:    []string{"--chdir", "/tmp", "uvx", "mcp-server"},
			lookup:  lookupMissing("/usr/bin/env", "uvx"),
			want:    "uvx",
		},
		{
			name:    "env double dash skips assignments",
			command: "/usr/bin/env",
			args:    []string{"--", "UV_CACHE_DIR=/tmp/uv", "uvx", "mcp-server"},
			lookup:  lookupMissing("/usr/bin/env", "uvx"),
			want:    "uvx",
		},
		{
			name:    "env split string with equals",
			command: "env",
			args:    []string{"--split-string=FOO=1 'uvx' serve"},
			lookup:  lookupMissing("env", "uvx"),
			want:    "uvx",
		},
		{
			name:    "env skips bare flags",
			command: "env",
			args:    []string{"-i", "node", "server.js"},
			lookup:  lookupMissing("env", "node"),
			want:    "node",
		},
		{
			name:    "empty command",
			command: "  ",
			lookup:  lookupMissing(""),
			want:    "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := missingRuntime(tt.command, tt.args, tt.lookup); got != tt.want {
				t.Fatalf("missingRuntime() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckDefinitionsJoinsMissingRuntimes(t *testing.T) {
	old := lookupPathFn
	defer func() { lookupPathFn = old }()
	lookupPathFn = func(bin string) (string, error) {
		if bin == "present" {
			return "/usr/bin/present", nil
		}
		return "", errors.New("not found")
	}

	err := CheckDefinitions([]mcppool.Definition{
		{Name: mcppool.BuiltinMemory, Command: "absent-memory"},
		{Name: "search", Command: "present"},
		{Name: mcppool.BuiltinScreen, Command: "absent-screen"},
	})
	if err == nil {
		t.Fatal("CheckDefinitions() error = nil, want missing runtimes")
	}

	var missing *MissingRuntimeError
	if !errors.As(err, &missing) || missing.Backend != mcppool.BuiltinMemory {
		t.Fatalf("CheckDefinitions() error = %v, want first MissingRuntimeError for %s", err, mcppool.BuiltinMemory)
	}
	want := "builtin:memory: required runtime \"absent-memory\" not found in PATH\n" +
		"builtin:screen: required runtime \"absent-screen\" not found in PATH"
	if err.Error() != want {
		t.Fatalf("CheckDefinitions() error = %q, want %q", err.Error(), want)
	}
}

func TestCheckDefinitionsAllPresent(t *testing.T) {
	old := lookupPathFn
	defer func() { lookupPathFn = old }()
	lookupPathFn = func(bin string) (string, error) { return "/bin/" + bin, nil }

	if err := CheckDefinitions([]mcppool.Definition{{Name: "a", Command: "a"}}); err != nil {
		t.Fatalf("CheckDefinitions() error = %v, want nil", err)
	}
}
