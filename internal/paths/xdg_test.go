package paths

import (
	"path/filepath"
	"testing"
)

func TestRuntimeDirResolution(t *testing.T) {
	tests := []struct {
		name                 string
		runtime, state, home string
		want                 string
	}{
		{"runtime dir wins", "/tmp/xdg-runtime", "/tmp/state-home", "/tmp/home", "/tmp/xdg-runtime/mcpbrowser"},
		{"state home", "", "/tmp/state-home", "/tmp/home", "/tmp/state-home/mcpbrowser"},
		{"home local state", "", "", "/tmp/home", "/tmp/home/.local/state/mcpbrowser"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("XDG_RUNTIME_DIR", tt.runtime)
			t.Setenv("XDG_STATE_HOME", tt.state)
			t.Setenv("HOME", tt.home)
			if got := RuntimeDir(); got != filepath.FromSlash(tt.want) {
				t.Fatalf("RuntimeDir() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSocketPathPerServer(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	tests := []struct {
		server string
		want   string
	}{
		{"", "/run/user/1000/mcpbrowser/mcpbrowser.sock"},
		{"memory", "/run/user/1000/mcpbrowser/mcpbrowser-memory.sock"},
		{"a/b c", "/run/user/1000/mcpbrowser/mcpbrowser-a_b_c.sock"},
	}
	for _, tt := range tests {
		if got := SocketPath(tt.server); got != tt.want {
			t.Fatalf("SocketPath(%q) = %q, want %q", tt.server, got, tt.want)
		}
	}
}

func TestCompanionPaths(t *testing.T) {
	sock := "/tmp/x/mcpbrowser-dev.sock"
	if got := PIDPath(sock); got != "/tmp/x/mcpbrowser-dev.pid" {
		t.Fatalf("PIDPath() = %q", got)
	}
	if got := LockPath(sock); got != "/tmp/x/mcpbrowser-dev.lock" {
		t.Fatalf("LockPath() = %q", got)
	}
	if got := PIDPath("/tmp/x/custom"); got != "/tmp/x/custom.pid" {
		t.Fatalf("PIDPath(no ext) = %q", got)
	}
}
