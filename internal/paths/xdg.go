// Package paths resolves the XDG locations used by mcpbrowser.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const appName = "mcpbrowser"

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

func xdgDir(envVar, fallbackSuffix string) string {
	if v := os.Getenv(envVar); v != "" {
		return filepath.Join(v, appName)
	}
	return filepath.Join(homeDir(), fallbackSuffix, appName)
}

// ConfigDir returns $XDG_CONFIG_HOME/mcpbrowser.
func ConfigDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// StateDir returns $XDG_STATE_HOME/mcpbrowser.
func StateDir() string {
	return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// RuntimeDir returns the directory for sockets and liveness files.
// Falls back to StateDir if XDG_RUNTIME_DIR is unset.
func RuntimeDir() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, appName)
	}
	return StateDir()
}

// ConfigFile returns the path to config.toml.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// LogFile returns the default daemon log file.
func LogFile() string {
	return filepath.Join(StateDir(), "daemon.log")
}

// SocketPath returns the daemon socket for server. An empty server names the
// default daemon.
func SocketPath(server string) string {
	name := appName
	if server != "" {
		name += "-" + sanitize(server)
	}
	return filepath.Join(RuntimeDir(), name+".sock")
}

// PIDPath returns the liveness file paired with socketPath.
func PIDPath(socketPath string) string {
	return withExt(socketPath, ".pid")
}

// LockPath returns the spawn lock paired with socketPath.
func LockPath(socketPath string) string {
	return withExt(socketPath, ".lock")
}

func withExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

// EnsureDir creates a directory and parents if needed.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}
