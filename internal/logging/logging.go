// Package logging builds the slog loggers used across mcpbrowser.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
)

// Format is the log output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LevelTrace sits below Debug and is used for raw wire traffic.
const LevelTrace = slog.Level(-8)

// Standard field keys.
const (
	ServerKey  = "server"
	MethodKey  = "method"
	SessionKey = "session"
)

// Config holds the logging configuration.
type Config struct {
	// Level is one of trace, debug, info, warn, error.
	Level string

	// Format is text or json.
	Format Format

	// Output defaults to os.Stderr. Stdout is never used so that stdio
	// serving stays clean.
	Output io.Writer

	AddSource bool
}

// DefaultConfig returns text logging at info level on stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatText,
		Output: os.Stderr,
	}
}

type envConfig struct {
	Level  string `env:"MCPBROWSER_LOG_LEVEL"`
	Format string `env:"MCPBROWSER_LOG_FORMAT"`
	Source bool   `env:"MCPBROWSER_LOG_SOURCE,default=false"`
}

// FromEnv creates a Config from environment variables:
//   - MCPBROWSER_LOG_LEVEL: trace, debug, info, warn, error
//   - MCPBROWSER_LOG_FORMAT: text, json
//   - MCPBROWSER_LOG_SOURCE: true to include file and line
//
// A malformed value is reported; the returned Config still holds every
// setting that decoded.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()

	var env envConfig
	err := envdecode.Decode(&env)
	if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("decoding logging environment: %w", err)
	}

	if env.Level != "" {
		cfg.Level = strings.ToLower(env.Level)
	}
	if env.Format != "" {
		cfg.Format = Format(strings.ToLower(env.Format))
	}
	cfg.AddSource = env.Source
	return cfg, err
}

// New creates a structured logger from cfg.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
