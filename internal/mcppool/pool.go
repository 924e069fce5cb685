// Package mcppool routes tool calls across a named set of backends and
// aggregates their catalogs under "<backend>::<tool>" names.
package mcppool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lydakis/mcpbrowser/internal/backend"
	"github.com/lydakis/mcpbrowser/internal/logging"
	"github.com/lydakis/mcpbrowser/internal/registry"
)

// Separator joins a backend name and a tool name.
const Separator = "::"

var (
	ErrBackendExists  = errors.New("backend already exists")
	ErrUnknownBackend = errors.New("unknown backend")
	ErrToolNotFound   = errors.New("tool not found in any backend")
)

// Backend is the part of backend.Process the pool depends on.
type Backend interface {
	Name() string
	Command() string
	State() backend.State
	Info() backend.ServerInfo
	Start(ctx context.Context) error
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	Stop() error
}

// Definition describes a backend the pool can launch.
type Definition struct {
	Name        string
	Command     string
	Args        []string
	Env         map[string]string
	Description string
}

// Options configures a Pool.
type Options struct {
	// Builtins are started by StartBuiltins, in order.
	Builtins []Definition

	// Backend supplies timeouts and cooldown for every spawned backend.
	Backend backend.Config

	Logger *slog.Logger
}

// Pool owns the router's backends in registration order.
type Pool struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	order    []string
	backends map[string]Backend
	defs     map[string]Definition
}

var newBackend = func(def Definition, tmpl backend.Config) Backend {
	cfg := tmpl
	cfg.Name = def.Name
	cfg.Command = def.Command
	cfg.Args = def.Args
	cfg.Env = def.Env
	return backend.New(cfg)
}

// New creates an empty pool.
func New(opts Options) *Pool {
	return &Pool{
		opts:     opts,
		logger:   logging.OrDefault(opts.Logger),
		backends: make(map[string]Backend),
		defs:     make(map[string]Definition),
	}
}

// StartBuiltins starts every built-in backend concurrently. A backend that
// fails to start or initialize is logged and left out; the others proceed.
// It returns the names that started, in definition order.
func (p *Pool) StartBuiltins(ctx context.Context) []string {
	defs := p.opts.Builtins
	started := make([]Backend, len(defs))

	var g errgroup.Group
	for i, def := range defs {
		g.Go(func() error {
			if p.has(def.Name) {
				p.logger.Warn("built-in backend already registered", logging.ServerKey, def.Name)
				return nil
			}
			b := newBackend(def, p.opts.Backend)
			if err := b.Start(ctx); err != nil {
				p.logger.Error("failed to start built-in backend", logging.ServerKey, def.Name, "error", err)
				b.Stop() //nolint: errcheck
				return nil
			}
			p.logger.Info("started built-in backend", logging.ServerKey, def.Name)
			started[i] = b
			return nil
		})
	}
	g.Wait() //nolint: errcheck

	var names []string
	for i, b := range started {
		if b == nil {
			continue
		}
		if err := p.register(defs[i], b); err != nil {
			p.logger.Warn("dropping built-in backend", logging.ServerKey, defs[i].Name, "error", err)
			b.Stop() //nolint: errcheck
			continue
		}
		names = append(names, defs[i].Name)
	}
	return names
}

// AddBackend starts and registers a custom backend.
func (p *Pool) AddBackend(ctx context.Context, def Definition) error {
	if def.Name == "" || strings.Contains(def.Name, Separator) {
		return fmt.Errorf("invalid backend name %q", def.Name)
	}
	if p.has(def.Name) {
		return fmt.Errorf("%w: %s", ErrBackendExists, def.Name)
	}

	b := newBackend(def, p.opts.Backend)
	if err := b.Start(ctx); err != nil {
		b.Stop() //nolint: errcheck
		return err
	}
	if err := p.register(def, b); err != nil {
		b.Stop() //nolint: errcheck
		return err
	}
	p.logger.Info("added backend", logging.ServerKey, def.Name)
	return nil
}

func (p *Pool) register(def Definition, b Backend) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.backends[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrBackendExists, def.Name)
	}
	p.backends[def.Name] = b
	p.defs[def.Name] = def
	p.order = append(p.order, def.Name)
	return nil
}

func (p *Pool) has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.backends[name]
	return ok
}

// Has reports whether name is a registered backend.
func (p *Pool) Has(name string) bool { return p.has(name) }

// Len returns the number of registered backends.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

func (p *Pool) get(name string) Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backends[name]
}

// backendsInOrder snapshots the backends in registration order.
func (p *Pool) backendsInOrder() []Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Backend, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.backends[name])
	}
	return out
}

// ready restarts an Offline backend once its cooldown elapsed. Inside the
// window Start fails fast, so routed calls never hang on a dead backend.
func (p *Pool) ready(ctx context.Context, b Backend) error {
	switch st := b.State(); st {
	case backend.StateRunning:
		return nil
	case backend.StateOffline:
		if err := b.Start(ctx); err != nil {
			return err
		}
		p.logger.Info("recovered backend", logging.ServerKey, b.Name())
		return nil
	default:
		return fmt.Errorf("backend %s is %s", b.Name(), st)
	}
}

// AllTools lists tools on every live backend, namespaced. A backend that
// fails contributes nothing.
func (p *Pool) AllTools(ctx context.Context) []registry.Tool {
	backends := p.backendsInOrder()
	results := make([][]registry.Tool, len(backends))

	var g errgroup.Group
	for i, b := range backends {
		g.Go(func() error {
			if err := p.ready(ctx, b); err != nil {
				p.logger.Debug("skipping backend for tools/list", logging.ServerKey, b.Name(), "error", err)
				return nil
			}
			raw, err := b.SendRequest(ctx, "tools/list", map[string]any{})
			if err != nil {
				p.logger.Warn("failed to list tools", logging.ServerKey, b.Name(), "error", err)
				return nil
			}
			tools, err := registry.DecodeToolList(raw)
			if err != nil {
				p.logger.Warn("failed to decode tools", logging.ServerKey, b.Name(), "error", err)
				return nil
			}
			out := make([]registry.Tool, len(tools))
			for j, t := range tools {
				out[j] = t.Namespaced(b.Name(), Separator)
			}
			results[i] = out
			return nil
		})
	}
	g.Wait() //nolint: errcheck

	var all []registry.Tool
	for _, tools := range results {
		all = append(all, tools...)
	}
	return all
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// SplitName splits "<backend>::<tool>" at the first separator.
func SplitName(name string) (server, tool string, ok bool) {
	return strings.Cut(name, Separator)
}

// RouteToolCall invokes a tool and returns the backend's tools/call result.
// Namespaced names go straight to their backend; bare names are tried on each
// backend in registration order and the first success wins.
func (p *Pool) RouteToolCall(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	if server, tool, ok := SplitName(name); ok {
		b := p.get(server)
		if b == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, server)
		}
		if err := p.ready(ctx, b); err != nil {
			return nil, err
		}
		return b.SendRequest(ctx, "tools/call", toolCallParams{Name: tool, Arguments: args})
	}

	for _, b := range p.backendsInOrder() {
		if err := p.ready(ctx, b); err != nil {
			continue
		}
		res, err := b.SendRequest(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
		if err == nil {
			return res, nil
		}
		p.logger.Debug("tool attempt failed", logging.ServerKey, b.Name(), "tool", name, "error", err)
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// Status describes one backend for the registry's servers metadata.
type Status struct {
	Description  string   `json:"description"`
	Command      string   `json:"command"`
	Capabilities []string `json:"capabilities"`
	State        string   `json:"state"`
	Version      string   `json:"version,omitempty"`
}

// Statuses reports every registered backend by name.
func (p *Pool) Statuses() map[string]Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Status, len(p.order))
	for _, name := range p.order {
		b := p.backends[name]
		info := b.Info()
		caps := info.Capabilities
		if caps == nil {
			caps = []string{}
		}
		out[name] = Status{
			Description:  p.defs[name].Description,
			Command:      b.Command(),
			Capabilities: caps,
			State:        b.State().String(),
			Version:      info.Server.Version,
		}
	}
	return out
}

// StopAll stops every backend concurrently. Failures are logged and joined;
// they never keep the other backends running.
func (p *Pool) StopAll() error {
	p.mu.Lock()
	backends := make([]Backend, 0, len(p.order))
	for _, name := range p.order {
		backends = append(backends, p.backends[name])
	}
	p.order = nil
	p.backends = make(map[string]Backend)
	p.defs = make(map[string]Definition)
	p.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, b := range backends {
		g.Go(func() error {
			p.logger.Info("stopping backend", logging.ServerKey, b.Name())
			if err := b.Stop(); err != nil {
				p.logger.Error("error stopping backend", logging.ServerKey, b.Name(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait() //nolint: errcheck
	return errors.Join(errs...)
}
