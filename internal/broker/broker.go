// Package broker is the request orchestrator. It answers virtual tools
// locally, routes namespaced calls to router backends, passes everything
// else through to the primary backend, and keeps the discovery registry in
// step with what the backends report.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/lydakis/mcpbrowser/internal/backend"
	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
	"github.com/lydakis/mcpbrowser/internal/logging"
	"github.com/lydakis/mcpbrowser/internal/mcppool"
	"github.com/lydakis/mcpbrowser/internal/metrics"
	"github.com/lydakis/mcpbrowser/internal/registry"
	"github.com/lydakis/mcpbrowser/internal/sparse"
)

// DefaultTimeout bounds a request passed through to the primary backend.
const DefaultTimeout = 30 * time.Second

// Identity reported to callers in the initialize answer.
const (
	ServerName    = "mcpbrowser"
	ServerVersion = "0.1.0"
)

// Messages returned to callers.
const (
	msgTimeout   = "Request timeout"
	msgNoBackend = "No MCP server available"
)

var ErrClosed = errors.New("broker closed")

// Primary is the part of backend.Process the broker passes requests to.
type Primary interface {
	Name() string
	Command() string
	State() backend.State
	Info() backend.ServerInfo
	NextID() int64
	Start(ctx context.Context) error
	Exchange(ctx context.Context, msg *jsonrpc.Message, timeout time.Duration) (*jsonrpc.Message, error)
	SendRaw(msg *jsonrpc.Message) error
	AddMessageHandler(fn func(*jsonrpc.Message))
	Stop() error
}

// Options configures a Broker.
type Options struct {
	// Primary launches the pass-through backend. Nil runs without one.
	Primary *backend.Config
	// PrimaryDescription is reported in the servers metadata.
	PrimaryDescription string

	// Builtins are started at Start. Empty disables built-in backends.
	Builtins []mcppool.Definition
	// Backends are custom router backends added after the built-ins.
	Backends []mcppool.Definition
	// Backend supplies timeouts and cooldown for router backends.
	Backend backend.Config

	// Sparse hides the real catalog behind the virtual tools.
	Sparse bool
	// Timeout bounds requests passed through to the primary.
	Timeout time.Duration

	Logger *slog.Logger
}

// Broker dispatches caller requests. It is safe for concurrent use.
type Broker struct {
	opts   Options
	logger *slog.Logger

	reg     *registry.Registry
	filter  *sparse.Filter
	pool    *mcppool.Pool
	primary Primary

	nextID atomic.Int64

	mu      sync.Mutex
	started bool
	closed  bool
}

var newPrimary = func(cfg backend.Config) Primary {
	return backend.New(cfg)
}

// New builds a broker. Nothing is spawned until Start.
func New(opts Options) *Broker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := logging.OrDefault(opts.Logger)
	if opts.Backend.Logger == nil {
		opts.Backend.Logger = logger
	}

	reg := registry.New()
	b := &Broker{
		opts:   opts,
		logger: logger,
		reg:    reg,
		filter: sparse.New(sparse.Options{Registry: reg, Sparse: opts.Sparse, Logger: logger}),
		pool: mcppool.New(mcppool.Options{
			Builtins: opts.Builtins,
			Backend:  opts.Backend,
			Logger:   logger,
		}),
	}
	if opts.Primary != nil {
		cfg := *opts.Primary
		if cfg.Logger == nil {
			cfg.Logger = logger
		}
		b.primary = newPrimary(cfg)
	}
	return b
}

// Registry exposes the discovery registry.
func (b *Broker) Registry() *registry.Registry { return b.reg }

// Start launches the built-in and custom router backends, then the primary,
// and fills the registry. Router backend failures are logged and skipped; a
// primary that cannot start is an error.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	if len(b.opts.Builtins) > 0 {
		names := b.pool.StartBuiltins(ctx)
		b.logger.Info("built-in backends ready", "started", len(names), "configured", len(b.opts.Builtins))
	}
	for _, def := range b.opts.Backends {
		if err := b.pool.AddBackend(ctx, def); err != nil {
			b.logger.Error("failed to add backend", logging.ServerKey, def.Name, "error", err)
		}
	}

	if b.primary != nil {
		b.primary.AddMessageHandler(b.observe)
		if err := b.primary.Start(ctx); err != nil {
			return fmt.Errorf("starting primary backend %s: %w", b.primary.Name(), err)
		}
		b.logger.Info("primary backend ready", logging.ServerKey, b.primary.Name())
	}

	b.Refresh(ctx)
	return nil
}

// Refresh re-aggregates the router catalog and, when a primary exists,
// re-lists its tools so the registry holds both.
func (b *Broker) Refresh(ctx context.Context) {
	if b.pool.Len() > 0 {
		b.filter.SetSupplemental(b.pool.AllTools(ctx))
	}

	if b.primary == nil {
		b.filter.Refresh(nil)
	} else {
		req, _ := jsonrpc.NewRequest(b.wireID(), "tools/list", map[string]any{})
		resp, err := b.primary.Exchange(ctx, req, 0)
		switch {
		case err != nil:
			b.logger.Warn("failed to list primary tools", logging.ServerKey, b.primary.Name(), "error", err)
		case resp.Error != nil:
			b.logger.Warn("primary rejected tools/list", logging.ServerKey, b.primary.Name(), "error", resp.Error)
		default:
			b.filter.FilterIncoming(resp)
		}
	}
	b.updateServers()
}

// AddBackend starts a custom router backend and refreshes the catalog.
func (b *Broker) AddBackend(ctx context.Context, def mcppool.Definition) error {
	if err := b.pool.AddBackend(ctx, def); err != nil {
		return err
	}
	b.Refresh(ctx)
	return nil
}

// HasBackend reports whether name is a router backend.
func (b *Broker) HasBackend(name string) bool { return b.pool.Has(name) }

// Discover queries the registry without touching any backend.
func (b *Broker) Discover(path string) (any, error) {
	return b.reg.Discover(path)
}

// Close stops every backend. The broker cannot be restarted.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if b.primary != nil {
		if err := b.primary.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.primary.Name(), err))
		}
	}
	if err := b.pool.StopAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Call dispatches one caller message and returns the response. A
// notification is forwarded without waiting and yields nil. Every failure
// is reported as a JSON-RPC error; Call never returns a Go error.
func (b *Broker) Call(ctx context.Context, req *jsonrpc.Message) *jsonrpc.Message {
	if req.Method == "" {
		metrics.Calls.WithLabelValues("", "error").Inc()
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "Missing method")
	}
	if !req.ExpectsResponse() {
		b.notify(req)
		metrics.Calls.WithLabelValues(metrics.MethodLabel(req.Method), "notification").Inc()
		return nil
	}
	if !req.HasID() {
		req = req.WithID(jsonrpc.IntID(b.nextID.Add(1)))
	}

	resp := b.dispatch(ctx, req)
	outcome := "ok"
	if resp.Error != nil {
		outcome = "error"
		if resp.Error.Message == msgTimeout {
			outcome = "timeout"
		}
	}
	metrics.Calls.WithLabelValues(metrics.MethodLabel(req.Method), outcome).Inc()
	return resp
}

func (b *Broker) dispatch(ctx context.Context, req *jsonrpc.Message) *jsonrpc.Message {
	switch req.Method {
	case "initialize":
		return b.initialize(req)
	case "tools/call":
		call, ok := req.ToolCall()
		if !ok {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid tools/call params")
		}
		if call.Name == sparse.ToolOnboarding {
			return b.onboarding(ctx, req, call)
		}
		if resp, ok := b.filter.HandleToolCall(ctx, req, b.dispatch); ok {
			return resp
		}
		if server, _, ok := mcppool.SplitName(call.Name); ok && b.pool.Has(server) {
			return b.route(ctx, req, call.Name, call.Arguments)
		}
	}

	if b.primary != nil {
		return b.forward(ctx, req)
	}
	if b.pool.Len() > 0 || len(b.opts.Builtins) > 0 {
		return b.emulate(ctx, req)
	}
	return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, msgNoBackend)
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

// initialize answers the caller's handshake locally; backends were
// initialized when they started.
func (b *Broker) initialize(req *jsonrpc.Message) *jsonrpc.Message {
	var params initializeParams
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params, &params) //nolint: errcheck
	}
	version := params.ProtocolVersion
	if version == "" {
		version = mcp.LATEST_PROTOCOL_VERSION
	}
	res := initializeResult{
		ProtocolVersion: version,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      mcp.Implementation{Name: ServerName, Version: ServerVersion},
	}
	return result(req.ID, res)
}

func (b *Broker) onboarding(ctx context.Context, req *jsonrpc.Message, call jsonrpc.ToolCall) *jsonrpc.Message {
	res, err := b.pool.RouteToolCall(ctx, mcppool.OnboardingTool, call.Arguments)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error())
	}
	return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: req.ID, Result: res}
}

func (b *Broker) route(ctx context.Context, req *jsonrpc.Message, name string, args json.RawMessage) *jsonrpc.Message {
	res, err := b.pool.RouteToolCall(ctx, name, args)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: req.ID, Error: rpcErr}
		}
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error())
	}
	return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: req.ID, Result: res}
}

// forward passes req to the primary under a fresh wire id and restores the
// caller's id on the way back.
func (b *Broker) forward(ctx context.Context, req *jsonrpc.Message) *jsonrpc.Message {
	if b.primary.State() == backend.StateOffline {
		if err := b.primary.Start(ctx); err != nil {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error())
		}
		b.logger.Info("recovered primary backend", logging.ServerKey, b.primary.Name())
	}

	wire := req.WithID(b.wireID())
	resp, err := b.primary.Exchange(ctx, wire, b.opts.Timeout)
	if err != nil {
		if errors.Is(err, backend.ErrTimeout) {
			b.filter.MarkHandled(wire.IDKey())
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, msgTimeout)
		}
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error())
	}

	resp = resp.WithID(req.ID)
	if resp.Error == nil && req.Method == "tools/list" {
		if filtered := b.filter.FilterIncoming(resp); filtered != nil {
			resp = filtered
		}
	}
	return resp
}

func (b *Broker) wireID() json.RawMessage {
	return jsonrpc.IntID(b.primary.NextID())
}

// emulate serves the subset of MCP a router-only broker can answer.
func (b *Broker) emulate(ctx context.Context, req *jsonrpc.Message) *jsonrpc.Message {
	switch req.Method {
	case "tools/list":
		tools := b.pool.AllTools(ctx)
		if tools == nil {
			tools = []registry.Tool{}
		}
		b.filter.SetSupplemental(tools)
		b.updateServers()
		resp := b.filter.FilterIncoming(result(req.ID, map[string]any{"tools": tools}))
		if resp == nil {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "empty tools/list response")
		}
		return resp
	case "tools/call":
		call, _ := req.ToolCall()
		return b.route(ctx, req, call.Name, call.Arguments)
	case "ping":
		return result(req.ID, map[string]any{})
	case "prompts/list":
		return result(req.ID, map[string]any{"prompts": []any{}})
	case "resources/list":
		return result(req.ID, map[string]any{"resources": []any{}})
	case "completion/complete":
		return result(req.ID, map[string]any{"completion": map[string]any{"values": []string{}}})
	case "prompts/get":
		var p struct {
			Name string `json:"name"`
		}
		json.Unmarshal(req.Params, &p) //nolint: errcheck
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Prompt not found: "+p.Name)
	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		json.Unmarshal(req.Params, &p) //nolint: errcheck
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Resource not found: "+p.URI)
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "Method not found: "+req.Method)
	}
}

func (b *Broker) notify(msg *jsonrpc.Message) {
	if b.primary == nil {
		b.logger.Debug("dropping notification without primary", logging.MethodKey, msg.Method)
		return
	}
	if err := b.primary.SendRaw(msg); err != nil {
		b.logger.Debug("failed to forward notification", logging.MethodKey, msg.Method, "error", err)
	}
}

// observe sees every message from the primary. Late internal errors for
// requests already answered with a timeout are absorbed here.
func (b *Broker) observe(msg *jsonrpc.Message) {
	switch msg.Kind() {
	case jsonrpc.KindRequest, jsonrpc.KindNotification:
		b.logger.Debug("unsolicited message from primary", logging.MethodKey, msg.Method)
	case jsonrpc.KindResponse:
		if msg.Error != nil && b.filter.FilterIncoming(msg) == nil {
			b.logger.Debug("absorbed late error from primary", "id", msg.IDKey())
		}
	}
}

// ServerStatus is one entry of the servers metadata.
type ServerStatus = mcppool.Status

// Servers reports the primary and every router backend.
func (b *Broker) Servers() map[string]ServerStatus {
	servers := b.pool.Statuses()
	if b.primary != nil {
		info := b.primary.Info()
		caps := info.Capabilities
		if caps == nil {
			caps = []string{}
		}
		servers[b.primary.Name()] = ServerStatus{
			Description:  b.opts.PrimaryDescription,
			Command:      b.primary.Command(),
			Capabilities: caps,
			State:        b.primary.State().String(),
			Version:      info.Server.Version,
		}
	}
	return servers
}

func (b *Broker) updateServers() {
	b.reg.SetMetadata(registry.KeyServers, b.Servers())
}

func result(id json.RawMessage, v any) *jsonrpc.Message {
	msg, err := jsonrpc.NewResult(id, v)
	if err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInternalError, err.Error())
	}
	return msg
}
