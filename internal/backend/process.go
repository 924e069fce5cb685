// Package backend supervises one MCP server subprocess speaking newline
// delimited JSON-RPC over its stdio.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
	"github.com/lydakis/mcpbrowser/internal/logging"
	"github.com/lydakis/mcpbrowser/internal/metrics"
	"github.com/mark3labs/mcp-go/mcp"
)

var (
	ErrOffline        = errors.New("backend offline")
	ErrTimeout        = errors.New("request timeout")
	ErrNotStarted     = errors.New("backend not started")
	ErrStopped        = errors.New("backend stopped")
	ErrAlreadyStarted = errors.New("backend already started")

	errStalled = errors.New("backend stopped reading its input")
)

const (
	// DefaultInitTimeout bounds initialize and tools/list.
	DefaultInitTimeout = 3 * time.Second
	// DefaultCallTimeout bounds every other request.
	DefaultCallTimeout = 30 * time.Second
	// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL.
	DefaultStopTimeout = 5 * time.Second
)

// Identity sent in the initialize handshake.
const (
	ClientName    = "mcp-browser"
	ClientVersion = "0.1.0"
)

// Config describes how to launch and supervise a backend.
type Config struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	Cooldown    time.Duration
	InitTimeout time.Duration
	CallTimeout time.Duration
	StopTimeout time.Duration

	Logger *slog.Logger

	// Now overrides the clock used for the offline cooldown.
	Now func() time.Time
}

// ServerInfo is what the backend reported during the handshake.
type ServerInfo struct {
	ProtocolVersion string
	Server          mcp.Implementation
	// Capabilities holds the sorted keys of the advertised capabilities.
	Capabilities []string
}

// Process owns one backend subprocess.
type Process struct {
	cfg     Config
	logger  *slog.Logger
	life    *lifecycle
	pending *Pending
	nextID  atomic.Int64

	handlersMu sync.RWMutex
	handlers   []func(*jsonrpc.Message)

	mu   sync.Mutex
	run  *run
	info ServerInfo
}

// run is one spawned instance of the backend.
type run struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writes chan write
	done   chan struct{}
	exited chan struct{}

	stopOnce sync.Once
	stopErr  error
}

type write struct {
	data  []byte
	errCh chan error
}

// New returns a supervisor for cfg. Nothing is spawned until Start.
func New(cfg Config) *Process {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	logger := logging.OrDefault(cfg.Logger).With(logging.ServerKey, cfg.Name)

	p := &Process{
		cfg:     cfg,
		logger:  logger,
		pending: NewPending(),
	}
	p.life = newLifecycle(cfg.Cooldown, cfg.Now, func(from, to State) {
		metrics.BackendTransitions.WithLabelValues(cfg.Name, to.String()).Inc()
		logger.Debug("backend state changed", "from", from.String(), "to", to.String())
	})
	return p
}

// Name returns the backend name.
func (p *Process) Name() string { return p.cfg.Name }

// Command returns the launch command line.
func (p *Process) Command() string {
	return strings.TrimSpace(p.cfg.Command + " " + strings.Join(p.cfg.Args, " "))
}

// State returns the current lifecycle state.
func (p *Process) State() State { return p.life.current() }

// OfflineSince returns when the backend went offline, if it is offline.
func (p *Process) OfflineSince() (time.Time, bool) { return p.life.offline() }

// Info returns the handshake result of the current run.
func (p *Process) Info() ServerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// NextID allocates an outgoing request id unique to this backend.
func (p *Process) NextID() int64 { return p.nextID.Add(1) }

// AddMessageHandler registers fn to observe every decoded message from the
// backend. Handlers run on the reader goroutine, after correlation.
func (p *Process) AddMessageHandler(fn func(*jsonrpc.Message)) {
	p.handlersMu.Lock()
	p.handlers = append(p.handlers, fn)
	p.handlersMu.Unlock()
}

// Start spawns the backend and performs the initialize handshake. An Offline
// backend inside its cooldown window fails without spawning.
func (p *Process) Start(ctx context.Context) error {
	if err := p.life.beginStart(); err != nil {
		return fmt.Errorf("starting %s: %w", p.cfg.Name, err)
	}

	p.mu.Lock()
	old := p.run
	p.run = nil
	p.mu.Unlock()
	if old != nil {
		p.teardown(old) //nolint: errcheck
	}

	r, err := p.spawn()
	if err != nil {
		p.life.markOffline()
		return fmt.Errorf("starting %s: %w", p.cfg.Name, err)
	}
	p.mu.Lock()
	p.run = r
	p.mu.Unlock()

	if err := p.initialize(ctx); err != nil {
		p.life.markOffline()
		p.teardown(r) //nolint: errcheck
		return fmt.Errorf("initializing %s: %w", p.cfg.Name, err)
	}
	if !p.life.markRunning() {
		return fmt.Errorf("starting %s: %w", p.cfg.Name, ErrStopped)
	}

	initialized, _ := jsonrpc.NewRequest(nil, "notifications/initialized", nil)
	if err := p.SendRaw(initialized); err != nil {
		p.logger.Warn("sending initialized notification", "error", err)
	}
	p.logger.Info("backend started", "command", p.Command())
	return nil
}

func (p *Process) spawn() (*run, error) {
	if p.cfg.Command == "" {
		return nil, errors.New("no command configured")
	}
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), p.cfg.Env)
	cmd.Dir = p.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// Own pipes for stdout/stderr so cmd.Wait never closes them under the readers.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, err
	}
	stdoutW.Close()
	stderrW.Close()

	r := &run{
		cmd:    cmd,
		stdin:  stdin,
		writes: make(chan write),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go p.writeLoop(r)
	go p.readLoop(r, stdoutR)
	go p.logStderr(stderrR)
	go func() {
		err := cmd.Wait()
		p.logger.Debug("backend exited", "error", err)
		close(r.exited)
	}()
	return r, nil
}

// mergeEnv layers overrides on base and forces unbuffered child I/O.
func mergeEnv(base []string, overrides map[string]string) []string {
	merged := map[string]string{
		"NODE_NO_READLINE": "1",
		"PYTHONUNBUFFERED": "1",
	}
	for k, v := range overrides {
		merged[k] = v
	}

	env := make([]string, 0, len(base)+len(merged))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := merged[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func (p *Process) writeLoop(r *run) {
	for {
		select {
		case w := <-r.writes:
			_, err := r.stdin.Write(w.data)
			w.errCh <- err
			if err != nil {
				p.fail(r, fmt.Errorf("writing to backend: %w", err))
				return
			}
		case <-r.done:
			return
		}
	}
}

func (p *Process) readLoop(r *run, out *os.File) {
	defer out.Close()

	var framer jsonrpc.Framer
	buf := make([]byte, 64*1024)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			for _, msg := range framer.Append(buf[:n]) {
				p.dispatch(msg)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("backend closed its output")
			}
			p.fail(r, err)
			return
		}
	}
}

func (p *Process) logStderr(errOut *os.File) {
	defer errOut.Close()
	scanner := bufio.NewScanner(errOut)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			p.logger.Warn("backend stderr", "line", line)
		}
	}
}

func (p *Process) dispatch(msg *jsonrpc.Message) {
	if p.logger.Enabled(context.Background(), logging.LevelTrace) {
		raw, _ := json.Marshal(msg)
		p.logger.Log(context.Background(), logging.LevelTrace, "<<<", "message", string(raw))
	}

	if msg.Kind() == jsonrpc.KindResponse && !p.pending.Resolve(msg) {
		p.logger.Debug("dropping response with no pending request", "id", msg.IDKey())
	}

	p.handlersMu.RLock()
	handlers := p.handlers
	p.handlersMu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

// fail marks the backend Offline after an I/O error on its current run.
// Errors from a superseded or stopped run are ignored.
func (p *Process) fail(r *run, err error) {
	p.mu.Lock()
	current := p.run == r
	p.mu.Unlock()
	if !current {
		return
	}
	if p.life.markOffline() {
		p.logger.Warn("backend offline", "error", err)
		p.pending.Fail()
		go p.teardown(r) //nolint: errcheck
	}
}

func (p *Process) usable() error {
	switch p.life.current() {
	case StateStarting, StateRunning:
		return nil
	case StateOffline:
		return ErrOffline
	case StateStopped:
		return ErrStopped
	default:
		return ErrNotStarted
	}
}

// write hands data to the writer goroutine. It gives up when ctx ends or
// expire fires. A write still blocked at expire means the backend stopped
// reading its input: the run is torn down and errStalled returned.
func (p *Process) write(ctx context.Context, data []byte, expire <-chan time.Time) error {
	p.mu.Lock()
	r := p.run
	p.mu.Unlock()
	if r == nil {
		return ErrNotStarted
	}

	if p.logger.Enabled(ctx, logging.LevelTrace) {
		p.logger.Log(ctx, logging.LevelTrace, ">>>", "message", strings.TrimSpace(string(data)))
	}

	w := write{data: data, errCh: make(chan error, 1)}
	select {
	case r.writes <- w:
	case <-r.done:
		return ErrOffline
	case <-ctx.Done():
		return ctx.Err()
	case <-expire:
		p.fail(r, errStalled)
		return errStalled
	}
	select {
	case err := <-w.errCh:
		return err
	case <-r.done:
		return ErrOffline
	case <-ctx.Done():
		return ctx.Err()
	case <-expire:
		p.fail(r, errStalled)
		return errStalled
	}
}

// SendRaw writes msg verbatim without correlation, bounded by the call
// timeout.
func (p *Process) SendRaw(msg *jsonrpc.Message) error {
	if err := p.usable(); err != nil {
		return err
	}
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	timer := time.NewTimer(p.cfg.CallTimeout)
	defer timer.Stop()
	return p.write(context.Background(), data, timer.C)
}

// SendRequest issues method with a fresh id and waits for its result. A
// JSON-RPC error response is returned as *jsonrpc.Error.
func (p *Process) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg, err := jsonrpc.NewRequest(jsonrpc.IntID(p.NextID()), method, params)
	if err != nil {
		return nil, err
	}
	resp, err := p.roundTrip(ctx, msg, p.timeoutFor(method))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Exchange sends a caller-built request as-is, correlated by its id, and
// waits for the response. The id must be unique on this backend; NextID
// provides one. A non-positive timeout selects the per-method default.
func (p *Process) Exchange(ctx context.Context, msg *jsonrpc.Message, timeout time.Duration) (*jsonrpc.Message, error) {
	if timeout <= 0 {
		timeout = p.timeoutFor(msg.Method)
	}
	return p.roundTrip(ctx, msg, timeout)
}

func (p *Process) timeoutFor(method string) time.Duration {
	switch method {
	case "initialize", "tools/list":
		return p.cfg.InitTimeout
	default:
		return p.cfg.CallTimeout
	}
}

func (p *Process) roundTrip(ctx context.Context, msg *jsonrpc.Message, timeout time.Duration) (*jsonrpc.Message, error) {
	if err := p.usable(); err != nil {
		return nil, err
	}
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Method, err)
	}

	key := msg.IDKey()
	ch, err := p.pending.Add(key)
	if err != nil {
		return nil, err
	}

	// The deadline covers the write as well as the wait for the response.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := p.write(ctx, data, timer.C); err != nil {
		p.pending.Remove(key)
		if errors.Is(err, errStalled) {
			metrics.BackendTimeouts.WithLabelValues(p.cfg.Name, msg.Method).Inc()
			return nil, fmt.Errorf("%w: %s after %s: %w", ErrTimeout, msg.Method, timeout, err)
		}
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrOffline
		}
		return resp, nil
	case <-timer.C:
		if resp, ok := p.settle(key, ch); ok {
			return resp, nil
		}
		metrics.BackendTimeouts.WithLabelValues(p.cfg.Name, msg.Method).Inc()
		if p.life.markOffline() {
			p.logger.Warn("backend offline after timeout", logging.MethodKey, msg.Method, "timeout", timeout)
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, msg.Method, timeout)
	case <-ctx.Done():
		if resp, ok := p.settle(key, ch); ok {
			return resp, nil
		}
		return nil, ctx.Err()
	}
}

// settle expires key. If a response won the race it is returned instead.
func (p *Process) settle(key string, ch <-chan *jsonrpc.Message) (*jsonrpc.Message, bool) {
	if p.pending.Remove(key) {
		return nil, false
	}
	select {
	case resp := <-ch:
		return resp, resp != nil
	default:
		return nil, false
	}
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ServerInfo      mcp.Implementation         `json:"serverInfo"`
}

func (p *Process) initialize(ctx context.Context) error {
	raw, err := p.SendRequest(ctx, "initialize", initializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    map[string]any{},
		ClientInfo:      mcp.Implementation{Name: ClientName, Version: ClientVersion},
	})
	if err != nil {
		return err
	}

	var res initializeResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decoding initialize result: %w", err)
		}
	}
	caps := make([]string, 0, len(res.Capabilities))
	for k := range res.Capabilities {
		caps = append(caps, k)
	}
	sort.Strings(caps)

	p.mu.Lock()
	p.info = ServerInfo{
		ProtocolVersion: res.ProtocolVersion,
		Server:          res.ServerInfo,
		Capabilities:    caps,
	}
	p.mu.Unlock()
	return nil
}

// Stop terminates the backend: stdin is closed, then SIGTERM, then SIGKILL
// after the grace period. Pending requests are dropped unresolved.
func (p *Process) Stop() error {
	p.life.markStopped()
	p.pending.Clear()

	p.mu.Lock()
	r := p.run
	p.run = nil
	p.mu.Unlock()
	if r == nil {
		return nil
	}
	return p.teardown(r)
}

func (p *Process) teardown(r *run) error {
	r.stopOnce.Do(func() {
		close(r.done)
		_ = r.stdin.Close()

		select {
		case <-r.exited:
			return
		default:
		}
		if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Debug("sending SIGTERM", "error", err)
		}
		select {
		case <-r.exited:
			return
		case <-time.After(p.cfg.StopTimeout):
		}
		p.logger.Warn("backend ignored SIGTERM, killing", "grace", p.cfg.StopTimeout)
		if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.stopErr = fmt.Errorf("killing %s: %w", p.cfg.Name, err)
			return
		}
		<-r.exited
	})
	return r.stopErr
}
