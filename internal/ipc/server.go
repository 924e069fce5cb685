// Package ipc serves newline-delimited JSON-RPC over a Unix socket. Each
// connection is one client session; its requests are answered in order.
package ipc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
	"github.com/lydakis/mcpbrowser/internal/logging"
	"github.com/lydakis/mcpbrowser/internal/metrics"
)

// Handler answers one client message. A nil response writes nothing.
type Handler func(ctx context.Context, req *jsonrpc.Message) *jsonrpc.Message

var peerUIDMatchesCurrentUserFn = peerUIDMatchesCurrentUser

// Options configures a Server.
type Options struct {
	Logger *slog.Logger
	// OnConnect and OnDisconnect observe session lifetimes.
	OnConnect    func(session string)
	OnDisconnect func(session string)
}

// Server listens for client sessions on a Unix socket.
type Server struct {
	socketPath string
	handler    Handler
	opts       Options
	logger     *slog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]net.Conn
}

// NewServer creates a new IPC server.
func NewServer(socketPath string, handler Handler, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		opts:       opts,
		logger:     logging.OrDefault(opts.Logger),
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]net.Conn),
	}
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string { return s.socketPath }

// Start begins listening for connections. It removes any stale socket file first.
func (s *Server) Start() error {
	// Remove stale socket
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and every session, waits for their goroutines
// and removes the socket file.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, conn := range s.sessions {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.socketPath)
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	ok, err := peerUIDMatchesCurrentUserFn(conn)
	if err != nil {
		writeMessage(conn, internalError(nil, "peer uid check failed")) //nolint: errcheck
		return
	}
	if !ok {
		writeMessage(conn, internalError(nil, "peer uid mismatch")) //nolint: errcheck
		return
	}

	session := uuid.NewString()
	if !s.register(session, conn) {
		return
	}
	defer s.unregister(session)

	logger := s.logger.With(logging.SessionKey, session)
	logger.Debug("client connected")
	defer logger.Debug("client disconnected")

	if err := ServeStream(s.ctx, conn, conn, s.handler, logger); err != nil {
		logger.Debug("session ended", "error", err)
	}
}

// ServeStream answers newline-delimited requests read from r on w, one at
// a time and in order, until r reaches EOF or is closed. A line that cannot
// be decoded is answered with a parse error and the stream continues.
func ServeStream(ctx context.Context, r io.Reader, w io.Writer, handler Handler, logger *slog.Logger) error {
	logger = logging.OrDefault(logger)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if resp := serveLine(ctx, handler, logger, line); resp != nil {
				if werr := writeMessage(w, resp); werr != nil {
					return fmt.Errorf("writing response: %w", werr)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading request: %w", err)
		}
	}
}

// serveLine answers one line. A panic in the handler is confined to the line.
func serveLine(ctx context.Context, handler Handler, logger *slog.Logger, line []byte) (resp *jsonrpc.Message) {
	req, err := jsonrpc.Decode(line)
	if err != nil {
		logger.Debug("unparseable request", "error", err)
		return parseError(err)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", logging.MethodKey, req.Method, "panic", r)
			resp = internalError(req.ID, r)
		}
	}()
	return handler(ctx, req)
}

func (s *Server) register(session string, conn net.Conn) bool {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.sessions[session] = conn
	s.mu.Unlock()

	metrics.Sessions.Inc()
	if s.opts.OnConnect != nil {
		s.opts.OnConnect(session)
	}
	return true
}

func (s *Server) unregister(session string) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()

	metrics.Sessions.Dec()
	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(session)
	}
}
