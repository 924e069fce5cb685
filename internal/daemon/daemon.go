// Package daemon hosts one broker for many local clients on a Unix socket,
// and manages that daemon from the client side: spawn-or-connect, liveness
// and stop.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lydakis/mcpbrowser/internal/broker"
	"github.com/lydakis/mcpbrowser/internal/ipc"
	"github.com/lydakis/mcpbrowser/internal/logging"
	"github.com/lydakis/mcpbrowser/internal/metrics"
	"github.com/lydakis/mcpbrowser/internal/paths"
)

// Run serves s's socket in the foreground until ctx ends, SIGINT or SIGTERM
// arrives, or the daemon idles out. On return the socket and pid file are
// gone, every client session is closed and every backend is stopped.
func Run(ctx context.Context, s Settings) error {
	logger := logging.OrDefault(s.Logger)
	s.Logger = logger

	cfg, err := LoadConfig(s)
	if err != nil {
		return err
	}
	opts, err := BrokerOptions(cfg, s)
	if err != nil {
		return err
	}
	idle, err := cfg.IdleTimeoutDuration()
	if err != nil {
		return err
	}

	sock := SocketFor(s)
	if err := paths.EnsureDir(filepath.Dir(sock)); err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}
	if st := Inspect(sock); st.Running && st.PID != os.Getpid() {
		return fmt.Errorf("daemon already running on %s (pid %d)", sock, st.PID)
	}
	// The pid file goes first so clients never mistake a starting daemon's
	// socket for a stale one.
	if err := WritePID(sock); err != nil {
		return err
	}
	defer removePID(sock)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := broker.New(opts)
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("stopping backends", "error", err)
		}
	}()
	if err := b.Start(ctx); err != nil {
		return err
	}

	ka := NewKeepalive(idle, func() {
		logger.Info("idle timeout reached", "idle_timeout", idle)
		stop()
	})
	defer ka.Stop()

	srv := ipc.NewServer(sock, b.Call, ipc.Options{
		Logger:       logger,
		OnConnect:    ka.Begin,
		OnDisconnect: ka.End,
	})
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()
	ka.Arm()

	if addr := cfg.Daemon.MetricsAddr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, logger); err != nil {
				logger.Error("metrics server failed", "addr", addr, "error", err)
			}
		}()
	}

	if cfg.Daemon.WatchConfig {
		path := s.ConfigPath
		if path == "" {
			path = paths.ConfigFile()
		}
		w, err := watchConfig(ctx, path, b, s, logger)
		if err != nil {
			logger.Warn("config watching disabled", "path", path, "error", err)
		} else {
			defer w.Close()
		}
	}

	logger.Info("daemon listening", "socket", sock, "pid", os.Getpid())
	<-ctx.Done()
	logger.Info("daemon shutting down", "sessions", srv.Sessions())
	return nil
}
