package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lydakis/mcpbrowser/internal/broker"
	"github.com/lydakis/mcpbrowser/internal/logging"
	"github.com/lydakis/mcpbrowser/internal/mcppool"
)

// settleDelay coalesces the burst of events an editor save produces.
const settleDelay = 150 * time.Millisecond

// backendAdder is the part of the broker the config watcher drives.
type backendAdder interface {
	HasBackend(name string) bool
	AddBackend(ctx context.Context, def mcppool.Definition) error
}

// configWatcher adds [backends.*] entries that appear in the config file
// while the daemon runs. Changed or removed entries need a restart.
type configWatcher struct {
	path     string
	settings Settings
	target   backendAdder
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// watchConfig starts watching path. The directory is watched rather than
// the file so that editors replacing the file by rename are seen.
func watchConfig(ctx context.Context, path string, target backendAdder, s Settings, logger *slog.Logger) (*configWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(absPath), err)
	}

	s.ConfigPath = absPath
	w := &configWatcher{
		path:     absPath,
		settings: s,
		target:   target,
		watcher:  fsw,
		logger:   logging.OrDefault(logger).With("component", "configwatch"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.eventLoop(ctx)
	return w, nil
}

// Close stops the watcher and waits for any reload in progress.
func (w *configWatcher) Close() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

func (w *configWatcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			settle = time.After(settleDelay)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-settle:
			settle = nil
			w.reload(ctx)
		}
	}
}

func (w *configWatcher) reload(ctx context.Context) {
	cfg, err := LoadConfig(w.settings)
	if err != nil {
		w.logger.Warn("ignoring config change", "error", err)
		return
	}

	added := 0
	for _, def := range backendDefinitions(cfg.Backends) {
		if w.target.HasBackend(def.Name) {
			continue
		}
		if err := w.target.AddBackend(ctx, def); err != nil {
			w.logger.Error("failed to add backend from config", logging.ServerKey, def.Name, "error", err)
			continue
		}
		added++
	}
	w.logger.Info("config reloaded", "path", w.path, "backends_added", added)
}

var _ backendAdder = (*broker.Broker)(nil)
