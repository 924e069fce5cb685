package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/lydakis/mcpbrowser/internal/broker"
	"github.com/lydakis/mcpbrowser/internal/daemon"
	"github.com/lydakis/mcpbrowser/internal/ipc"
	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
)

const dialTimeout = 2 * time.Second

// session answers requests either from an in-process broker or through
// the shared daemon.
type session interface {
	Call(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error)
	Close() error
}

var (
	spawnOrConnectFn = daemon.SpawnOrConnect
	openLocalFn      = openLocal
)

func openSession(ctx context.Context, opts *globalOptions) (session, error) {
	if opts.useDaemon {
		return openDaemon(opts)
	}
	return openLocalFn(ctx, opts)
}

type localSession struct {
	b *broker.Broker
}

func openLocal(ctx context.Context, opts *globalOptions) (session, error) {
	s := opts.settings()
	cfg, err := daemon.LoadConfig(s)
	if err != nil {
		return nil, err
	}
	bopts, err := daemon.BrokerOptions(cfg, s)
	if err != nil {
		return nil, err
	}

	b := broker.New(bopts)
	if err := b.Start(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("starting broker: %w", err)
	}
	return &localSession{b: b}, nil
}

func (l *localSession) Call(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	return l.b.Call(ctx, req), nil
}

func (l *localSession) Close() error {
	return l.b.Close()
}

type daemonSession struct {
	c *ipc.Client
}

func openDaemon(opts *globalOptions) (session, error) {
	sock, err := spawnOrConnectFn(opts.settings())
	if err != nil {
		return nil, err
	}
	c, err := ipc.Dial(sock, dialTimeout)
	if err != nil {
		return nil, err
	}
	return &daemonSession{c: c}, nil
}

func (d *daemonSession) Call(_ context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	return d.c.Call(req)
}

func (d *daemonSession) Close() error {
	return d.c.Close()
}
