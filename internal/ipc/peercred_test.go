//go:build linux || darwin

package ipc

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestPeerUIDOfSelfConnection(t *testing.T) {
	dir, err := os.MkdirTemp("", "mbpeer")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ln, err := net.Listen("unix", filepath.Join(dir, "p.sock"))
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	defer ln.Close()

	type result struct {
		uid uint32
		ok  bool
		err error
	}
	results := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			results <- result{err: err}
			return
		}
		defer conn.Close()
		uid, err := peerUID(conn)
		ok, _ := peerUIDMatchesCurrentUser(conn)
		results <- result{uid: uid, ok: ok, err: err}
	}()

	client, err := net.Dial("unix", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial unix: %v", err)
	}
	defer client.Close()

	res := <-results
	if res.err != nil {
		t.Fatalf("peerUID() error = %v", res.err)
	}
	if res.uid != uint32(os.Getuid()) || !res.ok {
		t.Fatalf("peer uid = %d (match %v), want %d", res.uid, res.ok, os.Getuid())
	}
}

func TestPeerUIDRejectsNonUnixConn(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	if _, err := peerUIDMatchesCurrentUser(a); err == nil {
		t.Fatal("peerUIDMatchesCurrentUser(pipe) error = nil, want error")
	}
}
