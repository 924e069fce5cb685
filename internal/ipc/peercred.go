//go:build linux || darwin

package ipc

import (
	"fmt"
	"net"
	"os"
)

// peerUIDMatchesCurrentUser reports whether the process on the other end of
// conn runs as the daemon's user.
func peerUIDMatchesCurrentUser(conn net.Conn) (bool, error) {
	uid, err := peerUID(conn)
	if err != nil {
		return false, err
	}
	return uid == uint32(os.Getuid()), nil
}

func peerUID(conn net.Conn) (uint32, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("peer credentials: %T is not a unix connection", conn)
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("peer credentials: %w", err)
	}

	var (
		uid     uint32
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		uid, credErr = socketPeerUID(int(fd))
	}); err != nil {
		return 0, fmt.Errorf("peer credentials: %w", err)
	}
	if credErr != nil {
		return 0, fmt.Errorf("peer credentials: %w", credErr)
	}
	return uid, nil
}
