package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lydakis/mcpbrowser/internal/paths"
)

// ErrNotRunning is returned when no live daemon owns the socket.
var ErrNotRunning = errors.New("daemon not running")

var (
	processAliveFn = processAlive
	signalFn       = unix.Kill
)

// Status describes the daemon behind one socket.
type Status struct {
	Socket string
	PID    int
	// Running is true when the pid file names a live process.
	Running bool
	// Stale is true when a pid file or socket is left by a dead daemon.
	Stale bool
}

// WritePID records the current process as the daemon owning sock.
func WritePID(sock string) error {
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(paths.PIDPath(sock), data, 0o600); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// ReadPID returns the pid recorded for sock.
func ReadPID(sock string) (int, error) {
	data, err := os.ReadFile(paths.PIDPath(sock))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", paths.PIDPath(sock))
	}
	return pid, nil
}

// removePID deletes the pid file when it still names this process, so a
// successor daemon's file is never removed by its predecessor.
func removePID(sock string) {
	if pid, err := ReadPID(sock); err == nil && pid != os.Getpid() {
		return
	}
	_ = os.Remove(paths.PIDPath(sock))
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	// EPERM means the process exists but belongs to someone else.
	return err == nil || errors.Is(err, unix.EPERM)
}

// Inspect reports the daemon state for sock without touching it.
func Inspect(sock string) Status {
	st := Status{Socket: sock}
	pid, err := ReadPID(sock)
	if err == nil {
		st.PID = pid
		st.Running = processAliveFn(pid)
	}
	if !st.Running {
		_, pidErr := os.Stat(paths.PIDPath(sock))
		_, sockErr := os.Stat(sock)
		st.Stale = pidErr == nil || sockErr == nil
	}
	return st
}

// CleanupStale removes the socket and pid file of a dead daemon. It reports
// whether anything was removed.
func CleanupStale(sock string) bool {
	st := Inspect(sock)
	if st.Running || !st.Stale {
		return false
	}
	_ = os.Remove(sock)
	_ = os.Remove(paths.PIDPath(sock))
	return true
}

// Stop sends SIGTERM to the daemon owning sock and waits up to timeout for it
// to exit.
func Stop(sock string, timeout time.Duration) error {
	st := Inspect(sock)
	if !st.Running {
		CleanupStale(sock)
		return ErrNotRunning
	}
	if err := signalFn(st.PID, unix.SIGTERM); err != nil {
		return fmt.Errorf("signalling daemon %d: %w", st.PID, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAliveFn(st.PID) {
			CleanupStale(sock)
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("daemon %d did not exit within %s", st.PID, timeout)
}
