package daemon

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lydakis/mcpbrowser/internal/paths"
)

var (
	isListeningFn      = isListening
	spawnDaemonFn      = spawnDaemon
	waitForDaemonFn    = waitForDaemon
	acquireSpawnLockFn = acquireSpawnLock
	execCommandFn      = exec.Command
)

const startupTimeout = 10 * time.Second

// SocketFor returns the socket a daemon for s listens on.
func SocketFor(s Settings) string {
	if s.Socket != "" {
		return s.Socket
	}
	return paths.SocketPath(s.Server)
}

// SpawnOrConnect ensures a daemon is listening for s and returns its socket.
// If none is, it clears any stale state, spawns one in the background and
// waits for it to accept connections. Concurrent callers are serialized by a
// lock file so only one daemon is ever spawned.
func SpawnOrConnect(s Settings) (string, error) {
	sock := SocketFor(s)
	if err := paths.EnsureDir(filepath.Dir(sock)); err != nil {
		return "", fmt.Errorf("creating runtime dir: %w", err)
	}

	releaseLock, err := acquireSpawnLockFn(paths.LockPath(sock))
	if err != nil {
		return "", fmt.Errorf("acquiring daemon lock: %w", err)
	}
	defer releaseLock() //nolint:errcheck

	st := Inspect(sock)
	if st.Running {
		if isListeningFn(sock) {
			return sock, nil
		}
		// Alive but not yet listening: another starter beat us to it.
		return sock, waitForDaemonFn(sock)
	}
	if CleanupStale(sock) && s.Logger != nil {
		s.Logger.Info("removed stale daemon state", "socket", sock, "pid", st.PID)
	}

	if err := spawnDaemonFn(s, sock); err != nil {
		return "", err
	}
	return sock, waitForDaemonFn(sock)
}

func acquireSpawnLock(path string) (func() error, error) {
	lockFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return func() error {
		unlockErr := unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		closeErr := lockFile.Close()
		if unlockErr != nil {
			return unlockErr
		}
		return closeErr
	}, nil
}

func spawnDaemon(s Settings, sock string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	cmd, cleanup, err := newDaemonCommand(exe, daemonArgs(s, sock))
	if err != nil {
		return err
	}
	defer cleanup()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning daemon: %w", err)
	}

	// Detach: don't wait for the daemon process
	go cmd.Wait() //nolint: errcheck
	return nil
}

// daemonArgs is the foreground command line the background daemon runs.
func daemonArgs(s Settings, sock string) []string {
	args := []string{"daemon", "run", "--socket", sock, "--log-file", paths.LogFile()}
	if s.ConfigPath != "" {
		args = append(args, "--config", s.ConfigPath)
	}
	if s.Server != "" {
		args = append(args, "--server", s.Server)
	}
	if s.NoSparse {
		args = append(args, "--no-sparse")
	}
	if s.NoBuiltins {
		args = append(args, "--no-builtins")
	}
	return args
}

func newDaemonCommand(exe string, args []string) (*exec.Cmd, func(), error) {
	cmd := execCommandFn(exe, args...)
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}

	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	// New session: the daemon outlives the caller's terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd, func() {
		_ = devNull.Close()
	}, nil
}

func waitForDaemon(sock string) error {
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		if isListening(sock) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not start within %s", startupTimeout)
}

func isListening(sock string) bool {
	conn, err := net.DialTimeout("unix", sock, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
