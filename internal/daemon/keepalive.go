package daemon

import (
	"sync"
	"time"
)

// Keepalive shuts an unused daemon down. Each connected client session
// holds it open; once the last one leaves, a sliding idle timer starts and
// onIdle fires if no session arrives before it expires.
type Keepalive struct {
	mu          sync.Mutex
	timer       *time.Timer
	timerID     uint64
	nextTimerID uint64
	sessions    map[string]int
	timeout     time.Duration
	onIdle      func()
	stopped     bool
}

// NewKeepalive creates an idle tracker. A timeout <= 0 disables it.
func NewKeepalive(timeout time.Duration, onIdle func()) *Keepalive {
	return &Keepalive{
		sessions: make(map[string]int),
		timeout:  timeout,
		onIdle:   onIdle,
	}
}

// Arm starts the idle timer when no session is connected. The daemon calls
// it once at startup so a daemon nobody connects to still exits.
func (k *Keepalive) Arm() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.sessions) == 0 {
		k.startTimerLocked()
	}
}

// Begin records a connected session and cancels any pending idle timer.
func (k *Keepalive) Begin(session string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.stopTimerLocked()
	k.sessions[session]++
}

// End records a disconnected session. The idle timer starts only after the
// final session leaves.
func (k *Keepalive) End(session string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if n := k.sessions[session]; n > 1 {
		k.sessions[session] = n - 1
		return
	}
	delete(k.sessions, session)
	if len(k.sessions) == 0 {
		k.startTimerLocked()
	}
}

// Active returns the number of connected sessions.
func (k *Keepalive) Active() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.sessions)
}

func (k *Keepalive) stopTimerLocked() {
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
		k.timerID = 0
	}
}

func (k *Keepalive) startTimerLocked() {
	k.stopTimerLocked()
	if k.timeout <= 0 || k.stopped {
		return
	}

	k.nextTimerID++
	timerID := k.nextTimerID
	k.timer = time.AfterFunc(k.timeout, func() {
		k.expire(timerID)
	})
	k.timerID = timerID
}

func (k *Keepalive) expire(timerID uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	// A timer replaced or cancelled after it fired must not shut down.
	if k.timerID != timerID || len(k.sessions) > 0 || k.stopped {
		return
	}

	k.timer = nil
	k.timerID = 0
	if k.onIdle != nil {
		go k.onIdle()
	}
}

// Stop cancels the idle timer for good.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.stopTimerLocked()
	k.stopped = true
	k.sessions = make(map[string]int)
}
