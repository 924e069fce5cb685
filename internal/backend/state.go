package backend

import (
	"fmt"
	"sync"
	"time"
)

// State is a backend's lifecycle state.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateOffline
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateOffline:
		return "offline"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultCooldown is how long an Offline backend refuses to restart.
const DefaultCooldown = 30 * time.Minute

// lifecycle is the backend state machine:
//
//	NotStarted -> Starting -> Running -> {Offline, Stopped}
//	Starting -> Offline            (spawn or handshake failure)
//	Offline -> Starting            (only after the cooldown elapsed)
//	any -> Stopped                 (terminal)
type lifecycle struct {
	mu           sync.Mutex
	state        State
	offlineSince time.Time
	cooldown     time.Duration
	now          func() time.Time
	onChange     func(from, to State)
}

func newLifecycle(cooldown time.Duration, now func() time.Time, onChange func(from, to State)) *lifecycle {
	if now == nil {
		now = time.Now
	}
	return &lifecycle{cooldown: cooldown, now: now, onChange: onChange}
}

func (l *lifecycle) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// offline returns when the backend went offline and whether it is offline now.
func (l *lifecycle) offline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offlineSince, l.state == StateOffline
}

// cooledDown reports whether an Offline backend may be restarted.
func (l *lifecycle) cooledDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateOffline && l.now().Sub(l.offlineSince) >= l.cooldown
}

// beginStart moves to Starting, or explains why it may not.
func (l *lifecycle) beginStart() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateNotStarted:
	case StateOffline:
		if remaining := l.cooldown - l.now().Sub(l.offlineSince); remaining > 0 {
			return fmt.Errorf("%w: retry in %s", ErrOffline, remaining.Round(time.Second))
		}
	case StateStopped:
		return ErrStopped
	default:
		return fmt.Errorf("%w: backend is %s", ErrAlreadyStarted, l.state)
	}
	l.setLocked(StateStarting)
	return nil
}

func (l *lifecycle) markRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStarting {
		return false
	}
	l.setLocked(StateRunning)
	return true
}

// markOffline records a failure. It is a no-op once Stopped or already Offline.
func (l *lifecycle) markOffline() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStarting && l.state != StateRunning {
		return false
	}
	l.offlineSince = l.now()
	l.setLocked(StateOffline)
	return true
}

// markStopped reports the previous state.
func (l *lifecycle) markStopped() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.state
	if prev != StateStopped {
		l.setLocked(StateStopped)
	}
	return prev
}

func (l *lifecycle) setLocked(to State) {
	from := l.state
	l.state = to
	if l.onChange != nil {
		l.onChange(from, to)
	}
}
