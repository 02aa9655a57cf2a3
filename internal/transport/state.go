package transport

import (
	"fmt"
	"sync"
	"time"
)

// SessionState tracks where a peer link is in its lifecycle.
type SessionState int

const (
	StateDialing SessionState = iota
	StateHandshaking
	StateEstablished
	StateDead
)

func (s SessionState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the session can never leave this state.
func (s SessionState) IsTerminal() bool { return s == StateDead }

// stateTransition is one recorded lifecycle step, kept for diagnostics.
type stateTransition struct {
	From SessionState
	To   SessionState
	At   time.Time
}

// stateMachine guards session lifecycle transitions. Frame handlers
// run on pump goroutines while closers run anywhere, so every
// transition is checked against the table under the lock.
type stateMachine struct {
	mu      sync.RWMutex
	current SessionState
	history []stateTransition
}

var validSessionTransitions = map[SessionState][]SessionState{
	StateDialing:     {StateHandshaking, StateDead},
	StateHandshaking: {StateEstablished, StateDead},
	StateEstablished: {StateDead},
}

func newStateMachine(initial SessionState) *stateMachine {
	return &stateMachine{current: initial}
}

// Transition moves from -> to, failing on any mismatch.
func (sm *stateMachine) Transition(from, to SessionState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current != from {
		return fmt.Errorf("session state is %s, not %s", sm.current, from)
	}
	if !transitionAllowed(from, to) {
		return fmt.Errorf("session cannot go %s -> %s", from, to)
	}
	sm.history = append(sm.history, stateTransition{From: from, To: to, At: time.Now()})
	sm.current = to
	return nil
}

// Force moves to the state regardless of the current one. Only the
// close path uses it: everything may die from anywhere.
func (sm *stateMachine) Force(to SessionState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current == to {
		return
	}
	sm.history = append(sm.history, stateTransition{From: sm.current, To: to, At: time.Now()})
	sm.current = to
}

func (sm *stateMachine) Current() SessionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

func transitionAllowed(from, to SessionState) bool {
	for _, allowed := range validSessionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
