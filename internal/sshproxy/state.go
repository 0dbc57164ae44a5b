// state.go tracks the lifecycle state of each server's canonical connection.
//
// Transitions are recorded in a per-server ring buffer (50 entries) and
// delivered to registered callbacks after the tracker lock is released.

package sshproxy

import (
	"fmt"
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of a server's connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *ConnectionState) UnmarshalText(b []byte) error {
	for st := StateDisconnected; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// stateTransitionBufferSize is the number of transitions kept per server.
const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// StateChangeCallback is called on every state change. Callbacks run
// synchronously; long-running handlers should spawn goroutines.
type StateChangeCallback func(server string, from, to ConnectionState)

type stateEntry struct {
	current     ConnectionState
	transitions [stateTransitionBufferSize]StateTransition
	head        int
	count       int
}

func (e *stateEntry) record(from, to ConnectionState, reason string) {
	e.transitions[e.head] = StateTransition{From: from, To: to, Timestamp: time.Now(), Reason: reason}
	e.head = (e.head + 1) % stateTransitionBufferSize
	if e.count < stateTransitionBufferSize {
		e.count++
	}
}

func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}
	result := make([]StateTransition, e.count)
	if e.count < stateTransitionBufferSize {
		copy(result, e.transitions[:e.count])
	} else {
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

type stateTracker struct {
	mu        sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]*stateEntry)}
}

func (st *stateTracker) getOrCreate(server string) *stateEntry {
	entry, ok := st.states[server]
	if !ok {
		entry = &stateEntry{current: StateDisconnected}
		st.states[server] = entry
	}
	return entry
}

// setState moves server to state. Unchanged states are ignored.
func (st *stateTracker) setState(server string, state ConnectionState, reason string) {
	st.mu.Lock()
	entry := st.getOrCreate(server)
	from := entry.current
	if from == state {
		st.mu.Unlock()
		return
	}
	entry.current = state
	entry.record(from, state, reason)
	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(server, from, state)
	}
}

// compareAndSet moves server to state only if it is currently in one of from.
func (st *stateTracker) compareAndSet(server string, state ConnectionState, reason string, from ...ConnectionState) bool {
	st.mu.Lock()
	entry := st.getOrCreate(server)
	cur := entry.current
	match := false
	for _, f := range from {
		if cur == f {
			match = true
			break
		}
	}
	if !match || cur == state {
		st.mu.Unlock()
		return false
	}
	entry.current = state
	entry.record(cur, state, reason)
	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(server, cur, state)
	}
	return true
}

func (st *stateTracker) getState(server string) ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[server]
	if !ok {
		return StateDisconnected
	}
	return entry.current
}

func (st *stateTracker) getTransitions(server string) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[server]
	if !ok {
		return nil
	}
	return entry.history()
}

func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

// State returns the current state of server's canonical connection.
// Servers never acquired report StateDisconnected.
func (m *ConnectionManager) State(server string) ConnectionState {
	return m.states.getState(server)
}

// Transitions returns up to 50 recent transitions for server, oldest first.
func (m *ConnectionManager) Transitions(server string) []StateTransition {
	return m.states.getTransitions(server)
}

// OnStateChange registers a callback invoked on every state change.
func (m *ConnectionManager) OnStateChange(cb StateChangeCallback) {
	m.states.onStateChange(cb)
}
