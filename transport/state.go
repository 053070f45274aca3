package transport

import (
	"fmt"
	"strings"
	"sync"
)

// State is the connection state of a Transport.
type State int

const (
	StateDisconnected State = iota
	StateChecking
	StateConnected
	StateReconnecting
	StateError
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateChecking:     "checking",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateError:        "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name, which is also the relay wire form.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return StateDisconnected, fmt.Errorf("unknown transport state %q", name)
}

// Tracker holds the current State and notifies listeners on every change.
// Implementations embed one so that every transport reports transitions
// the same way.
type Tracker struct {
	notifyMu  sync.Mutex // serialises transitions so listeners see them in order
	mu        sync.Mutex
	state     State
	listeners Listeners[State]
}

// Load returns the current state.
func (t *Tracker) Load() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Set moves to next and notifies listeners. Setting the current state again
// is a no-op. Returns whether a transition happened. Listeners must not
// call Set.
func (t *Tracker) Set(next State) bool {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if t.state == next {
		t.mu.Unlock()
		return false
	}
	t.state = next
	t.mu.Unlock()

	t.listeners.Notify(next)
	return true
}

// OnChange registers fn for future transitions and returns its detach func.
func (t *Tracker) OnChange(fn func(State)) (detach func()) {
	return t.listeners.Add(fn)
}
