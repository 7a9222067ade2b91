package stream

import (
	"errors"
	"fmt"
	"sync"
)

// ErrIllegalTransition is returned by [Machine.Transition] for a state change
// the session lifecycle does not allow. It always indicates a bug in the
// caller; the machine's state is left untouched.
var ErrIllegalTransition = errors.New("stream: illegal state transition")

// State is the lifecycle state of one streaming session.
type State int

const (
	// StateDisconnected means no connection is open or being opened.
	StateDisconnected State = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the connection is open and the session config
	// has been sent.
	StateConnected

	// StateClosing means a caller-initiated shutdown is closing the
	// connection.
	StateClosing
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler] so states render by name
// in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// legalTransitions lists every allowed from → to edge.
var legalTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected, StateClosing},
	StateConnected:    {StateDisconnected, StateClosing},
	StateClosing:      {StateDisconnected},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine is the session state machine. It is safe for concurrent use.
// Observers are invoked synchronously, in registration order, after the
// state has changed and without the machine's lock held.
type Machine struct {
	mu        sync.Mutex
	state     State
	observers []func(from, to State)
}

// NewMachine returns a machine in [StateDisconnected].
func NewMachine() *Machine {
	return &Machine{state: StateDisconnected}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnTransition registers fn to be called after every successful transition.
func (m *Machine) OnTransition(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Transition moves the machine to state to. It returns an error wrapping
// [ErrIllegalTransition] if the edge is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	m.state = to
	observers := m.observers
	m.mu.Unlock()

	for _, fn := range observers {
		fn(from, to)
	}
	return nil
}
