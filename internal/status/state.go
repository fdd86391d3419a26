package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/imcore/internal/bus"
)

// State represents the stream connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Error        State = "error"
)

// validTransitions defines allowed state transitions. Disconnected is
// reachable from every state; Error is left only by a manual reconnect.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Reconnecting, Error},
	Connecting:   {Connected, Disconnected, Reconnecting, Error},
	Connected:    {Disconnected, Reconnecting, Error},
	Reconnecting: {Connecting, Disconnected, Error},
	Error:        {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is in any of the given states.
func (m *Machine) Is(states ...State) bool {
	return slices.Contains(states, m.Current())
}

// Transition attempts to move to a new state. Returns error if transition is
// invalid. Transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.ConnectionStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Force moves to a state regardless of the transition table. Used when
// teardown must land in Disconnected from wherever the machine is.
func (m *Machine) Force(to State) {
	m.mu.Lock()
	from := m.current
	m.current = to
	m.mu.Unlock()
	if from != to && m.bus != nil {
		m.bus.Emit(bus.ConnectionStatusChanged, StatusChange{From: from, To: to})
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
