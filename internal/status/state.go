package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pveiga/loopd/internal/bus"
)

// State represents the transport connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Degraded     State = "degraded"
)

// validTransitions defines allowed state transitions. A handshake failure
// moves connecting back to degraded (retry with backoff); connected drops to
// degraded on transient errors or heartbeat timeout, and to disconnected
// only on explicit logout/cleanup.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Degraded, Disconnected},
	Connected:    {Degraded, Disconnected},
	Degraded:     {Connecting, Disconnected},
}

// Machine tracks and enforces transport state transitions. Encoding the
// lifecycle as an enum instead of scattered booleans makes an invalid
// transition an error rather than silent drift.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
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

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Now(bus.KindTransportStatus, StatusChange{
			From: from,
			To:   to,
		}))
	}
	return nil
}

// StatusChange is the payload for transport.status_changed events.
type StatusChange struct {
	From State
	To   State
}
