package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/warelay/internal/bus"
)

// State represents a session runtime state. A single tagged value replaces
// independent ready/initialized/initializing booleans so the session can
// never be in a contradictory combination.
type State string

const (
	Uninitialized  State = "UNINITIALIZED"
	Initializing   State = "INITIALIZING"
	AwaitingPairing State = "AWAITING_PAIRING"
	Authenticated  State = "AUTHENTICATED"
	Ready          State = "READY"
	Disconnected   State = "DISCONNECTED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Uninitialized:   {Initializing},
	Initializing:    {AwaitingPairing, Authenticated, Disconnected},
	AwaitingPairing: {Authenticated, Disconnected},
	Authenticated:   {Ready, Disconnected},
	Ready:           {Disconnected},
	// Disconnected -> Authenticated covers the transport reconnecting on its
	// own without a fresh initialize.
	Disconnected: {Initializing, Authenticated},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Uninitialized state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Uninitialized,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsReady reports whether the session can serve chat/message/send operations.
func (m *Machine) IsReady() bool {
	return m.Current() == Ready
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.T("session.status_changed", StatusChange{From: from, To: to}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

// WireStatus maps a state to the status string pushed to frontend clients.
func WireStatus(s State) string {
	switch s {
	case AwaitingPairing:
		return "qr_received"
	case Authenticated:
		return "authenticated"
	case Ready:
		return "ready"
	default:
		return "disconnected"
	}
}
