package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/nostrdm/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Booting        State = "BOOTING"
	SignerRequired State = "SIGNER_REQUIRED"
	Connecting     State = "CONNECTING"
	Syncing        State = "SYNCING"
	Ready          State = "READY"
	Degraded       State = "DEGRADED"
	SignedOut      State = "SIGNED_OUT"
	Error          State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:        {SignerRequired, Connecting, Error},
	SignerRequired: {Connecting, Error},
	Connecting:     {Syncing, SignerRequired, Degraded, Error},
	Syncing:        {Ready, Degraded, SignedOut, Error},
	Ready:          {Degraded, SignedOut, Error},
	Degraded:       {Syncing, Ready, SignedOut, Error},
	SignedOut:      {Connecting, Error},
	Error:          {Booting},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
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
	m.bus.Publish(bus.NewEvent(bus.KindStatusChanged, StatusChange{From: from, To: to}))
	return nil
}

// Settle moves to to unless the machine is already there. Sync cycles call it
// repeatedly to flip between Ready and Degraded.
func (m *Machine) Settle(to State) error {
	if m.Current() == to {
		return nil
	}
	return m.Transition(to)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
