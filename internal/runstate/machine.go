// Package runstate tracks the daemon's session runtime state.
package runstate

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chirp/internal/bus"
)

// State represents a session runtime state.
type State string

const (
	Booting     State = "BOOTING"
	InitialSync State = "INITIAL_SYNC"
	Live        State = "LIVE"
	Offline     State = "OFFLINE"
	Stopped     State = "STOPPED"
	Error       State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:     {InitialSync, Stopped, Error},
	InitialSync: {Live, Offline, Stopped, Error},
	Live:        {Offline, Stopped, Error},
	Offline:     {Live, Stopped, Error},
	Error:       {Booting, Stopped},
	Stopped:     {},
}

// Machine tracks and enforces session runtime state transitions.
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
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.state_changed",
			Timestamp: time.Now(),
			Payload: StateChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StateChange is the payload for state change events.
type StateChange struct {
	From State
	To   State
}
