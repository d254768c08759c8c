package tool

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var transitions = map[State][]State{
	StateCreated:    {StateConfigured},
	StateConfigured: {StateRunning, StateStopping, StateStopped},
	StateRunning:    {StatePaused, StateStopping, StateStopped, StateCrashed},
	StatePaused:     {StateRunning, StateStopping, StateStopped, StateCrashed},
	StateStopping:   {StateStopped, StateCrashed},
}

// Machine is the shared lifecycle state machine embedded by tool
// variants. Transition attempts from a wrong state fail; the pause and
// resume paths downgrade that failure to a warning per the contract.
type Machine struct {
	mu    sync.Mutex
	state State
	log   zerolog.Logger
}

// NewMachine returns a machine in StateCreated.
func NewMachine(log zerolog.Logger) *Machine {
	return &Machine{state: StateCreated, log: log}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the target state or fails if the edge is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, next := range transitions[m.state] {
		if next == to {
			m.log.Debug().Stringer("from", m.state).Stringer("to", to).Msg("state transition")
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", m.state, to)
}

// TryTransition attempts the edge and warns instead of failing.
// Returns true when the transition happened.
func (m *Machine) TryTransition(to State) bool {
	if err := m.Transition(to); err != nil {
		m.log.Warn().Err(err).Msg("transition ignored")
		return false
	}
	return true
}

// Force moves to the state unconditionally. Reserved for crash marking,
// which may race a concurrent transition.
func (m *Machine) Force(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return
	}
	m.log.Debug().Stringer("from", m.state).Stringer("to", to).Msg("forced state transition")
	m.state = to
}
