// Package negotiation drives the offer and answer exchange of one call attempt.
package negotiation

import (
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/callsignal/session"
)

// A Machine tracks the negotiation status of one attempt. It only moves forward.
type Machine struct {
	mu      sync.Mutex
	state   session.Status
	history []session.Status
}

// NewMachine returns a machine in the idle status.
func NewMachine() *Machine {
	return &Machine{state: session.StatusIdle, history: []session.Status{session.StatusIdle}}
}

// State returns the current status.
func (m *Machine) State() session.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Advance moves to the given status. Moving backward, staying put, or leaving the
// terminal status fails and leaves the machine unchanged.
func (m *Machine) Advance(to session.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.CanAdvanceTo(to) {
		return errors.Errorf("cannot move from %q to %q", m.state, to)
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}

// History returns every status the machine has been in, in order.
func (m *Machine) History() []session.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.Status(nil), m.history...)
}
