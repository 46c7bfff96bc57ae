package session

import (
	"errors"
	"fmt"

	"github.com/foxzi/courier/internal/models"
)

// ErrInvalidTransition is returned for a trigger the current state does not accept
var ErrInvalidTransition = errors.New("invalid session transition")

// Trigger drives the session state machine
type Trigger string

const (
	TriggerCreate      Trigger = "create"
	TriggerScan        Trigger = "scan"
	TriggerReady       Trigger = "ready"
	TriggerAuthFailure Trigger = "auth_failure"
	TriggerDisconnect  Trigger = "disconnect"
)

var transitions = map[models.SessionStatus]map[Trigger]models.SessionStatus{
	models.SessionDisconnected: {
		TriggerCreate: models.SessionConnecting,
	},
	models.SessionConnecting: {
		TriggerScan:        models.SessionAwaitingScan,
		TriggerReady:       models.SessionConnected,
		TriggerAuthFailure: models.SessionError,
		TriggerDisconnect:  models.SessionDisconnected,
	},
	models.SessionAwaitingScan: {
		TriggerScan:        models.SessionAwaitingScan,
		TriggerReady:       models.SessionConnected,
		TriggerAuthFailure: models.SessionError,
		TriggerDisconnect:  models.SessionDisconnected,
	},
	models.SessionConnected: {
		TriggerAuthFailure: models.SessionError,
		TriggerDisconnect:  models.SessionDisconnected,
	},
	models.SessionError: {
		TriggerCreate: models.SessionConnecting,
	},
}

// Machine is the connection state of one session.
// It is not safe for concurrent use; the registry serializes access.
type Machine struct {
	state models.SessionStatus
}

// NewMachine returns a machine in the disconnected state
func NewMachine() *Machine {
	return &Machine{state: models.SessionDisconnected}
}

// State returns the current state
func (m *Machine) State() models.SessionStatus {
	return m.state
}

// Live reports whether the state holds a usable or pending connection
func (m *Machine) Live() bool {
	switch m.state {
	case models.SessionConnecting, models.SessionAwaitingScan, models.SessionConnected:
		return true
	}
	return false
}

// Apply moves the machine along the transition table and returns the new state
func (m *Machine) Apply(t Trigger) (models.SessionStatus, error) {
	next, ok := transitions[m.state][t]
	if !ok {
		return m.state, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, m.state)
	}
	m.state = next
	return next, nil
}
