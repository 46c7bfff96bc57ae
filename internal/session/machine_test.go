package session

import (
	"errors"
	"testing"

	"github.com/foxzi/courier/internal/models"
)

func TestMachineTransitions(t *testing.T) {
	tests := []struct {
		name     string
		triggers []Trigger
		want     models.SessionStatus
		wantErr  bool
	}{
		{"create", []Trigger{TriggerCreate}, models.SessionConnecting, false},
		{"scan", []Trigger{TriggerCreate, TriggerScan}, models.SessionAwaitingScan, false},
		{"scan refresh", []Trigger{TriggerCreate, TriggerScan, TriggerScan}, models.SessionAwaitingScan, false},
		{"ready without scan", []Trigger{TriggerCreate, TriggerReady}, models.SessionConnected, false},
		{"ready after scan", []Trigger{TriggerCreate, TriggerScan, TriggerReady}, models.SessionConnected, false},
		{"auth failure while connecting", []Trigger{TriggerCreate, TriggerAuthFailure}, models.SessionError, false},
		{"auth failure while connected", []Trigger{TriggerCreate, TriggerReady, TriggerAuthFailure}, models.SessionError, false},
		{"disconnect while scanning", []Trigger{TriggerCreate, TriggerScan, TriggerDisconnect}, models.SessionDisconnected, false},
		{"recreate after error", []Trigger{TriggerCreate, TriggerAuthFailure, TriggerCreate}, models.SessionConnecting, false},
		{"recreate after disconnect", []Trigger{TriggerCreate, TriggerDisconnect, TriggerCreate}, models.SessionConnecting, false},
		{"ready while disconnected", []Trigger{TriggerReady}, models.SessionDisconnected, true},
		{"create while connected", []Trigger{TriggerCreate, TriggerReady, TriggerCreate}, models.SessionConnected, true},
		{"scan while connected", []Trigger{TriggerCreate, TriggerReady, TriggerScan}, models.SessionConnected, true},
		{"disconnect in error", []Trigger{TriggerCreate, TriggerAuthFailure, TriggerDisconnect}, models.SessionError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			var err error
			for _, tr := range tt.triggers {
				_, err = m.Apply(tr)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("last Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
			if m.State() != tt.want {
				t.Errorf("State() = %s, want %s", m.State(), tt.want)
			}
		})
	}
}

func TestMachineLive(t *testing.T) {
	m := NewMachine()
	if m.Live() {
		t.Error("disconnected machine should not be live")
	}
	m.Apply(TriggerCreate)
	if !m.Live() {
		t.Error("connecting machine should be live")
	}
	m.Apply(TriggerAuthFailure)
	if m.Live() {
		t.Error("errored machine should not be live")
	}
}
