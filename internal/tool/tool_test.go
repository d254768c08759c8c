package tool

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRegistryUnknownTool(t *testing.T) {
	if _, err := New("no-such-tool", zerolog.Nop()); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestMachineValidPath(t *testing.T) {
	m := NewMachine(zerolog.Nop())
	steps := []State{StateConfigured, StateRunning, StatePaused, StateRunning, StateStopping, StateStopped}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if !m.State().Terminal() {
		t.Fatalf("expected terminal state, got %s", m.State())
	}
}

func TestMachineRejectsInvalidEdge(t *testing.T) {
	m := NewMachine(zerolog.Nop())
	if err := m.Transition(StateRunning); err == nil {
		t.Fatal("created -> running must be rejected")
	}
	if m.State() != StateCreated {
		t.Fatalf("failed transition must not move state, got %s", m.State())
	}
}

func TestMachineTryTransitionWarnsNotFails(t *testing.T) {
	m := NewMachine(zerolog.Nop())
	if m.TryTransition(StatePaused) {
		t.Fatal("created -> paused should report false")
	}
	if m.State() != StateCreated {
		t.Fatalf("state moved despite rejected transition: %s", m.State())
	}
}

func TestMachineForceRespectsTerminal(t *testing.T) {
	m := NewMachine(zerolog.Nop())
	if err := m.Transition(StateConfigured); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(StateStopped); err != nil {
		t.Fatal(err)
	}
	m.Force(StateCrashed)
	if m.State() != StateStopped {
		t.Fatalf("force must not leave a terminal state, got %s", m.State())
	}
}

func TestRecorderDrainExactlyOnce(t *testing.T) {
	r := &Recorder{}
	for i := 0; i < 3; i++ {
		r.Append(ErrorRecord{Timestamp: time.Now(), SessionID: "s1", Class: ClassCorrectable})
	}
	first := r.Drain()
	if len(first) != 3 {
		t.Fatalf("expected 3 records, got %d", len(first))
	}
	if again := r.Drain(); len(again) != 0 {
		t.Fatalf("second drain must be empty, got %d", len(again))
	}
	r.Append(ErrorRecord{SessionID: "s1", Class: ClassUncorrectable})
	if got := r.Drain(); len(got) != 1 || got[0].Class != ClassUncorrectable {
		t.Fatalf("records appended after a drain must survive, got %v", got)
	}
}

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  string
	}{
		{ClassCorrectable, "correctable"},
		{ClassUncorrectable, "uncorrectable"},
		{ClassUnknown, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.class.String(); got != tt.want {
			t.Fatalf("ErrorClass.String() = %q, want %q", got, tt.want)
		}
	}
}
