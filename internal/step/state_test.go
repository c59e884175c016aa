package step

import "testing"

func TestMachine_SuccessPath(t *testing.T) {
	m := NewMachine()
	for _, s := range []State{StateStaged, StateRunning, StateSucceeded, StateRecorded} {
		if err := m.Advance(s); err != nil {
			t.Fatalf("Advance(%s) err=%v", s, err)
		}
	}
	if !m.Current().Terminal() {
		t.Fatalf("expected terminal state, got %s", m.Current())
	}
}

func TestMachine_FailurePath(t *testing.T) {
	m := NewMachine()
	for _, s := range []State{StateStaged, StateRunning, StateFailed, StateCleanedUp} {
		if err := m.Advance(s); err != nil {
			t.Fatalf("Advance(%s) err=%v", s, err)
		}
	}
	if !m.Current().Terminal() {
		t.Fatalf("expected terminal state, got %s", m.Current())
	}
}

func TestMachine_RejectsSkippedStates(t *testing.T) {
	m := NewMachine()
	if err := m.Advance(StateRunning); err == nil {
		t.Fatalf("pending -> running must be rejected")
	}
	if err := m.Advance(StateRecorded); err == nil {
		t.Fatalf("pending -> recorded must be rejected")
	}
	if err := m.Advance(StateStaged); err != nil {
		t.Fatalf("Advance(staged) err=%v", err)
	}
	if err := m.Advance(StateSucceeded); err == nil {
		t.Fatalf("staged -> succeeded must be rejected")
	}
}

func TestMachine_TerminalStatesAreFinal(t *testing.T) {
	m := NewMachine()
	for _, s := range []State{StateStaged, StateRunning, StateFailed, StateCleanedUp} {
		if err := m.Advance(s); err != nil {
			t.Fatalf("Advance(%s) err=%v", s, err)
		}
	}
	if err := m.Advance(StatePending); err == nil {
		t.Fatalf("terminal state must not advance")
	}
}
