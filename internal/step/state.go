package step

import "fmt"

// State tracks a step execution through its lifecycle:
// pending -> staged -> running -> succeeded -> recorded (success path)
//                               -> failed -> cleaned_up (failure path).
type State string

const (
	StatePending   State = "pending"
	StateStaged    State = "staged"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateRecorded  State = "recorded"
	StateCleanedUp State = "cleaned_up"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateRecorded || s == StateCleanedUp
}

func (s State) canAdvance(to State) bool {
	switch s {
	case StatePending:
		return to == StateStaged
	case StateStaged:
		return to == StateRunning
	case StateRunning:
		return to == StateSucceeded || to == StateFailed
	case StateSucceeded:
		return to == StateRecorded
	case StateFailed:
		return to == StateCleanedUp
	default:
		return false
	}
}

// Machine enforces that no lifecycle state is skipped.
type Machine struct {
	current State
}

func NewMachine() *Machine {
	return &Machine{current: StatePending}
}

func (m *Machine) Current() State {
	return m.current
}

func (m *Machine) Advance(to State) error {
	if !m.current.canAdvance(to) {
		return fmt.Errorf("invalid step transition %s -> %s", m.current, to)
	}
	m.current = to
	return nil
}
