package remediation

import (
	"errors"
	"fmt"
)

// State is where an operator is in the remediation pipeline.
type State string

const (
	StatePending         State = "pending"          // Not attempted yet
	StateStateRead       State = "state_read"       // Nominators and pool read at the reference block
	StateComputed        State = "computed"         // Entitlements and batch plan built
	StateSolvencyChecked State = "solvency_checked" // Treasury covers the plan
	StateDispatched      State = "dispatched"       // Batch included in a block
	StateDone            State = "done"             // Remediated, or nothing to pay
	StateFailed          State = "failed"           // Stopped with an error; nothing was paid
)

// ErrInvalidTransition is returned for a state change the pipeline does
// not allow.
var ErrInvalidTransition = errors.New("remediation: invalid state transition")

// transitions lists the forward moves out of each state. Any non-terminal
// state may also move to StateFailed.
var transitions = map[State][]State{
	StatePending:         {StateStateRead},
	StateStateRead:       {StateComputed, StateDone},
	StateComputed:        {StateSolvencyChecked},
	StateSolvencyChecked: {StateDispatched, StateDone},
	StateDispatched:      {StateDone},
}

// IsTerminal returns true if no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

func (s State) canMoveTo(next State) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !from.canMoveTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
