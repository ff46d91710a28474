package worker

import "fmt"

// State is the worker lifecycle state. The transition table below is the
// single authority on valid moves; every state change goes through it.
type State int32

const (
	StateIdle State = iota
	StateBusy
	StateError
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// validTransitions encodes the lifecycle state machine:
// Idle -> Busy on assignment, Busy -> Idle on completion, Busy/Idle -> Error
// on fault or missed heartbeats, Error -> Idle on recovery, Error -> Crashed
// when the retry budget is spent, Crashed -> Idle only via explicit restart.
var validTransitions = map[State][]State{
	StateIdle:    {StateBusy, StateError},
	StateBusy:    {StateIdle, StateError},
	StateError:   {StateIdle, StateCrashed},
	StateCrashed: {StateIdle},
}

// checkTransition returns an error when from -> to is not a legal move.
func checkTransition(from, to State) error {
	for _, next := range validTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid worker state transition: %s -> %s", from, to)
}
