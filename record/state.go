package record

import "fmt"

// State is the recording status of a conversation. The numeric values are
// persisted as the snapshot "status" field and must not be reordered.
type State int

const (
	StateIdle State = iota
	StateWaitStart
	StateWaitStop
	StateWriting
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitStart:
		return "wait_start"
	case StateWaitStop:
		return "wait_stop"
	case StateWriting:
		return "writing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool { return s >= StateIdle && s <= StateWriting }

// Recording reports whether an archive is open in this state.
func (s State) Recording() bool { return s == StateWriting || s == StateWaitStop }

var transitions = map[State][]State{
	StateIdle:      {StateWaitStart},
	StateWaitStart: {StateWriting, StateIdle},
	StateWriting:   {StateWaitStop},
	StateWaitStop:  {StateIdle, StateWriting},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllStates lists every state in persisted order.
func AllStates() []State {
	return []State{StateIdle, StateWaitStart, StateWaitStop, StateWriting}
}
