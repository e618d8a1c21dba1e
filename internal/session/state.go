package session

import (
	"fmt"

	"github.com/jmylchreest/livegen/internal/faults"
)

// State is the connection state of a session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions lists the legal successor states of each state.
var transitions = map[State][]State{
	StateIdle:       {StateConnecting, StateClosed},
	StateConnecting: {StateOpen, StateClosing, StateClosed},
	StateOpen:       {StateClosing, StateClosed},
	StateClosing:    {StateClosed, StateConnecting},
	StateClosed:     {StateConnecting, StateClosed},
}

// canTransition reports whether from -> to is legal.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return faults.Newf(faults.KindProtocol, "transition", faults.ErrIllegalTransition, "%s -> %s", from, to)
}

// describeTransition is used in debug logs.
func describeTransition(from, to State) string {
	return fmt.Sprintf("%s->%s", from, to)
}
