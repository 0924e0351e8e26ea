package peer

import "fmt"

// SessionState is the lifecycle state of one peer session
type SessionState int

const (
	StateCreating SessionState = iota
	StateOffered
	StateAnswered
	StateConnected
	StateDisconnected
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateOffered:
		return "offered"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Terminal reports whether no further transitions are possible
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// transitions lists the allowed edges. An answering side goes straight from
// creating to answered once both descriptions are set.
var transitions = map[SessionState][]SessionState{
	StateCreating:     {StateOffered, StateAnswered, StateClosed, StateFailed},
	StateOffered:      {StateAnswered, StateClosed, StateFailed},
	StateAnswered:     {StateConnected, StateDisconnected, StateClosed, StateFailed},
	StateConnected:    {StateDisconnected, StateClosed, StateFailed},
	StateDisconnected: {StateConnected, StateClosed, StateFailed},
}

func canTransition(from, to SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// fsm guards a session's state. Callers hold the owning session's lock.
type fsm struct {
	state SessionState
}

// transition moves to next when the edge is allowed and reports whether it did
func (f *fsm) transition(next SessionState) bool {
	if f.state == next || !canTransition(f.state, next) {
		return false
	}
	f.state = next
	return true
}
