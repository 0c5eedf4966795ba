package session

import "errors"

// State is a sandbox session lifecycle state. Transitions are driven
// exclusively through Session methods; Terminated is absorbing.
type State int

const (
	Created State = iota
	Provisioning
	Running
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Provisioning:
		return "provisioning"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrSessionGone reports an operation against a Terminated session.
var ErrSessionGone = errors.New("session terminated")

// ErrSessionNotReady reports an attach or I/O request against a session
// that has not reached Running.
var ErrSessionNotReady = errors.New("session not ready")

// ErrBridgeActive reports an attach attempt while another terminal bridge
// holds the session.
var ErrBridgeActive = errors.New("terminal bridge already attached")

// ErrInvalidTransition reports a lifecycle transition the state machine
// does not permit.
var ErrInvalidTransition = errors.New("invalid session state transition")

var validTransitions = map[State][]State{
	Created:      {Provisioning},
	Provisioning: {Running, Terminated},
	Running:      {Stopping},
	Stopping:     {Terminated},
	Terminated:   {},
}

// canTransition reports whether from->to is a legal lifecycle step.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
