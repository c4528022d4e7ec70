package session

import "github.com/pkg/errors"

// State is the session lifecycle position. The only legal path is
// Idle -> Running -> Stopping -> Terminated; Stopping can also be entered
// straight from Idle when startup fails, and Terminated is always reached
// through Stopping so cleanup can never be skipped.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateIdle:     {StateRunning, StateStopping},
	StateRunning:  {StateStopping},
	StateStopping: {StateTerminated},
}

// canTransition reports whether moving from -> to is a legal edge.
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// advance moves the controller to the requested state, rejecting illegal
// edges. Re-entering the current state is a no-op.
func (c *Controller) advance(to State) error {
	current := c.State()
	if current == to {
		return nil
	}
	if !canTransition(current, to) {
		return errors.Errorf("illegal state transition %s -> %s", current, to)
	}
	c.state.Store(int32(to))
	c.logger.Debugw("session state changed", "from", current.String(), "to", to.String())
	return nil
}
