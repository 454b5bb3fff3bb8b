package connection

import "fmt"

// State is the status of a Manager's connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (state State) String() string {
	switch state {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "invalid"
	}
}

func (state State) validateTransitionTo(newState State) error {
	switch state {
	case StateDisconnected:
		switch newState {
		case StateConnecting, StateDisconnected:
			return nil
		}
	case StateConnecting:
		switch newState {
		// Connecting to Connecting happens when a retry dial fails
		// and another one is scheduled.
		case StateConnecting, StateConnected, StateDisconnected:
			return nil
		}
	case StateConnected:
		switch newState {
		// Connected to Connecting is possible when the connection is lost
		// after the connection is established.
		case StateConnecting, StateDisconnected:
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", state, newState)
}
