package connection

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateError
	StateReconnecting
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var allStates = []State{StateDisconnected, StateConnecting, StateOpen, StateError, StateReconnecting}

// cell is an immutable snapshot of the connection. It is replaced, never mutated.
type cell struct {
	generation uint64
	session    Session
	state      State
	lastErr    error
}
