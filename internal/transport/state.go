package transport

// State is the connection lifecycle state. States only move forward.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateKilled
)

// Terminal reports whether the state is Disconnected or Killed.
func (s State) Terminal() bool {
	return s >= StateDisconnected
}

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}
