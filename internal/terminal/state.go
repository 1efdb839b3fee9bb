package terminal

// State is the session connectivity state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateReconnecting  State = "reconnecting"
	StateDisconnected  State = "disconnected"
	StateFailed        State = "failed"
)

// canConnect reports whether a fresh Connect may start from s.
func (s State) canConnect() bool {
	switch s {
	case StateReady, StateDisconnected, StateFailed:
		return true
	}
	return false
}

// linked reports whether the adapter link is up or being restored.
func (s State) linked() bool {
	return s == StateConnected || s == StateReconnecting
}
