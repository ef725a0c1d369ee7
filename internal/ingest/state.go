package ingest

// State is a node of the connection state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateExhausted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateExhausted:
		return "exhausted"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
