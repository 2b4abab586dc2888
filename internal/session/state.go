package session

// State is the connection lifecycle state.
type State int

// Lifecycle states.
const (
	StateIdle State = iota
	StateProvisioning
	StateConnecting
	StateConnected
	StateDisconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProvisioning:
		return "provisioning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
