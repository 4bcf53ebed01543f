package session

// State is the lifecycle phase of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Live
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Live:
		return "live"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
