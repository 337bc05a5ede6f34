package feed

// State is a step of the connection lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribing
	Streaming
	Stale
	Errored
	Reconnecting
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Stale:
		return "stale"
	case Errored:
		return "errored"
	case Reconnecting:
		return "reconnecting"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
