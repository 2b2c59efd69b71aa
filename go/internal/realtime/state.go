package realtime

// State is the channel's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateFallbackPolling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFallbackPolling:
		return "fallback_polling"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport names reported in health and metrics.
const (
	TransportPush = "push"
	TransportPoll = "poll"
)
