package provider

// State of the broker connection.
//
//	Disconnected -> Connecting -> Connected -> Synced -> Disconnected
//
// Connected means the connection is up but the document subscription
// is not acknowledged yet; Synced means every retained update has been
// applied and local ones are being published.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Synced
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}
