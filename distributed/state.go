package distributed

// State is the overlay's position in the parent/child lifecycle
// (spec.md §4.G "State machine").
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Orphaned
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Orphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}
