package gossip

type NodeID string

type State uint8

const (
	StateAlive State = iota
	StateSuspect
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Delta is one member's state change as learned from a peer or the local
// detector.
type Delta struct {
	Member Member
}
