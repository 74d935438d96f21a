package node

import "fmt"

// State is the lifecycle state of a Node. Online and Offline are sub-states
// of Started, see Node.IsOnline.
type State int32

const (
	Created State = iota
	Initialized
	Started
	Stopped
	TornDown
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initialized:
		return "initialized"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case TornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
