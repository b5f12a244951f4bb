package pipeline

// State is the coordinator lifecycle state. Transitions follow
// Stopped -> Starting -> Running -> Draining -> Stopped; Starting may fall
// back to Stopped when a dependency check fails.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}
