package sandbox

// State is a sandbox instance's lifecycle state.
type State int

const (
	StateUnbuilt State = iota
	StateBuilding
	StateCreated
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = map[State]string{
	StateUnbuilt:  "unbuilt",
	StateBuilding: "building",
	StateCreated:  "created",
	StateStarting: "starting",
	StateRunning:  "running",
	StateStopping: "stopping",
	StateStopped:  "stopped",
	StateFailed:   "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the instance can make no further transitions.
// A new Spec must be used to create a new instance from a terminal state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

var validTransitions = map[State][]State{
	StateUnbuilt:  {StateBuilding},
	StateBuilding: {StateCreated},
	StateCreated:  {StateStarting},
	StateStarting: {StateRunning},
	StateRunning:  {StateStopping},
	StateStopping: {StateStopped},
}

// CanTransition reports whether moving from s to next is legal. Any
// non-terminal state may move to Failed on an unrecoverable engine error.
func (s State) CanTransition(next State) bool {
	if next == StateFailed {
		return !s.Terminal()
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
