package orchestrator

// State is the orchestrator's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateStopping
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Snapshot is what a consuming UI renders.
type Snapshot struct {
	State   State
	Partial string
	Final   string
	Level   float64

	// Err is the last surfaced failure, empty when none.
	Err string
}

// Update is published on every change to the [Snapshot].
type Update = Snapshot
