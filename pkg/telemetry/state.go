package telemetry

// State is the pipeline lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateShuttingDown
	StateShutdown
)

// String returns the state name for logging and introspection.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}
