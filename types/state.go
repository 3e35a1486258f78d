package types

// State represents the runtime lifecycle state.
//
// States follow a defined progression during normal operation:
//
//	StateCreated → StateLoading → StateStarted → StateClosing → StateClosed
//
// StateClosed is terminal: a closed runtime rejects every further call with
// ErrRuntimeClosed and is never reopened.
type State int

const (
	// StateCreated is the initial state before Start.
	StateCreated State = iota

	// StateLoading indicates the runtime is restoring components from the
	// latest stored snapshot.
	StateLoading

	// StateStarted indicates normal operation with the pipeline running.
	StateStarted

	// StateClosing indicates shutdown is draining the pipeline.
	StateClosing

	// StateClosed indicates the runtime has fully shut down.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateLoading:
		return "Loading"
	case StateStarted:
		return "Started"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
