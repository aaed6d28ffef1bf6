// ABOUTME: Backend lifecycle states and their transitions
// ABOUTME: Stopped -> Starting -> Running -> Stopping -> Stopped, with transient Error

package lifecycle

// State is the lifecycle phase of one backend connection.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateError
	StateStopping
)

// String returns the wire form used in status payloads.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}
