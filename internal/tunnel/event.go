package tunnel

// State is the supervisor-owned connection state of a tunnel. Only the
// supervisor worker transitions it; other goroutines read snapshots.
type State string

const (
	StateStopped    State = "stopped"
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StateError      State = "error"
)

// Event is one status transition of a tunnel, delivered on the registry's
// event stream. Message is a human-readable error description and is empty
// except for StateError.
type Event struct {
	ID      string
	State   State
	Message string
}
