package runtime

// State is the lifecycle position of a run. Transitions are
// CREATED -> RUNNING -> one of COMPLETED, FAILED or ABORTED; terminal states
// are sinks.
type State string

const (
	StateCreated   State = "CREATED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateAborted   State = "ABORTED"
)

// Terminal reports whether the state is a sink.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAborted:
		return true
	}
	return false
}
