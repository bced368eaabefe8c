package tpcengine

import "sync/atomic"

// State is the lifecycle state shared by the Engine and each Eventloop.
//
// Transitions:
//
//	New → Running          [Start]
//	New → Terminated       [Shutdown before Start]
//	Running → Shutdown     [Shutdown]
//	Shutdown → Terminated  [loop threads confirm termination]
//
// Anything else is an invalid transition.
type State int32

const (
	// StateNew indicates the engine or eventloop has been created but not
	// started.
	StateNew State = iota
	// StateRunning indicates the eventloop thread(s) are running.
	StateRunning
	// StateShutdown indicates shutdown has been requested but not all loop
	// threads have confirmed termination.
	StateShutdown
	// StateTerminated is terminal.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateRunning:
		return "Running"
	case StateShutdown:
		return "Shutdown"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// stateMachine is an atomic State with CAS transitions. Cache-line padded
// since it sits between the loop thread and arbitrary producers.
type stateMachine struct {
	_ [64]byte //nolint:unused
	v atomic.Int32
	_ [60]byte //nolint:unused
}

func (s *stateMachine) load() State { return State(s.v.Load()) }

func (s *stateMachine) store(state State) { s.v.Store(int32(state)) }

func (s *stateMachine) tryTransition(from, to State) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}
