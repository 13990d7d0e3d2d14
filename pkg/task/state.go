package task

import "fmt"

// State is the lifecycle position of a Task. The flushing flag is orthogonal
// and tracked separately.
type State int32

const (
	// Stopped is the rest state. A stopped task may still be bound to its
	// iteration step and context, in which case Start works directly.
	Stopped State = iota

	// Preparing is the transient state while Prepare binds the task.
	Preparing

	// Prepared means the task is bound and ready to start.
	Prepared

	// Started means the iteration loop is scheduled on the context.
	Started

	// Paused means the loop is suspended; element buffers stay intact so
	// the task can resume cleanly.
	Paused

	// Stopping is the transient state while Stop unwinds the loop.
	Stopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Preparing:
		return "preparing"
	case Prepared:
		return "prepared"
	case Started:
		return "started"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// TransitionError indicates an operation invalid for the task's current
// state, surfaced to the host as a rejected state change.
type TransitionError struct {
	From State
	Op   string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s task in state %s", e.Op, e.From)
}
