// Package runtime provides the thread-sharing execution core of Loom.
//
// A Context is a named, reference-counted execution resource: one OS thread
// running a single-threaded cooperative executor. Many pipeline elements
// share a Context instead of each owning a dedicated thread; the name is the
// sharing key, so two acquisitions of the same name return handles to the
// same thread.
//
// # Key Components
//
// Context: the named executor. Work is submitted as sub-tasks and runs to
// completion in FIFO order, one at a time, with wake-ups throttled to the
// configured wait interval.
//
// WeakContext: a non-owning reference held by ports. Operations upgrade it
// and fail gracefully once the last owning handle released the Context.
//
// BlockOnOrAddSubTask: the reentrancy bridge. A synchronous caller already
// running on the target Context's thread must not block on it (that would
// self-deadlock the single thread); the bridge detects this case and
// enqueues the work fire-and-forget instead.
//
// # Threading Model
//
// Within one Context at most one sub-task runs at a time and nothing
// preempts it between suspension points. The executor queue is the only
// structure shared across threads; everything an element owns is touched
// only from its own Context thread or through the bridge.
package runtime
