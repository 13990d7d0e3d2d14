// Package task provides the per-element state machine driving a repeating
// unit of work on a shared runtime Context.
//
// A Task is bound to an iteration step and a Context by Prepare, then moves
// through Stopped, Prepared, Started, Paused and back under host control.
// While started, the step is scheduled as a repeating context sub-task; each
// invocation completes before the next is scheduled, so everything the step
// touches stays confined to the context thread.
package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wehubfusion/Loom/pkg/runtime"
	"github.com/wehubfusion/Loom/pkg/stream"
)

var (
	// ErrAlreadyPrepared indicates a second Prepare on a bound task.
	ErrAlreadyPrepared = errors.New("task already prepared")

	// ErrNotPrepared indicates Start on a task that was never bound.
	ErrNotPrepared = errors.New("task not prepared")
)

// Impl is the iteration step a Task repeats while started. Iterate returns
// nil to be rescheduled, stream.ErrEOS or stream.ErrFlushing to end the loop
// cleanly, or any other error to end it with a diagnostic. Iterate must
// honor ctx cancellation at its suspension points; Stop and FlushStart rely
// on it to unwind.
type Impl interface {
	Iterate(ctx context.Context) error
}

// StartHandler is implemented by steps that need work on loop start.
type StartHandler interface {
	OnStart(ctx context.Context) error
}

// StopHandler is implemented by steps that need teardown on Stop: flushing
// internal queues, resetting per-stream state. It runs on the owning context
// after the loop acknowledged the stop.
type StopHandler interface {
	OnStop(ctx context.Context) error
}

// FlushStartHandler is implemented by steps that purge buffered data when a
// flush begins.
type FlushStartHandler interface {
	OnFlushStart(ctx context.Context) error
}

// FlushStopHandler is implemented by steps that re-arm per-stream state when
// a flush ends, so the next iteration resumes cleanly.
type FlushStopHandler interface {
	OnFlushStop(ctx context.Context) error
}

// Task is the state machine every stream-driving element embeds. The zero
// value is not usable; create tasks with New.
type Task struct {
	mu      sync.Mutex
	state   State
	impl    Impl
	context *runtime.Context
	logger  *zap.Logger

	flushing atomic.Bool

	// loop identity; a fresh cancel scope and done channel per Start so a
	// stale iteration can never revive a superseded loop
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// Option configures a Task at creation.
type Option func(*Task)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Task) {
		t.logger = logger
	}
}

// New creates an unbound task in the Stopped state.
func New(opts ...Option) *Task {
	t := &Task{
		state:  Stopped,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Prepare binds the iteration step and the owning context, moving the task
// from Stopped to Prepared. It fails with ErrAlreadyPrepared on a bound task.
// The task does not own the context handle; releasing it stays with the
// caller.
func (t *Task) Prepare(impl Impl, c *runtime.Context) error {
	if impl == nil {
		return errors.New("task impl cannot be nil")
	}
	if c == nil {
		return errors.New("task context cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.impl != nil {
		return ErrAlreadyPrepared
	}
	if t.state != Stopped {
		return &TransitionError{From: t.state, Op: "prepare"}
	}

	t.state = Preparing
	t.impl = impl
	t.context = c
	t.state = Prepared

	t.logger.Debug("task prepared", zap.String("context", c.Name()))
	return nil
}

// Unprepare clears the binding of a task that is not running, valid from
// Stopped and from Prepared when the task was never started.
func (t *Task) Unprepare() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Stopped && t.state != Prepared {
		return &TransitionError{From: t.state, Op: "unprepare"}
	}
	t.state = Stopped
	t.impl = nil
	t.context = nil
	return nil
}

// Start schedules the iteration loop on the owning context. Valid from
// Prepared, Paused and from Stopped while still bound; starting a started
// task is a no-op. A task restarted after Stop behaves exactly like a
// freshly prepared one.
func (t *Task) Start() error {
	t.mu.Lock()

	switch t.state {
	case Started:
		t.mu.Unlock()
		return nil
	case Prepared, Paused, Stopped:
		if t.impl == nil || t.context == nil {
			t.mu.Unlock()
			return ErrNotPrepared
		}
	default:
		err := &TransitionError{From: t.state, Op: "start"}
		t.mu.Unlock()
		return err
	}

	resuming := t.state == Paused
	t.state = Started
	schedule := t.armLoopLocked(!resuming)
	t.mu.Unlock()

	schedule(context.Background())
	t.logger.Debug("task started", zap.Bool("resuming", resuming))
	return nil
}

// Pause suspends the loop at the next iteration boundary without tearing
// down element-held buffers, so Start can resume cleanly.
func (t *Task) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case Paused:
		return nil
	case Started:
		t.state = Paused
		t.logger.Debug("task paused")
		return nil
	default:
		return &TransitionError{From: t.state, Op: "pause"}
	}
}

// Stop unwinds the loop and resets the task to Stopped. The running step is
// cancelled, Stop waits for its acknowledgment, then the StopHandler hook
// runs on the owning context. Stop is idempotent from any state and must
// succeed even after prior failures; it must not be called from the owning
// context's thread.
func (t *Task) Stop() error {
	t.mu.Lock()
	if t.state == Stopped {
		t.mu.Unlock()
		return nil
	}
	t.state = Stopping
	cancel := t.loopCancel
	done := t.loopDone
	c := t.context
	impl := t.impl
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if impl != nil && c != nil {
		if hook, ok := impl.(StopHandler); ok {
			err := c.BlockOn(context.Background(), hook.OnStop)
			if err != nil && !errors.Is(err, runtime.ErrContextClosed) {
				t.logger.Warn("stop hook failed", zap.Error(err))
			}
		}
	}

	t.flushing.Store(false)

	t.mu.Lock()
	t.state = Stopped
	t.loopCtx = nil
	t.loopCancel = nil
	t.loopDone = nil
	t.mu.Unlock()

	t.logger.Debug("task stopped")
	return nil
}

// FlushStart sets the flushing flag and cancels the running step so it
// unwinds at its next suspension point. While flushing, iterations fail fast
// without delivering data. Pass the caller's ctx so the FlushStartHandler
// hook can bridge correctly from a handler callback already on the context.
func (t *Task) FlushStart(ctx context.Context) error {
	if t.flushing.Swap(true) {
		return nil
	}

	t.mu.Lock()
	cancel := t.loopCancel
	c := t.context
	impl := t.impl
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if impl != nil && c != nil {
		if hook, ok := impl.(FlushStartHandler); ok {
			err := runtime.BlockOnOrAddSubTask(ctx, c, hook.OnFlushStart)
			if err != nil && !errors.Is(err, runtime.ErrContextClosed) {
				t.logger.Warn("flush-start hook failed", zap.Error(err))
			}
		}
	}

	t.logger.Debug("task flushing")
	return nil
}

// FlushStop clears the flushing flag, runs the FlushStopHandler hook to
// re-arm per-stream state and, if the task is started, schedules a fresh
// loop so the next iteration resumes cleanly.
func (t *Task) FlushStop(ctx context.Context) error {
	if !t.flushing.Load() {
		return nil
	}

	t.mu.Lock()
	c := t.context
	impl := t.impl
	t.mu.Unlock()

	if impl != nil && c != nil {
		if hook, ok := impl.(FlushStopHandler); ok {
			err := runtime.BlockOnOrAddSubTask(ctx, c, hook.OnFlushStop)
			if err != nil && !errors.Is(err, runtime.ErrContextClosed) {
				t.logger.Warn("flush-stop hook failed", zap.Error(err))
			}
		}
	}

	t.flushing.Store(false)

	t.mu.Lock()
	var schedule func(context.Context)
	if t.state == Started && t.impl != nil {
		schedule = t.armLoopLocked(false)
	}
	t.mu.Unlock()
	if schedule != nil {
		schedule(ctx)
	}

	t.logger.Debug("task flush stopped")
	return nil
}

// Flushing reports whether the flushing flag is set.
func (t *Task) Flushing() bool {
	return t.flushing.Load()
}

// State returns a snapshot of the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LockState runs fn with the state held under the task lock, so callers can
// reject operations invalid for that state without racing a transition. fn
// must not call back into the task.
func (t *Task) LockState(fn func(State) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t.state)
}

// armLoopLocked installs a fresh loop identity and returns the closure that
// schedules its first iteration. Caller holds t.mu with state Started and
// must invoke the closure after unlocking: submission can block on a full
// queue, and the executor needs the lock to make progress. The closure takes
// the scheduling caller's ctx so submissions from the owning context thread
// take the non-blocking path.
func (t *Task) armLoopLocked(runStartHook bool) func(context.Context) {
	lctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.loopCtx = lctx
	t.loopCancel = cancel
	t.loopDone = done

	c := t.context
	impl := t.impl
	startHook, hasStart := impl.(StartHandler)

	return func(callerCtx context.Context) {
		err := c.AddSubTask(callerCtx, func(ctx context.Context) error {
			if runStartHook && hasStart {
				if err := startHook.OnStart(ctx); err != nil {
					t.logger.Error("start hook failed", zap.Error(err))
					close(done)
					return err
				}
			}
			t.iterate(ctx, c, lctx, done)
			return nil
		})
		if err != nil {
			// context already torn down; nothing will ever run
			close(done)
		}
	}
}

// iterate runs one invocation of the step on the context thread and
// reschedules itself while the loop is still live.
func (t *Task) iterate(ctx context.Context, c *runtime.Context, lctx context.Context, done chan struct{}) {
	if !t.loopAlive(lctx) {
		close(done)
		return
	}

	// the step sees the executor-tagged ctx, cancelled when this loop is
	// stopped or flushed
	ictx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(lctx, cancel)
	err := t.impl.Iterate(ictx)
	stop()
	cancel()

	switch {
	case err == nil:
	case stream.IsEOS(err):
		t.logger.Debug("iteration reached end of stream")
		close(done)
		return
	case stream.IsFlushing(err):
		t.logger.Debug("iteration interrupted by flush")
		close(done)
		return
	default:
		t.logger.Error("iteration failed, stopping loop", zap.Error(err))
		close(done)
		return
	}

	if !t.loopAlive(lctx) {
		close(done)
		return
	}

	if err := c.AddSubTask(ctx, func(ctx context.Context) error {
		t.iterate(ctx, c, lctx, done)
		return nil
	}); err != nil {
		close(done)
	}
}

// loopAlive reports whether this loop identity should keep iterating.
func (t *Task) loopAlive(lctx context.Context) bool {
	if lctx.Err() != nil || t.flushing.Load() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Started && t.loopCtx == lctx
}
