package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxContextWait is the upper bound for a Context wait interval. The wait
// trades latency for CPU use; anything above one second is a configuration
// mistake, not a throttle.
const MaxContextWait = time.Second

// ErrContextClosed indicates that the Context was released by its last owner
// and no longer accepts work.
var ErrContextClosed = errors.New("context closed")

// AcquireError indicates that a live Context with the requested name exists
// with a different wait interval. The name is the sharing key, so conflicting
// intervals are rejected rather than silently resolved.
type AcquireError struct {
	Name      string
	Existing  time.Duration
	Requested time.Duration
}

// Error implements the error interface.
func (e *AcquireError) Error() string {
	return fmt.Sprintf("context %q already acquired with wait %v, requested %v",
		e.Name, e.Existing, e.Requested)
}

// registry is the process-wide name to Context map. Contexts are reference
// counted; the last Release unregisters the name and stops the thread.
var registry = struct {
	sync.Mutex
	contexts map[string]*Context
}{contexts: make(map[string]*Context)}

// onLoopStart is a test hook invoked once per executor thread start.
var onLoopStart func(c *Context)

// subTask is a unit of work queued on a Context. done is nil for
// fire-and-forget submissions.
type subTask struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Context owns one OS thread running a single-threaded cooperative executor.
// Handles are obtained through Acquire and must be released with Release.
type Context struct {
	name    string
	private bool
	wait    time.Duration
	logger  *zap.Logger

	queue chan *subTask
	quit  chan struct{}
	done  chan struct{}

	// local holds sub-tasks submitted from the executor thread itself.
	// Only that thread touches it, so no lock: routing on-thread
	// submissions here keeps them from blocking the executor on its own
	// full queue.
	local []*subTask

	closed atomic.Bool

	// refs is guarded by the registry mutex; private contexts are not
	// registered and always have a single owner.
	refs int
}

// Option configures a Context at acquisition time. Options are only applied
// when the acquisition creates the Context; re-acquiring an existing name
// returns it unchanged.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	queueDepth int
}

// WithLogger sets the structured logger used by the executor. Defaults to a
// no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithQueueDepth bounds the executor sub-task queue, providing backpressure
// for producers. Defaults to the LOOM_MAX_PENDING configuration.
func WithQueueDepth(depth int) Option {
	return func(o *options) {
		o.queueDepth = depth
	}
}

// Acquire returns a handle to the Context named name, creating it and its
// thread on first acquisition. An empty name creates a private, unshared
// Context. Acquiring a live name with a different wait interval fails with
// an AcquireError. Every successful Acquire must be paired with a Release.
func Acquire(name string, wait time.Duration, opts ...Option) (*Context, error) {
	if wait < 0 || wait > MaxContextWait {
		return nil, fmt.Errorf("context wait %v out of range [0, %v]", wait, MaxContextWait)
	}

	o := &options{
		logger:     zap.NewNop(),
		queueDepth: defaultConfig().MaxPending,
	}
	for _, opt := range opts {
		opt(o)
	}

	if name == "" {
		c := newContext("private-"+uuid.NewString(), wait, true, o)
		c.start()
		return c, nil
	}

	registry.Lock()
	defer registry.Unlock()

	if existing, ok := registry.contexts[name]; ok {
		if existing.wait != wait {
			return nil, &AcquireError{Name: name, Existing: existing.wait, Requested: wait}
		}
		existing.refs++
		return existing, nil
	}

	c := newContext(name, wait, false, o)
	c.refs = 1
	registry.contexts[name] = c
	c.start()
	return c, nil
}

func newContext(name string, wait time.Duration, private bool, o *options) *Context {
	depth := o.queueDepth
	if depth < 1 {
		depth = 1
	}
	return &Context{
		name:    name,
		private: private,
		wait:    wait,
		logger:  o.logger,
		queue:   make(chan *subTask, depth),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Name returns the sharing key of the Context.
func (c *Context) Name() string {
	return c.name
}

// WaitInterval returns the configured throttle interval.
func (c *Context) WaitInterval() time.Duration {
	return c.wait
}

// Release gives up this handle. When the last handle is released the Context
// unregisters its name, fails any still-queued blocking callers with
// ErrContextClosed and stops its thread. Release must not be called from the
// Context's own thread.
func (c *Context) Release() {
	if c.private {
		c.shutdown()
		return
	}

	registry.Lock()
	if c.refs > 0 {
		c.refs--
	}
	last := c.refs == 0
	if last {
		delete(registry.contexts, c.name)
	}
	registry.Unlock()

	if last {
		c.shutdown()
	}
}

func (c *Context) shutdown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.quit)
	<-c.done
}

// AddSubTask enqueues work on the Context fire-and-forget. The work runs on
// the Context thread in submission order; its error, if any, is logged and
// otherwise discarded. ctx identifies the caller: submissions from the
// Context's own thread go to a local queue and run on the next wake-up,
// never blocking the executor on its own backpressure bound.
func (c *Context) AddSubTask(ctx context.Context, fn func(ctx context.Context) error) error {
	if Current(ctx) == c {
		if c.closed.Load() {
			return ErrContextClosed
		}
		c.local = append(c.local, &subTask{fn: fn})
		return nil
	}
	return c.submit(&subTask{fn: fn})
}

// BlockOn runs work on the Context thread and blocks the caller until it
// completes, returning its result. It must not be called from the Context's
// own thread; use BlockOnOrAddSubTask when the calling thread is not known.
// ctx cancels the wait, not the work: once the sub-task starts it runs to
// completion.
func (c *Context) BlockOn(ctx context.Context, fn func(ctx context.Context) error) error {
	st := &subTask{fn: fn, done: make(chan error, 1)}
	if err := c.submit(st); err != nil {
		return err
	}
	select {
	case err := <-st.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enter runs work on the Context, returning its result. When the caller is
// already on the Context thread the work runs inline, preserving submission
// order; otherwise it behaves like BlockOn. Ports use this for data flow.
func (c *Context) Enter(ctx context.Context, fn func(ctx context.Context) error) error {
	if Current(ctx) == c {
		return fn(ctx)
	}
	return c.BlockOn(ctx, fn)
}

func (c *Context) submit(st *subTask) error {
	if c.closed.Load() {
		return ErrContextClosed
	}
	select {
	case c.queue <- st:
		return nil
	case <-c.quit:
		return ErrContextClosed
	}
}

func (c *Context) start() {
	go c.run()
}

// run is the executor loop. It waits for ready work or the quit signal, runs
// the ready batch to completion one sub-task at a time and then sleeps out
// the remainder of the wait interval. A zero interval wakes immediately on
// readiness.
func (c *Context) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	if onLoopStart != nil {
		onLoopStart(c)
	}

	c.logger.Debug("context thread started",
		zap.String("context", c.name),
		zap.Duration("wait", c.wait))

	base := withOwner(context.Background(), c)

	for {
		if c.closed.Load() {
			c.drainOnShutdown()
			return
		}

		if len(c.local) == 0 {
			// idle: wait for foreign work or shutdown
			select {
			case st := <-c.queue:
				c.local = append(c.local, st)
			case <-c.quit:
				c.drainOnShutdown()
				return
			}
		}

		cycle := time.Now()

		// run the batch that was ready at cycle start; sub-tasks submitted
		// during the cycle wait for the next wake-up so the throttle stays
		// effective for self-rescheduling loops
		batch := c.local
		c.local = nil
		for _, st := range batch {
			c.execute(base, st)
		}
		c.drainReady(base)

		if c.wait > 0 {
			c.throttle(cycle)
		}
	}
}

// drainReady runs the sub-tasks that were already queued when the cycle
// began. Work enqueued during the cycle waits for the next wake-up so the
// throttle stays effective for self-rescheduling loops.
func (c *Context) drainReady(base context.Context) {
	ready := len(c.queue)
	for i := 0; i < ready; i++ {
		select {
		case st := <-c.queue:
			c.execute(base, st)
		default:
			return
		}
	}
}

func (c *Context) throttle(cycleStart time.Time) {
	d := c.wait - time.Since(cycleStart)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.quit:
	}
}

func (c *Context) execute(base context.Context, st *subTask) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("sub-task panicked",
				zap.String("context", c.name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			if st.done != nil {
				st.done <- fmt.Errorf("sub-task panicked: %v", r)
			}
		}
	}()

	err := st.fn(base)
	if st.done != nil {
		st.done <- err
	} else if err != nil {
		c.logger.Warn("sub-task failed",
			zap.String("context", c.name),
			zap.Error(err))
	}
}

// drainOnShutdown fails every still-queued blocking caller deterministically
// instead of leaving it hanging.
func (c *Context) drainOnShutdown() {
	for {
		select {
		case st := <-c.queue:
			if st.done != nil {
				st.done <- ErrContextClosed
			}
		default:
			c.logger.Debug("context thread stopped", zap.String("context", c.name))
			return
		}
	}
}

// WeakContext is a non-owning reference to a Context. Ports hold weak
// references so a torn-down Context fails operations gracefully instead of
// keeping the thread alive.
type WeakContext struct {
	c *Context
}

// Downgrade returns a non-owning reference to the Context.
func (c *Context) Downgrade() *WeakContext {
	return &WeakContext{c: c}
}

// Upgrade returns the Context if it is still live. The second return value
// is false once the last owning handle released it.
func (w *WeakContext) Upgrade() (*Context, bool) {
	if w == nil || w.c == nil || w.c.closed.Load() {
		return nil, false
	}
	return w.c, true
}
