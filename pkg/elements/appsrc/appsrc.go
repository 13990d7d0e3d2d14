// Package appsrc provides an application-driven source element. The host
// pushes buffers from any thread through PushBuffer; a Task drains the
// internal queue on a shared runtime Context and delivers downstream through
// a SourcePort in push order.
package appsrc

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Loom/pkg/port"
	"github.com/wehubfusion/Loom/pkg/runtime"
	"github.com/wehubfusion/Loom/pkg/stream"
	"github.com/wehubfusion/Loom/pkg/task"
)

// DefaultMaxBuffers bounds the internal queue when Settings leaves it unset.
const DefaultMaxBuffers = 10

var (
	// ErrQueueFull indicates that the internal queue hit its backpressure
	// bound and the buffer was not accepted.
	ErrQueueFull = errors.New("appsrc queue full")

	// ErrNotStarted indicates a push on an element that is neither started
	// nor paused.
	ErrNotStarted = errors.New("appsrc not started")

	// ErrAlreadyPrepared indicates a second Prepare without Unprepare.
	ErrAlreadyPrepared = errors.New("appsrc already prepared")
)

// Settings configures an AppSrc. Context and ContextWait select the shared
// thread; MaxBuffers bounds the producer queue; DoTimestamp stamps buffers
// with their arrival time relative to Start.
type Settings struct {
	Context     string
	ContextWait time.Duration
	Format      *stream.Format
	MaxBuffers  int
	DoTimestamp bool
}

// item is one unit queued for the iteration loop: a buffer or an event.
type item struct {
	buffer *stream.Buffer
	event  *stream.Event
}

// AppSrc is the element. Create with New, wire with Link, then drive the
// lifecycle with Prepare/Start/Pause/Stop/Unprepare.
type AppSrc struct {
	settings Settings
	logger   *zap.Logger
	task     *task.Task

	mu      sync.Mutex
	context *runtime.Context
	src     *port.SourcePort
	peer    port.Peer
	items   chan item
	epoch   time.Time
}

// New creates an unprepared AppSrc. A nil logger disables logging.
func New(settings Settings, logger *zap.Logger) *AppSrc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.MaxBuffers <= 0 {
		settings.MaxBuffers = DefaultMaxBuffers
	}
	return &AppSrc{
		settings: settings,
		logger:   logger,
		task:     task.New(task.WithLogger(logger)),
	}
}

// Link attaches the downstream peer. May be called before or after Prepare.
func (a *AppSrc) Link(peer port.Peer) {
	a.mu.Lock()
	a.peer = peer
	if a.src != nil {
		a.src.Link(peer)
	}
	a.mu.Unlock()
}

// Prepare acquires the configured Context, builds the source port and binds
// the task. It must complete before Start.
func (a *AppSrc) Prepare() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.context != nil {
		return ErrAlreadyPrepared
	}

	c, err := runtime.Acquire(a.settings.Context, a.settings.ContextWait,
		runtime.WithLogger(a.logger))
	if err != nil {
		return err
	}

	items := make(chan item, a.settings.MaxBuffers)
	src := port.NewSourcePort("src", c, port.WithLogger(a.logger))
	src.SetFormat(a.settings.Format)
	if a.peer != nil {
		src.Link(a.peer)
	}

	if err := a.task.Prepare(&srcTask{src: src, items: items, logger: a.logger}, c); err != nil {
		c.Release()
		return err
	}

	a.context = c
	a.src = src
	a.items = items

	a.logger.Debug("appsrc prepared", zap.String("context", c.Name()))
	return nil
}

// Unprepare releases the Context and clears the binding. The element must be
// stopped first.
func (a *AppSrc) Unprepare() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.context == nil {
		return nil
	}
	if err := a.task.Unprepare(); err != nil {
		return err
	}

	a.context.Release()
	a.context = nil
	a.src = nil
	a.items = nil

	a.logger.Debug("appsrc unprepared")
	return nil
}

// Start begins the iteration loop. The arrival-time epoch for DoTimestamp is
// reset on every fresh start.
func (a *AppSrc) Start() error {
	a.mu.Lock()
	a.epoch = time.Now()
	a.mu.Unlock()
	return a.task.Start()
}

// Pause suspends the loop, keeping queued buffers for a clean resume.
func (a *AppSrc) Pause() error {
	return a.task.Pause()
}

// Stop unwinds the loop, discards queued-but-unsent items and re-arms the
// initial handshake so a restart looks freshly prepared.
func (a *AppSrc) Stop() error {
	return a.task.Stop()
}

// FlushStart discards queued items and fails pushes fast until FlushStop.
func (a *AppSrc) FlushStart(ctx context.Context) error {
	return a.task.FlushStart(ctx)
}

// FlushStop clears the flushing state and resumes iteration.
func (a *AppSrc) FlushStop(ctx context.Context) error {
	return a.task.FlushStop(ctx)
}

// State returns the task state.
func (a *AppSrc) State() task.State {
	return a.task.State()
}

// PushBuffer queues a buffer for delivery. It may be called from any thread;
// delivery order matches push order. Pushes are rejected unless the element
// is started or paused, and when the queue is at its backpressure bound.
func (a *AppSrc) PushBuffer(buffer *stream.Buffer) error {
	a.mu.Lock()
	items := a.items
	doTimestamp := a.settings.DoTimestamp
	epoch := a.epoch
	a.mu.Unlock()

	if items == nil {
		return ErrNotStarted
	}

	err := a.task.LockState(func(s task.State) error {
		if s != task.Started && s != task.Paused {
			a.logger.Debug("rejecting buffer", zap.Stringer("state", s))
			return ErrNotStarted
		}
		if doTimestamp {
			buffer.DTS = time.Since(epoch)
			buffer.PTS = stream.NoTime
		}
		select {
		case items <- item{buffer: buffer}:
			return nil
		default:
			return ErrQueueFull
		}
	})
	return err
}

// EndOfStream queues the end-of-stream signal. The loop forwards it
// downstream and terminates cleanly; callers should finalize buffering
// before this.
func (a *AppSrc) EndOfStream() error {
	a.mu.Lock()
	items := a.items
	a.mu.Unlock()

	if items == nil {
		return ErrNotStarted
	}
	select {
	case items <- item{event: stream.NewEOSEvent()}:
		return nil
	default:
		return ErrQueueFull
	}
}

// srcTask is the iteration step driving the queue onto the source port.
type srcTask struct {
	src    *port.SourcePort
	items  chan item
	logger *zap.Logger
}

// Iterate waits for the next queued item and delivers it downstream. The
// wait is a suspension point: Stop and FlushStart cancel ctx to unwind it.
func (st *srcTask) Iterate(ctx context.Context) error {
	select {
	case it, ok := <-st.items:
		if !ok {
			return stream.ErrFlushing
		}
		return st.push(ctx, it)
	case <-ctx.Done():
		return stream.ErrFlushing
	}
}

func (st *srcTask) push(ctx context.Context, it item) error {
	if it.buffer != nil {
		err := st.src.Push(ctx, it.buffer)
		switch {
		case err == nil:
			return nil
		case stream.IsEOS(err):
			// downstream is done; finalize the stream for it
			_ = st.src.PushEvent(ctx, stream.NewEOSEvent())
			return stream.ErrEOS
		default:
			return err
		}
	}

	if it.event.Type == stream.EventEOS {
		if err := st.src.PushEvent(ctx, it.event); err != nil && !stream.IsEOS(err) {
			st.logger.Warn("failed to push end of stream", zap.Error(err))
		}
		return stream.ErrEOS
	}
	return st.src.PushEvent(ctx, it.event)
}

// OnStop discards queued items and re-arms the full initial handshake.
func (st *srcTask) OnStop(ctx context.Context) error {
	st.purge()
	st.src.ResetHandshake()
	return nil
}

// OnFlushStart discards queued items and re-arms the segment announcement.
func (st *srcTask) OnFlushStart(ctx context.Context) error {
	st.purge()
	st.src.ResetSegment()
	return nil
}

func (st *srcTask) purge() {
	for {
		select {
		case <-st.items:
		default:
			return
		}
	}
}
