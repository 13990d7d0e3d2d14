// Package debugsink provides a measuring sink element. It consumes buffers
// through a SinkPort, honoring the flushing contract, and accumulates
// arrival statistics useful when benchmarking thread-sharing pipelines.
package debugsink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Loom/pkg/port"
	"github.com/wehubfusion/Loom/pkg/runtime"
	"github.com/wehubfusion/Loom/pkg/stream"
)

// Settings configures a DebugSink.
type Settings struct {
	Context     string
	ContextWait time.Duration
}

// Stats is a snapshot of what the sink observed on its current stream.
type Stats struct {
	Buffers     uint64
	Bytes       uint64
	Events      uint64
	MinInterval time.Duration
	MaxInterval time.Duration
	AvgInterval time.Duration
}

// DebugSink is the element. The sink is passive: upstream drives it through
// the port returned by Port.
type DebugSink struct {
	name     string
	settings Settings
	logger   *zap.Logger
	handler  *sinkHandler

	mu      sync.Mutex
	context *runtime.Context
	sink    *port.SinkPort
}

// New creates an unprepared DebugSink. A nil logger disables logging.
func New(name string, settings Settings, logger *zap.Logger) *DebugSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DebugSink{
		name:     name,
		logger:   logger,
		handler:  newSinkHandler(logger),
		settings: settings,
	}
}

// Prepare acquires the configured Context and builds the sink port.
func (d *DebugSink) Prepare() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.context != nil {
		return errors.New("debugsink already prepared")
	}
	c, err := runtime.Acquire(d.settings.Context, d.settings.ContextWait,
		runtime.WithLogger(d.logger))
	if err != nil {
		return err
	}
	d.context = c
	d.sink = port.NewSinkPort(d.name, d.handler, c, port.WithLogger(d.logger))
	return nil
}

// Unprepare releases the Context. Upstream must be unlinked first.
func (d *DebugSink) Unprepare() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.context == nil {
		return nil
	}
	d.context.Release()
	d.context = nil
	d.sink = nil
	return nil
}

// Port returns the sink port to link a source against. Nil before Prepare.
func (d *DebugSink) Port() *port.SinkPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}

// EOS reports whether the sink saw end-of-stream.
func (d *DebugSink) EOS() bool {
	return d.handler.eos.Load()
}

// Stats returns a snapshot of the accumulated statistics.
func (d *DebugSink) Stats() Stats {
	return d.handler.snapshot()
}

// sinkHandler accumulates per-stream statistics. Buffer state is only
// touched under the port lock; the flushing flag is atomic because
// flush-start lands outside the lock while a chain may still be running.
type sinkHandler struct {
	logger   *zap.Logger
	flushing atomic.Bool
	eos      atomic.Bool

	mu           sync.Mutex
	segmentStart time.Duration
	lastArrival  time.Time
	stats        Stats
	intervalSum  time.Duration
}

func newSinkHandler(logger *zap.Logger) *sinkHandler {
	return &sinkHandler{logger: logger}
}

// Chain records one buffer arrival. While flushing it rejects immediately
// without touching buffered state.
func (h *sinkHandler) Chain(ctx context.Context, p *port.SinkPort, buffer *stream.Buffer) error {
	if h.flushing.Load() {
		h.logger.Debug("discarding buffer while flushing",
			zap.String("port", p.Name()),
			zap.Stringer("buffer", buffer))
		return stream.ErrFlushing
	}

	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.Buffers++
	h.stats.Bytes += uint64(len(buffer.Data))
	if !h.lastArrival.IsZero() {
		interval := now.Sub(h.lastArrival)
		h.intervalSum += interval
		if h.stats.MinInterval == 0 || interval < h.stats.MinInterval {
			h.stats.MinInterval = interval
		}
		if interval > h.stats.MaxInterval {
			h.stats.MaxInterval = interval
		}
		h.stats.AvgInterval = h.intervalSum / time.Duration(h.stats.Buffers-1)
	}
	h.lastArrival = now

	h.logger.Debug("buffer processed",
		zap.String("port", p.Name()),
		zap.Stringer("buffer", buffer))
	return nil
}

// SerializedEvent tracks the stream handshake and end-of-stream.
func (h *sinkHandler) SerializedEvent(ctx context.Context, p *port.SinkPort, event *stream.Event) error {
	switch event.Type {
	case stream.EventStreamStart:
		h.mu.Lock()
		h.stats = Stats{}
		h.intervalSum = 0
		h.lastArrival = time.Time{}
		h.mu.Unlock()
		h.eos.Store(false)
		// a new stream reopens a sink closed by end-of-stream
		h.flushing.Store(false)
	case stream.EventSegment:
		h.mu.Lock()
		h.segmentStart = event.Segment.Start
		h.mu.Unlock()
	case stream.EventEOS:
		h.logger.Debug("end of stream", zap.String("port", p.Name()))
		h.eos.Store(true)
		h.flushing.Store(true)
	}

	h.mu.Lock()
	h.stats.Events++
	h.mu.Unlock()
	return nil
}

// UnserializedEvent applies flush transitions outside the lock. Only the
// atomic flag is touched here; the stale interval baseline left behind is
// cleared by the next flush-stop, so the inconsistency window is bounded.
func (h *sinkHandler) UnserializedEvent(ctx context.Context, p *port.SinkPort, event *stream.Event) error {
	switch event.Type {
	case stream.EventFlushStart:
		h.flushing.Store(true)
	case stream.EventFlushStop:
		h.flushing.Store(false)
		h.mu.Lock()
		h.lastArrival = time.Time{}
		h.mu.Unlock()
	}
	return nil
}

func (h *sinkHandler) snapshot() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
