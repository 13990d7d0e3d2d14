package port

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Loom/pkg/runtime"
	"github.com/wehubfusion/Loom/pkg/stream"
)

// Peer is the downstream side a SourcePort delivers into. A *SinkPort
// implements it; tests substitute recorders.
type Peer interface {
	Chain(ctx context.Context, buffer *stream.Buffer) error
	PushEvent(ctx context.Context, event *stream.Event) error
}

// Option configures a port at construction.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// SourcePort wraps an outgoing connection point. Push and PushEvent always
// execute on the owning Context, guaranteeing ordered delivery for units
// pushed from a single task loop; concurrent pushes from independent callers
// are serialized but not mutually ordered.
type SourcePort struct {
	name    string
	context *runtime.WeakContext
	logger  *zap.Logger

	mu   sync.Mutex
	peer Peer

	// initial handshake cache: stream-start, format and segment must
	// precede the first buffer and are re-emitted only after a reset
	needStreamStart bool
	needFormat      bool
	needSegment     bool
	format          *stream.Format
}

// NewSourcePort creates a source port owned by the given Context. The port
// holds only a weak reference; the caller keeps the owning handle.
func NewSourcePort(name string, c *runtime.Context, opts ...Option) *SourcePort {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return &SourcePort{
		name:            name,
		context:         c.Downgrade(),
		logger:          o.logger,
		needStreamStart: true,
		needSegment:     true,
	}
}

// Name returns the port name.
func (p *SourcePort) Name() string {
	return p.name
}

// Link attaches the downstream peer.
func (p *SourcePort) Link(peer Peer) {
	p.mu.Lock()
	p.peer = peer
	p.mu.Unlock()
}

// Unlink detaches the downstream peer.
func (p *SourcePort) Unlink() {
	p.mu.Lock()
	p.peer = nil
	p.mu.Unlock()
}

// SetFormat configures the format announced before the next buffer.
func (p *SourcePort) SetFormat(format *stream.Format) {
	p.mu.Lock()
	p.format = format
	p.needFormat = format != nil
	p.mu.Unlock()
}

// ResetSegment re-arms the segment announcement, used when a flush discards
// the downstream timestamp base.
func (p *SourcePort) ResetSegment() {
	p.mu.Lock()
	p.needSegment = true
	p.mu.Unlock()
}

// ResetHandshake re-arms the full initial handshake, used on stop so a
// restarted task is indistinguishable from a freshly prepared one.
func (p *SourcePort) ResetHandshake() {
	p.mu.Lock()
	p.needStreamStart = true
	p.needFormat = p.format != nil
	p.needSegment = true
	p.mu.Unlock()
}

// Push delivers a buffer downstream on the owning Context regardless of the
// calling thread. Callers already on the Context run inline, preserving the
// task loop's call order; foreign callers block until delivery completes.
func (p *SourcePort) Push(ctx context.Context, buffer *stream.Buffer) error {
	c, ok := p.context.Upgrade()
	if !ok {
		return stream.ErrFlushing
	}
	return c.Enter(ctx, func(ctx context.Context) error {
		peer := p.currentPeer()
		if peer == nil {
			return stream.ErrNotLinked
		}
		if err := p.pushPrelude(ctx, peer); err != nil {
			return err
		}
		p.logger.Debug("pushing buffer",
			zap.String("port", p.name),
			zap.Stringer("buffer", buffer))
		return peer.Chain(ctx, buffer)
	})
}

// PushEvent delivers a control signal downstream with the same contract as
// Push. Flush events bypass the Context queue entirely so they take effect
// while a delivery is still in progress.
func (p *SourcePort) PushEvent(ctx context.Context, event *stream.Event) error {
	peer := p.currentPeer()
	if peer == nil {
		return stream.ErrNotLinked
	}

	if !event.Serialized() {
		p.logger.Debug("forwarding unserialized event",
			zap.String("port", p.name),
			zap.Stringer("event", event))
		return peer.PushEvent(ctx, event)
	}

	c, ok := p.context.Upgrade()
	if !ok {
		return stream.ErrFlushing
	}
	return c.Enter(ctx, func(ctx context.Context) error {
		if err := p.pushPrelude(ctx, peer); err != nil {
			return err
		}
		p.logger.Debug("pushing event",
			zap.String("port", p.name),
			zap.Stringer("event", event))
		return peer.PushEvent(ctx, event)
	})
}

func (p *SourcePort) currentPeer() Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer
}

// pushPrelude emits the cached initial handshake ahead of the first unit.
// Repeated calls are idempotent until a reset re-arms the cache. Runs on the
// owning Context.
func (p *SourcePort) pushPrelude(ctx context.Context, peer Peer) error {
	p.mu.Lock()
	var events []*stream.Event
	if p.needStreamStart {
		events = append(events, stream.NewStreamStartEvent(uuid.NewString()))
		p.needStreamStart = false
	}
	if p.needFormat {
		events = append(events, stream.NewFormatEvent(p.format))
		p.needFormat = false
	}
	if p.needSegment {
		events = append(events, stream.NewSegmentEvent(0))
		p.needSegment = false
	}
	p.mu.Unlock()

	for _, ev := range events {
		p.logger.Debug("pushing initial event",
			zap.String("port", p.name),
			zap.Stringer("event", ev))
		if err := peer.PushEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
