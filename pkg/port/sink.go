package port

import (
	"context"

	"go.uber.org/zap"

	"github.com/wehubfusion/Loom/pkg/runtime"
	"github.com/wehubfusion/Loom/pkg/stream"
)

// SinkHandler is the per-element behavior behind a SinkPort. At most one of
// its callback bodies executes per port at any instant; the port holds its
// exclusive lock for the duration of the callback and releases it on every
// exit path. While the element is flushing, Chain must reject with
// stream.ErrFlushing without touching buffered state.
type SinkHandler interface {
	Chain(ctx context.Context, port *SinkPort, buffer *stream.Buffer) error
	SerializedEvent(ctx context.Context, port *SinkPort, event *stream.Event) error
}

// UnserializedEventHandler is implemented by handlers that react to
// high-priority events delivered outside the lock, flush-start above all:
// it must take effect even while the lock is held by a long-running Chain,
// so the callback runs on the caller's thread and may only touch state that
// is safe without the lock.
type UnserializedEventHandler interface {
	UnserializedEvent(ctx context.Context, port *SinkPort, event *stream.Event) error
}

// SinkPort wraps an incoming connection point. Deliveries are serialized
// through the owning Context and the handler callback runs under the port's
// exclusive asynchronous lock.
type SinkPort struct {
	name    string
	context *runtime.WeakContext
	handler SinkHandler
	logger  *zap.Logger

	// capacity-1 channel as the exclusive asynchronous lock
	lock chan struct{}
}

// NewSinkPort creates a sink port owned by the given Context. The port
// holds only a weak reference; the caller keeps the owning handle.
func NewSinkPort(name string, handler SinkHandler, c *runtime.Context, opts ...Option) *SinkPort {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return &SinkPort{
		name:    name,
		context: c.Downgrade(),
		handler: handler,
		logger:  o.logger,
		lock:    make(chan struct{}, 1),
	}
}

// Name returns the port name.
func (p *SinkPort) Name() string {
	return p.name
}

// Chain delivers a buffer to the handler on the owning Context, under the
// port lock. Foreign callers block until the handler returns, matching the
// synchronous calling convention of the host.
func (p *SinkPort) Chain(ctx context.Context, buffer *stream.Buffer) error {
	c, ok := p.context.Upgrade()
	if !ok {
		return stream.ErrFlushing
	}
	return c.Enter(ctx, func(ctx context.Context) error {
		if err := p.acquire(ctx); err != nil {
			return err
		}
		defer p.release()
		p.logger.Debug("handling buffer",
			zap.String("port", p.name),
			zap.Stringer("buffer", buffer))
		return p.handler.Chain(ctx, p, buffer)
	})
}

// PushEvent delivers a control signal to the handler. Serialized events take
// the same path as buffers; flush events skip both the Context queue and the
// lock, a deliberate priority-inversion escape hatch so a flush lands even
// while a long-running Chain holds the lock.
func (p *SinkPort) PushEvent(ctx context.Context, event *stream.Event) error {
	if !event.Serialized() {
		h, ok := p.handler.(UnserializedEventHandler)
		if !ok {
			p.logger.Debug("dropping unserialized event, handler does not accept them",
				zap.String("port", p.name),
				zap.Stringer("event", event))
			return nil
		}
		p.logger.Debug("handling unserialized event",
			zap.String("port", p.name),
			zap.Stringer("event", event))
		return h.UnserializedEvent(ctx, p, event)
	}

	c, ok := p.context.Upgrade()
	if !ok {
		return stream.ErrFlushing
	}
	return c.Enter(ctx, func(ctx context.Context) error {
		if err := p.acquire(ctx); err != nil {
			return err
		}
		defer p.release()
		p.logger.Debug("handling event",
			zap.String("port", p.name),
			zap.Stringer("event", event))
		return p.handler.SerializedEvent(ctx, p, event)
	})
}

func (p *SinkPort) acquire(ctx context.Context) error {
	select {
	case p.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *SinkPort) release() {
	<-p.lock
}
