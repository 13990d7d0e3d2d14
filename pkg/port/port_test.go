package port

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wehubfusion/Loom/pkg/runtime"
	"github.com/wehubfusion/Loom/pkg/stream"
)

// recordingPeer captures delivered units in arrival order.
type recordingPeer struct {
	mu      sync.Mutex
	buffers []*stream.Buffer
	events  []*stream.Event
}

func (r *recordingPeer) Chain(ctx context.Context, buffer *stream.Buffer) error {
	r.mu.Lock()
	r.buffers = append(r.buffers, buffer)
	r.mu.Unlock()
	return nil
}

func (r *recordingPeer) PushEvent(ctx context.Context, event *stream.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingPeer) snapshot() ([]*stream.Buffer, []*stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*stream.Buffer(nil), r.buffers...), append([]*stream.Event(nil), r.events...)
}

func acquireTestContext(t *testing.T) *runtime.Context {
	t.Helper()
	c, err := runtime.Acquire("", 0)
	if err != nil {
		t.Fatalf("failed to acquire context: %v", err)
	}
	t.Cleanup(c.Release)
	return c
}

func TestSourcePortEmitsHandshakeBeforeFirstBuffer(t *testing.T) {
	c := acquireTestContext(t)
	peer := &recordingPeer{}
	p := NewSourcePort("src", c)
	p.SetFormat(&stream.Format{MediaType: "application/x-test"})
	p.Link(peer)

	ctx := context.Background()
	if err := p.Push(ctx, stream.NewBuffer([]byte("a"), 0)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	buffers, events := peer.snapshot()
	if len(buffers) != 1 {
		t.Fatalf("expected 1 buffer, got %d", len(buffers))
	}
	want := []stream.EventType{stream.EventStreamStart, stream.EventFormat, stream.EventSegment}
	if len(events) != len(want) {
		t.Fatalf("expected %d handshake events, got %d", len(want), len(events))
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Fatalf("handshake event %d: expected %s, got %s", i, typ, events[i].Type)
		}
	}

	// the handshake is emitted once
	if err := p.Push(ctx, stream.NewBuffer([]byte("b"), 0)); err != nil {
		t.Fatalf("second Push failed: %v", err)
	}
	_, events = peer.snapshot()
	if len(events) != len(want) {
		t.Fatalf("handshake re-emitted without a reset: %d events", len(events))
	}
}

func TestSourcePortResetsReArmHandshake(t *testing.T) {
	c := acquireTestContext(t)
	peer := &recordingPeer{}
	p := NewSourcePort("src", c)
	p.SetFormat(&stream.Format{MediaType: "application/x-test"})
	p.Link(peer)

	ctx := context.Background()
	if err := p.Push(ctx, stream.NewBuffer([]byte("a"), 0)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	// a flush discards only the segment base
	p.ResetSegment()
	if err := p.Push(ctx, stream.NewBuffer([]byte("b"), 0)); err != nil {
		t.Fatalf("Push after segment reset failed: %v", err)
	}
	_, events := peer.snapshot()
	if len(events) != 4 || events[3].Type != stream.EventSegment {
		t.Fatalf("expected a lone segment re-emission, got %v", events)
	}

	// a stop re-arms everything
	p.ResetHandshake()
	if err := p.Push(ctx, stream.NewBuffer([]byte("c"), 0)); err != nil {
		t.Fatalf("Push after handshake reset failed: %v", err)
	}
	_, events = peer.snapshot()
	if len(events) != 7 {
		t.Fatalf("expected the full handshake again, got %d events", len(events))
	}
	if events[4].Type != stream.EventStreamStart || events[5].Type != stream.EventFormat || events[6].Type != stream.EventSegment {
		t.Fatalf("unexpected handshake order: %v", events[4:])
	}
	if events[0].StreamID == events[4].StreamID {
		t.Fatal("expected a fresh stream identifier after a handshake reset")
	}
}

func TestSourcePortDeliversInOrder(t *testing.T) {
	c := acquireTestContext(t)
	peer := &recordingPeer{}
	p := NewSourcePort("src", c)
	p.Link(peer)

	ctx := context.Background()
	const n = 50
	for i := 0; i < n; i++ {
		buffer := stream.NewBuffer([]byte{byte(i)}, time.Duration(i)*time.Millisecond)
		if err := p.Push(ctx, buffer); err != nil {
			t.Fatalf("Push %d failed: %v", i, err)
		}
	}

	buffers, _ := peer.snapshot()
	if len(buffers) != n {
		t.Fatalf("expected %d buffers, got %d", n, len(buffers))
	}
	for i, b := range buffers {
		if b.Data[0] != byte(i) {
			t.Fatalf("buffer %d out of order: got %d", i, b.Data[0])
		}
	}
}

func TestSourcePortUnlinkedPushFails(t *testing.T) {
	c := acquireTestContext(t)
	p := NewSourcePort("src", c)

	err := p.Push(context.Background(), stream.NewBuffer(nil, 0))
	if !errors.Is(err, stream.ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked, got %v", err)
	}
}

func TestSourcePortFailsAfterContextRelease(t *testing.T) {
	c, err := runtime.Acquire("", 0)
	if err != nil {
		t.Fatalf("failed to acquire context: %v", err)
	}
	p := NewSourcePort("src", c)
	p.Link(&recordingPeer{})
	c.Release()

	if err := p.Push(context.Background(), stream.NewBuffer(nil, 0)); !errors.Is(err, stream.ErrFlushing) {
		t.Fatalf("expected ErrFlushing after release, got %v", err)
	}
}

// countingHandler tracks the peak number of concurrently executing callbacks.
type countingHandler struct {
	active  atomic.Int64
	peak    atomic.Int64
	buffers atomic.Int64
	events  atomic.Int64
}

func (h *countingHandler) enter() {
	n := h.active.Add(1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (h *countingHandler) Chain(ctx context.Context, port *SinkPort, buffer *stream.Buffer) error {
	h.enter()
	defer h.active.Add(-1)
	time.Sleep(100 * time.Microsecond)
	h.buffers.Add(1)
	return nil
}

func (h *countingHandler) SerializedEvent(ctx context.Context, port *SinkPort, event *stream.Event) error {
	h.enter()
	defer h.active.Add(-1)
	h.events.Add(1)
	return nil
}

func TestSinkPortSerializesHandlerCallbacks(t *testing.T) {
	c := acquireTestContext(t)
	handler := &countingHandler{}
	p := NewSinkPort("sink", handler, c)

	ctx := context.Background()
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if i%5 == 4 {
					_ = p.PushEvent(ctx, stream.NewSegmentEvent(0))
					continue
				}
				_ = p.Chain(ctx, stream.NewBuffer([]byte("x"), 0))
			}
		}()
	}
	wg.Wait()

	if peak := handler.peak.Load(); peak != 1 {
		t.Fatalf("expected at most one concurrent callback, observed %d", peak)
	}
	if got := handler.buffers.Load() + handler.events.Load(); got != 200 {
		t.Fatalf("expected 200 deliveries, got %d", got)
	}
}

// flushAwareHandler blocks Chain until released and honors the flushing flag
// the way elements do.
type flushAwareHandler struct {
	flushing atomic.Bool
	entered  chan struct{}
	release  chan struct{}
	chained  atomic.Int64
}

func (h *flushAwareHandler) Chain(ctx context.Context, port *SinkPort, buffer *stream.Buffer) error {
	if h.flushing.Load() {
		return stream.ErrFlushing
	}
	select {
	case h.entered <- struct{}{}:
	default:
	}
	<-h.release
	h.chained.Add(1)
	return nil
}

func (h *flushAwareHandler) SerializedEvent(ctx context.Context, port *SinkPort, event *stream.Event) error {
	return nil
}

func (h *flushAwareHandler) UnserializedEvent(ctx context.Context, port *SinkPort, event *stream.Event) error {
	switch event.Type {
	case stream.EventFlushStart:
		h.flushing.Store(true)
	case stream.EventFlushStop:
		h.flushing.Store(false)
	}
	return nil
}

func TestFlushStartLandsWhileChainHoldsTheLock(t *testing.T) {
	c := acquireTestContext(t)
	handler := &flushAwareHandler{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	p := NewSinkPort("sink", handler, c)
	ctx := context.Background()

	chainDone := make(chan error, 1)
	go func() {
		chainDone <- p.Chain(ctx, stream.NewBuffer([]byte("slow"), 0))
	}()

	select {
	case <-handler.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("chain never reached the handler")
	}

	// the flush must land on the caller's thread, not wait for the lock
	flushDone := make(chan error, 1)
	go func() {
		flushDone <- p.PushEvent(ctx, stream.NewFlushStartEvent())
	}()
	select {
	case err := <-flushDone:
		if err != nil {
			t.Fatalf("flush-start failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flush-start blocked behind a running chain")
	}
	if !handler.flushing.Load() {
		t.Fatal("expected the flushing flag to be set while chain still runs")
	}

	close(handler.release)
	if err := <-chainDone; err != nil {
		t.Fatalf("chain failed: %v", err)
	}

	// deliveries after the flush are rejected without touching state
	if err := p.Chain(ctx, stream.NewBuffer([]byte("late"), 0)); !errors.Is(err, stream.ErrFlushing) {
		t.Fatalf("expected ErrFlushing after flush-start, got %v", err)
	}
	if got := handler.chained.Load(); got != 1 {
		t.Fatalf("expected only the pre-flush chain to complete, got %d", got)
	}

	// flush-stop re-opens the port
	if err := p.PushEvent(ctx, stream.NewFlushStopEvent()); err != nil {
		t.Fatalf("flush-stop failed: %v", err)
	}
	if err := p.Chain(ctx, stream.NewBuffer([]byte("resumed"), 0)); err != nil {
		t.Fatalf("chain after flush-stop failed: %v", err)
	}
}

// plainHandler accepts everything and implements no unserialized hook.
type plainHandler struct{}

func (plainHandler) Chain(ctx context.Context, port *SinkPort, buffer *stream.Buffer) error {
	return nil
}

func (plainHandler) SerializedEvent(ctx context.Context, port *SinkPort, event *stream.Event) error {
	return nil
}

func TestSinkPortDropsUnserializedEventsWithoutHandler(t *testing.T) {
	c := acquireTestContext(t)
	p := NewSinkPort("sink", plainHandler{}, c)

	if err := p.PushEvent(context.Background(), stream.NewFlushStartEvent()); err != nil {
		t.Fatalf("expected unserialized events to be dropped silently, got %v", err)
	}
}

func TestSinkPortFailsAfterContextRelease(t *testing.T) {
	c, err := runtime.Acquire("", 0)
	if err != nil {
		t.Fatalf("failed to acquire context: %v", err)
	}
	p := NewSinkPort("sink", plainHandler{}, c)
	c.Release()

	if err := p.Chain(context.Background(), stream.NewBuffer(nil, 0)); !errors.Is(err, stream.ErrFlushing) {
		t.Fatalf("expected ErrFlushing after release, got %v", err)
	}
	if err := p.PushEvent(context.Background(), stream.NewEOSEvent()); !errors.Is(err, stream.ErrFlushing) {
		t.Fatalf("expected ErrFlushing after release, got %v", err)
	}
}
