// Package natssrc provides a NATS-fed source element. Messages arriving on
// a subscription become buffers delivered downstream through a SourcePort on
// a shared runtime Context, in arrival order.
package natssrc

import (
	"context"
	"errors"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	internalnats "github.com/wehubfusion/Loom/internal/nats"
	"github.com/wehubfusion/Loom/pkg/port"
	"github.com/wehubfusion/Loom/pkg/runtime"
	"github.com/wehubfusion/Loom/pkg/stream"
	"github.com/wehubfusion/Loom/pkg/task"
)

// DefaultMaxPending bounds the subscription channel when Settings leaves it
// unset.
const DefaultMaxPending = 64

// Settings configures a NATSSrc.
type Settings struct {
	// URL is the NATS server to dial; Subject is the subscription subject.
	URL     string
	Subject string

	// Context and ContextWait select the shared thread.
	Context     string
	ContextWait time.Duration

	// Format is announced downstream before the first buffer.
	Format *stream.Format

	// MaxPending bounds the subscription channel, backpressuring the
	// server delivery into slow pipelines.
	MaxPending int
}

// NATSSrc is the element. Create with New, wire with Link, then drive the
// lifecycle with Prepare/Start/Pause/Stop/Unprepare.
type NATSSrc struct {
	settings Settings
	logger   *zap.Logger
	task     *task.Task

	mu      sync.Mutex
	context *runtime.Context
	src     *port.SourcePort
	peer    port.Peer
	conn    *natsgo.Conn
	sub     *natsgo.Subscription
	msgs    chan *natsgo.Msg
	epoch   time.Time
}

// New creates an unprepared NATSSrc. A nil logger disables logging.
func New(settings Settings, logger *zap.Logger) *NATSSrc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.MaxPending <= 0 {
		settings.MaxPending = DefaultMaxPending
	}
	return &NATSSrc{
		settings: settings,
		logger:   logger,
		task:     task.New(task.WithLogger(logger)),
	}
}

// Link attaches the downstream peer. May be called before or after Prepare.
func (n *NATSSrc) Link(peer port.Peer) {
	n.mu.Lock()
	n.peer = peer
	if n.src != nil {
		n.src.Link(peer)
	}
	n.mu.Unlock()
}

// Prepare dials NATS, subscribes, acquires the configured Context and binds
// the task.
func (n *NATSSrc) Prepare() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.context != nil {
		return errors.New("natssrc already prepared")
	}
	if n.settings.Subject == "" {
		return errors.New("natssrc subject cannot be empty")
	}

	conn, err := internalnats.Connect(
		internalnats.DefaultConnectionConfig(n.settings.URL), n.logger)
	if err != nil {
		return err
	}

	msgs := make(chan *natsgo.Msg, n.settings.MaxPending)
	sub, err := conn.ChanSubscribe(n.settings.Subject, msgs)
	if err != nil {
		conn.Close()
		return err
	}

	c, err := runtime.Acquire(n.settings.Context, n.settings.ContextWait,
		runtime.WithLogger(n.logger))
	if err != nil {
		_ = sub.Unsubscribe()
		conn.Close()
		return err
	}

	src := port.NewSourcePort("src", c, port.WithLogger(n.logger))
	src.SetFormat(n.settings.Format)
	if n.peer != nil {
		src.Link(n.peer)
	}

	st := &srcTask{src: src, msgs: msgs, owner: n}
	if err := n.task.Prepare(st, c); err != nil {
		c.Release()
		_ = sub.Unsubscribe()
		conn.Close()
		return err
	}

	n.context = c
	n.src = src
	n.conn = conn
	n.sub = sub
	n.msgs = msgs

	n.logger.Debug("natssrc prepared",
		zap.String("subject", n.settings.Subject),
		zap.String("context", c.Name()))
	return nil
}

// Unprepare drops the subscription, closes the connection and releases the
// Context. The element must be stopped first.
func (n *NATSSrc) Unprepare() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.context == nil {
		return nil
	}
	if err := n.task.Unprepare(); err != nil {
		return err
	}

	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	if n.conn != nil {
		n.conn.Close()
	}
	n.context.Release()
	n.context = nil
	n.src = nil
	n.conn = nil
	n.sub = nil
	n.msgs = nil
	return nil
}

// Start begins the iteration loop and resets the arrival-time epoch.
func (n *NATSSrc) Start() error {
	n.mu.Lock()
	n.epoch = time.Now()
	n.mu.Unlock()
	return n.task.Start()
}

// Pause suspends the loop; messages keep queueing up to MaxPending.
func (n *NATSSrc) Pause() error {
	return n.task.Pause()
}

// Stop unwinds the loop, discards pending messages and re-arms the initial
// handshake.
func (n *NATSSrc) Stop() error {
	return n.task.Stop()
}

// FlushStart discards pending messages and fails iterations fast.
func (n *NATSSrc) FlushStart(ctx context.Context) error {
	return n.task.FlushStart(ctx)
}

// FlushStop clears the flushing state and resumes iteration.
func (n *NATSSrc) FlushStop(ctx context.Context) error {
	return n.task.FlushStop(ctx)
}

// State returns the task state.
func (n *NATSSrc) State() task.State {
	return n.task.State()
}

func (n *NATSSrc) arrivalTimestamp() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return time.Since(n.epoch)
}

// srcTask is the iteration step pumping the subscription onto the port.
type srcTask struct {
	src   *port.SourcePort
	msgs  chan *natsgo.Msg
	owner *NATSSrc
}

// Iterate waits for the next message and delivers it downstream. The wait is
// a suspension point: Stop and FlushStart cancel ctx to unwind it.
func (st *srcTask) Iterate(ctx context.Context) error {
	select {
	case msg, ok := <-st.msgs:
		if !ok {
			return stream.ErrFlushing
		}
		buffer := stream.NewBuffer(msg.Data, stream.NoTime)
		buffer.DTS = st.owner.arrivalTimestamp()
		err := st.src.Push(ctx, buffer)
		if stream.IsEOS(err) {
			_ = st.src.PushEvent(ctx, stream.NewEOSEvent())
			return stream.ErrEOS
		}
		return err
	case <-ctx.Done():
		return stream.ErrFlushing
	}
}

// OnStop discards pending messages and re-arms the full handshake.
func (st *srcTask) OnStop(ctx context.Context) error {
	st.purge()
	st.src.ResetHandshake()
	return nil
}

// OnFlushStart discards pending messages and re-arms the segment.
func (st *srcTask) OnFlushStart(ctx context.Context) error {
	st.purge()
	st.src.ResetSegment()
	return nil
}

func (st *srcTask) purge() {
	for {
		select {
		case <-st.msgs:
		default:
			return
		}
	}
}
