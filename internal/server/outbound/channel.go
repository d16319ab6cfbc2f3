// Package outbound serializes all writes to one WebSocket connection through
// a single writer goroutine behind a bounded queue. Producers block when the
// queue is full (backpressure, never silent drops), and designated
// high-frequency event types are coalesced per (event, session) inside a
// short window so partial-answer storms reach the wire as at most one frame
// per window.
package outbound

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JasonDZS/myagent-sub001/internal/domain/event"
	"github.com/JasonDZS/myagent-sub001/internal/observability"
	"github.com/JasonDZS/myagent-sub001/internal/shared/async"
	"github.com/JasonDZS/myagent-sub001/internal/shared/jsonx"
	"github.com/JasonDZS/myagent-sub001/internal/shared/logging"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("outbound channel closed")

const (
	// DefaultMaxQueueSize bounds the per-connection event queue.
	DefaultMaxQueueSize = 1000
	// DefaultCoalesceWindow is how long a coalescible event may sit in the
	// buffer before it is flushed to the queue.
	DefaultCoalesceWindow = 75 * time.Millisecond

	writeDeadline = 10 * time.Second
	drainDeadline = 2 * time.Second
)

// Sink is the transport half the writer sends on. *websocket.Conn satisfies
// it directly; tests substitute a recorder.
type Sink interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

// Config tunes one channel.
type Config struct {
	MaxQueueSize   int
	CoalesceWindow time.Duration
	CoalesceEvents []string
}

// DefaultConfig returns the standard channel tuning.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:   DefaultMaxQueueSize,
		CoalesceWindow: DefaultCoalesceWindow,
		CoalesceEvents: event.DefaultCoalesceNames(),
	}
}

type coalesceKey struct {
	name      string
	sessionID string
}

// Channel is the per-connection serializer. At most one write is ever in
// flight on the sink; nothing outside the writer goroutine touches it.
type Channel struct {
	sink    Sink
	logger  logging.Logger
	metrics *observability.QueueMetrics

	window      time.Duration
	coalesceSet map[string]struct{}

	queue chan *event.Event

	started   bool
	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	mu       sync.Mutex
	buffer   map[coalesceKey]*event.Event
	order    []coalesceKey
	timer    *time.Timer
	sinkDead bool

	// flushMu serializes buffer drains with same-session barrier pushes so
	// a timer flush that has already drained the buffer cannot land its
	// batch behind a newer non-coalesced event. Held across the queue
	// sends; never taken by bufferEvent.
	flushMu sync.Mutex
}

// Option configures a channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Channel) { c.logger = logging.OrNop(l) }
}

// WithMetrics attaches queue metrics.
func WithMetrics(m *observability.QueueMetrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// New builds a channel over sink. Zero config fields fall back to defaults;
// CoalesceWindow < 0 disables coalescing outright.
func New(sink Sink, cfg Config, opts ...Option) *Channel {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.CoalesceWindow == 0 {
		cfg.CoalesceWindow = DefaultCoalesceWindow
	}
	if cfg.CoalesceEvents == nil {
		cfg.CoalesceEvents = event.DefaultCoalesceNames()
	}

	c := &Channel{
		sink:        sink,
		logger:      logging.NewComponentLogger("outbound"),
		window:      cfg.CoalesceWindow,
		coalesceSet: make(map[string]struct{}, len(cfg.CoalesceEvents)),
		queue:       make(chan *event.Event, cfg.MaxQueueSize),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
		buffer:      make(map[coalesceKey]*event.Event),
	}
	for _, name := range cfg.CoalesceEvents {
		c.coalesceSet[name] = struct{}{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the writer goroutine. Safe to call more than once.
func (c *Channel) Start() {
	c.startOnce.Do(func() {
		c.started = true
		async.Go(c.logger, "outbound-writer", c.writeLoop)
	})
}

// Enqueue hands one event to the writer. It blocks while the queue is full
// and returns ErrClosed once the channel has been closed; it never drops an
// accepted event. Coalescible events (configured name plus a non-empty
// session id) pass through the coalescing buffer instead of the queue.
func (c *Channel) Enqueue(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return nil
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	if c.coalescible(ev) {
		c.bufferEvent(ev)
		return nil
	}

	// Ordering barrier: anything buffered for this session must reach the
	// queue before this event does. Holding flushMu across both steps keeps
	// a concurrent window flush from enqueueing its drained batch between
	// them.
	if ev.SessionID != "" {
		c.flushMu.Lock()
		c.flush(func(k coalesceKey) bool { return k.sessionID == ev.SessionID })
		err := c.push(ctx, ev)
		c.flushMu.Unlock()
		return err
	}
	return c.push(ctx, ev)
}

// TryEnqueue is the non-blocking variant used by the heartbeat path; a full
// queue or a closed channel reports false.
func (c *Channel) TryEnqueue(ev *event.Event) bool {
	if ev == nil {
		return false
	}
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.queue <- ev:
		c.metrics.RecordEnqueued(ev.Name)
		return true
	default:
		return false
	}
}

// Close stops intake, discards the coalescing buffer, and waits for the
// writer to drain what is already queued. Idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		dropped := len(c.buffer)
		c.buffer = make(map[coalesceKey]*event.Event)
		c.order = nil
		started := c.started
		c.mu.Unlock()

		if dropped > 0 {
			c.logger.Debug("dropping %d buffered coalesced events on close", dropped)
		}
		if !started {
			return
		}
		select {
		case <-c.done:
		case <-time.After(drainDeadline):
			c.logger.Warn("outbound drain timed out")
		}
	})
}

func (c *Channel) push(ctx context.Context, ev *event.Event) error {
	select {
	case c.queue <- ev:
		c.metrics.RecordEnqueued(ev.Name)
		return nil
	default:
	}
	c.metrics.RecordEnqueueStall()
	select {
	case c.queue <- ev:
		c.metrics.RecordEnqueued(ev.Name)
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) coalescible(ev *event.Event) bool {
	if c.window <= 0 || ev.SessionID == "" {
		return false
	}
	_, ok := c.coalesceSet[ev.Name]
	return ok
}

// bufferEvent replaces any buffered event under the same (name, session) key
// and arms the flush timer when the buffer was empty.
func (c *Channel) bufferEvent(ev *event.Event) {
	key := coalesceKey{name: ev.Name, sessionID: ev.SessionID}

	c.mu.Lock()
	if _, replaced := c.buffer[key]; replaced {
		c.metrics.RecordCoalesced(ev.Name)
	} else {
		c.order = append(c.order, key)
	}
	c.buffer[key] = ev
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.flushWindow)
	}
	c.mu.Unlock()
}

// flushWindow moves every buffered event to the queue when the window timer
// fires. A no-op when nothing is buffered.
func (c *Channel) flushWindow() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.flush(func(coalesceKey) bool { return true })
}

// flush drains matching buffered events to the queue in arrival order.
// Callers hold flushMu so the drain and the sends are one atomic step with
// respect to barrier pushes.
func (c *Channel) flush(match func(coalesceKey) bool) {
	c.mu.Lock()
	var out []*event.Event
	var keep []coalesceKey
	for _, key := range c.order {
		if !match(key) {
			keep = append(keep, key)
			continue
		}
		if ev, ok := c.buffer[key]; ok {
			out = append(out, ev)
			delete(c.buffer, key)
		}
	}
	c.order = keep
	if len(c.buffer) == 0 && c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if len(out) == 0 {
		return
	}
	c.metrics.RecordFlush()
	for _, ev := range out {
		// A flush racing Close may find the queue rejecting; those events
		// are buffer contents and may be dropped once closed.
		select {
		case c.queue <- ev:
			c.metrics.RecordEnqueued(ev.Name)
		case <-c.closed:
			c.metrics.RecordDropped()
			return
		}
	}
}

func (c *Channel) writeLoop() {
	defer close(c.done)
	for {
		select {
		case ev := <-c.queue:
			c.write(ev)
		case <-c.closed:
			for {
				select {
				case ev := <-c.queue:
					c.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (c *Channel) write(ev *event.Event) {
	c.mu.Lock()
	dead := c.sinkDead
	c.mu.Unlock()
	if dead {
		c.metrics.RecordDropped()
		c.logger.Debug("dropping %s: connection closed", ev.Name)
		return
	}

	data, err := jsonx.Marshal(ev)
	if err != nil {
		c.metrics.RecordDropped()
		c.logger.Error("marshal %s: %v", ev.Name, err)
		return
	}

	_ = c.sink.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.sink.WriteMessage(websocket.TextMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
			c.mu.Lock()
			c.sinkDead = true
			c.mu.Unlock()
			c.metrics.RecordDropped()
			c.logger.Debug("dropping %s: connection closed", ev.Name)
			return
		}
		// Per-send failures do not stop the writer; the connection owner
		// decides whether to tear down.
		c.metrics.RecordDropped()
		c.logger.Warn("send %s failed: %v", ev.Name, err)
		return
	}
	c.metrics.RecordDelivered()
}
