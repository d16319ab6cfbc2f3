package outbound

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JasonDZS/myagent-sub001/internal/domain/event"
	"github.com/JasonDZS/myagent-sub001/internal/shared/jsonx"
	"github.com/JasonDZS/myagent-sub001/internal/shared/logging"
)

// recordingSink captures every frame the writer sends.
type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *recordingSink) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *recordingSink) SetWriteDeadline(time.Time) error { return nil }

type wireFrame struct {
	Name      string `json:"event"`
	SessionID string `json:"session_id"`
	Content   any    `json:"content"`
}

func (s *recordingSink) decoded(t *testing.T) []wireFrame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wireFrame, len(s.frames))
	for i, raw := range s.frames {
		require.NoError(t, jsonx.Unmarshal(raw, &out[i]))
	}
	return out
}

func (s *recordingSink) waitFrames(t *testing.T, n int) []wireFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.frames)
		s.mu.Unlock()
		if got >= n {
			return s.decoded(t)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("wanted %d frames, saw %d", n, len(s.decoded(t)))
	return nil
}

func newTestChannel(sink Sink, cfg Config) *Channel {
	return New(sink, cfg, WithLogger(logging.Nop()))
}

func TestEnqueuePreservesOrder(t *testing.T) {
	sink := &recordingSink{}
	c := newTestChannel(sink, Config{CoalesceWindow: -1})
	c.Start()

	for i := 0; i < 5; i++ {
		ev := event.New(fmt.Sprintf("test.event_%d", i)).WithSession("s1")
		require.NoError(t, c.Enqueue(context.Background(), ev))
	}
	frames := sink.waitFrames(t, 5)
	for i, f := range frames {
		assert.Equal(t, fmt.Sprintf("test.event_%d", i), f.Name)
	}
	c.Close()
}

func TestCoalescingKeepsLatestPerKey(t *testing.T) {
	sink := &recordingSink{}
	c := newTestChannel(sink, Config{CoalesceWindow: 30 * time.Millisecond})
	c.Start()

	for i := 0; i < 10; i++ {
		ev := event.New(event.AgentPartialAnswer).
			WithSession("s1").
			WithContent(map[string]any{"seq": i})
		require.NoError(t, c.Enqueue(context.Background(), ev))
	}

	frames := sink.waitFrames(t, 1)
	require.Len(t, frames, 1, "ten bursts collapse into one frame")
	content, ok := frames[0].Content.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 9, content["seq"], "latest event wins")
	c.Close()
}

func TestCoalescingIsPerSession(t *testing.T) {
	sink := &recordingSink{}
	c := newTestChannel(sink, Config{CoalesceWindow: 30 * time.Millisecond})
	c.Start()

	for _, sid := range []string{"s1", "s2"} {
		for i := 0; i < 3; i++ {
			ev := event.New(event.AgentPartialAnswer).WithSession(sid)
			require.NoError(t, c.Enqueue(context.Background(), ev))
		}
	}

	frames := sink.waitFrames(t, 2)
	require.Len(t, frames, 2)
	assert.ElementsMatch(t, []string{"s1", "s2"}, []string{frames[0].SessionID, frames[1].SessionID})
	c.Close()
}

func TestSessionBarrierFlushesBufferFirst(t *testing.T) {
	sink := &recordingSink{}
	// A long window so only the barrier can flush within the test.
	c := newTestChannel(sink, Config{CoalesceWindow: 5 * time.Second})
	c.Start()

	partial := event.New(event.AgentPartialAnswer).WithSession("s1")
	require.NoError(t, c.Enqueue(context.Background(), partial))

	final := event.New(event.AgentFinalAnswer).WithSession("s1")
	require.NoError(t, c.Enqueue(context.Background(), final))

	frames := sink.waitFrames(t, 2)
	assert.Equal(t, event.AgentPartialAnswer, frames[0].Name, "buffered partial precedes the final answer")
	assert.Equal(t, event.AgentFinalAnswer, frames[1].Name)
	c.Close()
}

func TestBarrierOrderingUnderConcurrentFlush(t *testing.T) {
	sink := &recordingSink{}
	// A tiny window keeps the flush timer firing mid-stream so timer drains
	// constantly race the barrier path.
	c := newTestChannel(sink, Config{CoalesceWindow: time.Millisecond, MaxQueueSize: 4096})
	c.Start()

	const (
		sessions = 2
		iters    = 200
	)
	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				partial := event.New(event.AgentPartialAnswer).
					WithSession(sid).
					WithContent(map[string]any{"seq": i})
				assert.NoError(t, c.Enqueue(context.Background(), partial))
				if i%4 == 3 {
					marker := event.New("test.step").
						WithSession(sid).
						WithContent(map[string]any{"floor": i})
					assert.NoError(t, c.Enqueue(context.Background(), marker))
				}
				if i%16 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(fmt.Sprintf("s%d", s))
	}
	wg.Wait()

	// Markers never coalesce, so every one must be delivered.
	wantMarkers := sessions * iters / 4
	var frames []wireFrame
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames = sink.decoded(t)
		markers := 0
		for _, f := range frames {
			if f.Name == "test.step" {
				markers++
			}
		}
		if markers == wantMarkers {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Close()

	// Each marker raises the session's floor: every partial enqueued before
	// it carries a smaller or equal seq, so a partial at or below the floor
	// arriving afterwards means a buffered event overtook the barrier.
	floors := map[string]float64{}
	for _, f := range frames {
		content, ok := f.Content.(map[string]any)
		require.True(t, ok)
		switch f.Name {
		case event.AgentPartialAnswer:
			seq, ok := content["seq"].(float64)
			require.True(t, ok)
			floor, seen := floors[f.SessionID]
			if seen {
				assert.Greater(t, seq, floor,
					"session %s: coalesced seq %v delivered after marker floor %v", f.SessionID, seq, floor)
			}
		case "test.step":
			fl, ok := content["floor"].(float64)
			require.True(t, ok)
			floors[f.SessionID] = fl
		}
	}
}

func TestBarrierLeavesOtherSessionsBuffered(t *testing.T) {
	sink := &recordingSink{}
	c := newTestChannel(sink, Config{CoalesceWindow: 5 * time.Second})
	c.Start()

	require.NoError(t, c.Enqueue(context.Background(), event.New(event.AgentPartialAnswer).WithSession("other")))
	require.NoError(t, c.Enqueue(context.Background(), event.New(event.AgentFinalAnswer).WithSession("s1")))

	frames := sink.waitFrames(t, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, event.AgentFinalAnswer, frames[0].Name)
	c.Close()
}

func TestEnqueueBackpressureBlocks(t *testing.T) {
	sink := &recordingSink{}
	// Writer not started, so the queue can only fill.
	c := newTestChannel(sink, Config{MaxQueueSize: 1, CoalesceWindow: -1})

	require.NoError(t, c.Enqueue(context.Background(), event.New("test.first")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Enqueue(ctx, event.New("test.second"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTryEnqueueFullQueue(t *testing.T) {
	sink := &recordingSink{}
	c := newTestChannel(sink, Config{MaxQueueSize: 1, CoalesceWindow: -1})

	assert.True(t, c.TryEnqueue(event.New("test.first")))
	assert.False(t, c.TryEnqueue(event.New("test.second")), "full queue refuses without blocking")
}

func TestCloseRejectsAndDrains(t *testing.T) {
	sink := &recordingSink{}
	c := newTestChannel(sink, Config{CoalesceWindow: -1})
	c.Start()

	require.NoError(t, c.Enqueue(context.Background(), event.New("test.queued")))
	c.Close()
	c.Close() // idempotent

	assert.ErrorIs(t, c.Enqueue(context.Background(), event.New("test.late")), ErrClosed)
	assert.False(t, c.TryEnqueue(event.New("test.late")))

	frames := sink.decoded(t)
	require.Len(t, frames, 1, "already-queued event drained before shutdown")
	assert.Equal(t, "test.queued", frames[0].Name)
}

func TestCloseDropsCoalesceBuffer(t *testing.T) {
	sink := &recordingSink{}
	c := newTestChannel(sink, Config{CoalesceWindow: 5 * time.Second})
	c.Start()

	require.NoError(t, c.Enqueue(context.Background(), event.New(event.AgentPartialAnswer).WithSession("s1")))
	c.Close()

	assert.Empty(t, sink.decoded(t), "buffered partials are droppable on close")
}

func TestCoalesceDisabledDeliversEverything(t *testing.T) {
	sink := &recordingSink{}
	c := newTestChannel(sink, Config{CoalesceWindow: -1})
	c.Start()

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Enqueue(context.Background(), event.New(event.AgentPartialAnswer).WithSession("s1")))
	}
	frames := sink.waitFrames(t, 4)
	assert.Len(t, frames, 4)
	c.Close()
}

func TestEventWithoutSessionNeverCoalesces(t *testing.T) {
	sink := &recordingSink{}
	c := newTestChannel(sink, Config{CoalesceWindow: 5 * time.Second})
	c.Start()

	require.NoError(t, c.Enqueue(context.Background(), event.New(event.AgentPartialAnswer)))
	frames := sink.waitFrames(t, 1)
	assert.Equal(t, event.AgentPartialAnswer, frames[0].Name)
	c.Close()
}
