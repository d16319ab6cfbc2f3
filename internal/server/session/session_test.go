package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JasonDZS/myagent-sub001/internal/app/plansolve"
	"github.com/JasonDZS/myagent-sub001/internal/domain/event"
	"github.com/JasonDZS/myagent-sub001/internal/domain/plan"
	"github.com/JasonDZS/myagent-sub001/internal/server/outbound"
	"github.com/JasonDZS/myagent-sub001/internal/shared/jsonx"
	"github.com/JasonDZS/myagent-sub001/internal/shared/logging"
)

type recordSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordSink) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *recordSink) SetWriteDeadline(time.Time) error { return nil }

type frame struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	StepID    string `json:"step_id"`
	Content   any    `json:"content"`
}

func (s *recordSink) decoded(t *testing.T) []frame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frame, len(s.frames))
	for i, raw := range s.frames {
		require.NoError(t, jsonx.Unmarshal(raw, &out[i]))
	}
	return out
}

// waitFor polls until a frame with the given wire event name shows up.
func (s *recordSink) waitFor(t *testing.T, name string) frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range s.decoded(t) {
			if f.Event == name {
				return f
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s frame arrived; saw %v", name, s.decoded(t))
	return frame{}
}

func (s *recordSink) has(t *testing.T, name string) bool {
	t.Helper()
	for _, f := range s.decoded(t) {
		if f.Event == name {
			return true
		}
	}
	return false
}

// fakeRunner scripts the Runner surface.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string

	runFn       func(ctx context.Context, question string) (string, error)
	cancelTask  bool
	restartTask bool
}

func (r *fakeRunner) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *fakeRunner) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRunner) Run(ctx context.Context, question string) (string, error) {
	r.record("run:" + question)
	if r.runFn != nil {
		return r.runFn(ctx, question)
	}
	return "answer: " + question, nil
}

func (r *fakeRunner) SolveTasks(_ context.Context, tasks []plan.Task, question, _ string) ([]plan.SolverRunResult, error) {
	r.record("solve:" + question)
	out := make([]plan.SolverRunResult, len(tasks))
	return out, nil
}

func (r *fakeRunner) CancelPlan() bool { r.record("cancel_plan"); return true }

func (r *fakeRunner) Replan(_ context.Context, question string) bool {
	r.record("replan:" + question)
	return true
}

func (r *fakeRunner) CancelSolverTask(taskID string) bool {
	r.record("cancel_task:" + taskID)
	return r.cancelTask
}

func (r *fakeRunner) RestartSolverTask(_ context.Context, taskID string) bool {
	r.record("restart_task:" + taskID)
	return r.restartTask
}

func newTestSession(t *testing.T, runner Runner, opts ...Option) (*Session, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	ch := outbound.New(sink, outbound.Config{CoalesceWindow: -1}, outbound.WithLogger(logging.Nop()))
	ch.Start()
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	s := New("session-1", "conn-1", ch, opts...)
	if runner != nil {
		s.Bind(runner)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, sink
}

func inbound(name string, content string) *event.Inbound {
	in := &event.Inbound{Event: name}
	if content != "" {
		in.Content = jsonx.RawMessage(content)
	}
	return in
}

func TestMessageProducesFinalAnswer(t *testing.T) {
	runner := &fakeRunner{}
	s, sink := newTestSession(t, runner)

	s.HandleInbound(context.Background(), inbound(event.UserMessage, `"ship it"`))

	f := sink.waitFor(t, event.AgentFinalAnswer)
	assert.Equal(t, "answer: ship it", f.Content)
	assert.Equal(t, "session-1", f.SessionID)
	assert.Equal(t, []string{"run:ship it"}, runner.called())
	assert.Equal(t, StateIdle, s.State())
}

func TestMessageObjectAttachesHints(t *testing.T) {
	runner := &fakeRunner{}
	s, sink := newTestSession(t, runner)

	s.HandleInbound(context.Background(), inbound(event.UserMessage,
		`{"question": "q", "template": "research", "kb_id": "kb-7"}`))

	sink.waitFor(t, event.AgentFinalAnswer)
	meta := s.Metadata()
	assert.Equal(t, "research", meta["template"])
	assert.Equal(t, "kb-7", meta["kb_id"])
}

func TestNamespacePrefixesWireNames(t *testing.T) {
	runner := &fakeRunner{}
	s, sink := newTestSession(t, runner, WithNamespace("myagent"))

	s.HandleInbound(context.Background(), inbound(event.UserMessage, `"q"`))
	sink.waitFor(t, "myagent.agent.final_answer")
}

func TestRunErrorBecomesAgentError(t *testing.T) {
	runner := &fakeRunner{runFn: func(context.Context, string) (string, error) {
		return "", errors.New("planner blew up")
	}}
	s, sink := newTestSession(t, runner)

	s.HandleInbound(context.Background(), inbound(event.UserMessage, `"q"`))
	f := sink.waitFor(t, event.AgentError)
	assert.Equal(t, "planner blew up", f.Content)
	assert.Equal(t, StateIdle, s.State())
}

func TestConcurrentRunRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &fakeRunner{runFn: func(ctx context.Context, _ string) (string, error) {
		close(started)
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	s, sink := newTestSession(t, runner)

	s.HandleInbound(context.Background(), inbound(event.UserMessage, `"first"`))
	<-started
	s.HandleInbound(context.Background(), inbound(event.UserMessage, `"second"`))

	f := sink.waitFor(t, event.AgentError)
	assert.Equal(t, "a run is already in progress", f.Content)

	close(release)
	sink.waitFor(t, event.AgentFinalAnswer)
	assert.Equal(t, []string{"run:first"}, runner.called())
}

func TestUnboundSessionRejectsMessage(t *testing.T) {
	s, sink := newTestSession(t, nil)
	s.HandleInbound(context.Background(), inbound(event.UserMessage, `"q"`))
	f := sink.waitFor(t, event.AgentError)
	assert.Equal(t, "no agent bound to session", f.Content)
}

func TestResponseResolvesPendingConfirm(t *testing.T) {
	s, sink := newTestSession(t, &fakeRunner{})

	stepID, err := s.EmitUserConfirm(context.Background(), map[string]any{"scope": "plan"})
	require.NoError(t, err)
	emitted := sink.waitFor(t, event.AgentUserConfirm)
	assert.Equal(t, stepID, emitted.StepID)

	got := make(chan plansolve.ConfirmResponse, 1)
	go func() { got <- s.AwaitConfirm(context.Background(), stepID, time.Second) }()

	s.HandleInbound(context.Background(), &event.Inbound{
		Event:   event.UserResponse,
		StepID:  stepID,
		Content: jsonx.RawMessage(`{"confirmed": true, "tasks": [{"id": "1"}]}`),
	})

	resp := <-got
	assert.True(t, resp.Confirmed)
	require.Len(t, resp.Tasks, 1)
}

func TestResponseUnknownStep(t *testing.T) {
	s, sink := newTestSession(t, &fakeRunner{})
	s.HandleInbound(context.Background(), &event.Inbound{
		Event:   event.UserResponse,
		StepID:  "step-missing",
		Content: jsonx.RawMessage(`{"confirmed": true}`),
	})
	f := sink.waitFor(t, event.AgentError)
	assert.Contains(t, f.Content, "no pending confirmation")
}

func TestResponseWithoutStepID(t *testing.T) {
	s, sink := newTestSession(t, &fakeRunner{})
	s.HandleInbound(context.Background(), inbound(event.UserResponse, `{"confirmed": true}`))
	f := sink.waitFor(t, event.AgentError)
	assert.Contains(t, f.Content, "without step_id")
}

func TestAwaitConfirmTimeout(t *testing.T) {
	s, _ := newTestSession(t, &fakeRunner{})

	stepID, err := s.EmitUserConfirm(context.Background(), nil)
	require.NoError(t, err)

	resp := s.AwaitConfirm(context.Background(), stepID, 20*time.Millisecond)
	assert.False(t, resp.Confirmed)
	assert.Equal(t, "timeout", resp.Reason)

	// The step is gone; a late response cannot land.
	assert.False(t, s.ResolveConfirm(stepID, plansolve.ConfirmResponse{Confirmed: true}))
}

func TestCancelInterruptsRunAndResolvesConfirms(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{runFn: func(ctx context.Context, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	s, sink := newTestSession(t, runner)

	s.HandleInbound(context.Background(), inbound(event.UserMessage, `"q"`))
	<-started

	stepID, err := s.EmitUserConfirm(context.Background(), nil)
	require.NoError(t, err)
	got := make(chan plansolve.ConfirmResponse, 1)
	go func() { got <- s.AwaitConfirm(context.Background(), stepID, time.Second) }()

	s.HandleInbound(context.Background(), inbound(event.UserCancel, ""))

	resp := <-got
	assert.Equal(t, "cancel", resp.Reason)
	sink.waitFor(t, event.AgentInterrupted)

	// The cancelled run produces neither final answer nor error.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, sink.has(t, event.AgentFinalAnswer))
	assert.False(t, sink.has(t, event.AgentError))
}

func TestSolveTasksRoutesToRunner(t *testing.T) {
	runner := &fakeRunner{}
	s, sink := newTestSession(t, runner)

	s.HandleInbound(context.Background(), inbound(event.UserSolveTasks,
		`{"question": "direct", "tasks": [{"id": "1"}, {"id": "2"}]}`))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(runner.called()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []string{"solve:direct"}, runner.called())
	assert.False(t, sink.has(t, event.AgentFinalAnswer), "direct-task mode reports no final answer")
}

func TestSolveTasksRequiresTasks(t *testing.T) {
	s, sink := newTestSession(t, &fakeRunner{})
	s.HandleInbound(context.Background(), inbound(event.UserSolveTasks, `{"question": "q"}`))
	f := sink.waitFor(t, event.AgentError)
	assert.Contains(t, f.Content, "requires a tasks list")
}

func TestTaskControl(t *testing.T) {
	tests := []struct {
		name     string
		inEvent  string
		ok       bool
		wantCall string
	}{
		{"cancel known task", event.UserCancelTask, true, "cancel_task:7"},
		{"cancel unknown task", event.UserCancelTask, false, "cancel_task:7"},
		{"restart known task", event.UserRestartTask, true, "restart_task:7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{cancelTask: tt.ok, restartTask: tt.ok}
			s, sink := newTestSession(t, runner)

			s.HandleInbound(context.Background(), inbound(tt.inEvent, `{"task_id": "7"}`))
			assert.Equal(t, []string{tt.wantCall}, runner.called())
			if !tt.ok {
				f := sink.waitFor(t, event.AgentError)
				assert.Contains(t, f.Content, "not available")
			}
		})
	}
}

func TestTaskControlRequiresTaskID(t *testing.T) {
	s, sink := newTestSession(t, &fakeRunner{})
	s.HandleInbound(context.Background(), inbound(event.UserCancelTask, `{}`))
	f := sink.waitFor(t, event.AgentError)
	assert.Contains(t, f.Content, "requires a task_id")
}

func TestReplanRoutesQuestion(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestSession(t, runner)
	s.HandleInbound(context.Background(), inbound(event.UserReplan, `{"question": "again"}`))
	assert.Equal(t, []string{"replan:again"}, runner.called())
}

func TestUnknownEventEmitsSystemError(t *testing.T) {
	s, sink := newTestSession(t, &fakeRunner{})
	s.HandleInbound(context.Background(), inbound("user.teleport", `{}`))
	f := sink.waitFor(t, event.SystemError)
	assert.Contains(t, f.Content, "unknown event")
}

func TestCloseResolvesPendingAndEndsSession(t *testing.T) {
	s, sink := newTestSession(t, &fakeRunner{})

	stepID, err := s.EmitUserConfirm(context.Background(), nil)
	require.NoError(t, err)
	got := make(chan plansolve.ConfirmResponse, 1)
	go func() { got <- s.AwaitConfirm(context.Background(), stepID, time.Second) }()

	s.Close(context.Background())
	s.Close(context.Background()) // idempotent

	resp := <-got
	assert.Equal(t, "session_closed", resp.Reason)
	assert.Equal(t, StateClosed, s.State())
	sink.waitFor(t, event.AgentSessionEnd)
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantQ     string
		wantHints map[string]any
		wantErr   bool
	}{
		{"bare string", `"hello"`, "hello", nil, false},
		{"object with hints", `{"question": "q", "template": "t"}`, "q", map[string]any{"template": "t"}, false},
		{"object without question", `{"template": "t"}`, "", nil, true},
		{"empty", ``, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, hints, err := parseMessage(jsonx.RawMessage(tt.content))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantQ, q)
			if tt.wantHints != nil {
				assert.Equal(t, tt.wantHints, hints)
			}
		})
	}
}
