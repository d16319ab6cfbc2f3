// Package session binds one client connection to one agent lifecycle: it
// routes inbound client events to the bound runner, funnels every outbound
// event through the connection's outbound channel, and owns the pending
// user-confirmation map that correlates agent.user_confirm emissions with
// their user.response.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JasonDZS/myagent-sub001/internal/app/plansolve"
	"github.com/JasonDZS/myagent-sub001/internal/domain/event"
	"github.com/JasonDZS/myagent-sub001/internal/domain/plan"
	"github.com/JasonDZS/myagent-sub001/internal/server/outbound"
	"github.com/JasonDZS/myagent-sub001/internal/shared/async"
	"github.com/JasonDZS/myagent-sub001/internal/shared/jsonx"
	"github.com/JasonDZS/myagent-sub001/internal/shared/logging"
	"github.com/JasonDZS/myagent-sub001/internal/utils/id"
)

// State is a session's lifecycle phase.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateClosed  State = "closed"
)

// Runner is the agent bound to a session. *plansolve.SessionAgent is the
// canonical implementation.
type Runner interface {
	Run(ctx context.Context, question string) (string, error)
	SolveTasks(ctx context.Context, tasks []plan.Task, question, planSummary string) ([]plan.SolverRunResult, error)
	CancelPlan() bool
	Replan(ctx context.Context, question string) bool
	CancelSolverTask(taskID string) bool
	RestartSolverTask(ctx context.Context, taskID string) bool
}

// Session is one agent session over one connection.
type Session struct {
	id           string
	connectionID string
	out          *outbound.Channel
	logger       logging.Logger
	namespace    string
	createdAt    time.Time

	mu        sync.Mutex
	runner    Runner
	state     State
	metadata  map[string]any
	pending   map[string]chan plansolve.ConfirmResponse
	runCancel context.CancelFunc
}

// Option configures a session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Session) { s.logger = logging.OrNop(l) }
}

// WithNamespace prefixes every outbound event name with ns on the wire.
func WithNamespace(ns string) Option {
	return func(s *Session) { s.namespace = ns }
}

// New creates an idle session over the connection's outbound channel.
func New(sessionID, connectionID string, out *outbound.Channel, opts ...Option) *Session {
	s := &Session{
		id:           sessionID,
		connectionID: connectionID,
		out:          out,
		logger:       logging.NewComponentLogger("session"),
		createdAt:    time.Now().UTC(),
		state:        StateIdle,
		metadata:     make(map[string]any),
		pending:      make(map[string]chan plansolve.ConfirmResponse),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind attaches the runner. Called once, between New and the first inbound
// message.
func (s *Session) Bind(r Runner) {
	s.mu.Lock()
	s.runner = r
	s.mu.Unlock()
}

// SessionID implements plansolve.SessionHost.
func (s *Session) SessionID() string { return s.id }

// ConnectionID identifies the transport connection this session rides.
func (s *Session) ConnectionID() string { return s.connectionID }

// CreatedAt is the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AttachMetadata merges per-session hints (template, knowledge base, API
// base URL and the like) carried by create_session or message payloads.
func (s *Session) AttachMetadata(hints map[string]any) {
	if len(hints) == 0 {
		return
	}
	s.mu.Lock()
	for k, v := range hints {
		s.metadata[k] = v
	}
	s.mu.Unlock()
}

// Metadata returns a snapshot of the session hints.
func (s *Session) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// EmitEvent implements plansolve.SessionHost: stamp the session id and
// namespace, then enqueue. Enqueue failures are logged, not propagated; the
// transport owner handles persistent problems.
func (s *Session) EmitEvent(ctx context.Context, ev *event.Event) {
	if ev == nil {
		return
	}
	if ev.SessionID == "" {
		ev.WithSession(s.id)
	}
	ev.WithNamespace(s.namespace)
	if err := s.out.Enqueue(ctx, ev); err != nil {
		s.logger.Debug("enqueue %s on %s: %v", ev.Name, s.id, err)
	}
}

// EmitUserConfirm implements plansolve.SessionHost.
func (s *Session) EmitUserConfirm(ctx context.Context, meta map[string]any) (string, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return "", fmt.Errorf("session %s closed", s.id)
	}
	stepID := id.NewStepID()
	s.pending[stepID] = make(chan plansolve.ConfirmResponse, 1)
	s.mu.Unlock()

	s.EmitEvent(ctx, event.NewUserConfirm(s.id, stepID, meta))
	return stepID, nil
}

// AwaitConfirm implements plansolve.SessionHost. Exactly one resolution is
// consumed per emitted step, and the pending entry is gone before return.
func (s *Session) AwaitConfirm(ctx context.Context, stepID string, timeout time.Duration) plansolve.ConfirmResponse {
	s.mu.Lock()
	ch, ok := s.pending[stepID]
	s.mu.Unlock()
	if !ok {
		return plansolve.ConfirmResponse{Confirmed: false, Reason: "unknown_step"}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp
	case <-timer.C:
		if s.takePending(stepID) != nil {
			return plansolve.ConfirmResponse{Confirmed: false, Reason: "timeout"}
		}
		// A resolver won the race; its response is in flight.
		return <-ch
	case <-ctx.Done():
		if s.takePending(stepID) != nil {
			return plansolve.ConfirmResponse{Confirmed: false, Reason: "cancel"}
		}
		return <-ch
	}
}

// ResolveConfirm implements plansolve.SessionHost: deliver the response for
// stepID if it is still pending.
func (s *Session) ResolveConfirm(stepID string, resp plansolve.ConfirmResponse) bool {
	ch := s.takePending(stepID)
	if ch == nil {
		return false
	}
	ch <- resp
	return true
}

func (s *Session) takePending(stepID string) chan plansolve.ConfirmResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[stepID]
	if !ok {
		return nil
	}
	delete(s.pending, stepID)
	return ch
}

// messagePayload is the structured user.message content. Hints beyond the
// question are attached as session metadata.
type messagePayload struct {
	Question    string `json:"question"`
	Tasks       []any  `json:"tasks,omitempty"`
	PlanSummary string `json:"plan_summary,omitempty"`
}

// responsePayload is the user.response content.
type responsePayload struct {
	Confirmed bool   `json:"confirmed"`
	Tasks     []any  `json:"tasks,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// HandleInbound routes one decoded client frame. The caller (the server's
// read loop) serializes calls per connection.
func (s *Session) HandleInbound(ctx context.Context, in *event.Inbound) {
	switch in.Event {
	case event.UserMessage:
		s.handleMessage(ctx, in)
	case event.UserSolveTasks:
		s.handleSolveTasks(ctx, in)
	case event.UserResponse:
		s.handleResponse(ctx, in)
	case event.UserCancel:
		s.handleCancel(ctx)
	case event.UserCancelPlan:
		s.withRunner(ctx, func(r Runner) { r.CancelPlan() })
	case event.UserReplan:
		s.withRunner(ctx, func(r Runner) {
			var payload messagePayload
			decodeContent(in.Content, &payload)
			r.Replan(ctx, payload.Question)
		})
	case event.UserCancelTask:
		s.handleTaskControl(ctx, in, func(r Runner, taskID string) bool {
			return r.CancelSolverTask(taskID)
		})
	case event.UserRestartTask:
		s.handleTaskControl(ctx, in, func(r Runner, taskID string) bool {
			return r.RestartSolverTask(ctx, taskID)
		})
	default:
		s.EmitEvent(ctx, event.NewSystemError(fmt.Sprintf("unknown event %q", in.Event)))
	}
}

func (s *Session) handleMessage(ctx context.Context, in *event.Inbound) {
	question, hints, err := parseMessage(in.Content)
	if err != nil {
		s.EmitEvent(ctx, event.NewAgentError(s.id, fmt.Sprintf("bad message payload: %v", err)))
		return
	}
	s.AttachMetadata(hints)

	runner, runCtx, ok := s.beginRun(ctx)
	if !ok {
		return
	}

	async.Go(s.logger, "session-run:"+s.id, func() {
		answer, err := runner.Run(runCtx, question)
		cancelled := runCtx.Err() != nil
		s.endRun()
		switch {
		case err != nil && cancelled:
			// user.cancel already produced agent.interrupted.
		case err != nil:
			s.EmitEvent(ctx, event.NewAgentError(s.id, err.Error()))
		default:
			s.EmitEvent(ctx, event.NewFinalAnswer(s.id, answer))
		}
	})
}

// handleSolveTasks runs the direct-task mode: the client supplies the task
// list and no final answer is reported.
func (s *Session) handleSolveTasks(ctx context.Context, in *event.Inbound) {
	var payload messagePayload
	if err := decodeContent(in.Content, &payload); err != nil {
		s.EmitEvent(ctx, event.NewAgentError(s.id, fmt.Sprintf("bad solve_tasks payload: %v", err)))
		return
	}
	if len(payload.Tasks) == 0 {
		s.EmitEvent(ctx, event.NewAgentError(s.id, "solve_tasks requires a tasks list"))
		return
	}
	tasks := make([]plan.Task, len(payload.Tasks))
	for i, t := range payload.Tasks {
		tasks[i] = t
	}

	runner, runCtx, ok := s.beginRun(ctx)
	if !ok {
		return
	}

	async.Go(s.logger, "session-solve:"+s.id, func() {
		_, err := runner.SolveTasks(runCtx, tasks, payload.Question, payload.PlanSummary)
		cancelled := runCtx.Err() != nil
		s.endRun()
		if err != nil && !cancelled {
			s.EmitEvent(ctx, event.NewAgentError(s.id, err.Error()))
		}
	})
}

// beginRun transitions idle → running and returns the bound runner with the
// run's cancellable context. Concurrent messages and closed sessions are
// rejected with agent.error.
func (s *Session) beginRun(ctx context.Context) (Runner, context.Context, bool) {
	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		s.EmitEvent(ctx, event.NewAgentError(s.id, "session closed"))
		return nil, nil, false
	case s.state == StateRunning:
		s.mu.Unlock()
		s.EmitEvent(ctx, event.NewAgentError(s.id, "a run is already in progress"))
		return nil, nil, false
	case s.runner == nil:
		s.mu.Unlock()
		s.EmitEvent(ctx, event.NewAgentError(s.id, "no agent bound to session"))
		return nil, nil, false
	}
	runner := s.runner
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	s.state = StateRunning
	s.mu.Unlock()
	return runner, runCtx, true
}

func (s *Session) endRun() {
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	if s.state == StateRunning {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

func (s *Session) handleResponse(ctx context.Context, in *event.Inbound) {
	if in.StepID == "" {
		s.EmitEvent(ctx, event.NewAgentError(s.id, "user.response without step_id"))
		return
	}
	var payload responsePayload
	if err := decodeContent(in.Content, &payload); err != nil {
		s.EmitEvent(ctx, event.NewAgentError(s.id, fmt.Sprintf("bad response payload: %v", err)))
		return
	}
	resp := plansolve.ConfirmResponse{
		Confirmed: payload.Confirmed,
		Reason:    payload.Reason,
	}
	if len(payload.Tasks) > 0 {
		resp.Tasks = make([]plan.Task, len(payload.Tasks))
		for i, t := range payload.Tasks {
			resp.Tasks[i] = t
		}
	}
	if !s.ResolveConfirm(in.StepID, resp) {
		s.EmitEvent(ctx, event.NewAgentError(s.id, fmt.Sprintf("no pending confirmation for step %s", in.StepID)))
	}
}

// handleCancel aborts the running agent task and discards every pending
// confirmation.
func (s *Session) handleCancel(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	steps := make([]string, 0, len(s.pending))
	for stepID := range s.pending {
		steps = append(steps, stepID)
	}
	s.mu.Unlock()

	for _, stepID := range steps {
		s.ResolveConfirm(stepID, plansolve.ConfirmResponse{Confirmed: false, Reason: "cancel"})
	}
	if cancel != nil {
		cancel()
	}
	s.EmitEvent(ctx, event.NewAgentInterrupted(s.id))
}

func (s *Session) handleTaskControl(ctx context.Context, in *event.Inbound, op func(Runner, string) bool) {
	var payload struct {
		TaskID string `json:"task_id"`
	}
	if err := decodeContent(in.Content, &payload); err != nil || payload.TaskID == "" {
		s.EmitEvent(ctx, event.NewAgentError(s.id, "task control requires a task_id"))
		return
	}
	s.withRunner(ctx, func(r Runner) {
		if !op(r, payload.TaskID) {
			s.EmitEvent(ctx, event.NewAgentError(s.id,
				fmt.Sprintf("task %s not available for %s", payload.TaskID, in.Event)))
		}
	})
}

func (s *Session) withRunner(ctx context.Context, fn func(Runner)) {
	s.mu.Lock()
	runner := s.runner
	s.mu.Unlock()
	if runner == nil {
		s.EmitEvent(ctx, event.NewAgentError(s.id, "no agent bound to session"))
		return
	}
	fn(runner)
}

// Close ends the session: the running task is cancelled, pending
// confirmations resolve as declines, agent.session_end goes out, and the
// outbound channel drains. Idempotent.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	cancel := s.runCancel
	s.runCancel = nil
	steps := make([]string, 0, len(s.pending))
	for stepID := range s.pending {
		steps = append(steps, stepID)
	}
	s.mu.Unlock()

	for _, stepID := range steps {
		s.ResolveConfirm(stepID, plansolve.ConfirmResponse{Confirmed: false, Reason: "session_closed"})
	}
	if cancel != nil {
		cancel()
	}
	s.EmitEvent(ctx, event.NewSessionEnd(s.id))
	s.out.Close()
}

// parseMessage accepts both payload shapes: a bare string question, or an
// object carrying question plus session hints.
func parseMessage(content jsonx.RawMessage) (question string, hints map[string]any, err error) {
	if len(content) == 0 {
		return "", nil, fmt.Errorf("empty content")
	}
	var asString string
	if err := jsonx.Unmarshal(content, &asString); err == nil {
		return asString, nil, nil
	}
	var asMap map[string]any
	if err := jsonx.Unmarshal(content, &asMap); err != nil {
		return "", nil, err
	}
	q, _ := asMap["question"].(string)
	if q == "" {
		return "", nil, fmt.Errorf("message object has no question")
	}
	delete(asMap, "question")
	return q, asMap, nil
}

func decodeContent(content jsonx.RawMessage, v any) error {
	if len(content) == 0 {
		return fmt.Errorf("empty content")
	}
	return jsonx.Unmarshal(content, v)
}
