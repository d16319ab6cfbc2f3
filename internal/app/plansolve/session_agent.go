package plansolve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JasonDZS/myagent-sub001/internal/domain/event"
	"github.com/JasonDZS/myagent-sub001/internal/domain/plan"
	"github.com/JasonDZS/myagent-sub001/internal/shared/logging"
)

// DefaultConfirmTimeout bounds how long a run waits for the user to resolve
// a plan confirmation.
const DefaultConfirmTimeout = 300 * time.Second

// ConfirmResponse is the user's answer to an agent.user_confirm emission.
// Tasks is non-nil when the user edited the proposed plan.
type ConfirmResponse struct {
	Confirmed bool        `json:"confirmed"`
	Tasks     []plan.Task `json:"tasks,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// SessionHost is what the session agent needs from the session that owns it:
// an outbound event path and the pending-confirmation machinery. The
// server-side AgentSession implements it.
type SessionHost interface {
	// SessionID identifies the owning session.
	SessionID() string

	// EmitEvent routes one event through the session's outbound channel.
	EmitEvent(ctx context.Context, ev *event.Event)

	// EmitUserConfirm emits agent.user_confirm with a fresh step id and
	// registers a pending confirmation under it.
	EmitUserConfirm(ctx context.Context, meta map[string]any) (stepID string, err error)

	// AwaitConfirm blocks until the pending confirmation resolves, the
	// timeout elapses (resolved as a decline with reason "timeout"), or ctx
	// is cancelled (reason "cancel"). Exactly one resolution per emission.
	AwaitConfirm(ctx context.Context, stepID string, timeout time.Duration) ConfirmResponse

	// ResolveConfirm resolves a pending confirmation out of band. Returns
	// false when no confirmation is pending under stepID.
	ResolveConfirm(stepID string, resp ConfirmResponse) bool
}

// SessionAgent adapts a Pipeline onto a session: it forwards pipeline stage
// events to the session's outbound channel, drives the plan-confirmation and
// replan loop, and exposes the per-task cancel/restart control surface the
// session routes inbound control events to.
type SessionAgent struct {
	host     SessionHost
	pipeline *Pipeline
	logger   logging.Logger

	requireConfirmation bool
	confirmTimeout      time.Duration
	broadcastTasks      bool

	mu             sync.Mutex
	planCancel     context.CancelFunc
	awaitingStep   string
	replanPending  bool
	replanQuestion string
	solvingStarted bool
	lastContext    *plan.Context
	lastResults    []plan.SolverRunResult
	lastAggregated bool
}

// SessionAgentOption configures a SessionAgent.
type SessionAgentOption func(*SessionAgent)

// WithRequireConfirmation gates solving on a user plan confirmation.
func WithRequireConfirmation(require bool) SessionAgentOption {
	return func(sa *SessionAgent) { sa.requireConfirmation = require }
}

// WithConfirmTimeout bounds the plan-confirmation wait.
func WithConfirmTimeout(d time.Duration) SessionAgentOption {
	return func(sa *SessionAgent) {
		if d > 0 {
			sa.confirmTimeout = d
		}
	}
}

// WithBroadcastTasks controls whether plan.completed carries the task list.
func WithBroadcastTasks(broadcast bool) SessionAgentOption {
	return func(sa *SessionAgent) { sa.broadcastTasks = broadcast }
}

// WithSessionAgentLogger sets the adapter logger.
func WithSessionAgentLogger(l logging.Logger) SessionAgentOption {
	return func(sa *SessionAgent) { sa.logger = logging.OrNop(l) }
}

// NewSessionAgent binds a pipeline to a session host. The pipeline must have
// been built without a progress callback; the adapter installs its own.
func NewSessionAgent(host SessionHost, pipeline *Pipeline, opts ...SessionAgentOption) *SessionAgent {
	sa := &SessionAgent{
		host:           host,
		pipeline:       pipeline,
		logger:         logging.NewComponentLogger("session-agent"),
		confirmTimeout: DefaultConfirmTimeout,
		broadcastTasks: true,
	}
	for _, opt := range opts {
		opt(sa)
	}
	pipeline.progress = sa.forwardProgress
	return sa
}

// Run answers one question end to end: plan, optionally confirm with the
// user, solve, aggregate. The returned string is the final response the
// session reports as agent.final_answer; errors surface as agent.error.
func (sa *SessionAgent) Run(ctx context.Context, question string) (string, error) {
	sa.mu.Lock()
	sa.solvingStarted = false
	sa.replanPending = false
	sa.replanQuestion = ""
	sa.mu.Unlock()

	q := question
	var planCtx *plan.Context

planning:
	for {
		phaseCtx, cancel := context.WithCancel(ctx)
		sa.setPlanCancel(cancel)
		pc, err := sa.pipeline.Plan(phaseCtx, q)
		sa.setPlanCancel(nil)
		cancel()

		if err != nil {
			if phaseCtx.Err() != nil && ctx.Err() == nil {
				// The planning phase was cancelled while the session run
				// stayed alive: either a replan or a plain cancel_plan.
				if next, ok := sa.takeReplan(); ok {
					sa.emit(ctx, event.PlanCancelled, map[string]any{
						"question": q,
						"reason":   "replan",
					})
					if next != "" {
						q = next
					}
					continue
				}
				sa.emit(ctx, event.PlanCancelled, map[string]any{
					"question": q,
					"reason":   "cancel",
				})
				return "Plan cancelled before execution.", nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		planCtx = pc

		if !sa.requireConfirmation {
			break planning
		}

		stepID, err := sa.host.EmitUserConfirm(ctx, map[string]any{
			"scope":        "plan",
			"plan_summary": planCtx.PlanSummary(),
			"tasks":        planCtx.Tasks(),
		})
		if err != nil {
			return "", fmt.Errorf("emit user_confirm: %w", err)
		}
		sa.setAwaitingStep(stepID)
		resp := sa.host.AwaitConfirm(ctx, stepID, sa.confirmTimeout)
		sa.setAwaitingStep("")

		switch {
		case resp.Confirmed && len(resp.Tasks) > 0:
			edited, err := sa.coerceEdit(planCtx, resp.Tasks)
			if err != nil {
				sa.emit(ctx, event.PlanCoercionError, map[string]any{
					"error": err.Error(),
					"tasks": resp.Tasks,
				})
				return "", fmt.Errorf("coerce edited tasks: %w", err)
			}
			planCtx = edited
			break planning
		case resp.Confirmed:
			break planning
		default:
			if next, ok := sa.takeReplan(); ok {
				if next != "" {
					q = next
				}
				continue
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			reason := resp.Reason
			if reason == "" {
				reason = "declined"
			}
			return fmt.Sprintf("Plan declined (%s); no tasks were executed.", reason), nil
		}
	}

	sa.mu.Lock()
	sa.solvingStarted = true
	sa.mu.Unlock()

	result, err := sa.pipeline.SolveAndAggregate(ctx, planCtx)
	if err != nil {
		return "", err
	}

	sa.mu.Lock()
	sa.lastContext = planCtx
	sa.lastResults = result.SolverResults
	sa.lastAggregated = true
	sa.mu.Unlock()

	if summary := planCtx.PlanSummary(); summary != "" {
		return summary, nil
	}
	return fmt.Sprintf("Completed %d of %d tasks.", len(result.SolverResults), planCtx.TaskCount()), nil
}

// SolveTasks is the direct-task mode: the client supplies the task list and
// planning is skipped entirely. Only solver.* events are emitted; there is
// no aggregation stage, no pipeline.completed, and the session does not
// report a final answer for it.
func (sa *SessionAgent) SolveTasks(ctx context.Context, tasks []plan.Task, question, planSummary string) ([]plan.SolverRunResult, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks supplied")
	}
	planCtx, err := plan.NewContext(sa.pipeline.Name(), question, tasks,
		plan.WithPlanSummary(planSummary))
	if err != nil {
		return nil, fmt.Errorf("build task context: %w", err)
	}

	sa.mu.Lock()
	sa.solvingStarted = true
	sa.mu.Unlock()

	results, err := sa.pipeline.SolveTasks(ctx, planCtx)
	if err != nil {
		return results, err
	}

	sa.mu.Lock()
	sa.lastContext = planCtx
	sa.lastResults = results
	sa.lastAggregated = false
	sa.mu.Unlock()
	return results, nil
}

// CancelPlan cancels the planning phase when one is running; when the run is
// instead awaiting confirmation it auto-declines the pending step. Returns
// false when there is nothing to cancel.
func (sa *SessionAgent) CancelPlan() bool {
	sa.mu.Lock()
	cancel := sa.planCancel
	step := sa.awaitingStep
	replan := sa.replanPending
	sa.mu.Unlock()

	if cancel != nil {
		cancel()
		return true
	}
	if step != "" {
		reason := "cancel_plan"
		if replan {
			reason = "replan"
		}
		return sa.host.ResolveConfirm(step, ConfirmResponse{Confirmed: false, Reason: reason})
	}
	return false
}

// Replan asks the run to discard the current plan and plan again, optionally
// with a new question. Only legal before solving starts.
func (sa *SessionAgent) Replan(ctx context.Context, question string) bool {
	sa.mu.Lock()
	if sa.solvingStarted {
		sa.mu.Unlock()
		sa.host.EmitEvent(ctx, event.NewAgentError(sa.host.SessionID(),
			"replan rejected: solving already started"))
		return false
	}
	sa.replanPending = true
	sa.replanQuestion = question
	sa.mu.Unlock()

	sa.CancelPlan()
	return true
}

// CancelSolverTask cancels one running solver task by id.
func (sa *SessionAgent) CancelSolverTask(taskID string) bool {
	return sa.pipeline.CancelSolverTask(taskID)
}

// RestartSolverTask relaunches one task. During solving the request rides
// the pipeline's scheduling loop. After a completed run it re-solves just
// that task against the cached context, merges the fresh result over the old
// one, and re-runs the aggregator.
func (sa *SessionAgent) RestartSolverTask(ctx context.Context, taskID string) bool {
	if sa.pipeline.RestartSolverTask(taskID) {
		return true
	}

	sa.mu.Lock()
	cached := sa.lastContext
	cachedResults := append([]plan.SolverRunResult(nil), sa.lastResults...)
	aggregated := sa.lastAggregated
	sa.mu.Unlock()
	if cached == nil {
		return false
	}
	task, ok := cached.TaskByID(taskID)
	if !ok {
		return false
	}
	key := plan.KeyForID(taskID)

	sa.emit(ctx, event.SolverRestarted, map[string]any{"task": task, "task_key": key})

	single, err := cached.WithTasks([]plan.Task{task})
	if err != nil {
		sa.logger.Error("restart %s: derive context: %v", key, err)
		return false
	}
	rerun, err := sa.pipeline.SolveTasks(ctx, single)
	if err != nil || len(rerun) == 0 {
		sa.logger.Error("restart %s: rerun produced no result (err=%v)", key, err)
		return false
	}

	fresh := rerun[0]
	// The rerun went through a fresh solve, so the pipeline saw a first
	// attempt; the record still counts as restarted for the stats rollup.
	fresh.Restarted = true
	merged := mergeResult(cachedResults, fresh)
	if aggregated {
		if _, err := sa.pipeline.Aggregate(ctx, cached, merged); err != nil {
			sa.host.EmitEvent(ctx, event.NewAgentError(sa.host.SessionID(),
				fmt.Sprintf("re-aggregate after restart failed: %v", err)))
			return false
		}
	}

	sa.mu.Lock()
	sa.lastResults = merged
	sa.mu.Unlock()
	return true
}

// mergeResult replaces the entry sharing the fresh result's key, appending
// when no entry matches.
func mergeResult(results []plan.SolverRunResult, fresh plan.SolverRunResult) []plan.SolverRunResult {
	for i, r := range results {
		if r.TaskKey == fresh.TaskKey {
			out := append([]plan.SolverRunResult(nil), results...)
			out[i] = fresh
			return out
		}
	}
	return append(append([]plan.SolverRunResult(nil), results...), fresh)
}

// forwardProgress is the pipeline's progress callback: stage payloads become
// session events.
func (sa *SessionAgent) forwardProgress(ctx context.Context, name string, payload map[string]any) error {
	if name == event.PlanCompleted && !sa.broadcastTasks {
		trimmed := make(map[string]any, len(payload))
		for k, v := range payload {
			if k == "tasks" {
				continue
			}
			trimmed[k] = v
		}
		payload = trimmed
	}
	sa.emit(ctx, name, payload)
	return nil
}

func (sa *SessionAgent) emit(ctx context.Context, name string, payload map[string]any) {
	sa.host.EmitEvent(ctx, event.New(name).WithContent(payload))
}

func (sa *SessionAgent) setPlanCancel(cancel context.CancelFunc) {
	sa.mu.Lock()
	sa.planCancel = cancel
	sa.mu.Unlock()
}

func (sa *SessionAgent) setAwaitingStep(stepID string) {
	sa.mu.Lock()
	sa.awaitingStep = stepID
	sa.mu.Unlock()
}

// takeReplan consumes a pending replan request, returning its question.
func (sa *SessionAgent) takeReplan() (question string, ok bool) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if !sa.replanPending {
		return "", false
	}
	sa.replanPending = false
	question = sa.replanQuestion
	sa.replanQuestion = ""
	return question, true
}

// coerceEdit runs the planner's coercion over user-edited tasks and derives
// the replacement context.
func (sa *SessionAgent) coerceEdit(planCtx *plan.Context, edited []plan.Task) (*plan.Context, error) {
	coerced, err := sa.pipeline.CoerceTasks(edited)
	if err != nil {
		return nil, err
	}
	if len(coerced) == 0 {
		return nil, fmt.Errorf("edited plan has no tasks")
	}
	return planCtx.WithTasks(coerced)
}
