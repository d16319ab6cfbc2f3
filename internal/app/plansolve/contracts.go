// Package plansolve is the orchestration core: it plans a question into
// tasks, solves the tasks concurrently under an optional bound with per-task
// cancel/restart, aggregates the results, and reports progress through a
// single callback. Sessions adapt it onto WebSocket connections; it knows
// nothing about transports itself.
package plansolve

import (
	"context"

	"github.com/JasonDZS/myagent-sub001/internal/domain/agent"
	"github.com/JasonDZS/myagent-sub001/internal/domain/plan"
)

// Planner turns a question into an ordered task list by driving an agent.
// Embed PlannerBase to inherit the default request/summary/coercion
// behavior and override only what the domain needs.
type Planner interface {
	// Name identifies the planner in events and statistics.
	Name() string

	// BuildAgent constructs a fresh agent for one planning run.
	BuildAgent() (agent.Agent, error)

	// BuildRequest renders the agent input for the question.
	BuildRequest(question string) string

	// ExtractTasks parses the agent's raw output into an ordered task list.
	ExtractTasks(a agent.Agent, rawOutput string) ([]plan.Task, error)

	// ExtractSummary pulls a human-readable plan summary from the run.
	ExtractSummary(a agent.Agent, rawOutput string) string

	// CoerceTasks converts user-edited tasks back into domain tasks.
	CoerceTasks(tasks []plan.Task) ([]plan.Task, error)
}

// PlannerBase supplies the default Planner behaviors.
type PlannerBase struct{}

// BuildRequest passes the question through unchanged.
func (PlannerBase) BuildRequest(question string) string { return question }

// ExtractSummary prefers the agent's final response, falling back to the raw
// output.
func (PlannerBase) ExtractSummary(a agent.Agent, rawOutput string) string {
	return agent.FinalResponseOf(a, rawOutput)
}

// CoerceTasks accepts edited tasks as-is.
func (PlannerBase) CoerceTasks(tasks []plan.Task) ([]plan.Task, error) { return tasks, nil }

// Solver executes one task by driving an agent.
type Solver interface {
	// Name identifies the solver in events and statistics.
	Name() string

	// BuildAgent constructs a fresh agent for one task.
	BuildAgent(task plan.Task) (agent.Agent, error)

	// BuildRequest renders the agent input for the task.
	BuildRequest(planCtx *plan.Context, task plan.Task) string

	// ExtractResult parses the agent's raw output into the task's result.
	ExtractResult(a agent.Agent, rawOutput string) (any, error)

	// ExtractSummary pulls a short summary of the run.
	ExtractSummary(a agent.Agent, rawOutput string) string
}

// SolverBase supplies the default Solver behaviors.
type SolverBase struct{}

// BuildRequest serializes the task next to the original question.
func (SolverBase) BuildRequest(planCtx *plan.Context, task plan.Task) string {
	rendered := renderTask(task)
	if planCtx == nil || planCtx.Question() == "" {
		return rendered
	}
	return "Question: " + planCtx.Question() + "\nTask: " + rendered
}

// ExtractResult returns the raw output unchanged.
func (SolverBase) ExtractResult(a agent.Agent, rawOutput string) (any, error) {
	return rawOutput, nil
}

// ExtractSummary prefers the agent's final response, falling back to the raw
// output.
func (SolverBase) ExtractSummary(a agent.Agent, rawOutput string) string {
	return agent.FinalResponseOf(a, rawOutput)
}

// Aggregator folds solver results into a single output. A nil Aggregator on
// the pipeline skips the aggregate stage entirely.
type Aggregator interface {
	Aggregate(ctx context.Context, planCtx *plan.Context, results []plan.SolverRunResult) (any, error)
}

// AggregatorFunc adapts a function into an Aggregator.
type AggregatorFunc func(ctx context.Context, planCtx *plan.Context, results []plan.SolverRunResult) (any, error)

// Aggregate implements Aggregator.
func (f AggregatorFunc) Aggregate(ctx context.Context, planCtx *plan.Context, results []plan.SolverRunResult) (any, error) {
	return f(ctx, planCtx, results)
}

// ModelProvider is an optional interface for planners and solvers whose
// agents do not report usage statistics; the declared model is used for
// record annotation as the last-resort fallback.
type ModelProvider interface {
	Model() string
}

// ProgressFunc receives every stage-boundary event. Returned errors are
// logged and swallowed; the pipeline never stops over a progress failure.
type ProgressFunc func(ctx context.Context, eventName string, payload map[string]any) error

func modelOf(v any) string {
	if mp, ok := v.(ModelProvider); ok {
		return mp.Model()
	}
	return ""
}
