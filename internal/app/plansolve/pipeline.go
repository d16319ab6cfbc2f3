package plansolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JasonDZS/myagent-sub001/internal/domain/agent"
	"github.com/JasonDZS/myagent-sub001/internal/domain/event"
	"github.com/JasonDZS/myagent-sub001/internal/domain/plan"
	"github.com/JasonDZS/myagent-sub001/internal/observability"
	"github.com/JasonDZS/myagent-sub001/internal/shared/async"
	"github.com/JasonDZS/myagent-sub001/internal/shared/logging"
	"github.com/JasonDZS/myagent-sub001/internal/stats"
)

// Pipeline drives one plan→solve→aggregate flow. A pipeline is built once
// per session agent and reused across runs; only one solve phase may be in
// flight at a time.
//
// All mutable solve-phase state (active attempts, results, cancel/restart
// requests, key bookkeeping) sits behind one mutex. Reads outside the mutex
// are snapshots.
type Pipeline struct {
	name        string
	planner     Planner
	solver      Solver
	aggregator  Aggregator
	concurrency int
	sem         *semaphore.Weighted

	logger   logging.Logger
	stats    *stats.Aggregator
	tracer   *observability.TracerProvider
	metrics  *observability.MetricsCollector
	progress ProgressFunc

	mu              sync.Mutex
	solving         bool
	phaseCtx        *plan.Context
	active          map[string]*solverAttempt
	resultsMap      map[string]plan.SolverRunResult
	cancelRequests  map[string]struct{}
	restartRequests map[string]struct{}
	taskKeyMap      map[string]plan.Task
	order           []string
	orderSet        map[string]struct{}
	statsOrder      []string
	finalized       []plan.SolverRunResult
	completions     chan *solverAttempt
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithConcurrency bounds simultaneous solver runs; 0 means unbounded.
func WithConcurrency(n int) PipelineOption {
	return func(p *Pipeline) {
		if n < 0 {
			n = 0
		}
		p.concurrency = n
	}
}

// WithAggregator installs the aggregate stage.
func WithAggregator(a Aggregator) PipelineOption {
	return func(p *Pipeline) { p.aggregator = a }
}

// WithLogger sets the pipeline logger.
func WithLogger(l logging.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logging.OrNop(l) }
}

// WithStats attaches the process-wide stats aggregator.
func WithStats(s *stats.Aggregator) PipelineOption {
	return func(p *Pipeline) { p.stats = s }
}

// WithTracer attaches a tracer provider.
func WithTracer(tp *observability.TracerProvider) PipelineOption {
	return func(p *Pipeline) {
		if tp != nil {
			p.tracer = tp
		}
	}
}

// WithMetrics attaches the metrics collector.
func WithMetrics(m *observability.MetricsCollector) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithProgress registers the stage-boundary callback.
func WithProgress(fn ProgressFunc) PipelineOption {
	return func(p *Pipeline) { p.progress = fn }
}

// NewPipeline builds a pipeline around a planner and a solver.
func NewPipeline(name string, planner Planner, solver Solver, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		name:    name,
		planner: planner,
		solver:  solver,
		logger:  logging.NewComponentLogger("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracer == nil {
		// A disabled provider hands out a noop tracer, so span calls never
		// need nil checks.
		p.tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}
	if p.concurrency > 0 {
		p.sem = semaphore.NewWeighted(int64(p.concurrency))
	}
	return p
}

// Name identifies the pipeline in plan contexts and logs.
func (p *Pipeline) Name() string { return p.name }

// Plan runs the planner against the question and freezes the result into an
// immutable plan context. Failures propagate to the caller; the session
// layer converts them into error events.
func (p *Pipeline) Plan(ctx context.Context, question string) (*plan.Context, error) {
	ctx, span := p.tracer.StartSpan(ctx, observability.SpanPipelinePlan)
	defer span.End()
	start := time.Now()

	p.emit(ctx, event.PlanStart, map[string]any{"question": question})

	planAgent, err := p.planner.BuildAgent()
	if err != nil {
		return nil, fmt.Errorf("build planner agent: %w", err)
	}
	p.stats.AgentCreated(planAgent.Name())

	runCtx, _ := p.stats.StartAgentRun(ctx, planAgent.Name())
	raw, err := planAgent.Run(runCtx, p.planner.BuildRequest(question))
	if err != nil {
		p.stats.FinishAgentRun(runCtx, runStatus(runCtx, err))
		return nil, fmt.Errorf("planner run: %w", err)
	}
	p.stats.FinishAgentRun(runCtx, stats.StatusFinished)

	tasks, err := p.planner.ExtractTasks(planAgent, raw)
	if err != nil {
		return nil, fmt.Errorf("extract tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("planner %q produced no tasks for question %q", p.planner.Name(), question)
	}
	summary := p.planner.ExtractSummary(planAgent, raw)

	records, statsModel := plan.RecordsFromStats(agent.StatisticsOf(planAgent))
	model := statsModel
	if model == "" {
		model = modelOf(p.planner)
	}
	annotated := plan.AnnotateAll(records, plan.OriginPlan, planAgent.Name(), model)

	planCtx, err := plan.NewContext(p.name, question, tasks,
		plan.WithPlanSummary(summary),
		plan.WithRawPlanOutput(raw),
		plan.WithPlanStatistics(annotated),
	)
	if err != nil {
		return nil, fmt.Errorf("build plan context: %w", err)
	}

	payload := map[string]any{
		"tasks":        planCtx.Tasks(),
		"task_count":   planCtx.TaskCount(),
		"plan_summary": summary,
	}
	if len(annotated) > 0 {
		payload["statistics"] = annotated
	}
	if p.stats != nil {
		payload["metrics"] = p.stats.Snapshot().Describe()
	}
	p.metrics.RecordStageDuration(ctx, "plan", time.Since(start))
	p.emit(ctx, event.PlanCompleted, payload)
	return planCtx, nil
}

// SolveTasks runs one solver per task with bounded concurrency, honoring
// cancel/restart requests, and returns results in original task order with
// restarted-only additions appended. A context cancellation drains running
// attempts before returning ctx.Err alongside the partial results.
func (p *Pipeline) SolveTasks(ctx context.Context, planCtx *plan.Context) ([]plan.SolverRunResult, error) {
	tasks := planCtx.Tasks()
	start := time.Now()

	p.mu.Lock()
	if p.solving {
		p.mu.Unlock()
		return nil, errors.New("solve phase already in progress")
	}
	p.solving = true
	p.phaseCtx = planCtx
	p.active = make(map[string]*solverAttempt, len(tasks))
	p.resultsMap = make(map[string]plan.SolverRunResult, len(tasks))
	p.cancelRequests = make(map[string]struct{})
	p.restartRequests = make(map[string]struct{})
	p.taskKeyMap = make(map[string]plan.Task, len(tasks))
	p.order = make([]string, 0, len(tasks))
	p.orderSet = make(map[string]struct{}, len(tasks))
	p.statsOrder = nil
	p.finalized = nil
	p.completions = make(chan *solverAttempt, len(tasks)+1)
	for i, t := range tasks {
		key := plan.KeyAt(t, i)
		if _, dup := p.taskKeyMap[key]; dup {
			continue
		}
		p.taskKeyMap[key] = t
		p.order = append(p.order, key)
		p.orderSet[key] = struct{}{}
	}
	for _, key := range p.order {
		p.launchLocked(ctx, key, false)
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.solving = false
		p.phaseCtx = nil
		p.active = nil
		p.cancelRequests = nil
		p.restartRequests = nil
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		if len(p.active) == 0 && len(p.restartRequests) == 0 {
			p.solving = false // taken atomically with the emptiness check
			p.mu.Unlock()
			break
		}
		var relaunch []string
		for key := range p.restartRequests {
			if _, running := p.active[key]; running {
				continue
			}
			delete(p.restartRequests, key)
			if _, known := p.taskKeyMap[key]; known {
				relaunch = append(relaunch, key)
			}
		}
		completions := p.completions
		activeCount := len(p.active)
		p.mu.Unlock()

		for _, key := range relaunch {
			p.mu.Lock()
			task := p.taskKeyMap[key]
			p.mu.Unlock()
			p.emit(ctx, event.SolverRestarted, map[string]any{"task": task, "task_key": key})
			p.mu.Lock()
			p.launchLocked(ctx, key, true)
			p.mu.Unlock()
		}
		if activeCount == 0 {
			continue
		}

		attempt := <-completions
		p.handleCompletion(ctx, attempt)
	}

	p.mu.Lock()
	results := p.collectLocked()
	p.mu.Unlock()

	p.metrics.RecordStageDuration(ctx, "solve", time.Since(start))
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// collectLocked orders results: original task order first, then results for
// keys outside the original set in the order they finalized. It also caches
// the finalization-ordered list for the statistics rollup.
func (p *Pipeline) collectLocked() []plan.SolverRunResult {
	lastIndex := make(map[string]int, len(p.statsOrder))
	for i, key := range p.statsOrder {
		lastIndex[key] = i
	}

	p.finalized = p.finalized[:0]
	for i, key := range p.statsOrder {
		if lastIndex[key] != i {
			continue
		}
		if r, ok := p.resultsMap[key]; ok {
			p.finalized = append(p.finalized, r)
		}
	}

	results := make([]plan.SolverRunResult, 0, len(p.resultsMap))
	taken := make(map[string]struct{}, len(p.resultsMap))
	for _, key := range p.order {
		if r, ok := p.resultsMap[key]; ok {
			results = append(results, r)
			taken[key] = struct{}{}
		}
	}
	for _, r := range p.finalized {
		if _, ok := taken[r.TaskKey]; ok {
			continue
		}
		results = append(results, r)
		taken[r.TaskKey] = struct{}{}
	}
	return results
}

// launchLocked starts one attempt for key. Callers hold p.mu.
func (p *Pipeline) launchLocked(ctx context.Context, key string, restarted bool) {
	attemptCtx, cancel := context.WithCancel(ctx)
	att := &solverAttempt{
		key:       key,
		task:      p.taskKeyMap[key],
		planCtx:   p.phaseCtx,
		restarted: restarted,
		cancel:    cancel,
	}
	p.active[key] = att
	completions := p.completions

	async.Go(p.logger, "solver:"+key, func() {
		defer cancel()
		att.run(attemptCtx, p)
		completions <- att
	})
}

func (p *Pipeline) handleCompletion(ctx context.Context, att *solverAttempt) {
	p.mu.Lock()
	if p.active[att.key] == att {
		delete(p.active, att.key)
	}
	delete(p.cancelRequests, att.key)
	p.mu.Unlock()

	switch {
	case att.cancelled:
		p.metrics.RecordSolverRun(ctx, "cancelled")
		p.emit(ctx, event.SolverCancelled, map[string]any{"task": att.task, "task_key": att.key})
	case att.err != nil:
		p.metrics.RecordSolverRun(ctx, "error")
		p.logger.Error("solver task %s failed: %v", att.key, att.err)
	default:
		p.mu.Lock()
		p.resultsMap[att.key] = att.result
		p.statsOrder = append(p.statsOrder, att.key)
		p.mu.Unlock()
		p.metrics.RecordSolverRun(ctx, "completed")

		payload := map[string]any{
			"task":     att.task,
			"task_key": att.key,
			"result":   att.result.Describe(),
		}
		if att.result.Model != "" {
			payload["model"] = att.result.Model
		}
		p.emit(ctx, event.SolverCompleted, payload)
	}
}

// Aggregate folds results into a single output, emitting aggregate.start
// and aggregate.completed around the call. Without an aggregator both the
// stage and its events are skipped.
func (p *Pipeline) Aggregate(ctx context.Context, planCtx *plan.Context, results []plan.SolverRunResult) (any, error) {
	if p.aggregator == nil {
		return nil, nil
	}
	ctx, span := p.tracer.StartSpan(ctx, observability.SpanPipelineAggregate)
	defer span.End()
	start := time.Now()

	p.emit(ctx, event.AggregateStart, map[string]any{
		"context":        planCtx.Describe(),
		"solver_results": plan.DescribeResults(results),
	})

	output, err := p.aggregator.Aggregate(ctx, planCtx, results)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	p.metrics.RecordStageDuration(ctx, "aggregate", time.Since(start))
	p.emit(ctx, event.AggregateCompleted, map[string]any{
		"context":        planCtx.Describe(),
		"solver_results": plan.DescribeResults(results),
		"output":         output,
	})
	return output, nil
}

// SolveAndAggregate runs the solver and aggregate stages, rolls up
// statistics, and emits pipeline.completed.
func (p *Pipeline) SolveAndAggregate(ctx context.Context, planCtx *plan.Context) (*plan.PlanSolveResult, error) {
	results, err := p.SolveTasks(ctx, planCtx)
	if err != nil {
		return nil, err
	}
	output, err := p.Aggregate(ctx, planCtx, results)
	if err != nil {
		return nil, err
	}

	unified := p.rollupStatistics(planCtx)
	var metricsSnapshot map[string]any
	if p.stats != nil {
		metricsSnapshot = p.stats.Snapshot().Describe()
	}

	result := &plan.PlanSolveResult{
		Context:         planCtx,
		SolverResults:   results,
		AggregateOutput: output,
		Statistics:      unified,
		Metrics:         metricsSnapshot,
	}

	payload := map[string]any{"task_count": len(results)}
	if output != nil {
		payload["aggregate_output"] = output
	}
	if len(unified) > 0 {
		payload["statistics"] = unified
	}
	if metricsSnapshot != nil {
		payload["metrics"] = metricsSnapshot
	}
	p.emit(ctx, event.PipelineCompleted, payload)
	return result, nil
}

// CoerceTasks forwards user-edited tasks to the planner's coercion hook.
func (p *Pipeline) CoerceTasks(tasks []plan.Task) ([]plan.Task, error) {
	return p.planner.CoerceTasks(tasks)
}

// Run is the one-shot flow: plan, then solve and aggregate.
func (p *Pipeline) Run(ctx context.Context, question string) (*plan.PlanSolveResult, error) {
	planCtx, err := p.Plan(ctx, question)
	if err != nil {
		return nil, err
	}
	return p.SolveAndAggregate(ctx, planCtx)
}

// rollupStatistics builds the unified record list: planning records first,
// then solver records in the order their results finalized.
func (p *Pipeline) rollupStatistics(planCtx *plan.Context) []plan.CallRecord {
	unified := planCtx.PlanStatistics()

	p.mu.Lock()
	finalized := p.finalized
	p.mu.Unlock()
	for _, r := range finalized {
		unified = append(unified, r.Statistics...)
	}
	return unified
}

// CancelSolverTask cancels the running attempt for the task id. Returns
// false when no attempt is active under that id.
func (p *Pipeline) CancelSolverTask(taskID string) bool {
	key := plan.KeyForID(taskID)
	p.mu.Lock()
	defer p.mu.Unlock()
	att, ok := p.active[key]
	if !ok {
		return false
	}
	p.cancelRequests[key] = struct{}{}
	att.cancel()
	return true
}

// RestartSolverTask asks the scheduling loop to relaunch the task: a running
// attempt is cancelled first, a finished one is simply rerun. Returns false
// outside a solve phase or for an unknown id.
func (p *Pipeline) RestartSolverTask(taskID string) bool {
	key := plan.KeyForID(taskID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.solving {
		return false
	}
	if _, known := p.taskKeyMap[key]; !known {
		return false
	}
	p.restartRequests[key] = struct{}{}
	if att, ok := p.active[key]; ok {
		att.cancel()
	}
	return true
}

// emit reports a stage boundary through the progress callback. Callback
// panics and errors are contained here; the pipeline never fails over a
// progress problem.
func (p *Pipeline) emit(ctx context.Context, name string, payload map[string]any) {
	p.logger.Debug("stage event %s", name)
	cb := p.progress
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("progress callback panicked on %s: %v", name, r)
		}
	}()
	if err := cb(ctx, name, payload); err != nil {
		p.logger.Warn("progress callback failed on %s: %v", name, err)
	}
}

func runStatus(ctx context.Context, err error) string {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return stats.StatusCancelled
	}
	return stats.StatusError
}

// solverAttempt is one launch of one task. The scheduling loop owns its
// lifecycle; the attempt goroutine fills result/err/cancelled and reports
// itself on the completions channel exactly once.
type solverAttempt struct {
	key       string
	task      plan.Task
	planCtx   *plan.Context
	restarted bool
	cancel    context.CancelFunc

	result    plan.SolverRunResult
	err       error
	cancelled bool
}

func (a *solverAttempt) run(ctx context.Context, p *Pipeline) {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			a.cancelled = true
			return
		}
		defer p.sem.Release(1)
	}
	if ctx.Err() != nil {
		a.cancelled = true
		return
	}

	ctx, span := p.tracer.StartSpan(ctx, observability.SpanPipelineSolveTask,
		observability.TaskAttrs(p.name, a.key)...)
	defer span.End()
	start := time.Now()

	p.emit(ctx, event.SolverStart, map[string]any{"task": a.task, "task_key": a.key})

	solverAgent, err := p.solver.BuildAgent(a.task)
	if err != nil {
		a.err = fmt.Errorf("build solver agent: %w", err)
		return
	}
	p.stats.AgentCreated(solverAgent.Name())

	runCtx, _ := p.stats.StartAgentRun(ctx, solverAgent.Name())
	raw, err := solverAgent.Run(runCtx, p.solver.BuildRequest(a.planCtx, a.task))
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			p.stats.FinishAgentRun(runCtx, stats.StatusCancelled)
			a.cancelled = true
			return
		}
		p.stats.FinishAgentRun(runCtx, stats.StatusError)
		a.err = err
		return
	}
	p.stats.FinishAgentRun(runCtx, stats.StatusFinished)

	output, err := p.solver.ExtractResult(solverAgent, raw)
	if err != nil {
		a.err = fmt.Errorf("extract result: %w", err)
		return
	}
	summary := p.solver.ExtractSummary(solverAgent, raw)

	records, statsModel := plan.RecordsFromStats(agent.StatisticsOf(solverAgent))
	model := statsModel
	if model == "" {
		model = modelOf(p.solver)
	}

	a.result = plan.SolverRunResult{
		Task:       a.task,
		TaskKey:    a.key,
		Output:     output,
		Summary:    summary,
		RawOutput:  raw,
		AgentName:  solverAgent.Name(),
		Model:      model,
		Restarted:  a.restarted,
		Statistics: plan.AnnotateAll(records, plan.OriginSolver, solverAgent.Name(), model),
	}
	p.metrics.RecordStageDuration(ctx, "solve_task", time.Since(start))
}
