// Package presets ships a self-contained planner/solver/aggregator trio used
// by the default server wiring, the quickstart example, and the end-to-end
// tests. The planner scripts an LLM-shaped planning run (JSON task list with
// the usual model quirks handled by the extractor), solvers echo their task
// with simulated latency, and the aggregator counts results.
package presets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JasonDZS/myagent-sub001/internal/app/plansolve"
	"github.com/JasonDZS/myagent-sub001/internal/domain/agent"
	"github.com/JasonDZS/myagent-sub001/internal/domain/plan"
	"github.com/JasonDZS/myagent-sub001/internal/shared/jsonx"
)

// presetAgent wraps a run function and reports scripted call statistics so
// the statistics rollup has real records to annotate.
type presetAgent struct {
	name  string
	model string
	run   func(ctx context.Context, input string) (string, error)

	calls []map[string]any
}

func (a *presetAgent) Name() string { return a.name }

func (a *presetAgent) Run(ctx context.Context, input string) (string, error) {
	started := time.Now()
	out, err := a.run(ctx, input)
	a.calls = append(a.calls, map[string]any{
		"input_chars":  len(input),
		"output_chars": len(out),
		"duration_ms":  time.Since(started).Milliseconds(),
	})
	return out, err
}

func (a *presetAgent) Statistics() map[string]any {
	return map[string]any{
		"model": a.model,
		"calls": a.calls,
	}
}

// Planner scripts the planning stage: the question is split into task
// segments and rendered as the JSON task list an LLM planner would return.
type Planner struct {
	plansolve.PlannerBase

	// ModelName is reported in call statistics.
	ModelName string
}

// Name implements plansolve.Planner.
func (p *Planner) Name() string { return "scripted-planner" }

// Model reports the configured model for record annotation.
func (p *Planner) Model() string { return p.modelName() }

func (p *Planner) modelName() string {
	if p.ModelName == "" {
		return "scripted-v1"
	}
	return p.ModelName
}

// BuildAgent implements plansolve.Planner.
func (p *Planner) BuildAgent() (agent.Agent, error) {
	return &presetAgent{
		name:  "scripted-planner",
		model: p.modelName(),
		run: func(ctx context.Context, input string) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			segments := SplitQuestion(input)
			tasks := make([]map[string]any, len(segments))
			for i, seg := range segments {
				tasks[i] = map[string]any{"id": i + 1, "title": seg}
			}
			payload := map[string]any{
				"plan_summary": fmt.Sprintf("Plan with %d tasks for: %s", len(tasks), input),
				"tasks":        tasks,
			}
			out, err := jsonx.Marshal(payload)
			if err != nil {
				return "", err
			}
			// Fenced like real model output; the extractor strips it.
			return "```json\n" + string(out) + "\n```", nil
		},
	}, nil
}

// ExtractTasks implements plansolve.Planner via the shared extractor.
func (p *Planner) ExtractTasks(_ agent.Agent, raw string) ([]plan.Task, error) {
	return plansolve.ExtractTaskList(raw)
}

// ExtractSummary pulls plan_summary out of the raw JSON when present.
func (p *Planner) ExtractSummary(a agent.Agent, raw string) string {
	body := strings.TrimSpace(raw)
	if start := strings.IndexByte(body, '{'); start >= 0 {
		if end := strings.LastIndexByte(body, '}'); end > start {
			var wrapper struct {
				PlanSummary string `json:"plan_summary"`
			}
			if err := jsonx.Unmarshal([]byte(body[start:end+1]), &wrapper); err == nil && wrapper.PlanSummary != "" {
				return wrapper.PlanSummary
			}
		}
	}
	return p.PlannerBase.ExtractSummary(a, raw)
}

// CoerceTasks validates user-edited tasks: each must be an object carrying
// an id. Strings are promoted to {id, title} objects.
func (p *Planner) CoerceTasks(tasks []plan.Task) ([]plan.Task, error) {
	out := make([]plan.Task, 0, len(tasks))
	for i, t := range tasks {
		switch tv := t.(type) {
		case map[string]any:
			if _, ok := tv["id"]; !ok {
				return nil, fmt.Errorf("edited task %d has no id", i)
			}
			out = append(out, tv)
		case string:
			out = append(out, map[string]any{"id": i + 1, "title": tv})
		default:
			return nil, fmt.Errorf("edited task %d has unsupported shape %T", i, t)
		}
	}
	return out, nil
}

// SplitQuestion breaks a question into task segments on semicolons or
// newlines; a question without separators becomes a single task.
func SplitQuestion(question string) []string {
	parts := strings.FieldsFunc(question, func(r rune) bool {
		return r == ';' || r == '\n'
	})
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	if len(segments) == 0 {
		segments = []string{strings.TrimSpace(question)}
	}
	return segments
}

// Solver echoes each task after a simulated work delay. The delay makes
// cancel/restart windows observable in demos and tests.
type Solver struct {
	plansolve.SolverBase

	// Latency is the simulated work time per task.
	Latency time.Duration
	// ModelName is reported in call statistics.
	ModelName string
}

// Name implements plansolve.Solver.
func (s *Solver) Name() string { return "echo-solver" }

// Model reports the configured model for record annotation.
func (s *Solver) Model() string { return s.modelName() }

func (s *Solver) modelName() string {
	if s.ModelName == "" {
		return "scripted-v1"
	}
	return s.ModelName
}

// BuildAgent implements plansolve.Solver.
func (s *Solver) BuildAgent(task plan.Task) (agent.Agent, error) {
	latency := s.Latency
	if latency <= 0 {
		latency = 10 * time.Millisecond
	}
	label := TaskLabel(task)
	return &presetAgent{
		name:  "echo-solver",
		model: s.modelName(),
		run: func(ctx context.Context, input string) (string, error) {
			timer := time.NewTimer(latency)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-timer.C:
			}
			return "r-" + label, nil
		},
	}, nil
}

// TaskLabel renders a short human-readable handle for a task: its id when
// present, otherwise its title or string form.
func TaskLabel(task plan.Task) string {
	if id, ok := plan.TaskID(task); ok {
		return id
	}
	if m, ok := task.(map[string]any); ok {
		if title, ok := m["title"].(string); ok {
			return title
		}
	}
	return fmt.Sprint(task)
}

// CountAggregator folds solver results into a count plus the ordered output
// list.
func CountAggregator() plansolve.Aggregator {
	return plansolve.AggregatorFunc(func(_ context.Context, _ *plan.Context, results []plan.SolverRunResult) (any, error) {
		outputs := make([]any, len(results))
		for i, r := range results {
			outputs[i] = r.Output
		}
		return map[string]any{
			"count":   len(results),
			"outputs": outputs,
		}, nil
	})
}
