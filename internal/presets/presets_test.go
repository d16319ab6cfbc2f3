package presets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JasonDZS/myagent-sub001/internal/domain/agent"
	"github.com/JasonDZS/myagent-sub001/internal/domain/plan"
	"github.com/JasonDZS/myagent-sub001/internal/shared/logging"

	"github.com/JasonDZS/myagent-sub001/internal/app/plansolve"
)

func TestSplitQuestion(t *testing.T) {
	tests := []struct {
		name     string
		question string
		want     []string
	}{
		{"semicolons", "a; b; c", []string{"a", "b", "c"}},
		{"newlines", "a\nb", []string{"a", "b"}},
		{"mixed with blanks", "a; \n; b", []string{"a", "b"}},
		{"no separators", "just one", []string{"just one"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitQuestion(tt.question))
		})
	}
}

func TestPlannerRoundTrip(t *testing.T) {
	p := &Planner{}
	a, err := p.BuildAgent()
	require.NoError(t, err)

	raw, err := a.Run(context.Background(), "fetch data; summarize")
	require.NoError(t, err)

	tasks, err := p.ExtractTasks(a, raw)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	id, ok := plan.TaskID(tasks[0])
	require.True(t, ok)
	assert.Equal(t, "1", id)

	summary := p.ExtractSummary(a, raw)
	assert.Contains(t, summary, "Plan with 2 tasks")

	stats := agent.StatisticsOf(a)
	require.NotNil(t, stats)
	assert.Equal(t, "scripted-v1", stats["model"])
}

func TestPlannerCoerceTasks(t *testing.T) {
	p := &Planner{}

	out, err := p.CoerceTasks([]plan.Task{
		map[string]any{"id": "1", "title": "keep"},
		"promoted string",
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	id, ok := plan.TaskID(out[1])
	require.True(t, ok)
	assert.Equal(t, "2", id)

	_, err = p.CoerceTasks([]plan.Task{map[string]any{"title": "no id"}})
	require.Error(t, err)

	_, err = p.CoerceTasks([]plan.Task{42})
	require.Error(t, err)
}

func TestSolverEchoesTask(t *testing.T) {
	s := &Solver{Latency: time.Millisecond}
	task := map[string]any{"id": "7", "title": "anything"}
	a, err := s.BuildAgent(task)
	require.NoError(t, err)

	out, err := a.Run(context.Background(), "input")
	require.NoError(t, err)
	assert.Equal(t, "r-7", out)
}

func TestSolverHonorsCancellation(t *testing.T) {
	s := &Solver{Latency: 5 * time.Second}
	a, err := s.BuildAgent(map[string]any{"id": "1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.Run(ctx, "input")
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("solver ignored cancellation")
	}
}

func TestTaskLabel(t *testing.T) {
	assert.Equal(t, "9", TaskLabel(map[string]any{"id": 9}))
	assert.Equal(t, "titled", TaskLabel(map[string]any{"title": "titled"}))
	assert.Equal(t, "bare", TaskLabel("bare"))
}

func TestPresetsThroughPipeline(t *testing.T) {
	p := plansolve.NewPipeline("preset-test",
		&Planner{},
		&Solver{Latency: time.Millisecond},
		plansolve.WithLogger(logging.Nop()),
		plansolve.WithConcurrency(2),
		plansolve.WithAggregator(CountAggregator()),
	)

	result, err := p.Run(context.Background(), "one; two; three")
	require.NoError(t, err)
	require.Len(t, result.SolverResults, 3)

	agg, ok := result.AggregateOutput.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, agg["count"])
	assert.Equal(t, []any{"r-1", "r-2", "r-3"}, agg["outputs"])

	// Preset agents report call statistics; the rollup carries them with
	// origin annotations.
	require.NotEmpty(t, result.Statistics)
	origins := make(map[any]bool)
	for _, rec := range result.Statistics {
		origins[rec["origin"]] = true
	}
	assert.True(t, origins[plan.OriginPlan])
	assert.True(t, origins[plan.OriginSolver])
}
