// Package agent defines the contract between the orchestration pipeline and
// the tool-using agents it drives. The pipeline treats agents as black boxes:
// it hands one an input string, waits for the answer, and optionally reads
// back a final response and call statistics.
package agent

import "context"

// Agent is one tool-using run loop. Run blocks until the agent produces its
// answer or the context is cancelled; implementations must honor
// cancellation because solver tasks are cancelled and restarted mid-flight.
type Agent interface {
	// Name identifies the agent in events and statistics.
	Name() string

	// Run executes the agent against the input and returns its answer text.
	Run(ctx context.Context, input string) (string, error)
}

// FinalResponder is implemented by agents whose polished final response
// differs from Run's raw return value.
type FinalResponder interface {
	FinalResponse() string
}

// StatisticsProvider is implemented by agents that track per-call usage.
// The conventional shape is {"model": "...", "calls": [{...}, ...]}.
type StatisticsProvider interface {
	Statistics() map[string]any
}

// FinalResponseOf returns the agent's final response when it exposes one,
// otherwise the fallback (normally Run's return value).
func FinalResponseOf(a Agent, fallback string) string {
	if fr, ok := a.(FinalResponder); ok {
		if resp := fr.FinalResponse(); resp != "" {
			return resp
		}
	}
	return fallback
}

// StatisticsOf returns the agent's statistics map, or nil when the agent
// does not track any.
func StatisticsOf(a Agent) map[string]any {
	if sp, ok := a.(StatisticsProvider); ok {
		return sp.Statistics()
	}
	return nil
}

// Func adapts a plain function into an Agent. Handy for presets and tests.
type Func struct {
	AgentName string
	RunFunc   func(ctx context.Context, input string) (string, error)
}

// Name implements Agent.
func (f Func) Name() string {
	if f.AgentName == "" {
		return "func-agent"
	}
	return f.AgentName
}

// Run implements Agent.
func (f Func) Run(ctx context.Context, input string) (string, error) {
	return f.RunFunc(ctx, input)
}
