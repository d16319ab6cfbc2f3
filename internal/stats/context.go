package stats

import "context"

// Attribution rides the context so tools and LLM clients can report usage
// without being handed the aggregator's current-agent state explicitly.

type agentNameKey struct{}
type agentRunIDKey struct{}

// WithAgent returns a context attributing subsequent recordings to the named
// agent run.
func WithAgent(ctx context.Context, name, runID string) context.Context {
	ctx = context.WithValue(ctx, agentNameKey{}, name)
	return context.WithValue(ctx, agentRunIDKey{}, runID)
}

// AgentFromContext reads the current attribution. Both values are empty when
// no agent run is active on this context.
func AgentFromContext(ctx context.Context) (name, runID string) {
	if ctx == nil {
		return "", ""
	}
	if v, ok := ctx.Value(agentNameKey{}).(string); ok {
		name = v
	}
	if v, ok := ctx.Value(agentRunIDKey{}).(string); ok {
		runID = v
	}
	return name, runID
}
