// Package stats keeps process-wide counters for agent lifecycles, tool
// executions, and model usage. Recording is best-effort everywhere: a stats
// failure must never break the pipeline that reported it.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/JasonDZS/myagent-sub001/internal/shared/logging"
	tokenutil "github.com/JasonDZS/myagent-sub001/internal/shared/token"
	"github.com/JasonDZS/myagent-sub001/internal/utils/id"
)

// Agent run terminal statuses.
const (
	StatusFinished   = "finished"
	StatusError      = "error"
	StatusCancelled  = "cancelled"
	StatusTerminated = "terminated"
)

// maxToolRecords bounds the per-execution history kept for snapshots.
const maxToolRecords = 512

// AgentTally counts lifecycle events for one agent name.
type AgentTally struct {
	Created      int            `json:"created"`
	RunsStarted  int            `json:"runs_started"`
	RunsFinished int            `json:"runs_finished"`
	ByStatus     map[string]int `json:"by_status,omitempty"`
}

// ToolTally aggregates executions of one tool.
type ToolTally struct {
	Runs          int           `json:"runs"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration_ns"`
	ArgsBytes     int64         `json:"args_bytes"`
	OutputBytes   int64         `json:"output_bytes"`
}

// ToolRun is one recorded tool execution.
type ToolRun struct {
	Tool      string        `json:"tool"`
	Agent     string        `json:"agent,omitempty"`
	RunID     string        `json:"run_id,omitempty"`
	ArgsSize  int           `json:"args_size"`
	OutSize   int           `json:"out_size"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	StartedAt time.Time     `json:"started_at"`
}

// ModelTally aggregates LLM calls for one model.
type ModelTally struct {
	Calls        int `json:"calls"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (m *ModelTally) add(in, out int) {
	m.Calls++
	m.InputTokens += in
	m.OutputTokens += out
}

// UsageForwarder receives tool and model usage as it is recorded, typically
// to feed exported metrics. Implementations must be safe for concurrent use.
type UsageForwarder interface {
	RecordLLMUsage(ctx context.Context, model string, inputTokens, outputTokens int)
	RecordToolExecution(ctx context.Context, toolName string, success bool, d time.Duration)
}

// Aggregator is the process-wide collector. All maps live behind one mutex;
// recording paths are short enough that contention is not a concern at the
// call rates agents produce.
type Aggregator struct {
	mu          sync.Mutex
	logger      logging.Logger
	forward     UsageForwarder
	startedAt   time.Time
	agents      map[string]*AgentTally
	tools       map[string]*ToolTally
	toolRecords []ToolRun
	models      map[string]*ModelTally
	agentModels map[string]map[string]*ModelTally
}

// NewAggregator creates an empty aggregator.
func NewAggregator(logger logging.Logger) *Aggregator {
	return &Aggregator{
		logger:      logging.OrNop(logger),
		startedAt:   time.Now().UTC(),
		agents:      make(map[string]*AgentTally),
		tools:       make(map[string]*ToolTally),
		models:      make(map[string]*ModelTally),
		agentModels: make(map[string]map[string]*ModelTally),
	}
}

var (
	defaultOnce sync.Once
	defaultAgg  *Aggregator
)

// Default returns the shared process-wide aggregator.
func Default() *Aggregator {
	defaultOnce.Do(func() {
		defaultAgg = NewAggregator(logging.NewComponentLogger("stats"))
	})
	return defaultAgg
}

// ForwardTo mirrors future tool and model recordings to f. Call once during
// startup, before concurrent recording begins.
func (a *Aggregator) ForwardTo(f UsageForwarder) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.forward = f
	a.mu.Unlock()
}

// recovered guards every recording path: stats must never take the caller
// down with it.
func (a *Aggregator) recovered(op string) {
	if r := recover(); r != nil {
		a.logger.Debug("stats %s dropped: %v", op, r)
	}
}

// AgentCreated tallies construction of a named agent.
func (a *Aggregator) AgentCreated(name string) {
	if a == nil || name == "" {
		return
	}
	defer a.recovered("agent_created")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agentTallyLocked(name).Created++
}

// StartAgentRun tallies the run start and returns a context carrying the
// attribution for tools and model calls made during the run.
func (a *Aggregator) StartAgentRun(ctx context.Context, name string) (context.Context, string) {
	runID := id.NewRunID()
	if a == nil {
		return WithAgent(ctx, name, runID), runID
	}
	defer a.recovered("start_agent_run")
	a.mu.Lock()
	a.agentTallyLocked(name).RunsStarted++
	a.mu.Unlock()
	return WithAgent(ctx, name, runID), runID
}

// FinishAgentRun tallies the run end with its terminal status. Attribution
// comes from the context established by StartAgentRun.
func (a *Aggregator) FinishAgentRun(ctx context.Context, status string) {
	if a == nil {
		return
	}
	defer a.recovered("finish_agent_run")
	name, _ := AgentFromContext(ctx)
	if name == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	tally := a.agentTallyLocked(name)
	tally.RunsFinished++
	if tally.ByStatus == nil {
		tally.ByStatus = make(map[string]int)
	}
	tally.ByStatus[status]++
}

// RecordToolRun records one tool execution, attributed to the agent in ctx.
func (a *Aggregator) RecordToolRun(ctx context.Context, tool string, argsSize, outSize int, success bool, errMsg string, d time.Duration) {
	if a == nil || tool == "" {
		return
	}
	defer a.recovered("tool_run")
	agentName, runID := AgentFromContext(ctx)

	a.mu.Lock()
	tally, ok := a.tools[tool]
	if !ok {
		tally = &ToolTally{}
		a.tools[tool] = tally
	}
	tally.Runs++
	if !success {
		tally.Failures++
	}
	tally.TotalDuration += d
	tally.ArgsBytes += int64(argsSize)
	tally.OutputBytes += int64(outSize)

	a.toolRecords = append(a.toolRecords, ToolRun{
		Tool:      tool,
		Agent:     agentName,
		RunID:     runID,
		ArgsSize:  argsSize,
		OutSize:   outSize,
		Success:   success,
		Error:     errMsg,
		Duration:  d,
		StartedAt: time.Now().UTC().Add(-d),
	})
	if len(a.toolRecords) > maxToolRecords {
		a.toolRecords = a.toolRecords[len(a.toolRecords)-maxToolRecords:]
	}
	fwd := a.forward
	a.mu.Unlock()

	if fwd != nil {
		fwd.RecordToolExecution(ctx, tool, success, d)
	}
}

// RecordModelUsage tallies one LLM call with known token counts.
func (a *Aggregator) RecordModelUsage(ctx context.Context, model string, inputTokens, outputTokens int) {
	if a == nil || model == "" {
		return
	}
	defer a.recovered("model_usage")
	agentName, _ := AgentFromContext(ctx)

	a.mu.Lock()
	tally, ok := a.models[model]
	if !ok {
		tally = &ModelTally{}
		a.models[model] = tally
	}
	tally.add(inputTokens, outputTokens)

	if agentName != "" {
		perAgent, ok := a.agentModels[agentName]
		if !ok {
			perAgent = make(map[string]*ModelTally)
			a.agentModels[agentName] = perAgent
		}
		at, ok := perAgent[model]
		if !ok {
			at = &ModelTally{}
			perAgent[model] = at
		}
		at.add(inputTokens, outputTokens)
	}
	fwd := a.forward
	a.mu.Unlock()

	if fwd != nil {
		fwd.RecordLLMUsage(ctx, model, inputTokens, outputTokens)
	}
}

// RecordModelText tallies one LLM call whose provider did not report usage;
// token counts are estimated from the raw prompt and completion text.
func (a *Aggregator) RecordModelText(ctx context.Context, model, input, output string) {
	if a == nil || model == "" {
		return
	}
	a.RecordModelUsage(ctx, model, tokenutil.CountTokens(input), tokenutil.CountTokens(output))
}

// Snapshot returns a deep copy of all counters. Mutating the returned value
// never affects the aggregator.
func (a *Aggregator) Snapshot() Snapshot {
	if a == nil {
		return Snapshot{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		GeneratedAt: time.Now().UTC(),
		Uptime:      time.Since(a.startedAt),
		Agents:      make(map[string]AgentTally, len(a.agents)),
		Tools:       make(map[string]ToolTally, len(a.tools)),
		Models:      make(map[string]ModelTally, len(a.models)),
		AgentModels: make(map[string]map[string]ModelTally, len(a.agentModels)),
		ToolRecords: make([]ToolRun, len(a.toolRecords)),
	}
	for name, tally := range a.agents {
		cp := *tally
		if tally.ByStatus != nil {
			cp.ByStatus = make(map[string]int, len(tally.ByStatus))
			for k, v := range tally.ByStatus {
				cp.ByStatus[k] = v
			}
		}
		snap.Agents[name] = cp
	}
	for name, tally := range a.tools {
		snap.Tools[name] = *tally
	}
	for name, tally := range a.models {
		snap.Models[name] = *tally
	}
	for agentName, perAgent := range a.agentModels {
		cp := make(map[string]ModelTally, len(perAgent))
		for model, tally := range perAgent {
			cp[model] = *tally
		}
		snap.AgentModels[agentName] = cp
	}
	copy(snap.ToolRecords, a.toolRecords)
	return snap
}

// Reset clears all counters. The uptime origin restarts too.
func (a *Aggregator) Reset() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startedAt = time.Now().UTC()
	a.agents = make(map[string]*AgentTally)
	a.tools = make(map[string]*ToolTally)
	a.toolRecords = nil
	a.models = make(map[string]*ModelTally)
	a.agentModels = make(map[string]map[string]*ModelTally)
}

func (a *Aggregator) agentTallyLocked(name string) *AgentTally {
	tally, ok := a.agents[name]
	if !ok {
		tally = &AgentTally{}
		a.agents[name] = tally
	}
	return tally
}

// Snapshot is a read-only copy of the aggregator state.
type Snapshot struct {
	GeneratedAt time.Time                        `json:"generated_at"`
	Uptime      time.Duration                    `json:"uptime_ns"`
	Agents      map[string]AgentTally            `json:"agents,omitempty"`
	Tools       map[string]ToolTally             `json:"tools,omitempty"`
	Models      map[string]ModelTally            `json:"models,omitempty"`
	AgentModels map[string]map[string]ModelTally `json:"agent_models,omitempty"`
	ToolRecords []ToolRun                        `json:"tool_records,omitempty"`
}

// Describe lowers the snapshot to a plain map for event payloads and result
// metrics.
func (s Snapshot) Describe() map[string]any {
	out := map[string]any{
		"generated_at": s.GeneratedAt,
		"uptime_ms":    s.Uptime.Milliseconds(),
	}
	if len(s.Agents) > 0 {
		out["agents"] = s.Agents
	}
	if len(s.Tools) > 0 {
		out["tools"] = s.Tools
	}
	if len(s.Models) > 0 {
		out["models"] = s.Models
	}
	if len(s.AgentModels) > 0 {
		out["agent_models"] = s.AgentModels
	}
	return out
}
