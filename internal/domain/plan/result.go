package plan

// Stage origins stamped onto rolled-up call records.
const (
	OriginPlan   = "plan"
	OriginSolver = "solver"
)

// CallRecord is one model/tool call's statistics as reported by an agent.
// Shapes vary per agent implementation, so it stays a loose map; the rollup
// only ever writes the origin/agent/model keys.
type CallRecord map[string]any

// Clone copies the record one level deep.
func (r CallRecord) Clone() CallRecord {
	if r == nil {
		return nil
	}
	out := make(CallRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Annotate stamps stage origin and agent attribution onto the record. The
// model is only filled in when the record does not already carry one.
func (r CallRecord) Annotate(origin, agent, model string) CallRecord {
	out := r.Clone()
	if out == nil {
		out = CallRecord{}
	}
	out["origin"] = origin
	if agent != "" {
		out["agent"] = agent
	}
	if _, has := out["model"]; !has && model != "" {
		out["model"] = model
	}
	return out
}

// RecordsFromStats pulls per-call records out of an agent's statistics map.
// The conventional shape is {"model": "...", "calls": [{...}, ...]}; when the
// map has no calls list the whole map is treated as a single record so the
// information is not lost. The returned model is the agent-level default for
// records that lack their own.
func RecordsFromStats(stats map[string]any) (records []CallRecord, model string) {
	if len(stats) == 0 {
		return nil, ""
	}
	if m, ok := stats["model"].(string); ok {
		model = m
	}
	raw, ok := stats["calls"]
	if !ok {
		return []CallRecord{CallRecord(stats).Clone()}, model
	}
	switch calls := raw.(type) {
	case []CallRecord:
		records = make([]CallRecord, 0, len(calls))
		for _, c := range calls {
			records = append(records, c.Clone())
		}
	case []map[string]any:
		records = make([]CallRecord, 0, len(calls))
		for _, c := range calls {
			records = append(records, CallRecord(c).Clone())
		}
	case []any:
		records = make([]CallRecord, 0, len(calls))
		for _, item := range calls {
			if c, ok := item.(map[string]any); ok {
				records = append(records, CallRecord(c).Clone())
			}
		}
	}
	return records, model
}

// AnnotateAll applies Annotate to every record, preserving order.
func AnnotateAll(records []CallRecord, origin, agent, model string) []CallRecord {
	if len(records) == 0 {
		return nil
	}
	out := make([]CallRecord, len(records))
	for i, r := range records {
		out[i] = r.Annotate(origin, agent, model)
	}
	return out
}

// SolverRunResult is the outcome of solving a single task, successful or
// not. Err is set when the run failed or was cancelled without a restart.
type SolverRunResult struct {
	Task       Task         `json:"task"`
	TaskKey    string       `json:"task_key"`
	Output     any          `json:"output,omitempty"`
	Summary    string       `json:"summary,omitempty"`
	RawOutput  string       `json:"raw_output,omitempty"`
	AgentName  string       `json:"agent_name,omitempty"`
	Model      string       `json:"model,omitempty"`
	Restarted  bool         `json:"restarted,omitempty"`
	Err        error        `json:"-"`
	Statistics []CallRecord `json:"-"`
}

// Failed reports whether the run ended in an error.
func (r SolverRunResult) Failed() bool { return r.Err != nil }

// Describe lowers the result to a plain map for event payloads. The raw
// agent output is left out; it can be large and the extracted output already
// carries the answer.
func (r SolverRunResult) Describe() map[string]any {
	out := map[string]any{
		"task":     r.Task,
		"task_key": r.TaskKey,
	}
	if r.Output != nil {
		out["output"] = r.Output
	}
	if r.Summary != "" {
		out["summary"] = r.Summary
	}
	if r.AgentName != "" {
		out["agent_name"] = r.AgentName
	}
	if r.Model != "" {
		out["model"] = r.Model
	}
	if r.Restarted {
		out["restarted"] = true
	}
	if r.Err != nil {
		out["error"] = r.Err.Error()
	}
	return out
}

// DescribeResults lowers a result slice for event payloads.
func DescribeResults(results []SolverRunResult) []map[string]any {
	out := make([]map[string]any, len(results))
	for i, r := range results {
		out[i] = r.Describe()
	}
	return out
}

// PlanSolveResult is the final product of a full pipeline run.
type PlanSolveResult struct {
	Context         *Context          `json:"-"`
	SolverResults   []SolverRunResult `json:"solver_results"`
	AggregateOutput any               `json:"aggregate_output,omitempty"`
	Statistics      []CallRecord      `json:"statistics,omitempty"`
	Metrics         map[string]any    `json:"metrics,omitempty"`
}
