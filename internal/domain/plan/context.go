package plan

import "fmt"

// Context is the immutable output of the planning stage: the question being
// answered, the ordered task list, and whatever summary/raw output the
// planner produced. Downstream stages read it; nobody mutates it. Replacing
// the task list (for example after the user edits a proposed plan) produces
// a fresh Context via WithTasks.
type Context struct {
	name           string
	question       string
	tasks          []Task
	planSummary    string
	rawPlanOutput  string
	planStatistics []CallRecord
}

// ContextOption configures optional Context fields at construction.
type ContextOption func(*Context)

// WithPlanSummary records the planner's human-readable summary.
func WithPlanSummary(summary string) ContextOption {
	return func(c *Context) { c.planSummary = summary }
}

// WithRawPlanOutput keeps the planner's unparsed output for diagnostics.
func WithRawPlanOutput(raw string) ContextOption {
	return func(c *Context) { c.rawPlanOutput = raw }
}

// WithPlanStatistics attaches the planning-stage call records.
func WithPlanStatistics(records []CallRecord) ContextOption {
	return func(c *Context) { c.planStatistics = cloneRecords(records) }
}

// NewContext validates and freezes a plan context. Tasks that carry ids must
// carry distinct ones; a duplicate id would make cancel/restart ambiguous.
func NewContext(name, question string, tasks []Task, opts ...ContextOption) (*Context, error) {
	if err := validateTaskIDs(tasks); err != nil {
		return nil, err
	}
	c := &Context{
		name:     name,
		question: question,
		tasks:    cloneTasks(tasks),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithTasks derives a new context with a replacement task list, keeping
// every other field. The receiver is left untouched.
func (c *Context) WithTasks(tasks []Task) (*Context, error) {
	if err := validateTaskIDs(tasks); err != nil {
		return nil, err
	}
	next := *c
	next.tasks = cloneTasks(tasks)
	next.planStatistics = cloneRecords(c.planStatistics)
	return &next, nil
}

// Name identifies the run (usually the session or pipeline name).
func (c *Context) Name() string { return c.name }

// Question is the original user question the plan answers.
func (c *Context) Question() string { return c.question }

// Tasks returns a copy of the ordered task list.
func (c *Context) Tasks() []Task { return cloneTasks(c.tasks) }

// TaskCount reports the number of planned tasks.
func (c *Context) TaskCount() int { return len(c.tasks) }

// PlanSummary is the planner's summary, possibly empty.
func (c *Context) PlanSummary() string { return c.planSummary }

// RawPlanOutput is the planner's unparsed output, possibly empty.
func (c *Context) RawPlanOutput() string { return c.rawPlanOutput }

// PlanStatistics returns a copy of the planning-stage call records.
func (c *Context) PlanStatistics() []CallRecord { return cloneRecords(c.planStatistics) }

// TaskByID finds the task carrying the given id.
func (c *Context) TaskByID(id string) (Task, bool) {
	for _, t := range c.tasks {
		if got, ok := TaskID(t); ok && got == id {
			return t, true
		}
	}
	return nil, false
}

// Describe lowers the context to a plain map for event payloads.
func (c *Context) Describe() map[string]any {
	return map[string]any{
		"name":         c.name,
		"question":     c.question,
		"tasks":        c.Tasks(),
		"task_count":   len(c.tasks),
		"plan_summary": c.planSummary,
	}
}

func validateTaskIDs(tasks []Task) error {
	seen := make(map[string]int, len(tasks))
	for i, t := range tasks {
		id, ok := TaskID(t)
		if !ok {
			continue
		}
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("duplicate task id %q at positions %d and %d", id, prev, i)
		}
		seen[id] = i
	}
	return nil
}

func cloneTasks(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	copy(out, tasks)
	return out
}

func cloneRecords(records []CallRecord) []CallRecord {
	if records == nil {
		return nil
	}
	out := make([]CallRecord, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
