package plansolve

import (
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/JasonDZS/myagent-sub001/internal/domain/plan"
	"github.com/JasonDZS/myagent-sub001/internal/shared/jsonx"
)

// ExtractTaskList parses an LLM's planning output into a task list. It
// tolerates the usual model quirks: markdown code fences, prose around the
// JSON, trailing commas and single quotes (repaired via jsonrepair), and
// either a bare array or an object with a "tasks" field.
func ExtractTaskList(raw string) ([]plan.Task, error) {
	candidate := locateJSON(raw)
	if candidate == "" {
		return nil, fmt.Errorf("no JSON payload found in planner output")
	}

	tasks, err := decodeTasks(candidate)
	if err == nil {
		return tasks, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(candidate)
	if repairErr != nil {
		return nil, fmt.Errorf("parse planner output: %w", err)
	}
	tasks, err = decodeTasks(repaired)
	if err != nil {
		return nil, fmt.Errorf("parse repaired planner output: %w", err)
	}
	return tasks, nil
}

// locateJSON strips code fences and slices out the outermost JSON value.
func locateJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if fenced := sliceFence(s); fenced != "" {
		s = fenced
	}

	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return ""
	}
	closer := byte(']')
	if s[start] == '{' {
		closer = '}'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		// Truncated output; hand the tail to the repairer.
		return s[start:]
	}
	return s[start : end+1]
}

func sliceFence(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Skip the language tag line (```json).
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func decodeTasks(s string) ([]plan.Task, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") {
		var wrapper struct {
			Tasks []any `json:"tasks"`
		}
		if err := jsonx.Unmarshal([]byte(trimmed), &wrapper); err != nil {
			return nil, err
		}
		if wrapper.Tasks == nil {
			return nil, fmt.Errorf("object has no tasks field")
		}
		return toTasks(wrapper.Tasks), nil
	}

	var items []any
	if err := jsonx.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, err
	}
	return toTasks(items), nil
}

func toTasks(items []any) []plan.Task {
	tasks := make([]plan.Task, len(items))
	for i, item := range items {
		tasks[i] = item
	}
	return tasks
}

// renderTask serializes a task for inclusion in an agent request.
func renderTask(task plan.Task) string {
	switch tv := task.(type) {
	case string:
		return tv
	case fmt.Stringer:
		return tv.String()
	}
	if s := jsonx.MarshalString(task); s != "" {
		return s
	}
	return fmt.Sprint(task)
}
