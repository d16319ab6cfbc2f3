package plansolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTaskList(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantIDs []string
		wantErr bool
	}{
		{
			name:    "bare array",
			raw:     `[{"id": "1", "title": "first"}, {"id": "2", "title": "second"}]`,
			wantIDs: []string{"1", "2"},
		},
		{
			name:    "tasks object",
			raw:     `{"plan_summary": "s", "tasks": [{"id": "a"}, {"id": "b"}]}`,
			wantIDs: []string{"a", "b"},
		},
		{
			name: "fenced with language tag",
			raw: "Here is the plan:\n```json\n" +
				`{"tasks": [{"id": "1"}]}` + "\n```\nLet me know.",
			wantIDs: []string{"1"},
		},
		{
			name:    "prose around the payload",
			raw:     `Sure! The tasks are [{"id": "x"}] as requested.`,
			wantIDs: []string{"x"},
		},
		{
			name:    "single quotes repaired",
			raw:     `[{'id': '1'}, {'id': '2'}]`,
			wantIDs: []string{"1", "2"},
		},
		{
			name:    "trailing comma repaired",
			raw:     `{"tasks": [{"id": "1"},]}`,
			wantIDs: []string{"1"},
		},
		{
			name:    "truncated output repaired",
			raw:     `[{"id": "1"}, {"id": "2"`,
			wantIDs: []string{"1", "2"},
		},
		{
			name:    "no json at all",
			raw:     "I could not produce a plan.",
			wantErr: true,
		},
		{
			name:    "object without tasks field",
			raw:     `{"summary": "nothing here"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := ExtractTaskList(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, tasks, len(tt.wantIDs))
			for i, want := range tt.wantIDs {
				m, ok := tasks[i].(map[string]any)
				require.True(t, ok, "task %d is an object", i)
				assert.Equal(t, want, m["id"])
			}
		})
	}
}

func TestRenderTask(t *testing.T) {
	assert.Equal(t, "plain", renderTask("plain"))
	assert.Equal(t, `{"id":"1"}`, renderTask(map[string]any{"id": "1"}))
}
