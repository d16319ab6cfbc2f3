package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireNameNamespacing(t *testing.T) {
	e := New(PlanStart)
	assert.Equal(t, "plan.start", e.WireName())

	e.WithNamespace("plan_solve_data2ppt_ws")
	assert.Equal(t, "plan_solve_data2ppt_ws.plan.start", e.WireName())
}

func TestMarshalEnvelope(t *testing.T) {
	e := New(SolverCompleted).
		WithSession("session-1").
		WithStep("step-9").
		WithContent(map[string]any{"output": "r-1"}).
		WithMeta("model", "gpt-4o")

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "solver.completed", decoded["event"])
	assert.Equal(t, "session-1", decoded["session_id"])
	assert.Equal(t, "step-9", decoded["step_id"])

	ts, ok := decoded["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err, "timestamp must be ISO-8601")

	content, ok := decoded["content"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "r-1", content["output"])

	meta, ok := decoded["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", meta["model"])
}

func TestMarshalOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(New(SystemHeartbeat))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.NotContains(t, decoded, "session_id")
	assert.NotContains(t, decoded, "step_id")
	assert.NotContains(t, decoded, "content")
	assert.NotContains(t, decoded, "metadata")
}

func TestParseInbound(t *testing.T) {
	in, err := ParseInbound([]byte(`{"event":"user.response","session_id":"session-1","step_id":"step-2","content":{"confirmed":true}}`))
	require.NoError(t, err)
	assert.Equal(t, UserResponse, in.Event)
	assert.Equal(t, "session-1", in.SessionID)
	assert.Equal(t, "step-2", in.StepID)
	assert.JSONEq(t, `{"confirmed":true}`, string(in.Content))

	_, err = ParseInbound([]byte(`{not json`))
	assert.Error(t, err)
}

func TestNamedConstructors(t *testing.T) {
	connected := NewSystemConnected("conn-7")
	assert.Equal(t, SystemConnected, connected.Name)
	assert.Equal(t, "conn-7", connected.Metadata["connection_id"])

	confirm := NewUserConfirm("session-1", "step-3", map[string]any{"scope": "plan"})
	assert.Equal(t, "session-1", confirm.SessionID)
	assert.Equal(t, "step-3", confirm.StepID)
	assert.Equal(t, "plan", confirm.Metadata["scope"])

	errEvent := NewAgentError("session-1", "planner failed")
	assert.Equal(t, AgentError, errEvent.Name)
	assert.Equal(t, "planner failed", errEvent.Content)
}

func TestDefaultCoalesceNames(t *testing.T) {
	names := DefaultCoalesceNames()
	assert.Contains(t, names, AgentPartialAnswer)
	assert.Contains(t, names, AgentLLMMessage)
	assert.Len(t, names, 2)
}
