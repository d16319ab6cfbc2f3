// Package event defines the wire envelope exchanged over a session's
// WebSocket, the event name taxonomy, and the sanitizer that lowers payloads
// to JSON-safe values before they are enqueued.
package event

import (
	"time"

	"github.com/JasonDZS/myagent-sub001/internal/shared/jsonx"
)

// Event is one outbound message. Name stays logical ("plan.start") for the
// whole in-process path; the namespace, when set, is applied only when the
// event is marshaled for the wire.
type Event struct {
	Name      string
	Namespace string
	Timestamp time.Time
	SessionID string
	StepID    string
	Content   any
	Metadata  map[string]any
}

// New constructs an event stamped with the current UTC time.
func New(name string) *Event {
	return &Event{Name: name, Timestamp: time.Now().UTC()}
}

// WithSession returns e with the session id set.
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithStep returns e with the step id set.
func (e *Event) WithStep(stepID string) *Event {
	e.StepID = stepID
	return e
}

// WithContent returns e with content set. The value is sanitized to a
// JSON-safe tree at this point, not at marshal time, so producers see
// conversion problems where they happen.
func (e *Event) WithContent(content any) *Event {
	e.Content = Sanitize(content)
	return e
}

// WithMeta returns e with one metadata key set (sanitized).
func (e *Event) WithMeta(key string, value any) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any, 4)
	}
	e.Metadata[key] = Sanitize(value)
	return e
}

// WithMetadata returns e with the whole metadata map replaced (sanitized).
func (e *Event) WithMetadata(meta map[string]any) *Event {
	if meta == nil {
		e.Metadata = nil
		return e
	}
	sanitized, _ := Sanitize(meta).(map[string]any)
	e.Metadata = sanitized
	return e
}

// WithNamespace returns e carrying the session's configured namespace.
func (e *Event) WithNamespace(ns string) *Event {
	e.Namespace = ns
	return e
}

// WireName is the name emitted on the wire: "{namespace}.{name}" when a
// namespace is configured, the logical name otherwise.
func (e *Event) WireName() string {
	if e.Namespace == "" {
		return e.Name
	}
	return e.Namespace + "." + e.Name
}

type wireEvent struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Content   any            `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON emits the envelope with the namespaced wire name and an
// ISO-8601 UTC timestamp.
func (e *Event) MarshalJSON() ([]byte, error) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return jsonx.Marshal(wireEvent{
		Event:     e.WireName(),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		SessionID: e.SessionID,
		StepID:    e.StepID,
		Content:   e.Content,
		Metadata:  e.Metadata,
	})
}

// Inbound is one client → server message. Content stays raw so each handler
// can decode the shape it expects.
type Inbound struct {
	Event     string           `json:"event"`
	SessionID string           `json:"session_id,omitempty"`
	StepID    string           `json:"step_id,omitempty"`
	Content   jsonx.RawMessage `json:"content,omitempty"`
}

// ParseInbound decodes one wire frame.
func ParseInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := jsonx.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// ParseObject decodes an inbound content blob into v.
func ParseObject(content jsonx.RawMessage, v any) error {
	return jsonx.Unmarshal(content, v)
}

// -- named constructors for the common session/system events --

// NewSystemConnected announces a fresh connection with its id.
func NewSystemConnected(connectionID string) *Event {
	return New(SystemConnected).WithMeta("connection_id", connectionID)
}

// NewSystemHeartbeat is the periodic liveness signal.
func NewSystemHeartbeat() *Event {
	return New(SystemHeartbeat)
}

// NewSystemError reports a protocol-level problem (bad JSON, unknown event,
// unknown session). The session survives.
func NewSystemError(msg string) *Event {
	return New(SystemError).WithContent(msg)
}

// NewAgentError reports a run-level failure on a session.
func NewAgentError(sessionID, msg string) *Event {
	return New(AgentError).WithSession(sessionID).WithContent(msg)
}

// NewSessionCreated confirms session registration.
func NewSessionCreated(sessionID string) *Event {
	return New(AgentSessionCreated).WithSession(sessionID).WithMeta("session_id", sessionID)
}

// NewSessionEnd marks the end of a session's lifetime.
func NewSessionEnd(sessionID string) *Event {
	return New(AgentSessionEnd).WithSession(sessionID)
}

// NewAgentInterrupted acknowledges a user.cancel.
func NewAgentInterrupted(sessionID string) *Event {
	return New(AgentInterrupted).WithSession(sessionID)
}

// NewFinalAnswer carries the run's final response.
func NewFinalAnswer(sessionID string, answer any) *Event {
	return New(AgentFinalAnswer).WithSession(sessionID).WithContent(answer)
}

// NewUserConfirm asks the client to resolve a pending confirmation.
func NewUserConfirm(sessionID, stepID string, meta map[string]any) *Event {
	return New(AgentUserConfirm).WithSession(sessionID).WithStep(stepID).WithMetadata(meta)
}
