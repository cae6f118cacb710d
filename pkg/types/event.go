package types

import "encoding/json"

// EventType identifies the kind of a stream event.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventChunk        EventType = "chunk"
	EventAction       EventType = "action"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventMessage      EventType = "message"
	EventError        EventType = "error"
	EventComplete     EventType = "complete"
	EventHeartbeat    EventType = "heartbeat"
)

// StreamEvent is one atomic, ordered unit of protocol data. Data holds
// the raw type-specific payload; decode it with DecodeData or the
// typed accessors below.
type StreamEvent struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	Timestamp int64           `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Data      json.RawMessage `json:"data"`
}

// DecodeData unmarshals the event payload into v.
func (e StreamEvent) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// SessionStartData is the payload of a session_start event.
type SessionStartData struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// ChunkData is the payload of a chunk event: one raw text fragment from
// the upstream model, before incremental parsing.
type ChunkData struct {
	Text string `json:"text"`
}

// MessageData is the payload of a message event. IsPartial indicates a
// delta to append; a non-partial message replaces the accumulated text.
type MessageData struct {
	Content   string `json:"content"`
	IsPartial bool   `json:"isPartial"`
	Role      string `json:"role"`
}

// ToolCallData is the payload of a tool_call event.
type ToolCallData struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Status string         `json:"status"` // "calling" | "complete" | "error"
	Output any            `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ToolResultData is the payload of a tool_result event.
type ToolResultData struct {
	CallID string `json:"callId"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Message string `json:"message"`
}

// CompleteData is the payload of a complete event.
type CompleteData struct {
	Success      bool   `json:"success"`
	Model        string `json:"model"`
	ActionsCount int    `json:"actionsCount"`
}

// HeartbeatData is the payload of a heartbeat event. Heartbeats carry
// no semantics beyond resetting idle-timeout tracking.
type HeartbeatData struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}
