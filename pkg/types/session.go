// Package types provides the core data types for the agentstream protocol.
package types

// SessionState represents the lifecycle state of a streaming session.
type SessionState string

const (
	SessionCreated    SessionState = "created"
	SessionConnecting SessionState = "connecting"
	SessionStreaming  SessionState = "streaming"
	SessionCompleted  SessionState = "completed"
	SessionError      SessionState = "error"
	SessionTimeout    SessionState = "timeout"
)

// Terminal reports whether the state is final. A terminal session is
// immutable; further writes are rejected by the store.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionError, SessionTimeout:
		return true
	}
	return false
}

// WireToken returns the uppercase enum token used on the recovery
// endpoint. The HTTP API speaks uppercase; clients map back with
// ParseSessionState.
func (s SessionState) WireToken() string {
	switch s {
	case SessionCreated:
		return "CREATED"
	case SessionConnecting:
		return "CONNECTING"
	case SessionStreaming:
		return "STREAMING"
	case SessionCompleted:
		return "COMPLETED"
	case SessionError:
		return "ERROR"
	case SessionTimeout:
		return "TIMEOUT"
	}
	return "CREATED"
}

// ParseSessionState converts an uppercase wire token back to a
// SessionState. Unknown tokens map to SessionCreated.
func ParseSessionState(token string) SessionState {
	switch token {
	case "CREATED":
		return SessionCreated
	case "CONNECTING":
		return SessionConnecting
	case "STREAMING":
		return SessionStreaming
	case "COMPLETED":
		return SessionCompleted
	case "ERROR":
		return SessionError
	case "TIMEOUT":
		return SessionTimeout
	}
	return SessionCreated
}

// SessionMetadata carries ownership and correlation info for a session.
type SessionMetadata struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId,omitempty"`
	ProjectID      string `json:"projectId,omitempty"`
	Model          string `json:"model,omitempty"`
	StartedAt      int64  `json:"startedAt"`
	LastActivityAt int64  `json:"lastActivityAt"`
}

// Session represents one streaming request/response cycle.
type Session struct {
	ID             string          `json:"id"`
	State          SessionState    `json:"state"`
	Metadata       SessionMetadata `json:"metadata"`
	Events         []StreamEvent   `json:"events"`
	CurrentMessage string          `json:"currentMessage"`
	Actions        []Action        `json:"actions"`
	Error          string          `json:"error,omitempty"`
}

// SessionConfig holds tunables for session lifecycle and transport.
type SessionConfig struct {
	TimeoutMs           int `json:"timeoutMs"`
	HeartbeatIntervalMs int `json:"heartbeatIntervalMs"`
	MaxRetries          int `json:"maxRetries"`
	BufferSize          int `json:"bufferSize"`
}

// DefaultSessionConfig mirrors the defaults used by the web client.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TimeoutMs:           120000,
		HeartbeatIntervalMs: 15000,
		MaxRetries:          3,
		BufferSize:          100,
	}
}
