package event

import "github.com/arture/agentstream/pkg/types"

// StreamAppendedData is the payload for stream.appended notifications.
type StreamAppendedData struct {
	Event types.StreamEvent `json:"event"`
}

// SessionStateChangedData is the payload for session.state notifications.
type SessionStateChangedData struct {
	SessionID string             `json:"sessionId"`
	State     types.SessionState `json:"state"`
	Error     string             `json:"error,omitempty"`
}

// SessionEvictedData is the payload for session.evicted notifications.
type SessionEvictedData struct {
	SessionID string `json:"sessionId"`
}
