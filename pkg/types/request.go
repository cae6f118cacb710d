package types

// CanvasSize is the pixel dimensions of the canvas.
type CanvasSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CanvasContext is an opaque snapshot of the canvas passed through to
// the generation request. The protocol never interprets it.
type CanvasContext struct {
	Elements           []map[string]any `json:"elements,omitempty"`
	CanvasSize         *CanvasSize      `json:"canvasSize,omitempty"`
	BackgroundColor    string           `json:"backgroundColor,omitempty"`
	Summary            string           `json:"summary,omitempty"`
	SelectedElementIDs []string         `json:"selectedElementIds,omitempty"`
}

// HistoryEntry is one prior turn of the conversation.
type HistoryEntry struct {
	Role    string `json:"role"` // "user" | "assistant"
	Content string `json:"content"`
}

// ImageAttachment references an image supplied with the request.
type ImageAttachment struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"cloudinaryUrl,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	DataURL   string `json:"dataUrl,omitempty"`
}

// StartSessionRequest is the body of the create-session endpoint.
type StartSessionRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	ProjectID      string `json:"projectId,omitempty"`
}

// StartSessionResponse is the create-session reply.
type StartSessionResponse struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	CreatedAt int64  `json:"createdAt"`
}

// StreamRequest is the body of the streaming endpoint. The same shape
// (minus SessionID) is carried by the non-streaming fallback.
type StreamRequest struct {
	SessionID           string            `json:"sessionId,omitempty"`
	Message             string            `json:"message"`
	Context             *CanvasContext    `json:"context,omitempty"`
	ConversationHistory []HistoryEntry    `json:"conversationHistory,omitempty"`
	ImageAttachments    []ImageAttachment `json:"imageAttachments,omitempty"`
}

// GenerateResponse is the non-streaming fallback reply.
type GenerateResponse struct {
	Response     string           `json:"response"`
	IsConfigured bool             `json:"isConfigured"`
	Actions      []GenerateAction `json:"actions,omitempty"`
	Model        string           `json:"model,omitempty"`
	Error        bool             `json:"error,omitempty"`
}

// GenerateAction is an action as returned by the fallback endpoint;
// unlike Action its id is optional and the consumer synthesizes one.
type GenerateAction struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Description string         `json:"description,omitempty"`
}
