package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arture/agentstream/internal/event"
	"github.com/arture/agentstream/internal/logging"
	"github.com/arture/agentstream/internal/parser"
	"github.com/arture/agentstream/internal/provider"
	"github.com/arture/agentstream/internal/session"
	"github.com/arture/agentstream/pkg/types"
)

// healthCheck reports provider key configuration.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"providers": s.providers.HealthReport(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// startSession registers a new streaming session.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req types.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	sess := s.store.Create(r.Header.Get("X-User-ID"), req.ConversationID, req.ProjectID)
	writeData(w, http.StatusOK, types.StartSessionResponse{
		SessionID: sess.ID,
		State:     sess.State.WireToken(),
		CreatedAt: sess.Metadata.StartedAt,
	})
}

// sessionDetail is the full-session recovery reply.
type sessionDetail struct {
	ID             string              `json:"id"`
	State          string              `json:"state"`
	CurrentMessage string              `json:"currentMessage"`
	Events         []types.StreamEvent `json:"events"`
	Actions        []types.Action      `json:"actions"`
	Error          string              `json:"error,omitempty"`
	StartedAt      int64               `json:"startedAt"`
	LastActivityAt int64               `json:"lastActivityAt"`
}

// getSession returns a full session snapshot for recovery.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	writeData(w, http.StatusOK, sessionDetail{
		ID:             sess.ID,
		State:          sess.State.WireToken(),
		CurrentMessage: sess.CurrentMessage,
		Events:         sess.Events,
		Actions:        sess.Actions,
		Error:          sess.Error,
		StartedAt:      sess.Metadata.StartedAt,
		LastActivityAt: sess.Metadata.LastActivityAt,
	})
}

// sessionEventsReply is the delta-replay reply. Gap reports that
// trimming removed events the caller has not seen; the caller should
// re-fetch the full snapshot instead of applying the delta.
type sessionEventsReply struct {
	SessionID      string              `json:"sessionId"`
	State          string              `json:"state"`
	Events         []types.StreamEvent `json:"events"`
	Actions        []types.Action      `json:"actions"`
	CurrentMessage string              `json:"currentMessage"`
	Gap            bool                `json:"gap"`
}

// getSessionEvents returns events with sequence greater than the since
// query parameter. Without the parameter all retained events return.
func (s *Server) getSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	since := int64(-1)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid since parameter")
			return
		}
		since = parsed
	}

	events, gap, err := s.store.EventsSince(sessionID, since)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	sess, err := s.store.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	writeData(w, http.StatusOK, sessionEventsReply{
		SessionID:      sessionID,
		State:          sess.State.WireToken(),
		Events:         events,
		Actions:        sess.Actions,
		CurrentMessage: sess.CurrentMessage,
		Gap:            gap,
	})
}

// streamResponse runs the decode pipeline over one generation request,
// writing every event to the SSE stream in append order.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request) {
	var req types.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "sessionId and message required")
		return
	}

	if err := s.store.SetState(req.SessionID, types.SessionConnecting, ""); err != nil {
		if errors.Is(err, session.ErrTerminal) {
			writeError(w, http.StatusBadRequest, ErrCodeSessionClosed, "session already finished")
			return
		}
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid session")
		return
	}

	logging.Info().
		Str("sessionId", req.SessionID).
		Int("historyLength", len(req.ConversationHistory)).
		Msg("stream request received")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	go sse.heartbeatLoop(req.SessionID, s.config.HeartbeatInterval, stop)

	ctx, cancel := context.WithTimeout(r.Context(), s.config.StreamTimeout)
	defer cancel()

	state := parser.NewState()
	emitted := make(map[string]bool)

	send := func(eventType types.EventType, data any) {
		evt, err := s.store.AppendEvent(req.SessionID, eventType, data)
		if err != nil {
			logging.Warn().Str("sessionId", req.SessionID).Err(err).Msg("append event failed")
			return
		}
		if err := sse.writeEvent(evt); err != nil {
			logging.Debug().Str("sessionId", req.SessionID).Err(err).Msg("sse write failed")
		}
	}

	send(types.EventSessionStart, types.SessionStartData{
		SessionID: req.SessionID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err := s.store.SetState(req.SessionID, types.SessionStreaming, ""); err != nil {
		logging.Warn().Str("sessionId", req.SessionID).Err(err).Msg("set streaming state failed")
	}

	preq := &provider.Request{
		SystemPrompt: buildSystemPrompt(&req),
		Message:      req.Message,
		MaxTokens:    s.config.MaxOutputTokens,
	}

	model, streamErr := s.providers.Stream(ctx, preq, func(text string) {
		send(types.EventChunk, types.ChunkData{Text: text})

		newActions, delta := state.ProcessChunk(text)
		if delta != "" {
			send(types.EventMessage, types.MessageData{Content: delta, IsPartial: true, Role: "assistant"})
			if err := s.store.AppendMessage(req.SessionID, delta); err != nil {
				logging.Warn().Str("sessionId", req.SessionID).Err(err).Msg("append message failed")
			}
		}
		for _, action := range newActions {
			send(types.EventAction, action)
			if err := s.store.AddAction(req.SessionID, action); err != nil {
				logging.Warn().Str("sessionId", req.SessionID).Err(err).Msg("add action failed")
			}
			emitted[action.ID] = true
		}
	})

	final := state.Finalize()
	send(types.EventMessage, types.MessageData{Content: final.Message, IsPartial: false, Role: "assistant"})
	if err := s.store.SetMessage(req.SessionID, final.Message); err != nil {
		logging.Warn().Str("sessionId", req.SessionID).Err(err).Msg("set message failed")
	}
	for _, action := range final.Actions {
		if emitted[action.ID] {
			continue
		}
		send(types.EventAction, action)
		if err := s.store.AddAction(req.SessionID, action); err != nil {
			logging.Warn().Str("sessionId", req.SessionID).Err(err).Msg("add action failed")
		}
		emitted[action.ID] = true
	}

	success := streamErr == nil
	if success {
		if err := s.store.SetModel(req.SessionID, model); err != nil {
			logging.Warn().Str("sessionId", req.SessionID).Err(err).Msg("set model failed")
		}
	} else {
		logging.Error().Str("sessionId", req.SessionID).Err(streamErr).Msg("stream failed")
	}

	logging.Info().
		Str("sessionId", req.SessionID).
		Bool("success", success).
		Str("model", model).
		Int("actionsCount", len(state.Actions())).
		Int("messageLength", len(state.Message())).
		Msg("stream complete")

	send(types.EventComplete, types.CompleteData{
		Success:      success,
		Model:        model,
		ActionsCount: len(state.Actions()),
	})

	if success {
		if err := s.store.SetState(req.SessionID, types.SessionCompleted, ""); err != nil {
			logging.Warn().Str("sessionId", req.SessionID).Err(err).Msg("set completed state failed")
		}
	} else {
		if err := s.store.SetState(req.SessionID, types.SessionError, "All providers failed"); err != nil {
			logging.Warn().Str("sessionId", req.SessionID).Err(err).Msg("set error state failed")
		}
	}

	if err := sse.writeDone(); err != nil {
		logging.Debug().Str("sessionId", req.SessionID).Err(err).Msg("done sentinel write failed")
	}
}

// liveSessionEvents attaches an SSE observer to a running session: it
// replays the retained event log, then forwards bus events as they are
// appended, ending with the sentinel after a terminal event.
func (s *Server) liveSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.Get(sessionID); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	// Small buffer keeps latency low; a full channel drops the frame
	// and the client recovers the hole via the events endpoint.
	live := make(chan types.StreamEvent, 100)
	unsub := s.bus.Subscribe(event.StreamAppended, func(e event.Event) {
		data, ok := e.Data.(event.StreamAppendedData)
		if !ok || data.Event.SessionID != sessionID {
			return
		}
		select {
		case live <- data.Event:
		default:
			logging.Warn().Str("sessionId", sessionID).Msg("live event dropped: channel full")
		}
	})
	defer unsub()

	// Snapshot after subscribing so nothing falls between replay and
	// the live feed; duplicates are filtered by sequence.
	sess, err := s.store.Get(sessionID)
	if err != nil {
		return
	}
	lastSeq := int64(-1)
	for _, evt := range sess.Events {
		if err := sse.writeEvent(evt); err != nil {
			return
		}
		lastSeq = evt.Sequence
	}
	if sess.State.Terminal() {
		sse.writeDone()
		return
	}

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-live:
			if evt.Sequence <= lastSeq {
				continue
			}
			if err := sse.writeEvent(evt); err != nil {
				return
			}
			lastSeq = evt.Sequence
			if evt.Type == types.EventComplete || evt.Type == types.EventError {
				sse.writeDone()
				return
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(sessionID); err != nil {
				return
			}
		}
	}
}

// generateResponse is the non-streaming fallback: one upstream call,
// full parse, single JSON reply.
func (s *Server) generateResponse(w http.ResponseWriter, r *http.Request) {
	var req types.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "message required")
		return
	}

	configured := false
	for _, p := range s.providers.Providers() {
		if p.Configured() {
			configured = true
			break
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.StreamTimeout)
	defer cancel()

	text, model, err := s.providers.Complete(ctx, &provider.Request{
		SystemPrompt: buildSystemPrompt(&req),
		Message:      req.Message,
		MaxTokens:    s.config.MaxOutputTokens,
	})
	if err != nil {
		logging.Error().Err(err).Msg("fallback generation failed")
		writeData(w, http.StatusOK, types.GenerateResponse{
			IsConfigured: configured,
			Error:        true,
		})
		return
	}

	result := parser.ParseComplete(text)
	actions := make([]types.GenerateAction, 0, len(result.Actions))
	for _, action := range result.Actions {
		actions = append(actions, types.GenerateAction{
			ID:          action.ID,
			Type:        action.Type,
			Payload:     action.Payload,
			Description: action.Description,
		})
	}

	writeData(w, http.StatusOK, types.GenerateResponse{
		Response:     result.Message,
		IsConfigured: configured,
		Actions:      actions,
		Model:        model,
	})
}
