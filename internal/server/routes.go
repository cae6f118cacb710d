package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.Route("/api/streaming", func(r chi.Router) {
		r.Get("/health", s.healthCheck)

		r.Post("/start-session", s.startSession)
		r.Get("/sessions/{sessionID}", s.getSession)
		r.Get("/sessions/{sessionID}/events", s.getSessionEvents)
		r.Get("/sessions/{sessionID}/live", s.liveSessionEvents)

		r.Post("/stream", s.streamResponse)
	})

	// Non-streaming fallback used when the SSE path times out.
	s.router.Post("/api/chat/ai-response", s.generateResponse)
}
