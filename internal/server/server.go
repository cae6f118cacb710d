// Package server provides the HTTP surface for agentstream: session
// lifecycle endpoints, the SSE stream that runs the decode pipeline,
// and recovery endpoints for clients that lost their connection.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/arture/agentstream/internal/event"
	"github.com/arture/agentstream/internal/provider"
	"github.com/arture/agentstream/internal/session"
	"github.com/arture/agentstream/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Port       int
	EnableCORS bool
	// ReadTimeout bounds request reads. WriteTimeout stays zero so SSE
	// responses are never cut off by the server.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// StreamTimeout bounds one upstream generation attempt.
	StreamTimeout time.Duration
	// HeartbeatInterval is the SSE keepalive cadence.
	HeartbeatInterval time.Duration
	// MaxOutputTokens caps upstream generation length.
	MaxOutputTokens int
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	sessionCfg := types.DefaultSessionConfig()
	return &Config{
		Port:              8080,
		EnableCORS:        true,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		StreamTimeout:     time.Duration(sessionCfg.TimeoutMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(sessionCfg.HeartbeatIntervalMs) * time.Millisecond,
		MaxOutputTokens:   4096,
	}
}

// Server is the HTTP server.
type Server struct {
	config    *Config
	router    *chi.Mux
	httpSrv   *http.Server
	store     *session.Store
	bus       *event.Bus
	providers *provider.Registry
}

// New creates a new Server instance.
func New(cfg *Config, store *session.Store, bus *event.Bus, providers *provider.Registry) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config:    cfg,
		router:    chi.NewRouter(),
		store:     store,
		bus:       bus,
		providers: providers,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
