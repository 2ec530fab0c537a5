package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Webhook intake: signature-authenticated, no bearer token.
	r.Post("/webhook", s.handleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)

		// Protected consumer read API
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/events", s.handleListEvents)
			r.Get("/status", s.handleStatus)
		})
	})

	// WebSocket live subscription (auth via token query parameter,
	// validated in the handler: browsers cannot set headers on upgrade).
	r.Get("/ws", s.handleWebSocket)

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall, database := "ok", "ok"
	status := http.StatusOK
	if s.database != nil {
		if err := s.database.HealthCheck(r.Context()); err != nil {
			overall, database = "degraded", "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, map[string]any{
		"status":   overall,
		"version":  s.version,
		"database": database,
	})
}
