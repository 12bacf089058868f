package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) setupRoutes() {
	// Middleware stack
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.SetHeader("Content-Type", "application/json"))

	// API versioning group
	s.router.Route("/api/v1", func(r chi.Router) {
		// Health check endpoint
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK")) // Best effort write
		})

		r.Route("/search", func(r chi.Router) {
			r.Post("/", s.handleSearch)          // POST /api/v1/search
			r.Put("/total", s.handleReportTotal) // PUT /api/v1/search/total
		})

		r.Post("/sweep", s.handleSweep) // POST /api/v1/sweep
	})
}
