package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/CreativeUnicorns/querycache"
	"github.com/go-chi/chi/v5"
)

// SourceResolver builds the fetch source that materializes results for a
// search request on a cache miss. The query value is the decoded JSON query
// from the request body.
type SourceResolver func(clientID string, query map[string]any) querycache.FetchSource

// Server holds the dependencies for the HTTP server.
type Server struct {
	engine     *querycache.Engine
	sources    SourceResolver
	logger     querycache.Logger
	router     *chi.Mux
	httpServer *http.Server
}

// Config holds configuration for the API server.
type Config struct {
	ListenAddress string
	Engine        *querycache.Engine
	Sources       SourceResolver
	Logger        querycache.Logger
}

// NewServer creates and configures a new API server instance.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Sources == nil {
		return nil, fmt.Errorf("a source resolver is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = querycache.NewDefaultLogger()
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}

	s := &Server{
		engine:  cfg.Engine,
		sources: cfg.Sources,
		logger:  cfg.Logger,
		router:  chi.NewRouter(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: s.router,
		// Configure timeouts to prevent resource exhaustion
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Start runs the HTTP server. It blocks until the server is shut down or an
// unrecoverable error occurs; callers wanting non-blocking behavior should
// run it in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("API server starting", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("could not start server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("API server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("API server stopped gracefully")
	return nil
}
