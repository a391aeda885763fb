// Package server exposes the scheduler control API over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BadgerOps/sitesync/internal/engine"
)

// maxBodyBytes caps request bodies of the control API.
const maxBodyBytes = 4 << 20

// Server serves the control API of one engine.
type Server struct {
	engine     *engine.Engine
	logger     *slog.Logger
	httpServer *http.Server
	version    string
}

// NewServer creates a new Server instance.
func NewServer(eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: eng,
		logger: logger,
	}
}

// SetVersion sets the version reported by /api/status.
func (s *Server) SetVersion(v string) {
	s.version = v
}

// Handler returns the routed control API.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.setupRoutes())
}

// Start serves the control API on listenAddr until Shutdown.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes registers all HTTP routes on a new ServeMux.
// Uses Go 1.22+ enhanced routing with method prefixes and path variables.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Scheduler
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/cycles", s.handleAPICycles)
	mux.HandleFunc("POST /api/reset_timer", s.handleAPIResetTimer)
	mux.HandleFunc("POST /api/pause", s.handleAPIPause)
	mux.HandleFunc("POST /api/unpause", s.handleAPIUnpause)

	// Items and sites
	mux.HandleFunc("POST /api/projects/{project}/items", s.handleAPIPublish)
	mux.HandleFunc("GET /api/projects/{project}/sync_sites", s.handleAPISyncSites)
	mux.HandleFunc("GET /api/projects/{project}/items/{item}/sites/{site}", s.handleAPIGetSite)
	mux.HandleFunc("POST /api/projects/{project}/items/{item}/sites/{site}", s.handleAPIAddSite)
	mux.HandleFunc("DELETE /api/projects/{project}/items/{item}/sites/{site}", s.handleAPIRemoveSite)
	mux.HandleFunc("POST /api/projects/{project}/items/{item}/sites/{site}/reset", s.handleAPIResetSite)
	mux.HandleFunc("GET /api/projects/{project}/items/{item}/sites/{site}/present", s.handleAPIIsOnSite)

	return mux
}

// logRequests logs every request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
