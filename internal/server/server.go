// Package server exposes the growth controller over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"memgrowth/internal/growth"
	"memgrowth/internal/logging"
	"memgrowth/internal/stats"
)

// Service is what the HTTP surface needs from the growth controller
type Service interface {
	RunOnce(ctx context.Context) (stats.Snapshot, error)
	Reset(ctx context.Context) stats.Snapshot
	Snapshot(ctx context.Context) stats.Snapshot
	Health(ctx context.Context) stats.HealthReport
	Now() int64
}

// Server is the memgrowth HTTP API server.
type Server struct {
	svc    Service
	router chi.Router
}

// New creates a Server backed by svc
func New(svc Service) *Server {
	s := &Server{svc: svc}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.HTTPMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/process", s.handleProcess)
		r.Get("/stats", s.handleStats)
		r.Post("/clear", s.handleClear)
		r.Get("/health", s.handleHealth)
	})

	s.router = r
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.RunOnce(r.Context())
	if err != nil {
		msg := err.Error()
		if !errors.Is(err, growth.ErrAllocationFailure) {
			msg = "processing failed: " + msg
		}
		writeJSON(w, http.StatusInternalServerError, stats.ErrorResponse{
			Error:     msg,
			Timestamp: s.svc.Now(),
		})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Snapshot(r.Context()))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Reset(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
