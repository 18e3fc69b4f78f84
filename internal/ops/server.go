// Package ops serves the optional status endpoint: liveness plus a live
// view of the current run's counters. It reads only in-memory state.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/maxcherey/insight-etl/internal/collector"
)

// RunStatus is what /api/run reports.
type RunStatus struct {
	RunID      string             `json:"run_id"`
	DataSource string             `json:"data_source"`
	Stats      collector.Snapshot `json:"stats"`
}

// StatusSource provides the live run state.
type StatusSource interface {
	RunID() string
	Stats() collector.Snapshot
}

// Server is the ops HTTP listener.
type Server struct {
	log        *zap.Logger
	source     StatusSource
	dataSource string
	http       *http.Server
}

// NewServer builds the listener on addr.
func NewServer(log *zap.Logger, addr, dataSource string, source StatusSource) *Server {
	s := &Server{log: log, source: source, dataSource: dataSource}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/run", s.handleRun)

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("ops server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	status := RunStatus{
		RunID:      s.source.RunID(),
		DataSource: s.dataSource,
		Stats:      s.source.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Error("failed to encode run status", zap.Error(err))
	}
}
