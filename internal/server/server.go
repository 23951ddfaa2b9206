// Package server exposes the gateway's HTTP delivery surfaces: submission,
// polling, SSE task events and the legacy sprint-report stream.
package server

import (
	"fmt"
	"net/http"

	"github.com/sprintlens/sprintlens/internal/analysis"
	"github.com/sprintlens/sprintlens/internal/engine"
	"github.com/sprintlens/sprintlens/internal/progress"
	"github.com/sprintlens/sprintlens/pkg/types"
)

// Server routes HTTP traffic to the engine and progress store.
type Server struct {
	engine       *engine.Engine
	store        *progress.Store
	sprintReport *analysis.SprintReport
	mux          *http.ServeMux
}

// New wires up the routes. metricsHandler may be nil when metrics are
// disabled. sprintReport backs the legacy streaming endpoint only; everything
// else goes through the engine.
func New(eng *engine.Engine, store *progress.Store, sprintReport *analysis.SprintReport, metricsHandler http.Handler) *Server {
	s := &Server{
		engine:       eng,
		store:        store,
		sprintReport: sprintReport,
		mux:          http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/sprint-report", s.handleSubmit(types.KindSprintReport))
	s.mux.HandleFunc("POST /api/capacity/analyze", s.handleSubmit(types.KindCapacityAnalysis))
	s.mux.HandleFunc("POST /api/cross-sprint", s.handleSubmit(types.KindCrossSprint))

	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskStatus)
	s.mux.HandleFunc("GET /api/tasks/{id}/events", s.handleTaskEvents)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleTaskCancel)

	s.mux.HandleFunc("GET /api/sprint-report/stream", s.handleSprintReportStream)

	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}

	return s
}

// Handler returns the root handler for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.mux
}
