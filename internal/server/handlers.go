package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sprintlens/sprintlens/pkg/types"
)

// handleSubmit returns the submission handler for one job kind. Validation
// failures surface as a synchronous 400; a task id means the job is running.
func (s *Server) handleSubmit(kind types.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params types.Params
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		taskID, err := s.engine.Submit(kind, params)
		if err != nil {
			if errors.Is(err, types.ErrInvalidInput) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			slog.Error("Submission failed", "kind", kind, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to start analysis")
			return
		}

		writeJSON(w, http.StatusOK, types.SubmitResponse{TaskID: taskID})
	}
}

// handleTaskStatus is the polling endpoint: a pure, idempotent read of the
// latest snapshot.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	snapshot, ok := s.store.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, types.ErrNotFound.Error())
		return
	}

	writeJSON(w, http.StatusOK, types.ProgressFromSnapshot(snapshot))
}

// handleTaskCancel stops a running task. The task disappears from the store;
// subsequent polls return 404.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	if !s.engine.Cancel(taskID) {
		writeError(w, http.StatusNotFound, types.ErrNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskEvents pushes every snapshot update over SSE until the task is
// terminal or the client disconnects.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	snapshot, ok := s.store.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, types.ErrNotFound.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	updates := s.store.Subscribe(taskID)
	defer s.store.Unsubscribe(taskID, updates)

	// Send the current state first so late subscribers are not stuck
	// waiting for the next write.
	sendEvent(w, flusher, snapshot)
	if snapshot.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case update, open := <-updates:
			if !open {
				// Task was cancelled and evicted.
				return
			}
			sendEvent(w, flusher, update)
			if update.Terminal() {
				return
			}
		}
	}
}

func sendEvent(w http.ResponseWriter, flusher http.Flusher, snapshot types.Snapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		slog.Error("Failed to marshal snapshot", "task", snapshot.TaskID, "error", err)
		return
	}
	fmt.Fprintf(w, "event: update\n")
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// handleSprintReportStream is the legacy streaming mode: no submission, no
// task id. Each computed sprint record is written as a `data: ` line and
// flushed immediately; closing the response signals completion.
func (s *Server) handleSprintReportStream(w http.ResponseWriter, r *http.Request) {
	boardID := r.URL.Query().Get("board_id")
	params := types.Params{BoardID: boardID}
	if err := s.sprintReport.Validate(params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	units, err := s.sprintReport.FetchUnits(ctx, params)
	if err != nil {
		slog.Error("Stream fetch failed", "board", boardID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to fetch sprints")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, unit := range units {
		if ctx.Err() != nil {
			return
		}
		record, err := s.sprintReport.AnalyzeUnit(ctx, params, unit)
		if err != nil {
			// Headers are gone; all we can do is log and stop the stream.
			slog.Error("Stream unit failed", "board", boardID, "error", err)
			return
		}

		data, err := json.Marshal(types.StreamEvent{Type: types.StreamEventSprintResult, Data: record})
		if err != nil {
			slog.Error("Failed to marshal stream event", "board", boardID, "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg})
}
