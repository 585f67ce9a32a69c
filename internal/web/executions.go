package web

import (
	"errors"
	"net/http"
	"strings"

	"threatflow/internal/workflows"
)

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Workflows == nil {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}
	limit, offset := parsePagination(r)
	execs := s.Workflows.ListExecutions(r.URL.Query().Get("workflow"))
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := execs[:0]
		for _, exec := range execs {
			if string(exec.Status) == status {
				filtered = append(filtered, exec)
			}
		}
		execs = filtered
	}
	lo, hi := pageBounds(len(execs), limit, offset)
	pagedSlice(w, execs[lo:hi], len(execs), limit, offset)
}

// handleExecutionByID serves GET /v1/executions/{id} and POST
// /v1/executions/{id}/cancel. Reads fall back to the archive for
// executions that finished before the last restart.
func (s *Server) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.Workflows == nil {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}
	if strings.HasSuffix(r.URL.Path, "/cancel") {
		executionID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/executions/"), "/cancel")
		executionID = strings.TrimSuffix(executionID, "/")
		s.handleExecutionCancel(w, r, executionID)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	executionID := strings.TrimPrefix(r.URL.Path, "/v1/executions/")
	executionID = strings.TrimSuffix(executionID, "/")
	if executionID == "" || strings.Contains(executionID, "/") {
		http.NotFound(w, r)
		return
	}
	exec, err := s.Workflows.GetExecution(executionID)
	if err == nil {
		writeJSON(w, http.StatusOK, exec)
		return
	}
	if !errors.Is(err, workflows.ErrNotFound) {
		http.Error(w, "engine error", http.StatusInternalServerError)
		return
	}
	if s.Archive != nil {
		payload, dbErr := s.Archive.GetExecution(r.Context(), executionID)
		if dbErr != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		if payload != nil {
			_, _ = w.Write(payload)
			return
		}
	}
	http.NotFound(w, r)
}

func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request, executionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if executionID == "" {
		http.Error(w, "missing execution id", http.StatusBadRequest)
		return
	}
	if _, err := s.Workflows.GetExecution(executionID); err != nil {
		http.NotFound(w, r)
		return
	}
	if !s.Workflows.CancelExecution(executionID) {
		http.Error(w, "execution not running", http.StatusConflict)
		return
	}
	s.auditEvent(r.Context(), "execution.cancel", executionID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"id": executionID, "status": "cancelled"})
}
