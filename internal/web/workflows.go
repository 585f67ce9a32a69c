package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"threatflow/internal/workflows"
)

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.Workflows == nil {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		limit, offset := parsePagination(r)
		defs := s.Workflows.ListWorkflows()
		lo, hi := pageBounds(len(defs), limit, offset)
		pagedSlice(w, defs[lo:hi], len(defs), limit, offset)
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		var def workflows.Definition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := s.Workflows.RegisterWorkflow(&def); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.auditEvent(r.Context(), "workflow.register", def.ID, map[string]any{
			"name":    def.Name,
			"mode":    string(def.Mode),
			"actions": len(def.Actions),
		})
		writeJSON(w, http.StatusCreated, map[string]any{"id": def.ID, "status": "registered"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ExecuteRequest is the optional body of POST /v1/workflows/{id}/execute.
type ExecuteRequest struct {
	Trigger map[string]any `json:"trigger,omitempty"`
}

func (s *Server) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.Workflows == nil {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}
	if strings.HasSuffix(r.URL.Path, "/execute") {
		workflowID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/workflows/"), "/execute")
		workflowID = strings.TrimSuffix(workflowID, "/")
		s.handleWorkflowExecute(w, r, workflowID)
		return
	}
	workflowID := strings.TrimPrefix(r.URL.Path, "/v1/workflows/")
	workflowID = strings.TrimSuffix(workflowID, "/")
	if workflowID == "" || strings.Contains(workflowID, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		def, err := s.Workflows.GetWorkflow(workflowID)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, def)
	case http.MethodDelete:
		if err := s.Workflows.UnregisterWorkflow(workflowID); err != nil {
			if errors.Is(err, workflows.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.auditEvent(r.Context(), "workflow.unregister", workflowID, nil)
		writeJSON(w, http.StatusOK, map[string]any{"id": workflowID, "status": "unregistered"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWorkflowExecute(w http.ResponseWriter, r *http.Request, workflowID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if workflowID == "" {
		http.Error(w, "missing workflow id", http.StatusBadRequest)
		return
	}
	var req ExecuteRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	trigger := req.Trigger
	if trigger == nil {
		trigger = map[string]any{"type": "manual"}
	}

	if r.URL.Query().Get("durable") == "true" {
		s.executeDurable(w, r, workflowID, trigger)
		return
	}

	exec, err := s.Workflows.ExecuteWorkflow(r.Context(), workflowID, trigger)
	if err != nil {
		switch {
		case errors.Is(err, workflows.ErrNotFound):
			http.NotFound(w, r)
		case errors.Is(err, workflows.ErrDisabled):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, workflows.ErrCapacity):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			http.Error(w, "execute error", http.StatusInternalServerError)
		}
		return
	}
	s.auditEvent(r.Context(), "workflow.execute", workflowID, map[string]any{"executionId": exec.ID})
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) executeDurable(w http.ResponseWriter, r *http.Request, workflowID string, trigger map[string]any) {
	if s.Durable == nil {
		http.Error(w, "durable execution not configured", http.StatusServiceUnavailable)
		return
	}
	def, err := s.Workflows.GetWorkflow(workflowID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if !def.IsEnabled() {
		http.Error(w, "workflow disabled", http.StatusConflict)
		return
	}
	executionID := "exec_" + uuid.NewString()
	temporalID, err := s.Durable.StartRemediation(r.Context(), def, executionID, trigger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.auditEvent(r.Context(), "workflow.execute", workflowID, map[string]any{
		"executionId": executionID,
		"durable":     true,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"executionId":        executionID,
		"workflowId":         workflowID,
		"temporalWorkflowId": temporalID,
		"durable":            true,
	})
}
