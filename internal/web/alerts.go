package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"threatflow/internal/events"
	"threatflow/internal/triage"
)

// handleAlerts ingests alerts (POST, single object or batch array) and
// lists archived alerts (GET). Every ingested alert is published on the
// bus before triage so the archive keeps the raw payload even when the
// pipeline rejects it.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodPost:
		if s.Triage == nil {
			http.Error(w, "triage unavailable", http.StatusServiceUnavailable)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		if len(bytes.TrimSpace(body)) == 0 {
			http.Error(w, "empty body", http.StatusBadRequest)
			return
		}
		if bytes.HasPrefix(bytes.TrimLeft(body, " \t\r\n"), []byte("[")) {
			s.ingestBatch(w, r, body)
			return
		}
		s.ingestOne(w, r, body)
	case http.MethodGet:
		if s.Archive == nil {
			http.Error(w, "storage not configured", http.StatusServiceUnavailable)
			return
		}
		limit, offset := parsePagination(r)
		payload, total, err := s.Archive.ListAlerts(r.Context(), limit, offset)
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		paginatedResponse(w, payload, limit, offset, total)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) ingestOne(w http.ResponseWriter, r *http.Request, body []byte) {
	var al triage.Alert
	if err := json.Unmarshal(body, &al); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.Bus.Publish(events.AlertReceived, al)
	res, err := s.Triage.TriageAlert(r.Context(), al)
	if err != nil {
		if errors.Is(err, triage.ErrInvalidAlert) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "triage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var alerts []triage.Alert
	if err := json.Unmarshal(body, &alerts); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(alerts) == 0 {
		http.Error(w, "empty batch", http.StatusBadRequest)
		return
	}
	for _, al := range alerts {
		s.Bus.Publish(events.AlertReceived, al)
	}
	results, err := s.Triage.TriageAlerts(r.Context(), alerts)
	failed := 0
	for _, res := range results {
		if res == nil {
			failed++
		}
	}
	resp := map[string]any{
		"results": results,
		"count":   len(results),
		"failed":  failed,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAlertByID serves GET /v1/alerts/{id} from the archive and GET
// /v1/alerts/{id}/history from the in-memory engine, falling back to
// archived triage results when memory has nothing for the id.
func (s *Server) handleAlertByID(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if strings.HasSuffix(r.URL.Path, "/history") {
		alertID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/alerts/"), "/history")
		alertID = strings.TrimSuffix(alertID, "/")
		s.handleAlertHistory(w, r, alertID)
		return
	}
	alertID := strings.TrimPrefix(r.URL.Path, "/v1/alerts/")
	if alertID == "" || strings.Contains(alertID, "/") {
		http.NotFound(w, r)
		return
	}
	if s.Archive == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}
	payload, err := s.Archive.GetAlert(r.Context(), alertID)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if payload == nil {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(payload)
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request, alertID string) {
	if alertID == "" {
		http.Error(w, "missing alert id", http.StatusBadRequest)
		return
	}
	if s.Triage == nil {
		http.Error(w, "triage unavailable", http.StatusServiceUnavailable)
		return
	}
	limit, offset := parsePagination(r)
	history := s.Triage.History(alertID)
	if len(history) > 0 {
		lo, hi := pageBounds(len(history), limit, offset)
		pagedSlice(w, history[lo:hi], len(history), limit, offset)
		return
	}
	// Nothing in memory: the alert may predate the last restart.
	if s.Archive != nil {
		payload, total, err := s.Archive.ListTriageResults(r.Context(), alertID, limit, offset)
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		paginatedResponse(w, payload, limit, offset, total)
		return
	}
	paginatedResponse(w, nil, limit, offset, 0)
}
