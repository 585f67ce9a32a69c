package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"threatflow/internal/db"
)

// handleAuditEvents lists archived audit entries. Filters: from/to
// (RFC3339), actor, action.
func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Archive == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}
	filter := db.AuditFilter{
		Actor:  strings.TrimSpace(r.URL.Query().Get("actor")),
		Action: strings.TrimSpace(r.URL.Query().Get("action")),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid from time", http.StatusBadRequest)
			return
		}
		filter.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid to time", http.StatusBadRequest)
			return
		}
		filter.To = t
	}
	limit, offset := parsePagination(r)
	payload, err := s.Archive.ListAuditEvents(r.Context(), filter, limit, offset)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if len(payload) == 0 {
		payload = []byte("[]")
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": json.RawMessage(payload)})
}
