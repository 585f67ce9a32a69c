package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"threatflow/internal/triage"
)

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.Triage == nil {
		http.Error(w, "triage unavailable", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		limit, offset := parsePagination(r)
		rules := s.Triage.ListRules()
		lo, hi := pageBounds(len(rules), limit, offset)
		pagedSlice(w, rules[lo:hi], len(rules), limit, offset)
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		var rule triage.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := s.Triage.AddRule(&rule); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.auditEvent(r.Context(), "rule.create", rule.ID, map[string]any{"name": rule.Name})
		writeJSON(w, http.StatusCreated, map[string]any{"id": rule.ID, "status": "created"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRuleByID(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.Triage == nil {
		http.Error(w, "triage unavailable", http.StatusServiceUnavailable)
		return
	}
	ruleID := strings.TrimPrefix(r.URL.Path, "/v1/rules/")
	ruleID = strings.TrimSuffix(ruleID, "/")
	if ruleID == "" || strings.Contains(ruleID, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		rule, err := s.Triage.GetRule(ruleID)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodDelete:
		if err := s.Triage.RemoveRule(ruleID); err != nil {
			if errors.Is(err, triage.ErrRuleNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.auditEvent(r.Context(), "rule.delete", ruleID, nil)
		writeJSON(w, http.StatusOK, map[string]any{"id": ruleID, "status": "deleted"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
