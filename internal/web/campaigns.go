package web

import (
	"net/http"
	"strings"
)

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, offset := parsePagination(r)
	if s.Correlator == nil {
		// Correlation disabled is a configuration choice, not an error.
		paginatedResponse(w, nil, limit, offset, 0)
		return
	}
	campaigns := s.Correlator.Campaigns()
	lo, hi := pageBounds(len(campaigns), limit, offset)
	pagedSlice(w, campaigns[lo:hi], len(campaigns), limit, offset)
}

func (s *Server) handleCampaignByID(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	campaignID := strings.TrimPrefix(r.URL.Path, "/v1/campaigns/")
	campaignID = strings.TrimSuffix(campaignID, "/")
	if campaignID == "" || strings.Contains(campaignID, "/") {
		http.NotFound(w, r)
		return
	}
	if s.Correlator == nil {
		http.NotFound(w, r)
		return
	}
	campaign, ok := s.Correlator.Campaign(campaignID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}
