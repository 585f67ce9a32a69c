// Package web is the HTTP surface of the gateway: alert ingest, rule
// and workflow management, execution control, and the operational
// endpoints (health, metrics, SSE). Handlers talk to the in-memory
// engines directly; the Postgres archive is consulted only where memory
// cannot answer (historical lookups after a restart) and for the
// archive-only listings.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"threatflow/internal/audit"
	"threatflow/internal/correlation"
	"threatflow/internal/db"
	"threatflow/internal/events"
	"threatflow/internal/metrics"
	"threatflow/internal/triage"
	"threatflow/internal/workflows"
)

var marshalJSON = json.Marshal

const maxRequestBody = 1 << 20 // 1 MB

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "error", err)
	}
}

// ArchiveStore is the slice of the Postgres archive the handlers read.
// *db.DB implements it; the field stays nil when storage is not
// configured and archive-backed routes answer 503.
type ArchiveStore interface {
	Ping(ctx context.Context) error
	ListAlerts(ctx context.Context, limit, offset int) ([]byte, int, error)
	GetAlert(ctx context.Context, alertID string) ([]byte, error)
	ListTriageResults(ctx context.Context, alertID string, limit, offset int) ([]byte, int, error)
	GetExecution(ctx context.Context, executionID string) ([]byte, error)
	ListAuditEvents(ctx context.Context, filter db.AuditFilter, limit, offset int) ([]byte, error)
}

// DurableStarter hands a workflow off to Temporal when a caller asks
// for a durable run. *workflows.TemporalStarter implements it.
type DurableStarter interface {
	StartRemediation(ctx context.Context, def *workflows.Definition, executionID string, trigger map[string]any) (string, error)
}

type Server struct {
	Mux            *http.ServeMux
	Triage         *triage.Engine
	Workflows      *workflows.Engine
	Correlator     *correlation.Correlator
	Archive        ArchiveStore
	Audit          *audit.Trail
	Bus            *events.Bus
	Durable        DurableStarter
	TemporalHealth TemporalHealthFunc
	Goroutines     *GoroutineTracker
	RateLimiter    *RateLimiter
	Log            *slog.Logger
}

func NewServer(triageEngine *triage.Engine, workflowEngine *workflows.Engine) *Server {
	s := &Server{
		Mux:       http.NewServeMux(),
		Triage:    triageEngine,
		Workflows: workflowEngine,
		Log:       slog.Default(),
	}
	s.registerRoutes()
	return s
}

// withRateLimit consults the limiter per request: the gateway attaches
// it after construction, so the check cannot be baked in at route
// registration.
func (s *Server) withRateLimit(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl := s.RateLimiter; rl != nil && !rl.Allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) registerRoutes() {
	s.Mux.HandleFunc("/healthz", s.handleHealthz)
	s.Mux.HandleFunc("/readyz", s.handleReadyz)
	s.Mux.Handle("/metrics", metrics.Handler())

	// Mutating surfaces get rate limiting.
	s.Mux.Handle("/v1/alerts", s.withRateLimit(http.HandlerFunc(s.handleAlerts)))
	s.Mux.Handle("/v1/rules", s.withRateLimit(http.HandlerFunc(s.handleRules)))
	s.Mux.Handle("/v1/rules/", s.withRateLimit(http.HandlerFunc(s.handleRuleByID)))
	s.Mux.Handle("/v1/workflows", s.withRateLimit(http.HandlerFunc(s.handleWorkflows)))
	s.Mux.Handle("/v1/workflows/", s.withRateLimit(http.HandlerFunc(s.handleWorkflowByID)))
	s.Mux.Handle("/v1/executions/", s.withRateLimit(http.HandlerFunc(s.handleExecutionByID)))

	// Read-only surfaces.
	s.Mux.HandleFunc("/v1/alerts/", s.handleAlertByID)
	s.Mux.HandleFunc("/v1/executions", s.handleExecutions)
	s.Mux.HandleFunc("/v1/campaigns", s.handleCampaigns)
	s.Mux.HandleFunc("/v1/campaigns/", s.handleCampaignByID)
	s.Mux.HandleFunc("/v1/audit", s.handleAuditEvents)
	s.Mux.HandleFunc("/v1/stats", s.handleStats)
	s.Mux.HandleFunc("/v1/events", s.handleEventsSSE)
}

// PaginationMeta carries pagination metadata in list responses.
type PaginationMeta struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// parsePagination extracts limit and offset from query parameters.
// Defaults: limit=50, max limit=200, offset>=0.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// pageBounds clips an in-memory list to the requested window.
func pageBounds(total, limit, offset int) (lo, hi int) {
	if offset > total {
		offset = total
	}
	lo = offset
	hi = offset + limit
	if hi > total {
		hi = total
	}
	return lo, hi
}

// paginatedResponse wraps data with pagination metadata.
func paginatedResponse(w http.ResponseWriter, data json.RawMessage, limit, offset, total int) {
	if len(data) == 0 {
		data = json.RawMessage("[]")
	}
	resp := map[string]any{
		"data": data,
		"pagination": PaginationMeta{
			Limit:  limit,
			Offset: offset,
			Total:  total,
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// pagedSlice marshals the window of items selected by limit/offset and
// writes it as a paginated response. Marshal failures surface as 500.
func pagedSlice(w http.ResponseWriter, items any, total, limit, offset int) {
	data, err := marshalJSON(items)
	if err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	paginatedResponse(w, data, limit, offset, total)
}

// auditEvent records a control-plane change best-effort. The trail is
// nil-safe, so call sites never guard it.
func (s *Server) auditEvent(ctx context.Context, action, subject string, detail map[string]any) {
	s.Audit.Record(ctx, audit.Entry{Action: action, Subject: subject, Detail: detail})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Triage == nil || s.Workflows == nil {
		http.Error(w, "engines unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := map[string]any{
		"triage":    s.Triage.Stats(),
		"workflows": s.Workflows.Stats(),
	}
	if s.Correlator != nil {
		resp["campaigns"] = len(s.Correlator.Campaigns())
	}
	writeJSON(w, http.StatusOK, resp)
}
