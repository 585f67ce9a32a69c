package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threatflow",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by method, path, and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "threatflow",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	AlertsTriagedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threatflow",
		Name:      "alerts_triaged_total",
		Help:      "Total alerts triaged by outcome (triaged, duplicate, false_positive, error).",
	}, []string{"outcome"})

	TriageDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "threatflow",
		Name:      "triage_duration_seconds",
		Help:      "Alert triage pipeline latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	WorkflowExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threatflow",
		Name:      "workflow_executions_total",
		Help:      "Total workflow executions by workflow id and outcome.",
	}, []string{"workflow", "outcome"})

	ActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "threatflow",
		Name:      "active_executions",
		Help:      "Number of workflow executions currently running.",
	})

	ActionExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threatflow",
		Name:      "action_executions_total",
		Help:      "Total action executions by action type and outcome.",
	}, []string{"type", "outcome"})

	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "threatflow",
		Name:      "action_duration_seconds",
		Help:      "Action handler latency in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"type"})

	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "threatflow",
		Name:      "events_dropped_total",
		Help:      "Events dropped because a subscriber channel was full.",
	})

	ActiveSSEConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "threatflow",
		Name:      "active_sse_connections",
		Help:      "Number of active SSE connections.",
	})
)

// Handler returns an http.Handler that serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware wraps an http.Handler to record request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		duration := time.Since(start).Seconds()

		path := normalizePath(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath buckets URL paths to avoid high cardinality.
// It keeps the first two path segments and replaces the rest with a placeholder.
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	switch {
	case p == "/healthz" || p == "/readyz" || p == "/metrics":
		return p
	}
	// For API paths like /v1/executions/exec_123/cancel, keep /v1/executions.
	segments := 0
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			segments++
			if segments >= 2 {
				return p[:i]
			}
		}
	}
	return p
}
