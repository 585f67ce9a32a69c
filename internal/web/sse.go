package web

import (
	"fmt"
	"net/http"
	"strings"

	"threatflow/internal/metrics"
)

// handleEventsSSE streams bus events as server-sent events. A topic
// query parameter narrows the stream to one event name; without it the
// client gets the firehose.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Bus == nil {
		http.Error(w, "events unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = fmt.Fprint(w, ":ok\n\n")
	flusher.Flush()

	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	ch, cancel := s.Bus.Subscribe(topic)
	defer cancel()
	metrics.ActiveSSEConnections.Inc()
	defer metrics.ActiveSSEConnections.Dec()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := marshalJSON(ev)
			if err != nil {
				continue
			}
			name := strings.TrimSpace(ev.Event)
			if name == "" {
				name = "event"
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
			flusher.Flush()
		}
	}
}
