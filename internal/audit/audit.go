// Package audit records who changed what through the API. Entries go to
// the archive store best effort: a missing or failing sink never blocks
// the mutation it describes.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Entry is one audit record. Detail carries operation-specific fields
// (rule ids, workflow ids, trigger payload sizes) and may be nil.
type Entry struct {
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Subject string         `json:"subject,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink persists entries. *db.DB implements it.
type Sink interface {
	SaveAuditEvent(ctx context.Context, e Entry) error
}

// Trail appends entries to a sink. The zero value and a nil receiver
// both discard entries, so callers can record unconditionally.
type Trail struct {
	Sink Sink
	Log  *slog.Logger
	Now  func() time.Time
}

// Record fills defaults and hands the entry to the sink. Sink errors
// are logged, never returned.
func (t *Trail) Record(ctx context.Context, e Entry) {
	if t == nil || t.Sink == nil {
		return
	}
	if e.Actor == "" {
		e.Actor = "api"
	}
	if e.At.IsZero() {
		e.At = t.now()
	}
	if err := t.Sink.SaveAuditEvent(ctx, e); err != nil {
		t.log().Warn("audit write failed", "action", e.Action, "subject", e.Subject, "error", err)
	}
}

func (t *Trail) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now().UTC()
}

func (t *Trail) log() *slog.Logger {
	if t.Log != nil {
		return t.Log
	}
	return slog.Default()
}
