package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSink struct {
	entries []Entry
	err     error
}

func (s *fakeSink) SaveAuditEvent(ctx context.Context, e Entry) error {
	s.entries = append(s.entries, e)
	return s.err
}

func TestRecordFillsDefaults(t *testing.T) {
	sink := &fakeSink{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trail := &Trail{Sink: sink, Now: func() time.Time { return now }}

	trail.Record(context.Background(), Entry{Action: "rule.create", Subject: "r1"})

	if len(sink.entries) != 1 {
		t.Fatalf("entries: %d", len(sink.entries))
	}
	e := sink.entries[0]
	if e.Actor != "api" {
		t.Fatalf("actor: %q", e.Actor)
	}
	if !e.At.Equal(now) {
		t.Fatalf("at: %v", e.At)
	}
}

func TestRecordKeepsExplicitFields(t *testing.T) {
	sink := &fakeSink{}
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	trail := &Trail{Sink: sink}

	trail.Record(context.Background(), Entry{Actor: "10.0.0.9", Action: "workflow.delete", At: at})

	e := sink.entries[0]
	if e.Actor != "10.0.0.9" || !e.At.Equal(at) {
		t.Fatalf("entry: %+v", e)
	}
}

func TestRecordSinkErrorSwallowed(t *testing.T) {
	sink := &fakeSink{err: errors.New("sink down")}
	trail := &Trail{Sink: sink}

	trail.Record(context.Background(), Entry{Action: "rule.delete"})

	if len(sink.entries) != 1 {
		t.Fatalf("entries: %d", len(sink.entries))
	}
}

func TestRecordNilSafe(t *testing.T) {
	var trail *Trail
	trail.Record(context.Background(), Entry{Action: "noop"})
	(&Trail{}).Record(context.Background(), Entry{Action: "noop"})
}
