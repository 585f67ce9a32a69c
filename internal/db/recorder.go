package db

import (
	"context"
	"log/slog"
	"time"

	"threatflow/internal/events"
	"threatflow/internal/triage"
	"threatflow/internal/workflows"
)

const writeTimeout = 5 * time.Second

// Recorder archives bus traffic: raw alerts at ingest, triage outcomes,
// and terminal execution snapshots. Failures log and the stream keeps
// draining, so a slow or dead database never backs up the bus.
type Recorder struct {
	DB  *DB
	Bus *events.Bus
	Log *slog.Logger
}

// Run drains events until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	if r.DB == nil || r.Bus == nil {
		return
	}
	ch, cancel := r.Bus.Subscribe("")
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var err error
	switch ev.Event {
	case events.AlertReceived:
		al, ok := ev.Data.(triage.Alert)
		if !ok {
			return
		}
		err = r.DB.SaveAlert(ctx, al)
	case events.AlertTriaged:
		res, ok := ev.Data.(*triage.Result)
		if !ok {
			return
		}
		err = r.DB.SaveTriageResult(ctx, res)
	case events.ExecutionCompleted, events.ExecutionFailed, events.ExecutionCancelled:
		exec, ok := ev.Data.(*workflows.Execution)
		if !ok {
			return
		}
		err = r.DB.SaveExecution(ctx, exec)
	default:
		return
	}
	if err != nil {
		r.log().Warn("archive write failed", "event", ev.Event, "error", err)
	}
}

func (r *Recorder) log() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}
