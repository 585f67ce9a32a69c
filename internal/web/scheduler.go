package web

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"threatflow/internal/workflows"
)

// ScheduleEngine is the slice of the workflow engine the scheduler
// drives. *workflows.Engine implements it.
type ScheduleEngine interface {
	ListWorkflows() []*workflows.Definition
	ExecuteWorkflow(ctx context.Context, workflowID string, trigger map[string]any) (*workflows.Execution, error)
}

// Scheduler fires workflows whose definitions carry a cron schedule.
// Last-run times live in memory; a definition seen for the first time
// is baselined to that moment rather than fired retroactively, so a
// restart never replays missed windows.
type Scheduler struct {
	Engine       ScheduleEngine
	PollInterval time.Duration
	Log          *slog.Logger
	Now          func() time.Time
	Parser       *cron.Parser

	mu      sync.Mutex
	lastRun map[string]time.Time
}

func NewScheduler(engine ScheduleEngine) *Scheduler {
	return &Scheduler{Engine: engine}
}

func (s *Scheduler) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Engine == nil {
		return errors.New("engine required")
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 30 * time.Second
	}
	s.RunOnce(ctx)
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce scans the definitions and starts every scheduled workflow
// whose cron expression has come due. Bad expressions and failed starts
// are logged and skipped; one broken definition never stalls the rest.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if s.Engine == nil {
		return 0
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Parser == nil {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		s.Parser = &parser
	}
	now := s.Now().UTC()
	count := 0
	for _, def := range s.Engine.ListWorkflows() {
		if strings.TrimSpace(def.Schedule) == "" || !def.IsEnabled() {
			continue
		}
		spec, err := s.Parser.Parse(strings.TrimSpace(def.Schedule))
		if err != nil {
			s.log().Warn("invalid schedule", "workflow", def.ID, "schedule", def.Schedule, "error", err)
			continue
		}
		last, seen := s.seenAt(def.ID, now)
		if !seen {
			continue
		}
		if spec.Next(last).After(now) {
			continue
		}
		trigger := map[string]any{
			"type":     "scheduled",
			"schedule": def.Schedule,
			"firedAt":  now.Format(time.RFC3339),
		}
		if _, err := s.Engine.ExecuteWorkflow(ctx, def.ID, trigger); err != nil {
			s.log().Warn("scheduled execution failed", "workflow", def.ID, "error", err)
			s.markRun(def.ID, now)
			continue
		}
		s.log().Info("scheduled workflow fired", "workflow", def.ID, "schedule", def.Schedule)
		s.markRun(def.ID, now)
		count++
	}
	return count
}

// seenAt returns the last run time for id. A first sighting records now
// as the baseline and reports seen=false.
func (s *Scheduler) seenAt(id string, now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		s.lastRun = make(map[string]time.Time)
	}
	last, ok := s.lastRun[id]
	if !ok {
		s.lastRun[id] = now
		return now, false
	}
	return last, true
}

func (s *Scheduler) markRun(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		s.lastRun = make(map[string]time.Time)
	}
	s.lastRun[id] = at
}

func (s *Scheduler) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
