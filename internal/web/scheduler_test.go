package web

import (
	"context"
	"errors"
	"testing"
	"time"

	"threatflow/internal/workflows"
)

type fakeScheduleEngine struct {
	defs     []*workflows.Definition
	executed []string
	execErr  error
}

func (f *fakeScheduleEngine) ListWorkflows() []*workflows.Definition { return f.defs }

func (f *fakeScheduleEngine) ExecuteWorkflow(ctx context.Context, workflowID string, trigger map[string]any) (*workflows.Execution, error) {
	f.executed = append(f.executed, workflowID)
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &workflows.Execution{ID: "exec_1", WorkflowID: workflowID}, nil
}

func scheduledDefinition(id, schedule string) *workflows.Definition {
	return &workflows.Definition{
		ID:       id,
		Schedule: schedule,
		Actions:  []workflows.ActionSpec{{ID: "a1", Type: "noop"}},
	}
}

func TestSchedulerBaselinesFirstSighting(t *testing.T) {
	engine := &fakeScheduleEngine{defs: []*workflows.Definition{scheduledDefinition("wf-s", "* * * * *")}}
	sched := NewScheduler(engine)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched.Now = func() time.Time { return now }

	// First scan only records the baseline, nothing fires.
	if n := sched.RunOnce(context.Background()); n != 0 {
		t.Fatalf("first scan fired %d", n)
	}
	if len(engine.executed) != 0 {
		t.Fatalf("executed: %v", engine.executed)
	}

	now = now.Add(90 * time.Second)
	if n := sched.RunOnce(context.Background()); n != 1 {
		t.Fatalf("second scan fired %d", n)
	}
	if len(engine.executed) != 1 || engine.executed[0] != "wf-s" {
		t.Fatalf("executed: %v", engine.executed)
	}
}

func TestSchedulerNotDueYet(t *testing.T) {
	engine := &fakeScheduleEngine{defs: []*workflows.Definition{scheduledDefinition("wf-h", "0 * * * *")}}
	sched := NewScheduler(engine)
	now := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	sched.Now = func() time.Time { return now }

	sched.RunOnce(context.Background())
	now = now.Add(10 * time.Minute)
	if n := sched.RunOnce(context.Background()); n != 0 {
		t.Fatalf("fired %d before the hour", n)
	}
	now = now.Add(50 * time.Minute)
	if n := sched.RunOnce(context.Background()); n != 1 {
		t.Fatalf("fired %d after the hour", n)
	}
}

func TestSchedulerSkipsDisabledAndUnscheduled(t *testing.T) {
	disabled := false
	off := scheduledDefinition("wf-off", "* * * * *")
	off.Enabled = &disabled
	engine := &fakeScheduleEngine{defs: []*workflows.Definition{
		off,
		{ID: "wf-manual", Actions: []workflows.ActionSpec{{ID: "a1", Type: "noop"}}},
	}}
	sched := NewScheduler(engine)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched.Now = func() time.Time { return now }

	sched.RunOnce(context.Background())
	now = now.Add(2 * time.Minute)
	if n := sched.RunOnce(context.Background()); n != 0 {
		t.Fatalf("fired %d", n)
	}
	if len(engine.executed) != 0 {
		t.Fatalf("executed: %v", engine.executed)
	}
}

func TestSchedulerBadExpressionSkipped(t *testing.T) {
	engine := &fakeScheduleEngine{defs: []*workflows.Definition{
		scheduledDefinition("wf-bad", "not a cron"),
		scheduledDefinition("wf-good", "* * * * *"),
	}}
	sched := NewScheduler(engine)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched.Now = func() time.Time { return now }

	sched.RunOnce(context.Background())
	now = now.Add(2 * time.Minute)
	if n := sched.RunOnce(context.Background()); n != 1 {
		t.Fatalf("fired %d", n)
	}
	if len(engine.executed) != 1 || engine.executed[0] != "wf-good" {
		t.Fatalf("executed: %v", engine.executed)
	}
}

func TestSchedulerExecuteErrorStillAdvances(t *testing.T) {
	engine := &fakeScheduleEngine{
		defs:    []*workflows.Definition{scheduledDefinition("wf-e", "* * * * *")},
		execErr: errors.New("capacity"),
	}
	sched := NewScheduler(engine)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched.Now = func() time.Time { return now }

	sched.RunOnce(context.Background())
	now = now.Add(2 * time.Minute)
	if n := sched.RunOnce(context.Background()); n != 0 {
		t.Fatalf("fired %d despite error", n)
	}
	if len(engine.executed) != 1 {
		t.Fatalf("executed: %v", engine.executed)
	}
	// The failed window is consumed; an immediate rescan does not retry.
	if n := sched.RunOnce(context.Background()); n != 0 {
		t.Fatalf("rescan fired %d", n)
	}
	if len(engine.executed) != 1 {
		t.Fatalf("executed after rescan: %v", engine.executed)
	}
}

func TestSchedulerRunStopsOnContext(t *testing.T) {
	engine := &fakeScheduleEngine{}
	sched := NewScheduler(engine)
	sched.PollInterval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestSchedulerRunRequiresEngine(t *testing.T) {
	sched := &Scheduler{}
	if err := sched.Run(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}
