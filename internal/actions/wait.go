package actions

import (
	"context"
	"fmt"
	"time"

	"threatflow/internal/workflows"
)

// maxWait bounds a single wait action. Longer pauses belong in the
// workflow schedule, not inside a running execution.
const maxWait = 10 * time.Minute

// WaitAction pauses the execution for a duration given either as
// seconds (number) or as a Go duration string. The pause is cut short
// when the action context ends, so cancellation and timeouts are not
// blocked by a sleeping action.
type WaitAction struct{}

func (a *WaitAction) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"seconds":  map[string]any{"type": "number", "exclusiveMinimum": 0},
			"duration": map[string]any{"type": "string"},
		},
		"anyOf": []any{
			map[string]any{"required": []string{"seconds"}},
			map[string]any{"required": []string{"duration"}},
		},
	}
}

func (a *WaitAction) Execute(ctx context.Context, input map[string]any, wc *workflows.Context) (any, error) {
	d, err := waitDuration(input)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]any{"waited": d.String()}, nil
}

func waitDuration(input map[string]any) (time.Duration, error) {
	if s := stringField(input, "duration"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("parse duration: %w", err)
		}
		return boundWait(d)
	}
	if secs, ok := numberField(input, "seconds"); ok {
		return boundWait(time.Duration(secs * float64(time.Second)))
	}
	return 0, fmt.Errorf("seconds or duration required")
}

func boundWait(d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, fmt.Errorf("wait must be positive, got %s", d)
	}
	if d > maxWait {
		return 0, fmt.Errorf("wait %s exceeds maximum %s", d, maxWait)
	}
	return d, nil
}
