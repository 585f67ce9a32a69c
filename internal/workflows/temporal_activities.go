package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ExecutionStore persists execution status for durable runs. The db
// package provides the production implementation; a nil store turns
// persistence into a no-op so a worker can run without a database.
type ExecutionStore interface {
	UpdateExecutionStatus(ctx context.Context, executionID, status string) error
}

// Activities hosts the worker-side implementations behind
// RemediationWorkflow.
type Activities struct {
	Registry *Registry
	Store    ExecutionStore
	Log      *slog.Logger
}

// RunAction executes one action spec: condition gate, input merge,
// schema validation, handler call. A failed condition evaluation skips
// the action rather than failing the run.
func (a *Activities) RunAction(ctx context.Context, input ActionActivityInput) (ActionActivityResult, error) {
	if a.Registry == nil {
		return ActionActivityResult{}, errors.New("registry required")
	}
	spec := input.Spec
	normalizeSpec(&spec)
	wc := NewContext(input.ExecutionID, input.WorkflowID, input.Trigger)
	for k, v := range input.Variables {
		wc.SetVariable(k, v)
	}
	for k, v := range input.Results {
		wc.SetResult(k, v)
	}
	ok, err := evaluateCondition(ctx, spec.Condition, wc.Env())
	if err != nil {
		a.log().Warn("condition evaluation failed, skipping action",
			"execution", input.ExecutionID, "action", spec.ID, "error", err)
		return ActionActivityResult{Skipped: true}, nil
	}
	if !ok {
		return ActionActivityResult{Skipped: true}, nil
	}
	handler, found := a.Registry.Resolve(spec.Type)
	if !found {
		return ActionActivityResult{}, fmt.Errorf("no handler registered for type %q", spec.Type)
	}
	merged := mergedInput(spec.Config, wc.Trigger(), wc.Variables(), wc.Results())
	if err := a.Registry.ValidateInput(spec.Type, merged); err != nil {
		return ActionActivityResult{}, err
	}
	out, err := handler.Execute(ctx, merged, wc)
	if err != nil {
		return ActionActivityResult{}, err
	}
	return ActionActivityResult{Output: out, Variables: wc.Variables()}, nil
}

// RollbackAction runs the compensating handler for an executed action.
func (a *Activities) RollbackAction(ctx context.Context, input ActionActivityInput) error {
	if a.Registry == nil {
		return errors.New("registry required")
	}
	rb := input.Spec.Rollback
	if rb == nil {
		return nil
	}
	handler, found := a.Registry.Resolve(rb.Type)
	if !found {
		return fmt.Errorf("no handler registered for type %q", rb.Type)
	}
	config := cloneMap(rb.Config)
	if config == nil {
		config = make(map[string]any, 1)
	}
	config["rollbackFor"] = input.Spec.ID
	wc := NewContext(input.ExecutionID, input.WorkflowID, input.Trigger)
	merged := mergedInput(config, wc.Trigger(), wc.Variables(), wc.Results())
	_, err := handler.Execute(ctx, merged, wc)
	return err
}

// RecordExecutionStatus persists a status transition, if a store is
// wired.
func (a *Activities) RecordExecutionStatus(ctx context.Context, executionID, status string) error {
	if a.Store == nil {
		return nil
	}
	return a.Store.UpdateExecutionStatus(ctx, executionID, status)
}

func (a *Activities) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}
