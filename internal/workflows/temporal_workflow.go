package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// RemediationInput carries one durable workflow run onto the task
// queue. The action list is a normalized copy of the definition at
// start time, so later definition changes do not affect in-flight runs.
type RemediationInput struct {
	WorkflowID  string
	ExecutionID string
	OnError     OnError
	Trigger     map[string]any
	Actions     []ActionSpec
}

// ActionActivityInput is the per-action payload handed to the worker.
type ActionActivityInput struct {
	WorkflowID  string
	ExecutionID string
	Spec        ActionSpec
	Trigger     map[string]any
	Variables   map[string]any
	Results     map[string]any
}

// ActionActivityResult reports one action's outcome back to the
// workflow, including variables the handler published so later actions
// see them.
type ActionActivityResult struct {
	Output    any
	Skipped   bool
	Variables map[string]any
}

// RemediationWorkflow is the durable counterpart of a sequential
// engine run: each action is one activity with Temporal-side retries
// mapped from the action's retry policy. On a hard failure it rolls
// back executed actions in reverse order when the definition asks for
// it, then records the failed status, mirroring the in-memory engine's
// error path.
func RemediationWorkflow(wfCtx workflow.Context, input RemediationInput) error {
	if input.ExecutionID == "" {
		return errors.New("execution id required")
	}
	base := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
	statusCtx := workflow.WithActivityOptions(wfCtx, base)
	if err := workflow.ExecuteActivity(statusCtx, "RecordExecutionStatus", input.ExecutionID, string(StatusRunning)).Get(statusCtx, nil); err != nil {
		return err
	}
	variables := make(map[string]any)
	results := make(map[string]any)
	var executed []ActionSpec
	for _, spec := range input.Actions {
		actCtx := workflow.WithActivityOptions(wfCtx, activityOptionsFor(spec))
		actInput := ActionActivityInput{
			WorkflowID:  input.WorkflowID,
			ExecutionID: input.ExecutionID,
			Spec:        spec,
			Trigger:     input.Trigger,
			Variables:   variables,
			Results:     results,
		}
		var res ActionActivityResult
		if err := workflow.ExecuteActivity(actCtx, "RunAction", actInput).Get(actCtx, &res); err != nil {
			if spec.ContinueOnFailure {
				continue
			}
			if input.OnError == OnErrorRollback {
				rollbackExecuted(wfCtx, base, input, executed)
			}
			_ = workflow.ExecuteActivity(statusCtx, "RecordExecutionStatus", input.ExecutionID, string(StatusFailed)).Get(statusCtx, nil)
			return err
		}
		if res.Skipped {
			continue
		}
		results[spec.ID] = res.Output
		for k, v := range res.Variables {
			variables[k] = v
		}
		executed = append(executed, spec)
	}
	return workflow.ExecuteActivity(statusCtx, "RecordExecutionStatus", input.ExecutionID, string(StatusCompleted)).Get(statusCtx, nil)
}

func rollbackExecuted(wfCtx workflow.Context, base workflow.ActivityOptions, input RemediationInput, executed []ActionSpec) {
	ctx := workflow.WithActivityOptions(wfCtx, base)
	for i := len(executed) - 1; i >= 0; i-- {
		if executed[i].Rollback == nil {
			continue
		}
		rbInput := ActionActivityInput{
			WorkflowID:  input.WorkflowID,
			ExecutionID: input.ExecutionID,
			Spec:        executed[i],
			Trigger:     input.Trigger,
		}
		_ = workflow.ExecuteActivity(ctx, "RollbackAction", rbInput).Get(ctx, nil)
	}
}

// activityOptionsFor maps an action's timeout and retry policy onto
// Temporal activity options.
func activityOptionsFor(spec ActionSpec) workflow.ActivityOptions {
	timeout := spec.Timeout()
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	attempts := int32(1)
	if spec.RetryOnFailure {
		attempts = int32(spec.MaxRetries) + 1
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    attempts,
		},
	}
}
