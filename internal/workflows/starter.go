package workflows

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/client"
)

// TemporalStarter launches durable remediation runs on a Temporal task
// queue. Durable runs cover sequential definitions; parallel and DAG
// scheduling stay on the in-memory engine.
type TemporalStarter struct {
	Client    client.Client
	TaskQueue string
}

// StartRemediation snapshots the definition and starts a
// RemediationWorkflow for it, returning the Temporal workflow id.
func (s *TemporalStarter) StartRemediation(ctx context.Context, def *Definition, executionID string, trigger map[string]any) (string, error) {
	if s == nil || s.Client == nil {
		return "", errors.New("temporal client required")
	}
	if def == nil {
		return "", errors.New("definition required")
	}
	if executionID == "" {
		return "", errors.New("execution id required")
	}
	cp := def.Clone()
	normalizeDefinition(cp)
	if cp.Mode != ModeSequential {
		return "", fmt.Errorf("durable runs support sequential workflows, got mode %q", cp.Mode)
	}
	input := RemediationInput{
		WorkflowID:  cp.ID,
		ExecutionID: executionID,
		OnError:     cp.OnError,
		Trigger:     cloneMap(trigger),
		Actions:     cp.Actions,
	}
	opts := client.StartWorkflowOptions{
		ID:        "exec-" + executionID,
		TaskQueue: s.TaskQueue,
	}
	run, err := s.Client.ExecuteWorkflow(ctx, opts, RemediationWorkflow, input)
	if err != nil {
		return "", err
	}
	return run.GetID(), nil
}
