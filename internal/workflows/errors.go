package workflows

import (
	"errors"
	"fmt"
	"strings"
)

// Admission errors returned synchronously by ExecuteWorkflow. A caller
// seeing one of these knows no execution record was created.
var (
	ErrNotFound = errors.New("not found")
	ErrDisabled = errors.New("workflow disabled")
	ErrCapacity = errors.New("max concurrent executions reached")
)

// ErrActionTimeout marks an action call that exceeded its deadline. It
// counts toward the retry budget like any other failure.
var ErrActionTimeout = errors.New("action timed out")

// CycleError reports a dependency cycle found at registration time.
type CycleError struct {
	WorkflowID string
	Actions    []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow %s: dependency cycle among actions [%s]",
		e.WorkflowID, strings.Join(e.Actions, ", "))
}

// ActionError wraps the final failure of an action after its retry
// budget is spent.
type ActionError struct {
	ActionID string
	Attempts int
	Timeout  bool
	Err      error
}

func (e *ActionError) Error() string {
	kind := "failed"
	if e.Timeout {
		kind = "timed out"
	}
	return fmt.Sprintf("action %s %s after %d attempt(s): %v", e.ActionID, kind, e.Attempts, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// ConditionError reports a condition that could not be evaluated. The
// engine logs it and treats the condition as false; it never fails an
// execution.
type ConditionError struct {
	ActionID string
	Err      error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("action %s: condition evaluation: %v", e.ActionID, e.Err)
}

func (e *ConditionError) Unwrap() error { return e.Err }
