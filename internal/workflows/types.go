// Package workflows implements the remediation workflow engine: it owns
// workflow definitions and execution records, dispatches actions to
// registered handlers per execution mode, and enforces timeouts, retries,
// and the global concurrency budget.
package workflows

import (
	"time"

	"github.com/google/uuid"
)

// Mode selects how a workflow's actions are scheduled.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
	ModeDAG        Mode = "dag"
)

// OnError selects what happens when an action fails hard (no retries
// left, continueOnFailure unset).
type OnError string

const (
	// OnErrorStop aborts the execution at the first hard failure.
	OnErrorStop OnError = "stop"
	// OnErrorContinue records the failure and keeps executing; the
	// execution still completes.
	OnErrorContinue OnError = "continue"
	// OnErrorRollback aborts like stop, then runs the rollback spec of
	// every completed action in reverse completion order, best effort.
	OnErrorRollback OnError = "rollback"
)

// Status is shared by executions and action records. Executions move
// pending -> running -> {completed | failed | cancelled}; paused is
// declared for external tooling but no internal transition produces it.
// Action records additionally reach skipped when their condition
// evaluates false, and cancelled directly from pending when the parent
// execution is cancelled before they start.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
	StatusPaused    Status = "paused"
)

// Terminal reports whether s is a final state for an execution or action.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// ConditionKind tags the variants of Condition.
type ConditionKind string

const (
	ConditionAlways     ConditionKind = "always"
	ConditionNever      ConditionKind = "never"
	ConditionExpression ConditionKind = "expression"
	ConditionScript     ConditionKind = "script"
)

// Condition gates an action. Expression conditions use the expr
// language; script conditions run in the embedded script sandbox. Both
// are evaluated against a read-only context snapshot and an evaluation
// error counts as false, never as a fatal error.
type Condition struct {
	Kind       ConditionKind `json:"kind" yaml:"kind"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
	Script     string        `json:"script,omitempty" yaml:"script,omitempty"`
}

// RollbackSpec names the compensating action to run when a workflow
// with onError=rollback fails after this action completed.
type RollbackSpec struct {
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// ActionSpec is one step of a workflow definition.
type ActionSpec struct {
	ID                string         `json:"id" yaml:"id"`
	Type              string         `json:"type" yaml:"type"`
	Config            map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	TimeoutSecs       int            `json:"timeoutSecs,omitempty" yaml:"timeout_secs,omitempty"`
	RetryOnFailure    bool           `json:"retryOnFailure,omitempty" yaml:"retry_on_failure,omitempty"`
	MaxRetries        int            `json:"maxRetries,omitempty" yaml:"max_retries,omitempty"`
	ContinueOnFailure bool           `json:"continueOnFailure,omitempty" yaml:"continue_on_failure,omitempty"`
	Condition         *Condition     `json:"condition,omitempty" yaml:"condition,omitempty"`
	DependsOn         []string       `json:"dependsOn,omitempty" yaml:"depends_on,omitempty"`
	Rollback          *RollbackSpec  `json:"rollback,omitempty" yaml:"rollback,omitempty"`
}

// Timeout returns the per-call deadline for this action, or 0 when the
// engine default applies.
func (a *ActionSpec) Timeout() time.Duration {
	if a.TimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(a.TimeoutSecs) * time.Second
}

// Definition is an immutable workflow template. The engine stores its
// own copy at registration and never mutates it afterwards.
type Definition struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
	Mode         Mode         `json:"mode,omitempty" yaml:"mode,omitempty"`
	Actions      []ActionSpec `json:"actions" yaml:"actions"`
	TimeoutSecs  int          `json:"timeoutSecs,omitempty" yaml:"timeout_secs,omitempty"`
	OnError      OnError      `json:"onError,omitempty" yaml:"on_error,omitempty"`
	ErrorActions []ActionSpec `json:"errorActions,omitempty" yaml:"error_actions,omitempty"`
	Enabled      *bool        `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Schedule     string       `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// IsEnabled treats a missing enabled flag as enabled.
func (d *Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Timeout returns the overall execution deadline, or 0 for none.
func (d *Definition) Timeout() time.Duration {
	if d.TimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(d.TimeoutSecs) * time.Second
}

// Execution is the mutable runtime record of one workflow run. One
// ActionExecution per ActionSpec is created eagerly at admission so
// callers can always enumerate planned work, including actions that end
// up skipped or never reached.
type Execution struct {
	ID           string             `json:"id"`
	WorkflowID   string             `json:"workflowId"`
	Status       Status             `json:"status"`
	Input        map[string]any     `json:"input,omitempty"`
	Variables    map[string]any     `json:"variables,omitempty"`
	Actions      []*ActionExecution `json:"actions"`
	ErrorActions []*ActionExecution `json:"errorActions,omitempty"`
	Rollbacks    []*ActionExecution `json:"rollbacks,omitempty"`
	Error        string             `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	StartedAt    *time.Time         `json:"startedAt,omitempty"`
	EndedAt      *time.Time         `json:"endedAt,omitempty"`
}

// ActionExecution is the runtime record of one action within an
// execution.
type ActionExecution struct {
	ActionID   string         `json:"actionId"`
	Type       string         `json:"type"`
	Status     Status         `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retryCount"`
	Logs       []string       `json:"logs,omitempty"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	EndedAt    *time.Time     `json:"endedAt,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func (c *Condition) clone() *Condition {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func (r *RollbackSpec) clone() *RollbackSpec {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Config = cloneMap(r.Config)
	return &cp
}

func (a ActionSpec) clone() ActionSpec {
	cp := a
	cp.Config = cloneMap(a.Config)
	cp.DependsOn = append([]string(nil), a.DependsOn...)
	cp.Condition = a.Condition.clone()
	cp.Rollback = a.Rollback.clone()
	return cp
}

// Clone returns a deep copy of the definition.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Actions = cloneSpecs(d.Actions)
	cp.ErrorActions = cloneSpecs(d.ErrorActions)
	if d.Enabled != nil {
		enabled := *d.Enabled
		cp.Enabled = &enabled
	}
	return &cp
}

func cloneSpecs(specs []ActionSpec) []ActionSpec {
	if specs == nil {
		return nil
	}
	out := make([]ActionSpec, len(specs))
	for i, spec := range specs {
		out[i] = spec.clone()
	}
	return out
}

// Clone returns a deep copy of the execution record.
func (x *Execution) Clone() *Execution {
	if x == nil {
		return nil
	}
	cp := *x
	cp.Input = cloneMap(x.Input)
	cp.Variables = cloneMap(x.Variables)
	cp.Actions = cloneActionExecs(x.Actions)
	cp.ErrorActions = cloneActionExecs(x.ErrorActions)
	cp.Rollbacks = cloneActionExecs(x.Rollbacks)
	cp.StartedAt = cloneTime(x.StartedAt)
	cp.EndedAt = cloneTime(x.EndedAt)
	return &cp
}

func (a *ActionExecution) clone() *ActionExecution {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Input = cloneMap(a.Input)
	cp.Logs = append([]string(nil), a.Logs...)
	cp.StartedAt = cloneTime(a.StartedAt)
	cp.EndedAt = cloneTime(a.EndedAt)
	return &cp
}

func cloneActionExecs(list []*ActionExecution) []*ActionExecution {
	if list == nil {
		return nil
	}
	out := make([]*ActionExecution, len(list))
	for i, a := range list {
		out[i] = a.clone()
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
