package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"threatflow/internal/events"
	"threatflow/internal/expr"
	"threatflow/internal/metrics"
)

const (
	defaultMaxConcurrent   = 10
	defaultActionTimeout   = 30 * time.Second
	conditionScriptTimeout = 10 * time.Second
)

// Engine owns workflow definitions and execution records. Definitions
// are registered rarely and read often; executions are admitted under a
// concurrency budget and run asynchronously. All exported reads return
// deep copies, so two Get calls for the same id return identical
// snapshots unless something ran in between.
//
// The zero value is not usable; construct with NewEngine. Exported
// fields may be adjusted before the first call.
type Engine struct {
	Registry *Registry
	Bus      *events.Bus
	Log      *slog.Logger

	// MaxConcurrent caps simultaneously running executions. Admission
	// beyond the cap fails with ErrCapacity.
	MaxConcurrent int

	// DefaultActionTimeout bounds handler calls for actions that do not
	// set their own timeout.
	DefaultActionTimeout time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	mu         sync.RWMutex
	workflows  map[string]*Definition
	executions map[string]*Execution
	order      []string
	active     int
	cancels    map[string]context.CancelFunc
	wg         sync.WaitGroup
}

// NewEngine returns an engine bound to the given handler registry.
func NewEngine(reg *Registry) *Engine {
	return &Engine{
		Registry:             reg,
		Log:                  slog.Default(),
		MaxConcurrent:        defaultMaxConcurrent,
		DefaultActionTimeout: defaultActionTimeout,
		Now:                  time.Now,
		Sleep:                sleepContext,
		workflows:            make(map[string]*Definition),
		executions:           make(map[string]*Execution),
		cancels:              make(map[string]context.CancelFunc),
	}
}

// RegisterWorkflow validates and stores a definition, replacing any
// existing definition with the same id. Cyclic DAG definitions are
// rejected with *CycleError.
func (e *Engine) RegisterWorkflow(def *Definition) error {
	if def == nil {
		return errors.New("definition required")
	}
	cp := def.Clone()
	normalizeDefinition(cp)
	if err := ValidateDefinition(cp, e.Registry); err != nil {
		return err
	}
	e.mu.Lock()
	_, replaced := e.workflows[cp.ID]
	e.workflows[cp.ID] = cp
	e.mu.Unlock()
	e.Bus.Publish(events.WorkflowRegistered, map[string]any{"workflowId": cp.ID, "replaced": replaced})
	e.Log.Info("workflow registered", "workflow", cp.ID, "mode", cp.Mode, "actions", len(cp.Actions))
	return nil
}

// UnregisterWorkflow removes a definition. Running executions of it are
// unaffected.
func (e *Engine) UnregisterWorkflow(id string) error {
	e.mu.Lock()
	if _, ok := e.workflows[id]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	delete(e.workflows, id)
	e.mu.Unlock()
	e.Bus.Publish(events.WorkflowUnregistered, map[string]any{"workflowId": id})
	e.Log.Info("workflow unregistered", "workflow", id)
	return nil
}

// RegisterActionHandler binds a handler to an action type, replacing
// any existing binding.
func (e *Engine) RegisterActionHandler(actionType string, h Handler) error {
	if e.Registry == nil {
		return errors.New("registry required")
	}
	return e.Registry.Register(actionType, h)
}

// GetWorkflow returns a copy of a registered definition.
func (e *Engine) GetWorkflow(id string) (*Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return def.Clone(), nil
}

// ListWorkflows returns copies of all definitions, sorted by id.
func (e *Engine) ListWorkflows() []*Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Definition, 0, len(e.workflows))
	for _, def := range e.workflows {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExecuteWorkflow admits one run of a workflow. Admission errors
// (ErrNotFound, ErrDisabled, ErrCapacity) are returned synchronously
// and mean no execution record exists. On success the returned record
// has status pending with one pending action record per spec, and the
// run proceeds asynchronously; observe progress via GetExecution or the
// event bus.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, trigger map[string]any) (*Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	def, ok := e.workflows[workflowID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
	}
	if !def.IsEnabled() {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrDisabled)
	}
	limit := e.MaxConcurrent
	if limit <= 0 {
		limit = defaultMaxConcurrent
	}
	if e.active >= limit {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrCapacity)
	}
	exec := &Execution{
		ID:         newID("exec"),
		WorkflowID: def.ID,
		Status:     StatusPending,
		Input:      cloneMap(trigger),
		CreatedAt:  e.now(),
		Actions:    make([]*ActionExecution, 0, len(def.Actions)),
	}
	for _, spec := range def.Actions {
		exec.Actions = append(exec.Actions, &ActionExecution{
			ActionID: spec.ID,
			Type:     spec.Type,
			Status:   StatusPending,
		})
	}
	e.active++
	e.executions[exec.ID] = exec
	e.order = append(e.order, exec.ID)
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancels[exec.ID] = cancel
	e.wg.Add(1)
	snapshot := exec.Clone()
	e.mu.Unlock()
	metrics.ActiveExecutions.Inc()
	go e.run(runCtx, def, exec)
	return snapshot, nil
}

// CancelExecution transitions a running execution to cancelled,
// stamping its end time and cancelling the context threaded through
// in-flight handler calls. It returns false when the execution is
// unknown or not running.
func (e *Engine) CancelExecution(executionID string) bool {
	e.mu.Lock()
	exec, ok := e.executions[executionID]
	if !ok || exec.Status != StatusRunning {
		e.mu.Unlock()
		return false
	}
	now := e.now()
	exec.Status = StatusCancelled
	exec.EndedAt = &now
	cancel := e.cancels[executionID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.publishExecution(events.ExecutionStatusChanged, exec)
	e.Log.Info("execution cancel requested", "execution", executionID)
	return true
}

// GetExecution returns a copy of an execution record.
func (e *Engine) GetExecution(executionID string) (*Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	return exec.Clone(), nil
}

// ListExecutions returns copies of execution records in admission
// order, optionally filtered to one workflow id.
func (e *Engine) ListExecutions(workflowID string) []*Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Execution, 0, len(e.order))
	for _, id := range e.order {
		exec := e.executions[id]
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		out = append(out, exec.Clone())
	}
	return out
}

// Stats summarizes engine state.
type Stats struct {
	TotalWorkflows      int `json:"totalWorkflows"`
	EnabledWorkflows    int `json:"enabledWorkflows"`
	TotalExecutions     int `json:"totalExecutions"`
	ActiveExecutions    int `json:"activeExecutions"`
	CompletedExecutions int `json:"completedExecutions"`
	FailedExecutions    int `json:"failedExecutions"`
	CancelledExecutions int `json:"cancelledExecutions"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{
		TotalWorkflows:   len(e.workflows),
		TotalExecutions:  len(e.executions),
		ActiveExecutions: e.active,
	}
	for _, def := range e.workflows {
		if def.IsEnabled() {
			s.EnabledWorkflows++
		}
	}
	for _, exec := range e.executions {
		switch exec.Status {
		case StatusCompleted:
			s.CompletedExecutions++
		case StatusFailed:
			s.FailedExecutions++
		case StatusCancelled:
			s.CancelledExecutions++
		}
	}
	return s
}

// Shutdown cancels all running executions and waits for their
// goroutines to drain, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runState tracks completion order for rollback, guarded by Engine.mu.
type runState struct {
	completed []string
}

func (e *Engine) run(ctx context.Context, def *Definition, exec *Execution) {
	defer e.wg.Done()
	wc := NewContext(exec.ID, def.ID, exec.Input)
	rs := &runState{}

	e.mu.Lock()
	now := e.now()
	exec.Status = StatusRunning
	exec.StartedAt = &now
	e.mu.Unlock()
	e.publishExecution(events.ExecutionStarted, exec)
	e.publishExecution(events.ExecutionStatusChanged, exec)
	e.Log.Info("execution started", "execution", exec.ID, "workflow", def.ID, "mode", def.Mode)

	runCtx := ctx
	if d := def.Timeout(); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var err error
	switch def.Mode {
	case ModeParallel:
		err = e.runParallel(runCtx, def, exec, wc, rs)
	case ModeDAG:
		err = e.runDAG(runCtx, def, exec, wc, rs)
	default:
		err = e.runSequential(runCtx, def, exec, wc, rs)
	}
	e.finish(ctx, def, exec, wc, rs, err)
}

func (e *Engine) finish(ctx context.Context, def *Definition, exec *Execution, wc *Context, rs *runState, runErr error) {
	e.mu.Lock()
	now := e.now()
	cancelled := exec.Status == StatusCancelled
	if !cancelled && runErr != nil && errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		// cancelled via Shutdown rather than CancelExecution
		exec.Status = StatusCancelled
		exec.EndedAt = &now
		cancelled = true
	}
	if !cancelled {
		if runErr != nil {
			exec.Status = StatusFailed
			exec.Error = runErr.Error()
		} else {
			exec.Status = StatusCompleted
		}
		exec.EndedAt = &now
	}
	if cancelled {
		for _, rec := range exec.Actions {
			if rec.Status == StatusPending {
				rec.Status = StatusCancelled
			}
		}
	}
	exec.Variables = wc.Variables()
	failed := exec.Status == StatusFailed
	e.mu.Unlock()

	if failed {
		if def.OnError == OnErrorRollback {
			e.runRollbacks(def, exec, wc, rs)
		}
		if len(def.ErrorActions) > 0 {
			e.runErrorActions(def, exec, runErr)
		}
	}

	e.mu.Lock()
	e.active--
	if cancel, ok := e.cancels[exec.ID]; ok {
		delete(e.cancels, exec.ID)
		cancel()
	}
	status := exec.Status
	e.mu.Unlock()
	metrics.ActiveExecutions.Dec()
	metrics.WorkflowExecutionsTotal.WithLabelValues(def.ID, string(status)).Inc()

	switch status {
	case StatusCancelled:
		e.publishExecution(events.ExecutionCancelled, exec)
		e.Log.Info("execution cancelled", "execution", exec.ID, "workflow", def.ID)
	case StatusFailed:
		e.publishExecution(events.ExecutionStatusChanged, exec)
		e.publishExecution(events.ExecutionFailed, exec)
		e.Log.Warn("execution failed", "execution", exec.ID, "workflow", def.ID, "error", exec.Error)
	default:
		e.publishExecution(events.ExecutionStatusChanged, exec)
		e.publishExecution(events.ExecutionCompleted, exec)
		e.Log.Info("execution completed", "execution", exec.ID, "workflow", def.ID)
	}
}

func (e *Engine) runSequential(ctx context.Context, def *Definition, exec *Execution, wc *Context, rs *runState) error {
	for i := range def.Actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		spec := &def.Actions[i]
		err := e.runAction(ctx, spec, exec, exec.Actions[i], wc, rs)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return err
		}
		if def.OnError == OnErrorContinue {
			e.Log.Warn("action failed, continuing", "execution", exec.ID, "action", spec.ID, "error", err)
			continue
		}
		return err
	}
	return nil
}

// runParallel launches every action at once and waits for all of them;
// a hard failure does not stop siblings.
func (e *Engine) runParallel(ctx context.Context, def *Definition, exec *Execution, wc *Context, rs *runState) error {
	errs := make([]error, len(def.Actions))
	var wg sync.WaitGroup
	for i := range def.Actions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.runAction(ctx, &def.Actions[i], exec, exec.Actions[i], wc, rs)
		}(i)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	joined := errors.Join(errs...)
	if joined == nil {
		return nil
	}
	if def.OnError == OnErrorContinue {
		e.Log.Warn("actions failed, continuing", "execution", exec.ID, "error", joined)
		return nil
	}
	return joined
}

type dagResult struct {
	idx int
	err error
}

// runDAG schedules actions as their dependencies resolve. An action
// whose dependency failed hard is skipped; a hard failure stops the
// scheduling of further actions unless onError is continue.
func (e *Engine) runDAG(ctx context.Context, def *Definition, exec *Execution, wc *Context, rs *runState) error {
	const (
		statePending = iota
		stateRunning
		stateDone
	)
	states := make([]int, len(def.Actions))
	index := make(map[string]int, len(def.Actions))
	for i, a := range def.Actions {
		index[a.ID] = i
	}
	results := make(chan dagResult)
	inflight := 0
	var firstErr error
	halted := false
	for {
		if ctx.Err() != nil {
			halted = true
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		}
		if !halted {
			for i := range def.Actions {
				if states[i] != statePending {
					continue
				}
				ready, blocked, reason := e.dagReady(def, exec, index, i)
				if blocked {
					states[i] = stateDone
					e.skipAction(exec.Actions[i], reason)
					continue
				}
				if !ready {
					continue
				}
				states[i] = stateRunning
				inflight++
				go func(i int) {
					results <- dagResult{i, e.runAction(ctx, &def.Actions[i], exec, exec.Actions[i], wc, rs)}
				}(i)
			}
		}
		if inflight == 0 {
			if !halted {
				for i := range def.Actions {
					if states[i] == statePending {
						states[i] = stateDone
						e.skipAction(exec.Actions[i], "dependencies not satisfied")
					}
				}
			}
			break
		}
		r := <-results
		inflight--
		states[r.idx] = stateDone
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			if def.OnError != OnErrorContinue {
				halted = true
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if firstErr == nil {
		return nil
	}
	if def.OnError == OnErrorContinue {
		e.Log.Warn("dag actions failed, continuing", "execution", exec.ID, "error", firstErr)
		return nil
	}
	return firstErr
}

// dagReady reports whether action i may start. A dependency counts as
// satisfied when it completed, was skipped, or failed with
// continueOnFailure set; a dependency that failed hard or was cancelled
// blocks the action permanently.
func (e *Engine) dagReady(def *Definition, exec *Execution, index map[string]int, i int) (ready, blocked bool, reason string) {
	spec := &def.Actions[i]
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, dep := range spec.DependsOn {
		rec := exec.Actions[index[dep]]
		switch rec.Status {
		case StatusCompleted, StatusSkipped:
		case StatusFailed:
			if !def.Actions[index[dep]].ContinueOnFailure {
				return false, true, fmt.Sprintf("dependency %s failed", dep)
			}
		case StatusCancelled:
			return false, true, fmt.Sprintf("dependency %s cancelled", dep)
		default:
			return false, false, ""
		}
	}
	return true, false, ""
}

// runAction drives one action record through its condition gate, the
// retry loop, and terminal bookkeeping. It returns nil on success, on
// skip, and on failure swallowed by continueOnFailure; any non-nil
// return aborts per the caller's mode policy.
func (e *Engine) runAction(ctx context.Context, spec *ActionSpec, exec *Execution, rec *ActionExecution, wc *Context, rs *runState) error {
	proceed, condErr := e.evalCondition(ctx, spec, wc)
	if condErr != nil {
		e.Log.Warn("condition evaluation failed, skipping action",
			"execution", exec.ID, "action", spec.ID, "error", condErr)
	}
	if !proceed {
		reason := "condition evaluated false"
		if condErr != nil {
			reason = condErr.Error()
		}
		e.skipAction(rec, reason)
		return nil
	}

	var handler Handler
	var ok bool
	if e.Registry != nil {
		handler, ok = e.Registry.Resolve(spec.Type)
	}
	if !ok {
		return e.failAction(spec, exec, rec, 0, false, fmt.Errorf("no handler registered for type %q", spec.Type))
	}

	timeout := spec.Timeout()
	if timeout <= 0 {
		timeout = e.DefaultActionTimeout
	}
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	maxAttempts := 1
	if spec.RetryOnFailure {
		maxAttempts = spec.MaxRetries + 1
	}

	e.mu.Lock()
	start := e.now()
	rec.Status = StatusRunning
	rec.StartedAt = &start
	e.mu.Unlock()

	var lastErr error
	timedOut := false
	attempts := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			e.appendLog(rec, fmt.Sprintf("retrying in %s (attempt %d of %d)", delay, attempt+1, maxAttempts))
			if err := e.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		input := e.buildInput(spec, wc)
		e.mu.Lock()
		rec.Input = input
		rec.RetryCount = attempt
		e.mu.Unlock()

		if e.Registry != nil {
			if err := e.Registry.ValidateInput(spec.Type, input); err != nil {
				lastErr = err
				timedOut = false
				e.appendLog(rec, "input validation failed: "+err.Error())
				continue
			}
		}
		out, err := e.callHandler(ctx, handler, input, wc, timeout)
		if err == nil {
			wc.SetResult(spec.ID, out)
			e.mu.Lock()
			end := e.now()
			rec.Status = StatusCompleted
			rec.Output = out
			rec.EndedAt = &end
			if rec.StartedAt != nil {
				rec.DurationMs = end.Sub(*rec.StartedAt).Milliseconds()
			}
			rs.completed = append(rs.completed, spec.ID)
			e.mu.Unlock()
			metrics.ActionExecutionsTotal.WithLabelValues(spec.Type, string(StatusCompleted)).Inc()
			metrics.ActionDuration.WithLabelValues(spec.Type).Observe(time.Since(start).Seconds())
			e.publishAction(events.ActionCompleted, exec, rec)
			return nil
		}
		lastErr = err
		timedOut = errors.Is(err, ErrActionTimeout)
		e.appendLog(rec, fmt.Sprintf("attempt %d failed: %v", attempt+1, err))
		if ctx.Err() != nil {
			break
		}
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		e.mu.Lock()
		end := e.now()
		rec.Status = StatusCancelled
		rec.EndedAt = &end
		if rec.StartedAt != nil {
			rec.DurationMs = end.Sub(*rec.StartedAt).Milliseconds()
		}
		e.mu.Unlock()
		metrics.ActionExecutionsTotal.WithLabelValues(spec.Type, string(StatusCancelled)).Inc()
		return ctx.Err()
	}
	return e.failAction(spec, exec, rec, attempts, timedOut, lastErr)
}

// failAction stamps the terminal failed state and decides propagation:
// swallowed when the spec allows continuation, raised as *ActionError
// otherwise.
func (e *Engine) failAction(spec *ActionSpec, exec *Execution, rec *ActionExecution, attempts int, timedOut bool, cause error) error {
	e.mu.Lock()
	end := e.now()
	rec.Status = StatusFailed
	rec.Error = cause.Error()
	rec.EndedAt = &end
	var took time.Duration
	if rec.StartedAt != nil {
		took = end.Sub(*rec.StartedAt)
		rec.DurationMs = took.Milliseconds()
	}
	e.mu.Unlock()
	metrics.ActionExecutionsTotal.WithLabelValues(spec.Type, string(StatusFailed)).Inc()
	metrics.ActionDuration.WithLabelValues(spec.Type).Observe(took.Seconds())
	e.publishAction(events.ActionFailed, exec, rec)
	e.Log.Warn("action failed", "execution", exec.ID, "action", spec.ID, "attempts", attempts, "error", cause)
	if spec.ContinueOnFailure {
		return nil
	}
	return &ActionError{ActionID: spec.ID, Attempts: attempts, Timeout: timedOut, Err: cause}
}

func (e *Engine) skipAction(rec *ActionExecution, reason string) {
	e.mu.Lock()
	now := e.now()
	rec.Status = StatusSkipped
	rec.EndedAt = &now
	rec.Logs = append(rec.Logs, reason)
	e.mu.Unlock()
	metrics.ActionExecutionsTotal.WithLabelValues(rec.Type, string(StatusSkipped)).Inc()
}

func (e *Engine) evalCondition(ctx context.Context, spec *ActionSpec, wc *Context) (bool, error) {
	ok, err := evaluateCondition(ctx, spec.Condition, wc.Env())
	if err != nil {
		return false, &ConditionError{ActionID: spec.ID, Err: err}
	}
	return ok, nil
}

// evaluateCondition resolves a condition against an evaluation
// environment. A nil condition and kind always both pass.
func evaluateCondition(ctx context.Context, c *Condition, env map[string]any) (bool, error) {
	if c == nil {
		return true, nil
	}
	switch c.Kind {
	case ConditionAlways, "":
		return true, nil
	case ConditionNever:
		return false, nil
	case ConditionExpression:
		return expr.Bool(c.Expression, env)
	case ConditionScript:
		sCtx, cancel := context.WithTimeout(ctx, conditionScriptTimeout)
		defer cancel()
		return expr.ScriptBool(sCtx, c.Script, env)
	default:
		return false, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

func (e *Engine) buildInput(spec *ActionSpec, wc *Context) map[string]any {
	return mergedInput(spec.Config, wc.Trigger(), wc.Variables(), wc.Results())
}

// mergedInput builds a handler input map: the action config spread at
// the top level plus trigger, variables, and actionResults keys.
func mergedInput(config, trigger, variables, results map[string]any) map[string]any {
	input := cloneMap(config)
	if input == nil {
		input = make(map[string]any, 3)
	}
	input["trigger"] = trigger
	input["variables"] = variables
	input["actionResults"] = results
	return input
}

type handlerResult struct {
	out any
	err error
}

// callHandler races the handler against the action deadline. A handler
// that ignores its context cannot stall the execution past the timeout.
func (e *Engine) callHandler(ctx context.Context, h Handler, input map[string]any, wc *Context, timeout time.Duration) (any, error) {
	aCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan handlerResult, 1)
	go func() {
		out, err := h.Execute(aCtx, input, wc)
		done <- handlerResult{out, err}
	}()
	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && !errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%w after %s", ErrActionTimeout, timeout)
		}
		return r.out, r.err
	case <-aCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrActionTimeout, timeout)
	}
}

// runRollbacks compensates completed actions in reverse completion
// order. Rollback failures are logged and do not stop the walk.
func (e *Engine) runRollbacks(def *Definition, exec *Execution, wc *Context, rs *runState) {
	specs := make(map[string]*ActionSpec, len(def.Actions))
	for i := range def.Actions {
		specs[def.Actions[i].ID] = &def.Actions[i]
	}
	e.mu.RLock()
	completed := append([]string(nil), rs.completed...)
	e.mu.RUnlock()
	ctx := context.Background()
	for i := len(completed) - 1; i >= 0; i-- {
		spec := specs[completed[i]]
		if spec == nil || spec.Rollback == nil {
			continue
		}
		config := cloneMap(spec.Rollback.Config)
		if config == nil {
			config = make(map[string]any, 1)
		}
		config["rollbackFor"] = spec.ID
		rbSpec := ActionSpec{
			ID:          spec.ID + ".rollback",
			Type:        spec.Rollback.Type,
			Config:      config,
			TimeoutSecs: spec.TimeoutSecs,
		}
		rec := &ActionExecution{ActionID: rbSpec.ID, Type: rbSpec.Type, Status: StatusPending}
		e.mu.Lock()
		exec.Rollbacks = append(exec.Rollbacks, rec)
		e.mu.Unlock()
		if err := e.runAction(ctx, &rbSpec, exec, rec, wc, &runState{}); err != nil {
			e.Log.Warn("rollback failed", "execution", exec.ID, "action", spec.ID, "error", err)
		}
	}
}

// runErrorActions runs the definition's error-action list sequentially
// with a fresh context carrying the triggering error. Failures here
// only log; error handling of error handling is best effort.
func (e *Engine) runErrorActions(def *Definition, exec *Execution, cause error) {
	wc := NewContext(exec.ID, def.ID, exec.Input)
	if cause != nil {
		wc.SetVariable("error", cause.Error())
	}
	ctx := context.Background()
	for i := range def.ErrorActions {
		spec := &def.ErrorActions[i]
		rec := &ActionExecution{ActionID: spec.ID, Type: spec.Type, Status: StatusPending}
		e.mu.Lock()
		exec.ErrorActions = append(exec.ErrorActions, rec)
		e.mu.Unlock()
		if err := e.runAction(ctx, spec, exec, rec, wc, &runState{}); err != nil {
			e.Log.Warn("error action failed", "execution", exec.ID, "action", spec.ID, "error", err)
		}
	}
}

func (e *Engine) publishExecution(event string, exec *Execution) {
	if e.Bus == nil {
		return
	}
	e.mu.RLock()
	snap := exec.Clone()
	e.mu.RUnlock()
	e.Bus.Publish(event, snap)
}

func (e *Engine) publishAction(event string, exec *Execution, rec *ActionExecution) {
	if e.Bus == nil {
		return
	}
	e.mu.RLock()
	snap := rec.clone()
	e.mu.RUnlock()
	e.Bus.Publish(event, map[string]any{"executionId": exec.ID, "action": snap})
}

func (e *Engine) appendLog(rec *ActionExecution, line string) {
	e.mu.Lock()
	rec.Logs = append(rec.Logs, line)
	e.mu.Unlock()
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

// backoffDelay returns 2^n seconds, the inter-retry backoff after the
// n-th failed attempt (0-based).
func backoffDelay(n int) time.Duration {
	if n > 6 {
		n = 6
	}
	return time.Duration(1<<uint(n)) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
