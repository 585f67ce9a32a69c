package workflows

import "sync"

// Context is the execution-scoped state shared by an execution's
// actions: the immutable trigger payload, a mutable variable map, and
// the outputs of completed actions keyed by action id. Sibling branches
// of a parallel or DAG execution write concurrently, so all access goes
// through the mutex. A Context is never shared across executions and is
// never persisted.
type Context struct {
	ExecutionID string
	WorkflowID  string

	mu        sync.RWMutex
	trigger   map[string]any
	variables map[string]any
	results   map[string]any
}

// NewContext builds the context for one execution. The trigger map is
// copied; later mutation by the caller is not observed.
func NewContext(executionID, workflowID string, trigger map[string]any) *Context {
	return &Context{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		trigger:     cloneMap(trigger),
		variables:   make(map[string]any),
		results:     make(map[string]any),
	}
}

// Trigger returns a copy of the trigger payload.
func (c *Context) Trigger() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneMap(c.trigger)
}

// SetVariable stores a key in the variable map. Keys are write-once by
// convention only; overwriting is not rejected.
func (c *Context) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
}

// Variable looks up a key in the variable map.
func (c *Context) Variable(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[key]
	return v, ok
}

// Variables returns a copy of the variable map.
func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneMap(c.variables)
}

// SetResult records a completed action's output.
func (c *Context) SetResult(actionID string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[actionID] = output
}

// Result returns the recorded output of an action, if any.
func (c *Context) Result(actionID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.results[actionID]
	return v, ok
}

// Results returns a copy of the action output map.
func (c *Context) Results() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneMap(c.results)
}

// Env snapshots the context for condition evaluation: trigger,
// variables, and actionResults plus workflow identity. The snapshot is
// a copy; evaluators cannot mutate execution state through it.
func (c *Context) Env() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{
		"trigger":       cloneMap(c.trigger),
		"variables":     cloneMap(c.variables),
		"actionResults": cloneMap(c.results),
		"workflow": map[string]any{
			"id":          c.WorkflowID,
			"executionId": c.ExecutionID,
		},
	}
}
