package workflows

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Handler executes one action type. The input map is the action's
// config merged with the trigger payload, current variables, and prior
// action results; wc exposes the live execution context for handlers
// that want to publish variables. The ctx carries the action deadline
// and is cancelled when the execution is cancelled, so long-running
// handlers should watch it.
type Handler interface {
	Execute(ctx context.Context, input map[string]any, wc *Context) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input map[string]any, wc *Context) (any, error)

func (f HandlerFunc) Execute(ctx context.Context, input map[string]any, wc *Context) (any, error) {
	return f(ctx, input, wc)
}

// SchemaProvider is optionally implemented by handlers that declare a
// JSON schema for their merged input. The registry validates inputs
// against it before each call.
type SchemaProvider interface {
	InputSchema() map[string]any
}

// Registry maps action-type tags to handlers. It is an instance, not
// process-global state, so isolated engines can carry isolated handler
// sets.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	schemas  map[string]map[string]any
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		schemas:  make(map[string]map[string]any),
	}
}

// Register binds a handler to an action type, replacing any existing
// binding for that type.
func (r *Registry) Register(actionType string, h Handler) error {
	actionType = strings.TrimSpace(actionType)
	if actionType == "" {
		return errors.New("action type required")
	}
	if h == nil {
		return errors.New("handler required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
	if sp, ok := h.(SchemaProvider); ok {
		r.schemas[actionType] = sp.InputSchema()
	} else {
		delete(r.schemas, actionType)
	}
	return nil
}

// Resolve looks up the handler for an action type.
func (r *Registry) Resolve(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Types returns the registered action types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateInput checks input against the handler's declared schema, if
// any. Types without a schema accept anything.
func (r *Registry) ValidateInput(actionType string, input map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[actionType]
	r.mu.RUnlock()
	if !ok || schema == nil {
		return nil
	}
	value := input
	if value == nil {
		value = map[string]any{}
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(value))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	if len(result.Errors()) == 0 {
		return errors.New("input validation failed")
	}
	return fmt.Errorf("input validation failed: %s", result.Errors()[0].String())
}
