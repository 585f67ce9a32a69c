package actions

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"threatflow/internal/expr"
	"threatflow/internal/workflows"
)

// DecisionAction evaluates an expression against the merged input and
// outputs the boolean. Later actions branch on it through their own
// conditions, e.g. actionResults.should_isolate.result == true.
type DecisionAction struct {
	cache sync.Map // expression -> *expr.Program
}

func (a *DecisionAction) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"expression"},
		"properties": map[string]any{
			"expression": map[string]any{"type": "string", "minLength": 1},
		},
	}
}

func (a *DecisionAction) Execute(ctx context.Context, input map[string]any, wc *workflows.Context) (any, error) {
	source := stringField(input, "expression")
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("expression required")
	}
	prog, err := a.compiled(source)
	if err != nil {
		return nil, err
	}
	result, err := prog.Bool(input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

func (a *DecisionAction) compiled(source string) (*expr.Program, error) {
	if cached, ok := a.cache.Load(source); ok {
		return cached.(*expr.Program), nil
	}
	prog, err := expr.Compile(source)
	if err != nil {
		return nil, err
	}
	a.cache.Store(source, prog)
	return prog, nil
}
