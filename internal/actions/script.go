package actions

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"threatflow/internal/expr"
	"threatflow/internal/workflows"
)

// ScriptAction runs a tengo script against the merged action input.
// The script sees the input map under the name input and reports via
// an output variable:
//
//	sev := input.trigger.severity
//	output := {blocked: sev == "critical", reason: "auto-containment"}
//
// Compiled scripts are cached by source, so a workflow that runs the
// same script on every alert compiles it once.
type ScriptAction struct {
	cache sync.Map // source -> *expr.Script
}

func (a *ScriptAction) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"script"},
		"properties": map[string]any{
			"script": map[string]any{"type": "string", "minLength": 1},
		},
	}
}

func (a *ScriptAction) Execute(ctx context.Context, input map[string]any, wc *workflows.Context) (any, error) {
	source := stringField(input, "script")
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("script required")
	}
	script, err := a.compiled(source)
	if err != nil {
		return nil, err
	}
	return script.Run(ctx, input)
}

func (a *ScriptAction) compiled(source string) (*expr.Script, error) {
	if cached, ok := a.cache.Load(source); ok {
		return cached.(*expr.Script), nil
	}
	script, err := expr.CompileScript(source)
	if err != nil {
		return nil, err
	}
	a.cache.Store(source, script)
	return script, nil
}
