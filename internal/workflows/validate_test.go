package workflows

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeDefinition(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Actions: []ActionSpec{
			{ID: "a", Type: "ok", RetryOnFailure: true},
			{ID: "b", Type: "ok", Condition: &Condition{Expression: "true"}},
			{ID: "c", Type: "ok", Condition: &Condition{Script: `ok := true`}},
			{ID: "d", Type: "ok", Condition: &Condition{}},
		},
	}
	normalizeDefinition(def)
	if def.Mode != ModeSequential {
		t.Fatalf("mode: %s", def.Mode)
	}
	if def.OnError != OnErrorStop {
		t.Fatalf("onError: %s", def.OnError)
	}
	if def.Actions[0].MaxRetries != defaultMaxRetries {
		t.Fatalf("maxRetries: %d", def.Actions[0].MaxRetries)
	}
	if def.Actions[1].Condition.Kind != ConditionExpression {
		t.Fatalf("kind: %s", def.Actions[1].Condition.Kind)
	}
	if def.Actions[2].Condition.Kind != ConditionScript {
		t.Fatalf("kind: %s", def.Actions[2].Condition.Kind)
	}
	if def.Actions[3].Condition.Kind != ConditionAlways {
		t.Fatalf("kind: %s", def.Actions[3].Condition.Kind)
	}

	// retry off leaves maxRetries alone
	spec := ActionSpec{ID: "e", Type: "ok"}
	normalizeSpec(&spec)
	if spec.MaxRetries != 0 {
		t.Fatalf("maxRetries without retry: %d", spec.MaxRetries)
	}
}

func TestValidateDefinition(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("ok", okHandler(nil))
	_ = reg.Register("undo", okHandler(nil))

	valid := func() *Definition {
		return &Definition{
			ID:      "wf",
			Mode:    ModeSequential,
			OnError: OnErrorStop,
			Actions: []ActionSpec{{ID: "a", Type: "ok"}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{"valid", func(d *Definition) {}, ""},
		{"missing id", func(d *Definition) { d.ID = " " }, "workflow id required"},
		{"bad mode", func(d *Definition) { d.Mode = "fanout" }, "unknown mode"},
		{"bad onError", func(d *Definition) { d.OnError = "retry" }, "unknown onError"},
		{"no actions", func(d *Definition) { d.Actions = nil }, "at least one action"},
		{"action missing id", func(d *Definition) { d.Actions[0].ID = "" }, "action id required"},
		{"action missing type", func(d *Definition) { d.Actions[0].Type = "" }, "type required"},
		{"unknown type", func(d *Definition) { d.Actions[0].Type = "teleport" }, "unknown action type"},
		{"duplicate ids", func(d *Definition) {
			d.Actions = append(d.Actions, ActionSpec{ID: "a", Type: "ok"})
		}, "duplicate action id"},
		{"negative retries", func(d *Definition) { d.Actions[0].MaxRetries = -1 }, "maxRetries"},
		{"negative timeout", func(d *Definition) { d.Actions[0].TimeoutSecs = -1 }, "timeoutSecs"},
		{"dependsOn outside dag", func(d *Definition) {
			d.Actions = append(d.Actions, ActionSpec{ID: "b", Type: "ok", DependsOn: []string{"a"}})
		}, "dependsOn requires dag mode"},
		{"self dependency", func(d *Definition) {
			d.Mode = ModeDAG
			d.Actions[0].DependsOn = []string{"a"}
		}, "depends on itself"},
		{"unknown dependency", func(d *Definition) {
			d.Mode = ModeDAG
			d.Actions[0].DependsOn = []string{"ghost"}
		}, "unknown action"},
		{"rollback missing type", func(d *Definition) {
			d.Actions[0].Rollback = &RollbackSpec{}
		}, "rollback type required"},
		{"rollback unknown type", func(d *Definition) {
			d.Actions[0].Rollback = &RollbackSpec{Type: "teleport"}
		}, "unknown rollback type"},
		{"empty expression", func(d *Definition) {
			d.Actions[0].Condition = &Condition{Kind: ConditionExpression}
		}, "expression required"},
		{"bad expression", func(d *Definition) {
			d.Actions[0].Condition = &Condition{Kind: ConditionExpression, Expression: "a &&"}
		}, "compile"},
		{"bad script", func(d *Definition) {
			d.Actions[0].Condition = &Condition{Kind: ConditionScript, Script: "ok :="}
		}, "compile"},
		{"unknown condition kind", func(d *Definition) {
			d.Actions[0].Condition = &Condition{Kind: "maybe"}
		}, "unknown condition kind"},
		{"error action duplicate id", func(d *Definition) {
			d.ErrorActions = []ActionSpec{{ID: "n", Type: "ok"}, {ID: "n", Type: "ok"}}
		}, "duplicate error action id"},
		{"error action with deps", func(d *Definition) {
			d.ErrorActions = []ActionSpec{{ID: "n", Type: "ok", DependsOn: []string{"a"}}}
		}, "dependsOn not allowed"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			def := valid()
			tc.mutate(def)
			err := ValidateDefinition(def, reg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateWithoutRegistry(t *testing.T) {
	def := &Definition{
		ID:      "wf",
		Mode:    ModeSequential,
		OnError: OnErrorStop,
		Actions: []ActionSpec{{ID: "a", Type: "anything-goes"}},
	}
	if err := ValidateDefinition(def, nil); err != nil {
		t.Fatalf("nil registry should skip type checks: %v", err)
	}
}

func TestDetectCycle(t *testing.T) {
	err := detectCycle("wf", []ActionSpec{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c"},
	})
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("want CycleError, got %v", err)
	}
	if len(cycleErr.Actions) != 2 || cycleErr.Actions[0] != "a" || cycleErr.Actions[1] != "b" {
		t.Fatalf("cycle members: %v", cycleErr.Actions)
	}
	if !strings.Contains(err.Error(), "wf") || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("message: %v", err)
	}

	if err := detectCycle("wf", []ActionSpec{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a", "b"}},
	}); err != nil {
		t.Fatalf("acyclic graph flagged: %v", err)
	}
}
