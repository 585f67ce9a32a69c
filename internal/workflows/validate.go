package workflows

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"threatflow/internal/expr"
)

const defaultMaxRetries = 3

func normalizeDefinition(def *Definition) {
	if def.Mode == "" {
		def.Mode = ModeSequential
	}
	if def.OnError == "" {
		def.OnError = OnErrorStop
	}
	for i := range def.Actions {
		normalizeSpec(&def.Actions[i])
	}
	for i := range def.ErrorActions {
		normalizeSpec(&def.ErrorActions[i])
	}
}

func normalizeSpec(a *ActionSpec) {
	if a.RetryOnFailure && a.MaxRetries <= 0 {
		a.MaxRetries = defaultMaxRetries
	}
	if a.Condition == nil {
		return
	}
	if a.Condition.Kind != "" {
		return
	}
	switch {
	case a.Condition.Expression != "":
		a.Condition.Kind = ConditionExpression
	case a.Condition.Script != "":
		a.Condition.Kind = ConditionScript
	default:
		a.Condition.Kind = ConditionAlways
	}
}

// ValidateDefinition checks a normalized definition: identifiers,
// action types against the registry (when given), conditions compile,
// dependency references resolve, and the DAG is acyclic. A cycle is
// reported as *CycleError so registration can reject it before any
// execution recurses into it.
func ValidateDefinition(def *Definition, reg *Registry) error {
	if def == nil {
		return errors.New("definition required")
	}
	if strings.TrimSpace(def.ID) == "" {
		return errors.New("workflow id required")
	}
	switch def.Mode {
	case ModeSequential, ModeParallel, ModeDAG:
	default:
		return fmt.Errorf("workflow %s: unknown mode %q", def.ID, def.Mode)
	}
	switch def.OnError {
	case OnErrorStop, OnErrorContinue, OnErrorRollback:
	default:
		return fmt.Errorf("workflow %s: unknown onError %q", def.ID, def.OnError)
	}
	if len(def.Actions) == 0 {
		return fmt.Errorf("workflow %s: at least one action required", def.ID)
	}
	ids := make(map[string]bool, len(def.Actions))
	for i := range def.Actions {
		a := &def.Actions[i]
		if err := validateSpec(def, a, reg); err != nil {
			return err
		}
		if ids[a.ID] {
			return fmt.Errorf("workflow %s: duplicate action id %q", def.ID, a.ID)
		}
		ids[a.ID] = true
		if def.Mode != ModeDAG && len(a.DependsOn) > 0 {
			return fmt.Errorf("workflow %s: action %s: dependsOn requires dag mode", def.ID, a.ID)
		}
	}
	for i := range def.Actions {
		a := &def.Actions[i]
		for _, dep := range a.DependsOn {
			if dep == a.ID {
				return fmt.Errorf("workflow %s: action %s depends on itself", def.ID, a.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("workflow %s: action %s depends on unknown action %q", def.ID, a.ID, dep)
			}
		}
	}
	errIDs := make(map[string]bool, len(def.ErrorActions))
	for i := range def.ErrorActions {
		a := &def.ErrorActions[i]
		if err := validateSpec(def, a, reg); err != nil {
			return err
		}
		if errIDs[a.ID] {
			return fmt.Errorf("workflow %s: duplicate error action id %q", def.ID, a.ID)
		}
		errIDs[a.ID] = true
		if len(a.DependsOn) > 0 {
			return fmt.Errorf("workflow %s: error action %s: dependsOn not allowed", def.ID, a.ID)
		}
	}
	if def.Mode == ModeDAG {
		if err := detectCycle(def.ID, def.Actions); err != nil {
			return err
		}
	}
	return nil
}

func validateSpec(def *Definition, a *ActionSpec, reg *Registry) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("workflow %s: action id required", def.ID)
	}
	if strings.TrimSpace(a.Type) == "" {
		return fmt.Errorf("workflow %s: action %s: type required", def.ID, a.ID)
	}
	if reg != nil {
		if _, ok := reg.Resolve(a.Type); !ok {
			return fmt.Errorf("workflow %s: action %s: unknown action type %q", def.ID, a.ID, a.Type)
		}
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("workflow %s: action %s: maxRetries must be >= 0", def.ID, a.ID)
	}
	if a.TimeoutSecs < 0 {
		return fmt.Errorf("workflow %s: action %s: timeoutSecs must be >= 0", def.ID, a.ID)
	}
	if a.Rollback != nil && strings.TrimSpace(a.Rollback.Type) == "" {
		return fmt.Errorf("workflow %s: action %s: rollback type required", def.ID, a.ID)
	}
	if a.Rollback != nil && reg != nil {
		if _, ok := reg.Resolve(a.Rollback.Type); !ok {
			return fmt.Errorf("workflow %s: action %s: unknown rollback type %q", def.ID, a.ID, a.Rollback.Type)
		}
	}
	return validateCondition(def, a)
}

func validateCondition(def *Definition, a *ActionSpec) error {
	c := a.Condition
	if c == nil {
		return nil
	}
	switch c.Kind {
	case ConditionAlways, ConditionNever:
		return nil
	case ConditionExpression:
		if strings.TrimSpace(c.Expression) == "" {
			return fmt.Errorf("workflow %s: action %s: expression required", def.ID, a.ID)
		}
		if _, err := expr.Compile(c.Expression); err != nil {
			return fmt.Errorf("workflow %s: action %s: %w", def.ID, a.ID, err)
		}
		return nil
	case ConditionScript:
		if strings.TrimSpace(c.Script) == "" {
			return fmt.Errorf("workflow %s: action %s: script required", def.ID, a.ID)
		}
		if _, err := expr.CompileScript(c.Script); err != nil {
			return fmt.Errorf("workflow %s: action %s: %w", def.ID, a.ID, err)
		}
		return nil
	default:
		return fmt.Errorf("workflow %s: action %s: unknown condition kind %q", def.ID, a.ID, c.Kind)
	}
}

// detectCycle runs Kahn's algorithm over the dependsOn edges. Actions
// left with unresolved in-degree after the sort are part of (or
// downstream of) a cycle.
func detectCycle(workflowID string, actions []ActionSpec) error {
	indegree := make(map[string]int, len(actions))
	dependents := make(map[string][]string, len(actions))
	for _, a := range actions {
		indegree[a.ID] = len(a.DependsOn)
		for _, dep := range a.DependsOn {
			dependents[dep] = append(dependents[dep], a.ID)
		}
	}
	queue := make([]string, 0, len(actions))
	for _, a := range actions {
		if indegree[a.ID] == 0 {
			queue = append(queue, a.ID)
		}
	}
	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if resolved == len(actions) {
		return nil
	}
	var stuck []string
	for _, a := range actions {
		if indegree[a.ID] > 0 {
			stuck = append(stuck, a.ID)
		}
	}
	sort.Strings(stuck)
	return &CycleError{WorkflowID: workflowID, Actions: stuck}
}
