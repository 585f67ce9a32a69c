package expr

import (
	"context"
	"fmt"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
)

// maxScriptAllocs bounds how many objects a condition script may
// allocate before the VM aborts it.
const maxScriptAllocs = 10_000_000

// safeModules is the stdlib subset scripts may import. Nothing that
// touches the OS, network, or filesystem is included.
var safeModules = stdlib.GetModuleMap("text", "fmt", "math", "times", "json")

// Script is a compiled condition script. The script receives the
// evaluation environment as a map named input and must assign its
// verdict to a variable named ok:
//
//	ok := input.alert.severity == "critical" && len(input.alert.iocs) > 0
//
// A Script is compiled once and cloned per evaluation, so it is safe
// for concurrent use.
type Script struct {
	src      string
	compiled *tengo.Compiled
}

// CompileScript compiles src into a reusable Script.
func CompileScript(src string) (*Script, error) {
	script := tengo.NewScript([]byte(src))
	script.SetImports(safeModules)
	script.SetMaxAllocs(maxScriptAllocs)
	if err := script.Add("input", map[string]any{}); err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	compiled, err := script.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	return &Script{src: src, compiled: compiled}, nil
}

// Bool runs the script against env and returns the value of its ok
// variable. A missing or non-boolean ok is an error, as is any runtime
// failure or ctx expiry.
func (s *Script) Bool(ctx context.Context, env map[string]any) (bool, error) {
	clone := s.compiled.Clone()
	if err := clone.Set("input", env); err != nil {
		return false, fmt.Errorf("script input: %w", err)
	}
	if err := clone.RunContext(ctx); err != nil {
		return false, fmt.Errorf("script run: %w", err)
	}
	out := clone.Get("ok")
	if out.IsUndefined() {
		return false, fmt.Errorf("script did not set ok")
	}
	v := out.Value()
	b, isBool := v.(bool)
	if !isBool {
		return false, fmt.Errorf("script ok is %T, want bool", v)
	}
	return b, nil
}

// ScriptBool compiles and runs src in one shot.
func ScriptBool(ctx context.Context, src string, env map[string]any) (bool, error) {
	script, err := CompileScript(src)
	if err != nil {
		return false, err
	}
	return script.Bool(ctx, env)
}

// Run executes the script against env and returns the value of its
// output variable. Scripts that set no output yield nil; this is the
// entry point for action scripts, where the result feeds later actions
// rather than a condition gate.
func (s *Script) Run(ctx context.Context, env map[string]any) (any, error) {
	clone := s.compiled.Clone()
	if err := clone.Set("input", env); err != nil {
		return nil, fmt.Errorf("script input: %w", err)
	}
	if err := clone.RunContext(ctx); err != nil {
		return nil, fmt.Errorf("script run: %w", err)
	}
	out := clone.Get("output")
	if out.IsUndefined() {
		return nil, nil
	}
	return out.Value(), nil
}
