// Package defs loads workflow and rule definitions from YAML files in a
// catalog directory and applies them to the engines. Reload replaces
// definitions by id; removing an entry from a file does not unregister
// it until restart.
package defs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"threatflow/internal/triage"
	"threatflow/internal/workflows"
)

const (
	workflowsFile = "workflows.yaml"
	rulesFile     = "rules.yaml"
)

type workflowsDoc struct {
	Workflows []*workflows.Definition `yaml:"workflows"`
}

type rulesDoc struct {
	Rules []triage.Rule `yaml:"rules"`
}

// Loader reads the catalog directory into the engines. Either engine
// may be nil, in which case its file is ignored.
type Loader struct {
	Dir       string
	Workflows *workflows.Engine
	Triage    *triage.Engine
	Log       *slog.Logger
}

// Load parses workflows.yaml and rules.yaml from the catalog directory
// and registers their contents. Missing files are fine; parse failures
// and individually rejected definitions are joined into the returned
// error, with valid entries still applied.
func (l *Loader) Load() error {
	var errs []error
	if l.Workflows != nil {
		n, err := l.loadWorkflows()
		if err != nil {
			errs = append(errs, err)
		}
		if n > 0 {
			l.log().Info("workflow definitions loaded", "count", n, "dir", l.Dir)
		}
	}
	if l.Triage != nil {
		n, err := l.loadRules()
		if err != nil {
			errs = append(errs, err)
		}
		if n > 0 {
			l.log().Info("triage rules loaded", "count", n, "dir", l.Dir)
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) loadWorkflows() (int, error) {
	data, err := os.ReadFile(filepath.Join(l.Dir, workflowsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", workflowsFile, err)
	}
	var doc workflowsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parse %s: %w", workflowsFile, err)
	}
	loaded := 0
	var errs []error
	for _, def := range doc.Workflows {
		if def == nil {
			continue
		}
		if err := l.Workflows.RegisterWorkflow(def); err != nil {
			errs = append(errs, fmt.Errorf("workflow %q: %w", def.ID, err))
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

func (l *Loader) loadRules() (int, error) {
	data, err := os.ReadFile(filepath.Join(l.Dir, rulesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", rulesFile, err)
	}
	var doc rulesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parse %s: %w", rulesFile, err)
	}
	loaded := 0
	var errs []error
	for i := range doc.Rules {
		if err := l.Triage.AddRule(&doc.Rules[i]); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", doc.Rules[i].ID, err))
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

func (l *Loader) log() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}
