// Package actions ships the built-in action handlers: http, webhook,
// notify, script, wait, decision, and enrich. Each handler declares a
// JSON schema for its merged input, so malformed configs fail before
// the handler runs instead of half-way through a remediation.
package actions

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"threatflow/internal/workflows"
)

const defaultClientTimeout = 15 * time.Second

// Options configures the built-in handler set.
type Options struct {
	// Client is shared by the outbound handlers. Nil gets a client with
	// a 15s timeout.
	Client *http.Client

	// NotifyWebhookURL and NotifyChannel are the notify handler's
	// defaults; per-action config may override both.
	NotifyWebhookURL string
	NotifyChannel    string

	Log *slog.Logger
}

// Register binds every built-in handler to its canonical type tag.
func Register(reg *workflows.Registry, opts Options) error {
	if reg == nil {
		return fmt.Errorf("registry required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	handlers := map[string]workflows.Handler{
		"http":     &HTTPAction{Client: client},
		"webhook":  &WebhookAction{Client: client},
		"notify":   &NotifyAction{Client: client, WebhookURL: opts.NotifyWebhookURL, Channel: opts.NotifyChannel, Log: log},
		"script":   &ScriptAction{},
		"wait":     &WaitAction{},
		"decision": &DecisionAction{},
		"enrich":   &EnrichAction{},
	}
	for typ, h := range handlers {
		if err := reg.Register(typ, h); err != nil {
			return fmt.Errorf("register %s: %w", typ, err)
		}
	}
	return nil
}

func stringField(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

func numberField(input map[string]any, key string) (float64, bool) {
	switch v := input[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
