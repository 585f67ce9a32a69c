package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"threatflow/internal/workflows"
)

// NotifyAction posts a message to a Slack-style incoming webhook.
// Urgency drives the message prefix so on-call channels can scan for
// severity without opening the alert.
type NotifyAction struct {
	Client     *http.Client
	WebhookURL string
	Channel    string
	Log        *slog.Logger
}

func (a *NotifyAction) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"message"},
		"properties": map[string]any{
			"message": map[string]any{"type": "string", "minLength": 1},
			"channel": map[string]any{"type": "string"},
			"urgency": map[string]any{
				"type": "string",
				"enum": []string{"info", "warning", "critical"},
			},
			"webhook_url": map[string]any{"type": "string"},
		},
	}
}

func (a *NotifyAction) Execute(ctx context.Context, input map[string]any, wc *workflows.Context) (any, error) {
	message := strings.TrimSpace(stringField(input, "message"))
	if message == "" {
		return nil, fmt.Errorf("message required")
	}
	webhookURL := strings.TrimSpace(stringField(input, "webhook_url"))
	if webhookURL == "" {
		webhookURL = a.WebhookURL
	}
	if webhookURL == "" {
		return nil, fmt.Errorf("notify webhook url not configured")
	}
	channel := strings.TrimSpace(stringField(input, "channel"))
	if channel == "" {
		channel = a.Channel
	}

	text := urgencyPrefix(stringField(input, "urgency")) + message
	body := map[string]any{"text": text}
	if channel != "" {
		body["channel"] = channel
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("notify status %d: %s", resp.StatusCode, truncate(string(payload), 256))
	}
	if a.Log != nil {
		a.Log.Debug("notification delivered", "channel", channel)
	}
	return map[string]any{"delivered": true, "channel": channel}, nil
}

func urgencyPrefix(urgency string) string {
	switch urgency {
	case "critical":
		return "[CRITICAL] "
	case "warning":
		return "[WARNING] "
	default:
		return ""
	}
}
