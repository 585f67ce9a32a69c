package actions

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"threatflow/internal/workflows"
)

// WebhookAction POSTs a JSON payload to a URL. When a secret is
// configured the request carries an HMAC-SHA256 signature of the body
// in X-Threatflow-Signature, so receivers can verify origin the same
// way they verify inbound chat-platform callbacks.
type WebhookAction struct {
	Client *http.Client
}

func (a *WebhookAction) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url":    map[string]any{"type": "string", "minLength": 1},
			"secret": map[string]any{"type": "string"},
		},
	}
}

func (a *WebhookAction) Execute(ctx context.Context, input map[string]any, wc *workflows.Context) (any, error) {
	rawURL := strings.TrimSpace(stringField(input, "url"))
	if rawURL == "" {
		return nil, fmt.Errorf("url required")
	}
	payload, ok := input["payload"]
	if !ok {
		// default to the triggering payload so a bare webhook action
		// forwards the alert as-is
		payload = input["trigger"]
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret := stringField(input, "secret"); secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		_, _ = mac.Write(data)
		req.Header.Set("X-Threatflow-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

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
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 256))
	}
	return map[string]any{"status": resp.StatusCode, "delivered": true}, nil
}
