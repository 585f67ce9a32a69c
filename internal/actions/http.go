package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"threatflow/internal/workflows"
)

// maxResponseBytes caps how much of a response body an action keeps.
const maxResponseBytes = 1 << 20

// HTTPAction issues a generic HTTP request. The response body is
// decoded as JSON when the server says it is JSON, otherwise kept as a
// string; a status outside 2xx fails the action so the engine's retry
// policy applies.
type HTTPAction struct {
	Client *http.Client
}

func (a *HTTPAction) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url":     map[string]any{"type": "string", "minLength": 1},
			"method":  map[string]any{"type": "string"},
			"headers": map[string]any{"type": "object"},
		},
	}
}

func (a *HTTPAction) Execute(ctx context.Context, input map[string]any, wc *workflows.Context) (any, error) {
	rawURL := strings.TrimSpace(stringField(input, "url"))
	if rawURL == "" {
		return nil, fmt.Errorf("url required")
	}
	method := strings.ToUpper(strings.TrimSpace(stringField(input, "method")))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := ""
	if raw, ok := input["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode body: %w", err)
			}
			body = bytes.NewReader(data)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(payload), 256))
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   decodeBody(resp.Header.Get("Content-Type"), payload),
	}, nil
}

func (a *HTTPAction) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return &http.Client{Timeout: defaultClientTimeout}
}

func decodeBody(contentType string, payload []byte) any {
	if strings.Contains(contentType, "application/json") {
		var decoded any
		if err := json.Unmarshal(payload, &decoded); err == nil {
			return decoded
		}
	}
	return string(payload)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
