package actions

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"threatflow/internal/workflows"
)

// Indicator is one classified IOC.
type Indicator struct {
	Value    string `json:"value"`
	Type     string `json:"type"`
	HashKind string `json:"hashKind,omitempty"`
	Private  bool   `json:"private,omitempty"`
}

// Indicator types.
const (
	IndicatorIPv4    = "ipv4"
	IndicatorIPv6    = "ipv6"
	IndicatorDomain  = "domain"
	IndicatorURL     = "url"
	IndicatorEmail   = "email"
	IndicatorHash    = "hash"
	IndicatorUnknown = "unknown"
)

var (
	hexRe    = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	domainRe = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
)

// Classify identifies what kind of indicator a raw string is. It is
// deliberately offline and deterministic: shape only, no reputation.
func Classify(value string) Indicator {
	v := strings.TrimSpace(value)
	ind := Indicator{Value: v, Type: IndicatorUnknown}
	if v == "" {
		return ind
	}
	if ip := net.ParseIP(v); ip != nil {
		if ip.To4() != nil {
			ind.Type = IndicatorIPv4
		} else {
			ind.Type = IndicatorIPv6
		}
		ind.Private = ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
		return ind
	}
	if kind := hashKind(v); kind != "" {
		ind.Type = IndicatorHash
		ind.HashKind = kind
		return ind
	}
	if strings.Contains(v, "://") {
		if u, err := url.Parse(v); err == nil && u.Scheme != "" && u.Host != "" {
			ind.Type = IndicatorURL
			return ind
		}
	}
	if at := strings.Count(v, "@"); at == 1 {
		parts := strings.SplitN(v, "@", 2)
		if parts[0] != "" && domainRe.MatchString(parts[1]) {
			ind.Type = IndicatorEmail
			return ind
		}
	}
	if domainRe.MatchString(v) {
		ind.Type = IndicatorDomain
	}
	return ind
}

func hashKind(v string) string {
	if !hexRe.MatchString(v) {
		return ""
	}
	switch len(v) {
	case 32:
		return "md5"
	case 40:
		return "sha1"
	case 64:
		return "sha256"
	}
	return ""
}

// EnrichAction classifies the IOCs named in the action config, or the
// triggering alert's iocs when the config names none. The output is a
// deterministic stand-in for an external intel lookup, rich enough for
// downstream conditions to branch on indicator type and private/public
// address split.
type EnrichAction struct{}

func (a *EnrichAction) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"iocs": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"value": map[string]any{"type": "string"},
		},
	}
}

func (a *EnrichAction) Execute(ctx context.Context, input map[string]any, wc *workflows.Context) (any, error) {
	values := collectIOCs(input)
	if len(values) == 0 {
		return nil, fmt.Errorf("no iocs to enrich")
	}
	indicators := make([]Indicator, 0, len(values))
	types := make(map[string]int)
	private := 0
	for _, v := range values {
		ind := Classify(v)
		indicators = append(indicators, ind)
		types[ind.Type]++
		if ind.Private {
			private++
		}
	}
	return map[string]any{
		"indicators": indicators,
		"summary": map[string]any{
			"total":   len(indicators),
			"private": private,
			"types":   types,
		},
	}, nil
}

func collectIOCs(input map[string]any) []string {
	if v := stringField(input, "value"); v != "" {
		return []string{v}
	}
	if raw, ok := input["iocs"]; ok {
		return stringSlice(raw)
	}
	if trigger, ok := input["trigger"].(map[string]any); ok {
		if raw, ok := trigger["iocs"]; ok {
			return stringSlice(raw)
		}
	}
	return nil
}

func stringSlice(raw any) []string {
	switch vs := raw.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, v := range vs {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
