package triage

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"threatflow/internal/expr"
)

// compiledRule pairs a stored rule with its compiled regex patterns and
// condition expression so matching never re-parses per alert.
type compiledRule struct {
	rule     *Rule
	patterns []*regexp.Regexp
	program  *expr.Program
}

var validPriorities = map[string]bool{
	SeverityCritical: true,
	SeverityHigh:     true,
	SeverityMedium:   true,
	SeverityLow:      true,
}

func compileRule(r *Rule) (*compiledRule, error) {
	if strings.TrimSpace(r.ID) == "" {
		return nil, fmt.Errorf("rule id required")
	}
	c := r.Conditions
	if c.MinIOCCount < 0 || c.MaxIOCCount < 0 {
		return nil, fmt.Errorf("rule %s: ioc count bounds must be >= 0", r.ID)
	}
	if c.MinIOCCount > 0 && c.MaxIOCCount > 0 && c.MaxIOCCount < c.MinIOCCount {
		return nil, fmt.Errorf("rule %s: maxIOCCount %d below minIOCCount %d", r.ID, c.MaxIOCCount, c.MinIOCCount)
	}
	if p := r.Actions.AssignPriority; p != "" && !validPriorities[strings.ToLower(p)] {
		return nil, fmt.Errorf("rule %s: unknown priority %q", r.ID, p)
	}
	cr := &compiledRule{rule: r}
	for _, pat := range c.Patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("rule %s: pattern %q: %w", r.ID, pat, err)
		}
		cr.patterns = append(cr.patterns, re)
	}
	if c.Expression != "" {
		prog, err := expr.Compile(c.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %s: expression: %w", r.ID, err)
		}
		cr.program = prog
	}
	return cr, nil
}

// matches reports whether every configured condition holds for the
// alert. Keyword and pattern conditions scan title plus description;
// keywords match case-insensitively, patterns are RE2 as written.
func (cr *compiledRule) matches(al Alert) bool {
	c := cr.rule.Conditions
	if len(c.Severities) > 0 && !containsFold(c.Severities, al.Severity) {
		return false
	}
	if len(c.Sources) > 0 && !containsFold(c.Sources, al.Source) {
		return false
	}
	if len(c.IOCTypes) > 0 && !iocTypeOverlap(c.IOCTypes, al.IOCs) {
		return false
	}
	n := len(al.IOCs)
	if c.MinIOCCount > 0 && n < c.MinIOCCount {
		return false
	}
	if c.MaxIOCCount > 0 && n > c.MaxIOCCount {
		return false
	}
	text := al.Title + "\n" + al.Description
	if len(c.Keywords) > 0 && !anyKeyword(text, c.Keywords) {
		return false
	}
	if len(cr.patterns) > 0 && !anyPattern(text, cr.patterns) {
		return false
	}
	if cr.program != nil {
		ok, err := cr.program.Bool(alertEnv(al))
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

func iocTypeOverlap(types []string, iocs []IOC) bool {
	for _, ioc := range iocs {
		if containsFold(types, ioc.Type) {
			return true
		}
	}
	return false
}

func anyKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func anyPattern(text string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// alertEnv is the environment rule expressions evaluate against. The
// alert is exposed under the "alert" key, e.g.
// `alert.severity == "critical" && alert.iocCount > 1`.
func alertEnv(al Alert) map[string]any {
	iocs := make([]any, 0, len(al.IOCs))
	for _, ioc := range al.IOCs {
		iocs = append(iocs, map[string]any{"type": ioc.Type, "value": ioc.Value})
	}
	ttps := make([]any, 0, len(al.TTPs))
	for _, t := range al.TTPs {
		ttps = append(ttps, t)
	}
	env := map[string]any{
		"id":          al.ID,
		"title":       al.Title,
		"description": al.Description,
		"severity":    al.Severity,
		"source":      al.Source,
		"iocs":        iocs,
		"iocCount":    float64(len(al.IOCs)),
		"ttps":        ttps,
	}
	if !al.DetectedAt.IsZero() {
		env["detectedAt"] = al.DetectedAt.UTC().Format(time.RFC3339)
	}
	return map[string]any{"alert": env}
}

// DefaultRules is the rule set installed at engine construction. Callers
// may remove or replace any of them by id.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "critical-multi-ioc",
			Name:     "Critical alert with multiple IOCs",
			Priority: 100,
			Conditions: RuleConditions{
				Severities:  []string{SeverityCritical},
				MinIOCCount: 2,
			},
			Actions: RuleActions{
				AssignPriority: SeverityCritical,
				CreateTicket:   true,
				Escalate:       true,
				Notify:         &NotifySpec{Channels: []string{"secops"}, Urgency: "critical"},
			},
		},
		{
			ID:       "ransomware-indicators",
			Name:     "Ransomware activity keywords",
			Priority: 90,
			Conditions: RuleConditions{
				Keywords: []string{"ransomware", "ransom note", "files encrypted"},
			},
			Actions: RuleActions{
				AssignPriority: SeverityCritical,
				AssignCategory: "malware",
				AddTags:        []string{"ransomware"},
				AutoEnrich:     true,
				CreateTicket:   true,
				Escalate:       true,
			},
		},
		{
			ID:       "credential-phishing",
			Name:     "Credential phishing indicators",
			Priority: 70,
			Conditions: RuleConditions{
				Keywords: []string{"phishing", "credential harvest", "fake login"},
			},
			Actions: RuleActions{
				AssignCategory: "phishing",
				AddTags:        []string{"phishing"},
				AutoEnrich:     true,
				Notify:         &NotifySpec{Channels: []string{"soc"}, Urgency: "warning"},
			},
		},
		{
			ID:       "scanner-noise",
			Name:     "Internal scanner noise",
			Priority: 10,
			Conditions: RuleConditions{
				Severities: []string{SeverityLow},
				Sources:    []string{"vulnerability-scanner"},
			},
			Actions: RuleActions{
				AssignPriority: SeverityLow,
				AddTags:        []string{"scanner"},
				AutoResolve:    true,
			},
		},
	}
}
