package triage

import (
	"time"
)

// Severity and priority share one vocabulary. Alerts may arrive with any
// severity string; unknown values score like "low".
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Tags the pipeline attaches on its own, without a rule.
const (
	TagDuplicate     = "duplicate"
	TagFalsePositive = "false-positive"

	campaignTagPrefix = "campaign:"
)

// IOC is a single indicator of compromise attached to an alert.
type IOC struct {
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

// Alert is a normalized security alert as ingested from a detection
// source. Raw carries the source payload untouched for audit trails and
// rule expressions that need fields the normalizer does not map.
type Alert struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Severity    string         `json:"severity"`
	Source      string         `json:"source,omitempty"`
	IOCs        []IOC          `json:"iocs,omitempty"`
	TTPs        []string       `json:"ttps,omitempty"`
	DetectedAt  time.Time      `json:"detectedAt,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// RuleConditions are ANDed together; a condition left at its zero value
// does not constrain the match. Min/MaxIOCCount of zero mean unset.
type RuleConditions struct {
	Severities  []string `json:"severities,omitempty" yaml:"severities,omitempty"`
	Sources     []string `json:"sources,omitempty" yaml:"sources,omitempty"`
	IOCTypes    []string `json:"iocTypes,omitempty" yaml:"ioc_types,omitempty"`
	MinIOCCount int      `json:"minIOCCount,omitempty" yaml:"min_ioc_count,omitempty"`
	MaxIOCCount int      `json:"maxIOCCount,omitempty" yaml:"max_ioc_count,omitempty"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Patterns    []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Expression  string   `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// NotifySpec describes where a rule wants humans paged.
type NotifySpec struct {
	Channels []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	Urgency  string   `json:"urgency,omitempty" yaml:"urgency,omitempty"`
}

// RuleActions are applied when a rule matches. Scalar assignments
// overwrite as matches apply in descending priority order, so the
// last-applied (lowest priority) matching rule has the final say.
type RuleActions struct {
	AssignPriority  string      `json:"assignPriority,omitempty" yaml:"assign_priority,omitempty"`
	AssignCategory  string      `json:"assignCategory,omitempty" yaml:"assign_category,omitempty"`
	AddTags         []string    `json:"addTags,omitempty" yaml:"add_tags,omitempty"`
	AutoEnrich      bool        `json:"autoEnrich,omitempty" yaml:"auto_enrich,omitempty"`
	CreateTicket    bool        `json:"createTicket,omitempty" yaml:"create_ticket,omitempty"`
	Notify          *NotifySpec `json:"notify,omitempty" yaml:"notify,omitempty"`
	Escalate        bool        `json:"escalate,omitempty" yaml:"escalate,omitempty"`
	AutoResolve     bool        `json:"autoResolve,omitempty" yaml:"auto_resolve,omitempty"`
	TriggerWorkflow string      `json:"triggerWorkflow,omitempty" yaml:"trigger_workflow,omitempty"`
}

// Rule is a triage rule. Enabled defaults to true when nil. MatchCount
// is maintained by the engine and ignored on input.
type Rule struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Priority    int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Conditions  RuleConditions `json:"conditions" yaml:"conditions"`
	Actions     RuleActions    `json:"actions" yaml:"actions"`
	MatchCount  int64          `json:"matchCount,omitempty" yaml:"-"`
}

// IsEnabled reports whether the rule participates in matching.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Clone returns a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Enabled != nil {
		v := *r.Enabled
		cp.Enabled = &v
	}
	cp.Conditions.Severities = cloneStrings(r.Conditions.Severities)
	cp.Conditions.Sources = cloneStrings(r.Conditions.Sources)
	cp.Conditions.IOCTypes = cloneStrings(r.Conditions.IOCTypes)
	cp.Conditions.Keywords = cloneStrings(r.Conditions.Keywords)
	cp.Conditions.Patterns = cloneStrings(r.Conditions.Patterns)
	cp.Actions.AddTags = cloneStrings(r.Actions.AddTags)
	if r.Actions.Notify != nil {
		n := *r.Actions.Notify
		n.Channels = cloneStrings(r.Actions.Notify.Channels)
		cp.Actions.Notify = &n
	}
	return &cp
}

// Result is the outcome of triaging one alert. Results are immutable
// once created; the engine keeps an append-only history per alert.
type Result struct {
	AlertID              string    `json:"alertId"`
	OriginalSeverity     string    `json:"originalSeverity"`
	Priority             string    `json:"priority,omitempty"`
	Category             string    `json:"category,omitempty"`
	Tags                 []string  `json:"tags,omitempty"`
	Score                float64   `json:"score"`
	Confidence           float64   `json:"confidence"`
	Reasoning            []string  `json:"reasoning,omitempty"`
	MatchedRules         []string  `json:"matchedRules,omitempty"`
	EnrichmentRequired   bool      `json:"enrichmentRequired,omitempty"`
	TicketRequired       bool      `json:"ticketRequired,omitempty"`
	NotificationRequired bool      `json:"notificationRequired,omitempty"`
	EscalationRequired   bool      `json:"escalationRequired,omitempty"`
	AutoResolved         bool      `json:"autoResolved,omitempty"`
	WorkflowsTriggered   []string  `json:"workflowsTriggered,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Tags = cloneStrings(r.Tags)
	cp.Reasoning = cloneStrings(r.Reasoning)
	cp.MatchedRules = cloneStrings(r.MatchedRules)
	cp.WorkflowsTriggered = cloneStrings(r.WorkflowsTriggered)
	return &cp
}

// Thresholds map a triage score onto a priority. Bands are checked
// highest first; a score qualifies for the first band it meets.
type Thresholds struct {
	Critical float64 `json:"critical" yaml:"critical"`
	High     float64 `json:"high" yaml:"high"`
	Medium   float64 `json:"medium" yaml:"medium"`
	Low      float64 `json:"low" yaml:"low"`
}

// DefaultThresholds mirror the shipped configuration defaults.
var DefaultThresholds = Thresholds{Critical: 90, High: 70, Medium: 40, Low: 0}

// Priority returns the priority band for score.
func (t Thresholds) Priority(score float64) string {
	switch {
	case score >= t.Critical:
		return SeverityCritical
	case score >= t.High:
		return SeverityHigh
	case score >= t.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Stats is a point-in-time summary of engine activity.
type Stats struct {
	TotalRules         int   `json:"totalRules"`
	EnabledRules       int   `json:"enabledRules"`
	AlertsTriaged      int64 `json:"alertsTriaged"`
	AutoResolved       int64 `json:"autoResolved"`
	TicketsRequired    int64 `json:"ticketsRequired"`
	WorkflowsTriggered int64 `json:"workflowsTriggered"`
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
