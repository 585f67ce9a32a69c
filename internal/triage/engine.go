// Package triage scores and classifies incoming security alerts. A
// rule-driven pipeline deduplicates alerts, computes a 0-100 score,
// applies analyst-authored rules and built-in heuristics, and kicks off
// response workflows for rules that request one.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"threatflow/internal/events"
	"threatflow/internal/metrics"
	"threatflow/internal/workflows"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrInvalidAlert = errors.New("invalid alert")
)

const defaultBatchConcurrency = 8

// WorkflowStarter starts response workflows for rules that carry a
// triggerWorkflow action. *workflows.Engine satisfies it.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, trigger map[string]any) (*workflows.Execution, error)
}

// CampaignObserver folds alerts into attack campaigns as they are
// triaged. A match tags the result with the campaign id.
type CampaignObserver interface {
	Observe(al Alert) (campaignID string, matched bool)
}

type fingerprintEntry struct {
	alertID string
	seen    time.Time
}

// Engine runs the triage pipeline. Collaborator fields may be swapped
// before first use; all methods are safe for concurrent callers.
type Engine struct {
	Starter  WorkflowStarter
	Observer CampaignObserver
	Bus      *events.Bus
	Log      *slog.Logger
	Now      func() time.Time

	DuplicateWindow    time.Duration
	DedupeEnabled      bool
	FalsePositiveCheck bool
	Thresholds         Thresholds
	BatchConcurrency   int

	mu           sync.RWMutex
	rules        map[string]*compiledRule
	fingerprints map[string]fingerprintEntry
	history      map[string][]*Result

	triaged            int64
	autoResolved       int64
	ticketsRequired    int64
	workflowsTriggered int64
}

// NewEngine returns an engine with the default rule set installed and
// deduplication and false-positive checks enabled.
func NewEngine() *Engine {
	e := &Engine{
		Log:                slog.Default(),
		Now:                time.Now,
		DuplicateWindow:    time.Hour,
		DedupeEnabled:      true,
		FalsePositiveCheck: true,
		Thresholds:         DefaultThresholds,
		BatchConcurrency:   defaultBatchConcurrency,
		rules:              make(map[string]*compiledRule),
		fingerprints:       make(map[string]fingerprintEntry),
		history:            make(map[string][]*Result),
	}
	for _, r := range DefaultRules() {
		_ = e.AddRule(&r)
	}
	return e
}

// AddRule validates, compiles and stores a rule, replacing any existing
// rule with the same id. The stored copy starts with a zero match count.
func (e *Engine) AddRule(r *Rule) error {
	if r == nil {
		return errors.New("rule required")
	}
	cp := r.Clone()
	cp.MatchCount = 0
	cr, err := compileRule(cp)
	if err != nil {
		return err
	}
	e.mu.Lock()
	_, replaced := e.rules[cp.ID]
	e.rules[cp.ID] = cr
	e.mu.Unlock()
	e.Bus.Publish(events.RuleAdded, map[string]any{"ruleId": cp.ID, "replaced": replaced})
	return nil
}

// RemoveRule deletes a rule by id.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	if _, ok := e.rules[id]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(e.rules, id)
	e.mu.Unlock()
	e.Bus.Publish(events.RuleRemoved, map[string]any{"ruleId": id})
	return nil
}

// GetRule returns a copy of the rule with the given id.
func (e *Engine) GetRule(id string) (*Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cr, ok := e.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return cr.rule.Clone(), nil
}

// ListRules returns copies of all rules sorted by descending priority,
// id as tiebreak.
func (e *Engine) ListRules() []*Rule {
	e.mu.RLock()
	out := make([]*Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		out = append(out, cr.rule.Clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TriageAlert runs the full pipeline for one alert and records the
// result in the alert's history. The returned result is a private copy.
func (e *Engine) TriageAlert(ctx context.Context, al Alert) (*Result, error) {
	if strings.TrimSpace(al.ID) == "" {
		return nil, e.failTriage(al, fmt.Errorf("%w: id required", ErrInvalidAlert))
	}
	if err := ctx.Err(); err != nil {
		return nil, e.failTriage(al, err)
	}
	start := time.Now()
	defer func() { metrics.TriageDuration.Observe(time.Since(start).Seconds()) }()

	now := e.now()
	res := &Result{
		AlertID:          al.ID,
		OriginalSeverity: al.Severity,
		CreatedAt:        now,
	}

	fp := Fingerprint(al)
	if e.DedupeEnabled {
		e.mu.Lock()
		if ent, ok := e.fingerprints[fp]; ok && now.Sub(ent.seen) <= e.dupWindow() {
			res.AutoResolved = true
			res.Tags = append(res.Tags, TagDuplicate)
			res.Reasoning = append(res.Reasoning,
				fmt.Sprintf("duplicate of alert %s seen %s ago", ent.alertID, now.Sub(ent.seen).Round(time.Second)))
			e.history[al.ID] = append(e.history[al.ID], res)
			e.triaged++
			e.autoResolved++
			e.mu.Unlock()
			e.Log.Debug("alert deduplicated", "alert", al.ID, "original", ent.alertID)
			e.Bus.Publish(events.AlertTriaged, res.Clone())
			metrics.AlertsTriagedTotal.WithLabelValues("duplicate").Inc()
			return res.Clone(), nil
		}
		e.mu.Unlock()
	}

	score, reasons := baseScore(al, now)
	res.Reasoning = append(res.Reasoning, reasons...)

	matched := e.matchRules(al)
	for _, cr := range matched {
		applyRule(res, cr.rule)
	}

	// Indicator-bearing alerts get an enrichment bump on top of the base
	// ioc contribution.
	if n := len(al.IOCs); n > 0 {
		bump := math.Min(10, float64(2*n))
		score += bump
		res.Reasoning = append(res.Reasoning, fmt.Sprintf("enrichment bonus +%.0f", bump))
	}
	score = clampScore(score)

	falsePositive := false
	if e.FalsePositiveCheck {
		if weight, signals := falsePositiveSignals(al); weight >= 2 {
			falsePositive = true
			res.AutoResolved = true
			res.Tags = appendUnique(res.Tags, TagFalsePositive)
			score = math.Max(0, score-30)
			res.Reasoning = append(res.Reasoning, "likely false positive: "+strings.Join(signals, ", "))
		}
	}

	if e.Observer != nil {
		if campaign, ok := e.Observer.Observe(al); ok {
			res.Tags = appendUnique(res.Tags, campaignTagPrefix+campaign)
			res.Reasoning = append(res.Reasoning, fmt.Sprintf("correlated with campaign %s", campaign))
		}
	}

	res.Score = score
	if res.Priority == "" {
		res.Priority = e.thresholds().Priority(score)
		res.Reasoning = append(res.Reasoning, fmt.Sprintf("priority %s from score %.0f", res.Priority, score))
	}
	res.Confidence = confidence(al, len(res.MatchedRules))

	for _, cr := range matched {
		wf := cr.rule.Actions.TriggerWorkflow
		if wf == "" {
			continue
		}
		if e.Starter == nil {
			e.Log.Warn("workflow trigger skipped, no starter configured", "rule", cr.rule.ID, "workflow", wf)
			continue
		}
		trigger := map[string]any{
			"type": "alert_triage",
			"data": map[string]any{"alert": toMap(al), "triageResult": toMap(res)},
		}
		exec, err := e.Starter.ExecuteWorkflow(ctx, wf, trigger)
		if err != nil {
			// Response automation must never fail the triage verdict.
			e.Log.Error("workflow trigger failed", "rule", cr.rule.ID, "workflow", wf, "error", err)
			continue
		}
		res.WorkflowsTriggered = append(res.WorkflowsTriggered, exec.ID)
		res.Reasoning = append(res.Reasoning, fmt.Sprintf("workflow %s triggered, execution %s", wf, exec.ID))
	}

	e.mu.Lock()
	for _, cr := range matched {
		if cur, ok := e.rules[cr.rule.ID]; ok {
			cur.rule.MatchCount++
		}
	}
	e.evictFingerprintsLocked(now)
	e.fingerprints[fp] = fingerprintEntry{alertID: al.ID, seen: now}
	e.history[al.ID] = append(e.history[al.ID], res)
	e.triaged++
	if res.AutoResolved {
		e.autoResolved++
	}
	if res.TicketRequired {
		e.ticketsRequired++
	}
	e.workflowsTriggered += int64(len(res.WorkflowsTriggered))
	e.mu.Unlock()

	outcome := "triaged"
	if falsePositive {
		outcome = "false_positive"
	}
	metrics.AlertsTriagedTotal.WithLabelValues(outcome).Inc()
	e.Log.Info("alert triaged",
		"alert", al.ID, "priority", res.Priority, "score", res.Score,
		"rules", len(res.MatchedRules), "autoResolved", res.AutoResolved)
	e.Bus.Publish(events.AlertTriaged, res.Clone())
	return res.Clone(), nil
}

// TriageAlerts triages a batch with bounded concurrency. Results line up
// with the input by index; a failed alert leaves a nil slot and its
// error joined into the returned error.
func (e *Engine) TriageAlerts(ctx context.Context, alerts []Alert) ([]*Result, error) {
	results := make([]*Result, len(alerts))
	errs := make([]error, len(alerts))
	sem := make(chan struct{}, e.batchSize())
	var wg sync.WaitGroup
	for i := range alerts {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], errs[i] = e.TriageAlert(ctx, alerts[i])
		}(i)
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

// History returns copies of all triage results recorded for the alert,
// oldest first.
func (e *Engine) History(alertID string) []*Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entries := e.history[alertID]
	out := make([]*Result, 0, len(entries))
	for _, r := range entries {
		out = append(out, r.Clone())
	}
	return out
}

// Stats summarizes rule and triage activity.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{
		AlertsTriaged:      e.triaged,
		AutoResolved:       e.autoResolved,
		TicketsRequired:    e.ticketsRequired,
		WorkflowsTriggered: e.workflowsTriggered,
	}
	for _, cr := range e.rules {
		s.TotalRules++
		if cr.rule.IsEnabled() {
			s.EnabledRules++
		}
	}
	return s
}

// Fingerprint derives the deduplication key for an alert: source, title
// (case-folded), severity and the sorted ioc values.
func Fingerprint(al Alert) string {
	vals := make([]string, 0, len(al.IOCs))
	for _, ioc := range al.IOCs {
		vals = append(vals, ioc.Value)
	}
	sort.Strings(vals)
	parts := append([]string{al.Source, strings.ToLower(al.Title), al.Severity}, vals...)
	return strings.Join(parts, "|")
}

func (e *Engine) matchRules(al Alert) []*compiledRule {
	e.mu.RLock()
	enabled := make([]*compiledRule, 0, len(e.rules))
	for _, cr := range e.rules {
		if cr.rule.IsEnabled() {
			enabled = append(enabled, cr)
		}
	}
	e.mu.RUnlock()
	sort.Slice(enabled, func(i, j int) bool {
		if enabled[i].rule.Priority != enabled[j].rule.Priority {
			return enabled[i].rule.Priority > enabled[j].rule.Priority
		}
		return enabled[i].rule.ID < enabled[j].rule.ID
	})
	var matched []*compiledRule
	for _, cr := range enabled {
		if cr.matches(al) {
			matched = append(matched, cr)
		}
	}
	return matched
}

func applyRule(res *Result, r *Rule) {
	a := r.Actions
	if a.AssignPriority != "" {
		res.Priority = strings.ToLower(a.AssignPriority)
	}
	if a.AssignCategory != "" {
		res.Category = a.AssignCategory
	}
	if len(a.AddTags) > 0 {
		res.Tags = appendUnique(res.Tags, a.AddTags...)
	}
	if a.AutoEnrich {
		res.EnrichmentRequired = true
	}
	if a.CreateTicket {
		res.TicketRequired = true
	}
	if a.Notify != nil {
		res.NotificationRequired = true
	}
	if a.Escalate {
		res.EscalationRequired = true
	}
	if a.AutoResolve {
		res.AutoResolved = true
	}
	res.MatchedRules = append(res.MatchedRules, r.ID)
	name := r.Name
	if name == "" {
		name = r.ID
	}
	res.Reasoning = append(res.Reasoning, fmt.Sprintf("matched rule %q", name))
}

// falsePositiveSignals weighs heuristic indicators that an alert is
// noise. Private-only ipv4 indicators weigh double.
func falsePositiveSignals(al Alert) (int, []string) {
	weight := 0
	var signals []string
	if strings.EqualFold(al.Severity, SeverityLow) {
		weight++
		signals = append(signals, "low severity")
	}
	if len(al.IOCs) == 0 {
		weight++
		signals = append(signals, "no indicators")
	}
	if allPrivateIPv4(al.IOCs) {
		weight += 2
		signals = append(signals, "only private ipv4 indicators")
	}
	return weight, signals
}

func allPrivateIPv4(iocs []IOC) bool {
	if len(iocs) == 0 {
		return false
	}
	for _, ioc := range iocs {
		ip := net.ParseIP(ioc.Value)
		if ip == nil || ip.To4() == nil {
			return false
		}
		if !ip.IsPrivate() && !ip.IsLoopback() {
			return false
		}
	}
	return true
}

// baseScore computes the score for an alert before rule and enrichment
// adjustments: the severity floor, up to 15 points for indicator volume
// and 5 for recent detection.
func baseScore(al Alert, now time.Time) (float64, []string) {
	score := severityBase(al.Severity)
	reasons := []string{fmt.Sprintf("base score %.0f for severity %q", score, al.Severity)}
	if n := len(al.IOCs); n > 0 {
		bump := math.Min(15, float64(3*n))
		score += bump
		reasons = append(reasons, fmt.Sprintf("%d indicators add %.0f", n, bump))
	}
	if !al.DetectedAt.IsZero() && now.Sub(al.DetectedAt) <= time.Hour {
		score += 5
		reasons = append(reasons, "detected within the last hour, +5")
	}
	return clampScore(score), reasons
}

func confidence(al Alert, matchedRules int) float64 {
	c := 0.5 + 0.1*float64(matchedRules)
	if len(al.IOCs) > 0 {
		c += 0.2
	}
	if len(strings.TrimSpace(al.Description)) < 20 {
		c -= 0.1
	}
	return math.Max(0, math.Min(1, c))
}

func severityBase(severity string) float64 {
	switch strings.ToLower(severity) {
	case SeverityCritical:
		return 80
	case SeverityHigh:
		return 60
	case SeverityMedium:
		return 40
	default:
		return 20
	}
}

func clampScore(score float64) float64 {
	return math.Max(0, math.Min(100, score))
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if v == "" {
			continue
		}
		seen := false
		for _, d := range dst {
			if d == v {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, v)
		}
	}
	return dst
}

func (e *Engine) evictFingerprintsLocked(now time.Time) {
	cutoff := now.Add(-2 * e.dupWindow())
	for k, ent := range e.fingerprints {
		if ent.seen.Before(cutoff) {
			delete(e.fingerprints, k)
		}
	}
}

func (e *Engine) failTriage(al Alert, err error) error {
	e.Log.Error("triage failed", "alert", al.ID, "error", err)
	e.Bus.Publish(events.TriageError, map[string]any{"alertId": al.ID, "error": err.Error()})
	metrics.AlertsTriagedTotal.WithLabelValues("error").Inc()
	return err
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) dupWindow() time.Duration {
	if e.DuplicateWindow > 0 {
		return e.DuplicateWindow
	}
	return time.Hour
}

func (e *Engine) thresholds() Thresholds {
	if e.Thresholds == (Thresholds{}) {
		return DefaultThresholds
	}
	return e.Thresholds
}

func (e *Engine) batchSize() int {
	if e.BatchConcurrency > 0 {
		return e.BatchConcurrency
	}
	return defaultBatchConcurrency
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
