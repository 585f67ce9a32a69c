package triage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"threatflow/internal/events"
	"threatflow/internal/workflows"
)

type fakeStarter struct {
	mu       sync.Mutex
	calls    []string
	triggers []map[string]any
	err      error
}

func (f *fakeStarter) ExecuteWorkflow(ctx context.Context, workflowID string, trigger map[string]any) (*workflows.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, workflowID)
	f.triggers = append(f.triggers, trigger)
	if f.err != nil {
		return nil, f.err
	}
	return &workflows.Execution{ID: fmt.Sprintf("exec_%d", len(f.calls)), WorkflowID: workflowID}, nil
}

type fakeObserver struct {
	campaign string
	match    bool
	seen     []string
}

func (f *fakeObserver) Observe(al Alert) (string, bool) {
	f.seen = append(f.seen, al.ID)
	return f.campaign, f.match
}

func criticalAlert(id string) Alert {
	return Alert{
		ID:          id,
		Title:       "Cobalt Strike beacon detected on host",
		Description: "EDR flagged periodic beaconing to a known C2 endpoint",
		Severity:    SeverityCritical,
		Source:      "edr",
		IOCs: []IOC{
			{Type: "ip", Value: "203.0.113.7"},
			{Type: "domain", Value: "evil.example.com"},
			{Type: "hash", Value: "44d88612fea8a8f36de82e1278abb02f"},
		},
		DetectedAt: time.Now(),
	}
}

func TestBaseScore(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		alert Alert
		want  float64
	}{
		{"critical three iocs recent", Alert{Severity: SeverityCritical, IOCs: make([]IOC, 3), DetectedAt: now}, 94},
		{"critical ioc cap", Alert{Severity: SeverityCritical, IOCs: make([]IOC, 10), DetectedAt: now}, 100},
		{"high no iocs stale", Alert{Severity: SeverityHigh, DetectedAt: now.Add(-2 * time.Hour)}, 60},
		{"medium one ioc stale", Alert{Severity: SeverityMedium, IOCs: make([]IOC, 1), DetectedAt: now.Add(-2 * time.Hour)}, 43},
		{"low", Alert{Severity: SeverityLow, DetectedAt: now.Add(-2 * time.Hour)}, 20},
		{"unknown severity", Alert{Severity: "informational", DetectedAt: now.Add(-2 * time.Hour)}, 20},
		{"zero detected at gets no recency bump", Alert{Severity: SeverityHigh}, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reasons := baseScore(tt.alert, now)
			if got != tt.want {
				t.Fatalf("baseScore = %v, want %v", got, tt.want)
			}
			if len(reasons) == 0 {
				t.Fatal("expected reasoning lines")
			}
		})
	}
}

func TestTriageCriticalMultiIOC(t *testing.T) {
	e := NewEngine()
	res, err := e.TriageAlert(context.Background(), criticalAlert("a1"))
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if res.Priority != SeverityCritical {
		t.Fatalf("priority = %q, want critical", res.Priority)
	}
	if len(res.MatchedRules) != 1 || res.MatchedRules[0] != "critical-multi-ioc" {
		t.Fatalf("matched rules = %v", res.MatchedRules)
	}
	// 80 severity + 9 iocs + 5 recency, then +6 enrichment.
	if res.Score != 100 {
		t.Fatalf("score = %v, want 100", res.Score)
	}
	if !res.TicketRequired || !res.EscalationRequired || !res.NotificationRequired {
		t.Fatalf("expected ticket, escalation and notification flags, got %+v", res)
	}
	if res.AutoResolved {
		t.Fatal("critical alert must not auto-resolve")
	}
	if math.Abs(res.Confidence-0.8) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.8", res.Confidence)
	}
	if res.OriginalSeverity != SeverityCritical {
		t.Fatalf("original severity = %q", res.OriginalSeverity)
	}
	if got := e.History("a1"); len(got) != 1 {
		t.Fatalf("history length = %d", len(got))
	}
	rule, err := e.GetRule("critical-multi-ioc")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if rule.MatchCount != 1 {
		t.Fatalf("match count = %d, want 1", rule.MatchCount)
	}
}

func TestTriageDuplicate(t *testing.T) {
	e := NewEngine()
	base := time.Now()
	now := base
	var mu sync.Mutex
	e.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e.DuplicateWindow = 30 * time.Minute

	first := criticalAlert("a1")
	first.DetectedAt = base
	if _, err := e.TriageAlert(context.Background(), first); err != nil {
		t.Fatalf("first triage: %v", err)
	}

	second := criticalAlert("a2")
	second.DetectedAt = base
	res, err := e.TriageAlert(context.Background(), second)
	if err != nil {
		t.Fatalf("second triage: %v", err)
	}
	if !res.AutoResolved {
		t.Fatal("duplicate must auto-resolve")
	}
	if len(res.Tags) != 1 || res.Tags[0] != TagDuplicate {
		t.Fatalf("tags = %v", res.Tags)
	}
	if len(res.MatchedRules) != 0 || res.Score != 0 || res.Priority != "" {
		t.Fatalf("duplicate must short-circuit scoring, got %+v", res)
	}
	if len(res.Reasoning) == 0 || !strings.Contains(res.Reasoning[0], "duplicate of alert a1") {
		t.Fatalf("reasoning = %v", res.Reasoning)
	}
	if got := e.History("a2"); len(got) != 1 || !got[0].AutoResolved {
		t.Fatalf("duplicate result not recorded, history = %v", got)
	}

	// The fingerprint anchors at first sight; past the window the same
	// alert triages normally again.
	mu.Lock()
	now = base.Add(31 * time.Minute)
	mu.Unlock()
	third := criticalAlert("a3")
	third.DetectedAt = base
	res, err = e.TriageAlert(context.Background(), third)
	if err != nil {
		t.Fatalf("third triage: %v", err)
	}
	if res.AutoResolved {
		t.Fatal("window expired, must triage normally")
	}

	stats := e.Stats()
	if stats.AlertsTriaged != 3 || stats.AutoResolved != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestTriageDedupeDisabled(t *testing.T) {
	e := NewEngine()
	e.DedupeEnabled = false
	if _, err := e.TriageAlert(context.Background(), criticalAlert("a1")); err != nil {
		t.Fatalf("triage: %v", err)
	}
	res, err := e.TriageAlert(context.Background(), criticalAlert("a2"))
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if res.AutoResolved {
		t.Fatal("dedupe disabled, must not auto-resolve")
	}
}

func TestTriageFalsePositive(t *testing.T) {
	e := NewEngine()
	al := Alert{
		ID:          "fp1",
		Title:       "Port scan from workstation",
		Description: "Internal scan traffic observed between workstations",
		Severity:    SeverityLow,
		Source:      "ids",
		IOCs:        []IOC{{Type: "ip", Value: "10.0.0.5"}},
		DetectedAt:  time.Now(),
	}
	res, err := e.TriageAlert(context.Background(), al)
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if !res.AutoResolved {
		t.Fatal("expected false positive auto-resolve")
	}
	found := false
	for _, tag := range res.Tags {
		if tag == TagFalsePositive {
			found = true
		}
	}
	if !found {
		t.Fatalf("tags = %v, want false-positive", res.Tags)
	}
	// 20 + 3 + 5 base, +2 enrichment, -30 floored at zero.
	if res.Score != 0 {
		t.Fatalf("score = %v, want 0", res.Score)
	}
	if res.Priority != SeverityLow {
		t.Fatalf("priority = %q, want low", res.Priority)
	}
}

func TestTriageFalsePositiveNeedsTwoSignals(t *testing.T) {
	e := NewEngine()
	al := Alert{
		ID:         "fp2",
		Title:      "Suspicious outbound connection",
		Severity:   SeverityLow,
		Source:     "ids",
		IOCs:       []IOC{{Type: "ip", Value: "8.8.8.8"}},
		DetectedAt: time.Now(),
	}
	res, err := e.TriageAlert(context.Background(), al)
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if res.AutoResolved {
		t.Fatal("single signal must not flag a false positive")
	}
}

func TestTriageFalsePositiveDisabled(t *testing.T) {
	e := NewEngine()
	e.FalsePositiveCheck = false
	al := Alert{ID: "fp3", Title: "Heartbeat anomaly", Severity: SeverityLow, Source: "ids"}
	res, err := e.TriageAlert(context.Background(), al)
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if res.AutoResolved {
		t.Fatal("false positive check disabled")
	}
}

func TestTriageRuleOrderLastWins(t *testing.T) {
	e := NewEngine()
	wide := func(id string, prio int, assign, category string) *Rule {
		return &Rule{
			ID:         id,
			Priority:   prio,
			Conditions: RuleConditions{Severities: []string{SeverityMedium}},
			Actions:    RuleActions{AssignPriority: assign, AssignCategory: category},
		}
	}
	if err := e.AddRule(wide("broad", 100, SeverityHigh, "recon")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := e.AddRule(wide("narrow", 50, SeverityCritical, "intrusion")); err != nil {
		t.Fatalf("add: %v", err)
	}
	al := Alert{
		ID:          "r1",
		Title:       "Unusual process tree",
		Description: "Process ancestry deviates from the host baseline",
		Severity:    SeverityMedium,
		Source:      "edr",
		DetectedAt:  time.Now().Add(-2 * time.Hour),
	}
	res, err := e.TriageAlert(context.Background(), al)
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if want := []string{"broad", "narrow"}; len(res.MatchedRules) != 2 || res.MatchedRules[0] != want[0] || res.MatchedRules[1] != want[1] {
		t.Fatalf("matched rules = %v, want %v", res.MatchedRules, want)
	}
	// Matches apply in descending priority order and scalars overwrite,
	// so the lowest-priority match has the final say.
	if res.Priority != SeverityCritical {
		t.Fatalf("priority = %q, want critical from the last applied rule", res.Priority)
	}
	if res.Category != "intrusion" {
		t.Fatalf("category = %q, want intrusion", res.Category)
	}
}

func TestTriageThresholdFallback(t *testing.T) {
	e := NewEngine()
	al := Alert{
		ID:          "t1",
		Title:       "Suspicious login burst",
		Description: "Several failed logins followed by a success",
		Severity:    SeverityHigh,
		Source:      "siem",
		DetectedAt:  time.Now().Add(-2 * time.Hour),
	}
	res, err := e.TriageAlert(context.Background(), al)
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	// Score 60 with default thresholds lands in the medium band.
	if res.Priority != SeverityMedium {
		t.Fatalf("priority = %q, want medium", res.Priority)
	}

	e2 := NewEngine()
	e2.Thresholds = Thresholds{Critical: 55, High: 30, Medium: 10}
	res, err = e2.TriageAlert(context.Background(), al)
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if res.Priority != SeverityCritical {
		t.Fatalf("priority = %q, want critical with lowered thresholds", res.Priority)
	}
}

func TestTriageWorkflowTrigger(t *testing.T) {
	e := NewEngine()
	starter := &fakeStarter{}
	e.Starter = starter
	err := e.AddRule(&Rule{
		ID:         "contain",
		Priority:   60,
		Conditions: RuleConditions{Severities: []string{SeverityCritical}},
		Actions:    RuleActions{TriggerWorkflow: "contain-host"},
	})
	if err != nil {
		t.Fatalf("add rule: %v", err)
	}
	res, err := e.TriageAlert(context.Background(), criticalAlert("w1"))
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if len(starter.calls) != 1 || starter.calls[0] != "contain-host" {
		t.Fatalf("starter calls = %v", starter.calls)
	}
	trig := starter.triggers[0]
	if trig["type"] != "alert_triage" {
		t.Fatalf("trigger type = %v", trig["type"])
	}
	data, ok := trig["data"].(map[string]any)
	if !ok {
		t.Fatalf("trigger data = %T", trig["data"])
	}
	alertMap, ok := data["alert"].(map[string]any)
	if !ok || alertMap["id"] != "w1" {
		t.Fatalf("trigger alert = %v", data["alert"])
	}
	if _, ok := data["triageResult"].(map[string]any); !ok {
		t.Fatalf("trigger triageResult = %T", data["triageResult"])
	}
	if len(res.WorkflowsTriggered) != 1 || res.WorkflowsTriggered[0] != "exec_1" {
		t.Fatalf("workflows triggered = %v", res.WorkflowsTriggered)
	}
	if e.Stats().WorkflowsTriggered != 1 {
		t.Fatalf("stats = %+v", e.Stats())
	}
}

func TestTriageWorkflowTriggerFailureTolerated(t *testing.T) {
	e := NewEngine()
	e.Starter = &fakeStarter{err: errors.New("engine at capacity")}
	err := e.AddRule(&Rule{
		ID:         "contain",
		Priority:   60,
		Conditions: RuleConditions{Severities: []string{SeverityCritical}},
		Actions:    RuleActions{TriggerWorkflow: "contain-host"},
	})
	if err != nil {
		t.Fatalf("add rule: %v", err)
	}
	res, err := e.TriageAlert(context.Background(), criticalAlert("w2"))
	if err != nil {
		t.Fatalf("trigger failure must not fail triage: %v", err)
	}
	if len(res.WorkflowsTriggered) != 0 {
		t.Fatalf("workflows triggered = %v", res.WorkflowsTriggered)
	}
	if e.Stats().WorkflowsTriggered != 0 {
		t.Fatalf("stats = %+v", e.Stats())
	}
}

func TestTriageNoStarterConfigured(t *testing.T) {
	e := NewEngine()
	err := e.AddRule(&Rule{
		ID:         "contain",
		Priority:   60,
		Conditions: RuleConditions{Severities: []string{SeverityCritical}},
		Actions:    RuleActions{TriggerWorkflow: "contain-host"},
	})
	if err != nil {
		t.Fatalf("add rule: %v", err)
	}
	if _, err := e.TriageAlert(context.Background(), criticalAlert("w3")); err != nil {
		t.Fatalf("triage without starter: %v", err)
	}
}

func TestTriageInvalidAlert(t *testing.T) {
	e := NewEngine()
	bus := events.NewBus(8)
	e.Bus = bus
	ch, cancel := bus.Subscribe(events.TriageError)
	defer cancel()

	_, err := e.TriageAlert(context.Background(), Alert{Title: "no id"})
	if !errors.Is(err, ErrInvalidAlert) {
		t.Fatalf("err = %v, want ErrInvalidAlert", err)
	}
	select {
	case ev := <-ch:
		if ev.Event != events.TriageError {
			t.Fatalf("event = %q", ev.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("no triageError event")
	}
	if e.Stats().AlertsTriaged != 0 {
		t.Fatalf("failed triage must not count, stats = %+v", e.Stats())
	}
}

func TestTriageCancelledContext(t *testing.T) {
	e := NewEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.TriageAlert(ctx, criticalAlert("c1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestTriageEvents(t *testing.T) {
	e := NewEngine()
	bus := events.NewBus(32)
	e.Bus = bus
	ch, cancel := bus.Subscribe("")
	defer cancel()

	rule := &Rule{ID: "evt", Priority: 5, Conditions: RuleConditions{Severities: []string{SeverityCritical}}}
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	if _, err := e.TriageAlert(context.Background(), criticalAlert("e1")); err != nil {
		t.Fatalf("triage: %v", err)
	}
	if err := e.RemoveRule("evt"); err != nil {
		t.Fatalf("remove rule: %v", err)
	}

	want := map[string]bool{events.RuleAdded: false, events.AlertTriaged: false, events.RuleRemoved: false}
	deadline := time.After(time.Second)
	for {
		done := true
		for _, seen := range want {
			if !seen {
				done = false
			}
		}
		if done {
			break
		}
		select {
		case ev := <-ch:
			if _, ok := want[ev.Event]; ok {
				want[ev.Event] = true
			}
			if ev.Event == events.AlertTriaged {
				res, ok := ev.Data.(*Result)
				if !ok || res.AlertID != "e1" {
					t.Fatalf("alertTriaged payload = %#v", ev.Data)
				}
			}
		case <-deadline:
			t.Fatalf("missing events, seen %v", want)
		}
	}
}

func TestTriageCampaignObserver(t *testing.T) {
	e := NewEngine()
	obs := &fakeObserver{campaign: "cmp-7f3a", match: true}
	e.Observer = obs

	plain := NewEngine()
	want, err := plain.TriageAlert(context.Background(), criticalAlert("o1"))
	if err != nil {
		t.Fatalf("baseline triage: %v", err)
	}
	res, err := e.TriageAlert(context.Background(), criticalAlert("o1"))
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	found := false
	for _, tag := range res.Tags {
		if tag == "campaign:cmp-7f3a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tags = %v, want campaign tag", res.Tags)
	}
	if res.Score != want.Score {
		t.Fatalf("correlation must not change the score: %v != %v", res.Score, want.Score)
	}
	if len(obs.seen) != 1 || obs.seen[0] != "o1" {
		t.Fatalf("observer saw %v", obs.seen)
	}

	e2 := NewEngine()
	e2.Observer = &fakeObserver{match: false}
	res, err = e2.TriageAlert(context.Background(), criticalAlert("o2"))
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	for _, tag := range res.Tags {
		if strings.HasPrefix(tag, "campaign:") {
			t.Fatalf("unexpected campaign tag in %v", res.Tags)
		}
	}
}

func TestTriageBatch(t *testing.T) {
	e := NewEngine()
	e.BatchConcurrency = 3
	alerts := make([]Alert, 12)
	for i := range alerts {
		alerts[i] = Alert{
			ID:          fmt.Sprintf("b%d", i),
			Title:       fmt.Sprintf("Beacon variant %d", i),
			Description: "Periodic callbacks observed from an internal host",
			Severity:    SeverityHigh,
			Source:      "edr",
			IOCs:        []IOC{{Type: "ip", Value: fmt.Sprintf("203.0.113.%d", i+1)}},
			DetectedAt:  time.Now(),
		}
	}
	results, err := e.TriageAlerts(context.Background(), alerts)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(results) != len(alerts) {
		t.Fatalf("results = %d", len(results))
	}
	for i, res := range results {
		if res == nil || res.AlertID != alerts[i].ID {
			t.Fatalf("result %d = %+v", i, res)
		}
	}
	if e.Stats().AlertsTriaged != 12 {
		t.Fatalf("stats = %+v", e.Stats())
	}
}

func TestTriageBatchPartialFailure(t *testing.T) {
	e := NewEngine()
	alerts := []Alert{
		criticalAlert("p1"),
		{Title: "missing id"},
		{
			ID: "p3", Title: "Credential stuffing wave", Severity: SeverityHigh,
			Source: "waf", DetectedAt: time.Now(),
		},
	}
	results, err := e.TriageAlerts(context.Background(), alerts)
	if err == nil {
		t.Fatal("expected joined error")
	}
	if !errors.Is(err, ErrInvalidAlert) {
		t.Fatalf("err = %v", err)
	}
	if results[0] == nil || results[1] != nil || results[2] == nil {
		t.Fatalf("results = %v", results)
	}
}

func TestTriageBatchConcurrencyBound(t *testing.T) {
	e := NewEngine()
	e.BatchConcurrency = 3
	gauge := &gaugeStarter{}
	e.Starter = gauge
	err := e.AddRule(&Rule{
		ID:         "fan",
		Priority:   5,
		Conditions: RuleConditions{Severities: []string{SeverityHigh}},
		Actions:    RuleActions{TriggerWorkflow: "noop"},
	})
	if err != nil {
		t.Fatalf("add rule: %v", err)
	}
	alerts := make([]Alert, 9)
	for i := range alerts {
		alerts[i] = Alert{
			ID:       fmt.Sprintf("g%d", i),
			Title:    fmt.Sprintf("Distinct probe %d", i),
			Severity: SeverityHigh,
			Source:   "ids",
		}
	}
	if _, err := e.TriageAlerts(context.Background(), alerts); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if gauge.peak > 3 {
		t.Fatalf("peak concurrency %d exceeds bound", gauge.peak)
	}
	if gauge.peak < 1 {
		t.Fatalf("starter never ran")
	}
}

type gaugeStarter struct {
	mu       sync.Mutex
	inflight int
	peak     int
}

func (g *gaugeStarter) ExecuteWorkflow(ctx context.Context, workflowID string, trigger map[string]any) (*workflows.Execution, error) {
	g.mu.Lock()
	g.inflight++
	if g.inflight > g.peak {
		g.peak = g.inflight
	}
	g.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	g.mu.Lock()
	g.inflight--
	g.mu.Unlock()
	return &workflows.Execution{ID: "exec", WorkflowID: workflowID}, nil
}

func TestHistoryCopies(t *testing.T) {
	e := NewEngine()
	e.DedupeEnabled = false
	if _, err := e.TriageAlert(context.Background(), criticalAlert("h1")); err != nil {
		t.Fatalf("triage: %v", err)
	}
	if _, err := e.TriageAlert(context.Background(), criticalAlert("h1")); err != nil {
		t.Fatalf("triage: %v", err)
	}
	got := e.History("h1")
	if len(got) != 2 {
		t.Fatalf("history = %d entries", len(got))
	}
	got[0].Tags = append(got[0].Tags, "mutated")
	again := e.History("h1")
	for _, tag := range again[0].Tags {
		if tag == "mutated" {
			t.Fatal("history must return copies")
		}
	}
	if len(e.History("unknown")) != 0 {
		t.Fatal("unknown alert must have empty history")
	}
}

func TestFingerprintEviction(t *testing.T) {
	e := NewEngine()
	e.DuplicateWindow = 10 * time.Minute
	base := time.Now()
	now := base
	var mu sync.Mutex
	e.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	if _, err := e.TriageAlert(context.Background(), criticalAlert("f1")); err != nil {
		t.Fatalf("triage: %v", err)
	}
	// Past twice the window the stale entry is dropped on the next write.
	mu.Lock()
	now = base.Add(21 * time.Minute)
	mu.Unlock()
	other := Alert{ID: "f2", Title: "Unrelated alert", Severity: SeverityLow, Source: "ids"}
	if _, err := e.TriageAlert(context.Background(), other); err != nil {
		t.Fatalf("triage: %v", err)
	}
	e.mu.RLock()
	_, stale := e.fingerprints[Fingerprint(criticalAlert("f1"))]
	total := len(e.fingerprints)
	e.mu.RUnlock()
	if stale {
		t.Fatal("stale fingerprint not evicted")
	}
	if total != 1 {
		t.Fatalf("fingerprints = %d, want 1", total)
	}
}

func TestRuleCRUD(t *testing.T) {
	e := NewEngine()

	if err := e.AddRule(nil); err == nil {
		t.Fatal("nil rule accepted")
	}
	if err := e.AddRule(&Rule{}); err == nil {
		t.Fatal("rule without id accepted")
	}

	r := &Rule{ID: "custom", Name: "Custom", Priority: 42, Conditions: RuleConditions{Sources: []string{"waf"}}}
	if err := e.AddRule(r); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := e.GetRule("custom")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Name = "mutated"
	got2, _ := e.GetRule("custom")
	if got2.Name != "Custom" {
		t.Fatal("GetRule must return a copy")
	}

	// Replacing by id resets the match count.
	al := Alert{ID: "rc1", Title: "WAF block spike", Severity: SeverityMedium, Source: "waf"}
	if _, err := e.TriageAlert(context.Background(), al); err != nil {
		t.Fatalf("triage: %v", err)
	}
	if got, _ := e.GetRule("custom"); got.MatchCount != 1 {
		t.Fatalf("match count = %d", got.MatchCount)
	}
	if err := e.AddRule(&Rule{ID: "custom", Name: "Replaced", Priority: 42, Conditions: RuleConditions{Sources: []string{"waf"}}, MatchCount: 99}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got, _ := e.GetRule("custom"); got.MatchCount != 0 || got.Name != "Replaced" {
		t.Fatalf("replaced rule = %+v", got)
	}

	if err := e.RemoveRule("custom"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := e.RemoveRule("custom"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("err = %v, want ErrRuleNotFound", err)
	}
	if _, err := e.GetRule("custom"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("err = %v, want ErrRuleNotFound", err)
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	e := NewEngine()
	off := false
	err := e.AddRule(&Rule{
		ID: "dormant", Priority: 99, Enabled: &off,
		Conditions: RuleConditions{Severities: []string{SeverityCritical}},
		Actions:    RuleActions{AssignCategory: "never"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	res, err := e.TriageAlert(context.Background(), criticalAlert("d1"))
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	for _, id := range res.MatchedRules {
		if id == "dormant" {
			t.Fatal("disabled rule matched")
		}
	}
	stats := e.Stats()
	if stats.TotalRules != 5 || stats.EnabledRules != 4 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestListRulesSorted(t *testing.T) {
	e := NewEngine()
	rules := e.ListRules()
	want := []string{"critical-multi-ioc", "ransomware-indicators", "credential-phishing", "scanner-noise"}
	if len(rules) != len(want) {
		t.Fatalf("rules = %d, want %d", len(rules), len(want))
	}
	for i, r := range rules {
		if r.ID != want[i] {
			t.Fatalf("rules[%d] = %q, want %q", i, r.ID, want[i])
		}
	}
}
