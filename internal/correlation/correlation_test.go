package correlation

import (
	"math"
	"testing"
	"time"

	"threatflow/internal/triage"
)

func phishAlert(id string, iocs []string, at time.Time) triage.Alert {
	al := triage.Alert{
		ID:         id,
		Title:      "Credential phishing wave",
		Severity:   "high",
		Source:     "email-gateway",
		TTPs:       []string{"T1566"},
		DetectedAt: at,
	}
	for _, v := range iocs {
		al.IOCs = append(al.IOCs, triage.IOC{Type: "domain", Value: v})
	}
	return al
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSimilarity(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	a := phishAlert("a", []string{"one.test", "two.test", "three.test"}, t0)

	t.Run("identical scores one", func(t *testing.T) {
		if got := Similarity(a, a, DefaultWeights); !almostEqual(got, 1) {
			t.Fatalf("similarity = %v, want 1", got)
		}
	})

	t.Run("partial overlap", func(t *testing.T) {
		b := phishAlert("b", []string{"one.test", "two.test", "four.test"}, t0)
		// ioc jaccard 2/4 weighted 0.5, full ttp 0.25, source 0.15,
		// zero time distance 0.1.
		if got := Similarity(a, b, DefaultWeights); !almostEqual(got, 0.75) {
			t.Fatalf("similarity = %v, want 0.75", got)
		}
	})

	t.Run("disjoint scores zero", func(t *testing.T) {
		b := triage.Alert{
			ID: "b", Source: "edr", TTPs: []string{"T1486"},
			IOCs:       []triage.IOC{{Type: "ip", Value: "198.51.100.9"}},
			DetectedAt: t0.Add(100 * time.Hour),
		}
		if got := Similarity(a, b, DefaultWeights); !almostEqual(got, 0) {
			t.Fatalf("similarity = %v, want 0", got)
		}
	})

	t.Run("missing timestamps drop the temporal term", func(t *testing.T) {
		c := a
		c.DetectedAt = time.Time{}
		c.TTPs = nil
		d := a
		d.TTPs = nil
		// ioc 0.5 + source 0.15 of total 1.
		if got := Similarity(c, d, DefaultWeights); !almostEqual(got, 0.65) {
			t.Fatalf("similarity = %v, want 0.65", got)
		}
	})

	t.Run("zero weights score zero", func(t *testing.T) {
		if got := Similarity(a, a, Weights{}); got != 0 {
			t.Fatalf("similarity = %v, want 0", got)
		}
	})

	t.Run("weights normalize", func(t *testing.T) {
		w := Weights{IOC: 2, TTP: 1, Source: 0.6, Temporal: 0.4, Window: 72 * time.Hour}
		if got := Similarity(a, a, w); !almostEqual(got, 1) {
			t.Fatalf("similarity = %v, want 1", got)
		}
	})
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"x", "y"}, []string{"y", "x"}, 1},
		{"partial", []string{"a", "b"}, []string{"b", "c"}, 1.0 / 3},
		{"disjoint", []string{"a"}, []string{"b"}, 0},
		{"empty left", nil, []string{"a"}, 0},
		{"empty right", []string{"a"}, nil, 0},
		{"duplicates collapse", []string{"a", "a", "b"}, []string{"b", "b"}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jaccard(tt.a, tt.b); !almostEqual(got, tt.want) {
				t.Fatalf("jaccard = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProximity(t *testing.T) {
	t0 := time.Now()
	window := 10 * time.Hour
	if got := proximity(t0, t0, window); !almostEqual(got, 1) {
		t.Fatalf("same instant = %v", got)
	}
	if got := proximity(t0, t0.Add(5*time.Hour), window); !almostEqual(got, 0.5) {
		t.Fatalf("half window = %v", got)
	}
	if got := proximity(t0, t0.Add(10*time.Hour), window); got != 0 {
		t.Fatalf("at window = %v", got)
	}
	if got := proximity(t0.Add(20*time.Hour), t0, window); got != 0 {
		t.Fatalf("past window = %v", got)
	}
}

func TestObserveClustersRelatedAlerts(t *testing.T) {
	c := NewCorrelator(0.6, DefaultWeights)
	t0 := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	first, matched := c.Observe(phishAlert("a1", []string{"one.test", "two.test", "three.test"}, t0))
	if matched {
		t.Fatal("first alert cannot match existing activity")
	}
	if first == "" {
		t.Fatal("expected a campaign id")
	}

	second, matched := c.Observe(phishAlert("a2", []string{"one.test", "two.test", "four.test"}, t0.Add(time.Hour)))
	if !matched {
		t.Fatal("related alert must join the campaign")
	}
	if second != first {
		t.Fatalf("campaign = %q, want %q", second, first)
	}

	cmp, ok := c.Campaign(first)
	if !ok {
		t.Fatal("campaign not found")
	}
	if cmp.AlertCount != 2 || len(cmp.AlertIDs) != 2 {
		t.Fatalf("campaign = %+v", cmp)
	}
	if len(cmp.IOCs) != 4 {
		t.Fatalf("ioc union = %v", cmp.IOCs)
	}
	if !cmp.LastSeen.Equal(t0.Add(time.Hour)) {
		t.Fatalf("lastSeen = %v", cmp.LastSeen)
	}

	third, matched := c.Observe(triage.Alert{
		ID: "a3", Source: "edr", TTPs: []string{"T1486"},
		IOCs:       []triage.IOC{{Type: "ip", Value: "198.51.100.9"}},
		DetectedAt: t0.Add(2 * time.Hour),
	})
	if matched {
		t.Fatal("unrelated alert must open its own campaign")
	}
	if third == first {
		t.Fatal("unrelated alert reused the campaign id")
	}
	if got := c.Campaigns(); len(got) != 2 {
		t.Fatalf("campaigns = %d", len(got))
	}
}

func TestObserveSkipsIndicatorless(t *testing.T) {
	c := NewCorrelator(0.6, DefaultWeights)
	id, matched := c.Observe(triage.Alert{ID: "bare", Source: "ids"})
	if id != "" || matched {
		t.Fatalf("got (%q, %v)", id, matched)
	}
	if len(c.Campaigns()) != 0 {
		t.Fatal("indicatorless alert must not open a campaign")
	}
}

func TestCampaignsSortedByRecency(t *testing.T) {
	c := NewCorrelator(0.9, DefaultWeights)
	t0 := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	// High threshold keeps these apart as separate campaigns.
	c.Observe(phishAlert("a1", []string{"one.test"}, t0))
	c.Observe(triage.Alert{
		ID: "a2", Source: "edr", TTPs: []string{"T1059"},
		IOCs:       []triage.IOC{{Type: "ip", Value: "198.51.100.7"}},
		DetectedAt: t0.Add(3 * time.Hour),
	})
	got := c.Campaigns()
	if len(got) != 2 {
		t.Fatalf("campaigns = %d", len(got))
	}
	if !got[0].LastSeen.After(got[1].LastSeen) {
		t.Fatalf("not sorted by recency: %v then %v", got[0].LastSeen, got[1].LastSeen)
	}
}

func TestCampaignSnapshots(t *testing.T) {
	c := NewCorrelator(0.6, DefaultWeights)
	id, _ := c.Observe(phishAlert("a1", []string{"one.test"}, time.Now()))
	snap, ok := c.Campaign(id)
	if !ok {
		t.Fatal("campaign not found")
	}
	snap.AlertIDs = append(snap.AlertIDs, "mutated")
	snap.IOCs[0] = "mutated"
	again, _ := c.Campaign(id)
	if len(again.AlertIDs) != 1 || again.IOCs[0] != "one.test" {
		t.Fatalf("snapshot leaked: %+v", again)
	}
	if _, ok := c.Campaign("missing"); ok {
		t.Fatal("unknown id must not resolve")
	}
}

func TestNewCorrelatorThresholdFallback(t *testing.T) {
	if c := NewCorrelator(0, DefaultWeights); c.Threshold != defaultThreshold {
		t.Fatalf("threshold = %v", c.Threshold)
	}
	if c := NewCorrelator(1.5, DefaultWeights); c.Threshold != defaultThreshold {
		t.Fatalf("threshold = %v", c.Threshold)
	}
	if c := NewCorrelator(0.8, DefaultWeights); c.Threshold != 0.8 {
		t.Fatalf("threshold = %v", c.Threshold)
	}
}
