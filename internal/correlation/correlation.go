// Package correlation clusters triaged alerts into attack campaigns by
// indicator and TTP overlap. It is a scoring collaborator for the triage
// engine: the engine reports each alert through Observe and tags results
// that land in an existing campaign.
package correlation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"threatflow/internal/triage"
)

const (
	defaultThreshold = 0.6
	defaultWindow    = 72 * time.Hour
)

// Weights control how much each signal contributes to similarity. The
// mix is normalized by the weight sum, so any positive scale works.
// Window bounds the temporal proximity term: alerts further apart than
// this contribute nothing.
type Weights struct {
	IOC      float64
	TTP      float64
	Source   float64
	Temporal float64
	Window   time.Duration
}

// DefaultWeights favor hard indicators over circumstantial overlap.
var DefaultWeights = Weights{IOC: 0.5, TTP: 0.25, Source: 0.15, Temporal: 0.1, Window: defaultWindow}

// Campaign aggregates the alerts clustered together.
type Campaign struct {
	ID         string    `json:"id"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
	AlertIDs   []string  `json:"alertIds"`
	Sources    []string  `json:"sources,omitempty"`
	IOCs       []string  `json:"iocs,omitempty"`
	TTPs       []string  `json:"ttps,omitempty"`
	AlertCount int       `json:"alertCount"`
}

func (c *Campaign) clone() *Campaign {
	cp := *c
	cp.AlertIDs = append([]string(nil), c.AlertIDs...)
	cp.Sources = append([]string(nil), c.Sources...)
	cp.IOCs = append([]string(nil), c.IOCs...)
	cp.TTPs = append([]string(nil), c.TTPs...)
	return &cp
}

// Correlator assigns alerts to campaigns. Safe for concurrent use.
type Correlator struct {
	Threshold float64
	Weights   Weights
	Now       func() time.Time

	mu        sync.RWMutex
	campaigns map[string]*Campaign
	seq       int
}

// NewCorrelator returns a correlator with the given clustering
// threshold; values outside (0, 1] fall back to the default.
func NewCorrelator(threshold float64, w Weights) *Correlator {
	if threshold <= 0 || threshold > 1 {
		threshold = defaultThreshold
	}
	return &Correlator{
		Threshold: threshold,
		Weights:   w,
		Now:       time.Now,
		campaigns: make(map[string]*Campaign),
	}
}

// Observe folds an alert into the best-matching campaign when its
// similarity clears the threshold, otherwise opens a new campaign.
// matched reports whether the alert joined existing activity; alerts
// with neither IOCs nor TTPs are not clustered at all.
func (c *Correlator) Observe(al triage.Alert) (string, bool) {
	if len(al.IOCs) == 0 && len(al.TTPs) == 0 {
		return "", false
	}
	at := al.DetectedAt
	if at.IsZero() {
		at = c.now()
	}
	values := iocValues(al.IOCs)

	c.mu.Lock()
	defer c.mu.Unlock()

	var best *Campaign
	bestScore := 0.0
	for _, cmp := range c.campaigns {
		score := c.campaignSimilarity(values, al, cmp, at)
		if score > bestScore {
			best, bestScore = cmp, score
		}
	}
	if best != nil && bestScore >= c.threshold() {
		best.AlertIDs = appendUnique(best.AlertIDs, al.ID)
		best.Sources = appendUnique(best.Sources, al.Source)
		best.IOCs = mergeSorted(best.IOCs, values)
		best.TTPs = mergeSorted(best.TTPs, al.TTPs)
		if at.After(best.LastSeen) {
			best.LastSeen = at
		}
		if at.Before(best.FirstSeen) {
			best.FirstSeen = at
		}
		best.AlertCount++
		return best.ID, true
	}

	c.seq++
	cmp := &Campaign{
		ID:         campaignID(al.ID, c.seq, at),
		FirstSeen:  at,
		LastSeen:   at,
		AlertIDs:   appendUnique(nil, al.ID),
		Sources:    appendUnique(nil, al.Source),
		IOCs:       mergeSorted(nil, values),
		TTPs:       mergeSorted(nil, al.TTPs),
		AlertCount: 1,
	}
	c.campaigns[cmp.ID] = cmp
	return cmp.ID, false
}

// Campaigns returns campaign snapshots, most recently active first.
func (c *Correlator) Campaigns() []*Campaign {
	c.mu.RLock()
	out := make([]*Campaign, 0, len(c.campaigns))
	for _, cmp := range c.campaigns {
		out = append(out, cmp.clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Campaign returns a snapshot of one campaign by id.
func (c *Correlator) Campaign(id string) (*Campaign, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cmp, ok := c.campaigns[id]
	if !ok {
		return nil, false
	}
	return cmp.clone(), true
}

// Similarity scores how alike two alerts look: Jaccard overlap of IOC
// values and TTPs, source equality, and temporal proximity, mixed per
// the weights and normalized to [0, 1].
func Similarity(a, b triage.Alert, w Weights) float64 {
	total := w.IOC + w.TTP + w.Source + w.Temporal
	if total <= 0 {
		return 0
	}
	s := w.IOC * jaccard(iocValues(a.IOCs), iocValues(b.IOCs))
	s += w.TTP * jaccard(a.TTPs, b.TTPs)
	if a.Source != "" && a.Source == b.Source {
		s += w.Source
	}
	if !a.DetectedAt.IsZero() && !b.DetectedAt.IsZero() {
		s += w.Temporal * proximity(a.DetectedAt, b.DetectedAt, w.Window)
	}
	return s / total
}

func (c *Correlator) campaignSimilarity(values []string, al triage.Alert, cmp *Campaign, at time.Time) float64 {
	w := c.weights()
	total := w.IOC + w.TTP + w.Source + w.Temporal
	if total <= 0 {
		return 0
	}
	s := w.IOC * jaccard(values, cmp.IOCs)
	s += w.TTP * jaccard(al.TTPs, cmp.TTPs)
	if al.Source != "" {
		for _, src := range cmp.Sources {
			if src == al.Source {
				s += w.Source
				break
			}
		}
	}
	s += w.Temporal * proximity(at, cmp.LastSeen, w.Window)
	return s / total
}

func (c *Correlator) threshold() float64 {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return defaultThreshold
	}
	return c.Threshold
}

func (c *Correlator) weights() Weights {
	w := c.Weights
	if w.IOC+w.TTP+w.Source+w.Temporal <= 0 {
		w = DefaultWeights
	}
	if w.Window <= 0 {
		w.Window = defaultWindow
	}
	return w
}

func (c *Correlator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// jaccard is |a∩b| / |a∪b| over string sets; empty-vs-anything scores 0.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		if v != "" {
			set[v] = true
		}
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, v := range b {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		if set[v] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// proximity decays linearly from 1 at zero distance to 0 at the window.
func proximity(a, b time.Time, window time.Duration) float64 {
	if window <= 0 {
		window = defaultWindow
	}
	d := math.Abs(float64(a.Sub(b)))
	if d >= float64(window) {
		return 0
	}
	return 1 - d/float64(window)
}

func campaignID(alertID string, seq int, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", alertID, seq, at.UnixNano())))
	return hex.EncodeToString(sum[:8])
}

func iocValues(iocs []triage.IOC) []string {
	out := make([]string, 0, len(iocs))
	for _, ioc := range iocs {
		if ioc.Value != "" {
			out = append(out, ioc.Value)
		}
	}
	return out
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

func mergeSorted(dst []string, vals []string) []string {
	dst = appendUnique(dst, vals...)
	sort.Strings(dst)
	return dst
}
