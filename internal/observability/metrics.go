package observability

import (
	"sort"
	"sync"
)

// Metrics records decision and history outcomes.
type Metrics interface {
	RecordDecision(labels DecisionLabels)
	RecordHistoryWrite(op string, err error)
}

// DecisionLabels contains metric dimensions.
type DecisionLabels struct {
	Policy   string
	Decision string
	// Source is "api" for the decision endpoint, "gateway" for proxied calls.
	Source string
}

// Counters is an in-process Metrics implementation read by the stats endpoint.
type Counters struct {
	mu        sync.Mutex
	decisions map[DecisionLabels]uint64
	writes    map[string]uint64
	failures  map[string]uint64
}

// NewCounters returns empty counters
func NewCounters() *Counters {
	return &Counters{
		decisions: make(map[DecisionLabels]uint64),
		writes:    make(map[string]uint64),
		failures:  make(map[string]uint64),
	}
}

// RecordDecision counts one decision
func (c *Counters) RecordDecision(labels DecisionLabels) {
	c.mu.Lock()
	c.decisions[labels]++
	c.mu.Unlock()
}

// RecordHistoryWrite counts one history write ("record" or "forget")
func (c *Counters) RecordHistoryWrite(op string, err error) {
	c.mu.Lock()
	if err != nil {
		c.failures[op]++
	} else {
		c.writes[op]++
	}
	c.mu.Unlock()
}

// DecisionCount is one row of Snapshot
type DecisionCount struct {
	Policy   string `json:"policy"`
	Decision string `json:"decision"`
	Source   string `json:"source"`
	Count    uint64 `json:"count"`
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Decisions     []DecisionCount   `json:"decisions"`
	HistoryWrites map[string]uint64 `json:"history_writes"`
	HistoryErrors map[string]uint64 `json:"history_errors"`
}

// Snapshot copies the counters, decisions sorted by policy then decision
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Decisions:     make([]DecisionCount, 0, len(c.decisions)),
		HistoryWrites: make(map[string]uint64, len(c.writes)),
		HistoryErrors: make(map[string]uint64, len(c.failures)),
	}
	for l, n := range c.decisions {
		snap.Decisions = append(snap.Decisions, DecisionCount{Policy: l.Policy, Decision: l.Decision, Source: l.Source, Count: n})
	}
	sort.Slice(snap.Decisions, func(i, j int) bool {
		a, b := snap.Decisions[i], snap.Decisions[j]
		if a.Policy != b.Policy {
			return a.Policy < b.Policy
		}
		if a.Decision != b.Decision {
			return a.Decision < b.Decision
		}
		return a.Source < b.Source
	})
	for k, v := range c.writes {
		snap.HistoryWrites[k] = v
	}
	for k, v := range c.failures {
		snap.HistoryErrors[k] = v
	}
	return snap
}

// Nop discards everything
type Nop struct{}

func (Nop) RecordDecision(DecisionLabels)    {}
func (Nop) RecordHistoryWrite(string, error) {}
