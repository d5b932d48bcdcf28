package observability

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"
)

// Objective is a latency and success target for one tracked operation.
type Objective struct {
	Operation   string        `json:"operation"`
	Name        string        `json:"name"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"`
	Window      time.Duration `json:"window"`
}

// Observation is one completed operation.
type Observation struct {
	Operation string
	Latency   time.Duration
	Success   bool
	At        time.Time
}

// Report is an objective's compliance over its window.
type Report struct {
	Operation    string  `json:"operation"`
	Name         string  `json:"name"`
	Observations int     `json:"observations"`
	P99Ms        float64 `json:"p99_ms"`
	SuccessRate  float64 `json:"success_rate"`
	// BurnRate above 1 spends the error budget faster than the objective allows.
	// It stays zero for objectives with no error budget.
	BurnRate     float64 `json:"burn_rate"`
	BudgetLeft   float64 `json:"error_budget_left_pct"`
	InCompliance bool    `json:"in_compliance"`
}

// DefaultObjectives covers the orchestrator's public operations.
func DefaultObjectives() []Objective {
	return []Objective{
		{Operation: "aeor.register", Name: "Commitment registration", LatencyP99: 500 * time.Millisecond, SuccessRate: 0.99, Window: 24 * time.Hour},
		{Operation: "aeor.supervise", Name: "Supervised execution", LatencyP99: 30 * time.Second, SuccessRate: 0.95, Window: 24 * time.Hour},
		{Operation: "aeor.rollback", Name: "Atomic rollback", LatencyP99: 5 * time.Second, SuccessRate: 0.999, Window: 24 * time.Hour},
	}
}

// SLOTracker keeps a sliding window of observations per objective.
// Observations for operations without an objective are dropped.
type SLOTracker struct {
	mu         sync.Mutex
	objectives map[string]Objective
	windows    map[string][]Observation
	clock      func() time.Time
}

func NewSLOTracker(objectives ...Objective) *SLOTracker {
	t := &SLOTracker{
		objectives: make(map[string]Objective),
		windows:    make(map[string][]Observation),
		clock:      time.Now,
	}
	for _, o := range objectives {
		t.SetObjective(o)
	}
	return t
}

// WithClock overrides clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetObjective adds or replaces the objective for o.Operation.
func (t *SLOTracker) SetObjective(o Objective) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objectives[o.Operation] = o
}

// Record adds an observation and evicts the ones that left the window.
func (t *SLOTracker) Record(obs Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.objectives[obs.Operation]
	if !ok {
		return
	}
	if obs.At.IsZero() {
		obs.At = t.clock()
	}
	t.windows[obs.Operation] = append(evict(t.windows[obs.Operation], obs.At.Add(-o.Window)), obs)
}

// evict drops leading observations at or before cutoff. Observations are appended in time order.
func evict(window []Observation, cutoff time.Time) []Observation {
	i := sort.Search(len(window), func(i int) bool { return window[i].At.After(cutoff) })
	return window[i:]
}

// Report computes compliance for one operation.
func (t *SLOTracker) Report(operation string) (Report, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.objectives[operation]
	if !ok {
		return Report{}, fmt.Errorf("observability: no objective for %q", operation)
	}
	return summarize(o, evict(t.windows[operation], t.clock().Add(-o.Window))), nil
}

// Reports returns a report per objective, sorted by operation.
func (t *SLOTracker) Reports() []Report {
	t.mu.Lock()
	ops := make([]string, 0, len(t.objectives))
	for op := range t.objectives {
		ops = append(ops, op)
	}
	t.mu.Unlock()
	sort.Strings(ops)

	out := make([]Report, 0, len(ops))
	for _, op := range ops {
		if r, err := t.Report(op); err == nil {
			out = append(out, r)
		}
	}
	return out
}

func summarize(o Objective, window []Observation) Report {
	r := Report{Operation: o.Operation, Name: o.Name, Observations: len(window), BudgetLeft: 100, InCompliance: true}
	if len(window) == 0 {
		return r
	}

	ok := 0
	latencies := make([]time.Duration, len(window))
	for i, obs := range window {
		if obs.Success {
			ok++
		}
		latencies[i] = obs.Latency
	}
	slices.Sort(latencies)
	p99 := latencies[min(int(float64(len(latencies))*0.99), len(latencies)-1)]

	r.P99Ms = float64(p99) / float64(time.Millisecond)
	r.SuccessRate = float64(ok) / float64(len(window))

	errorRate := 1 - r.SuccessRate
	switch budget := 1 - o.SuccessRate; {
	case budget > 0:
		r.BurnRate = errorRate / budget
		r.BudgetLeft = math.Max(0, 100*(1-r.BurnRate))
	case errorRate > 0:
		r.BudgetLeft = 0
	}
	r.InCompliance = p99 <= o.LatencyP99 && r.SuccessRate >= o.SuccessRate
	return r
}
