package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/artifact-guard/internal/model"
	"github.com/sells-group/artifact-guard/internal/resilience"
	"github.com/sells-group/artifact-guard/internal/state"
)

// MetricsSnapshot holds a point-in-time view of generation health.
type MetricsSnapshot struct {
	// Attempt metrics (within lookback window).
	Attempts  int                        `json:"attempts"`
	Completed int                        `json:"completed"`
	Failed    int                        `json:"failed"`
	Skipped   int                        `json:"skipped"`
	FailRate  float64                    `json:"fail_rate"`
	ByType    map[model.ArtifactType]int `json:"attempts_by_type"`
	Outcomes  map[model.Outcome]int      `json:"outcomes"`

	// Preflight metrics (within lookback window).
	PreflightTotal  int `json:"preflight_total"`
	PreflightFailed int `json:"preflight_failed"`

	// Current persisted state.
	OpenBreakers []model.ArtifactType `json:"open_breakers,omitempty"`
	BudgetDate   string               `json:"budget_date"`
	BudgetUsed   int                  `json:"budget_used"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// EventLister reads events newest first. Both the JSONL log and the event
// index implement it.
type EventLister interface {
	ListEvents(ctx context.Context, filter model.EventFilter) ([]model.EventRecord, error)
}

// SnapshotLoader reads the persisted state without mutating it.
type SnapshotLoader interface {
	Load() (*state.Snapshot, error)
}

// Collector gathers metrics from the event history and the state snapshot.
type Collector struct {
	events  EventLister
	state   SnapshotLoader
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector. st may be nil.
func NewCollector(events EventLister, st SnapshotLoader) *Collector {
	return &Collector{events: events, state: st, nowFunc: time.Now}
}

// Collect gathers a snapshot of generation metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc()
	snap := &MetricsSnapshot{
		ByType:        make(map[model.ArtifactType]int),
		Outcomes:      make(map[model.Outcome]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now.UTC(),
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	recs, err := c.events.ListEvents(ctx, model.EventFilter{Since: cutoff, Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list events")
	}

	for _, r := range recs {
		if r.Kind == model.EventPreflight {
			snap.PreflightTotal++
			if r.Preflight != nil && !r.Preflight.OK {
				snap.PreflightFailed++
			}
			continue
		}
		o := model.Outcome(r.Kind)
		if !o.Valid() {
			continue
		}
		snap.Outcomes[o]++
		if o.Skipped() {
			snap.Skipped++
			continue
		}
		snap.Attempts++
		snap.ByType[r.ArtifactType]++
		if o.Success() {
			snap.Completed++
		} else {
			snap.Failed++
		}
	}
	if snap.Attempts > 0 {
		snap.FailRate = float64(snap.Failed) / float64(snap.Attempts)
	}

	if c.state != nil {
		st, err := c.state.Load()
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: load state")
		}
		snap.BudgetDate = st.Daily.Date
		snap.BudgetUsed = st.Daily.TotalUsed
		breakers := resilience.NewBreakers(resilience.CircuitBreakerConfig{}, st.Breakers)
		for t, cs := range breakers.States(now) {
			if cs == resilience.CircuitOpen {
				snap.OpenBreakers = append(snap.OpenBreakers, t)
			}
		}
		sort.Slice(snap.OpenBreakers, func(i, j int) bool { return snap.OpenBreakers[i] < snap.OpenBreakers[j] })
	}

	return snap, nil
}
