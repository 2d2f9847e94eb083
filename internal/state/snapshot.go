// Package state persists the daily budget and breaker map between runs and
// keeps the append-only event log.
package state

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/artifact-guard/internal/budget"
	"github.com/sells-group/artifact-guard/internal/model"
)

// SchemaVersion is the snapshot layout written by this build.
const SchemaVersion = 1

var (
	// ErrCorruptState is returned when the snapshot exists but cannot be
	// trusted. Runs must stop rather than reset quotas or breakers.
	ErrCorruptState = eris.New("state: corrupt snapshot")
	// ErrLocked is returned when another process holds the state lock.
	ErrLocked = eris.New("state: locked by another process")
)

// Snapshot is the full persisted state.
type Snapshot struct {
	SchemaVersion int               `json:"schema_version"`
	Daily         model.DailyBudget `json:"daily"`
	Breakers      model.BreakerMap  `json:"breaker"`
	LastRun       *model.LastRun    `json:"last_run,omitempty"`
}

// Default returns the state used when no snapshot exists yet.
func Default(now time.Time) *Snapshot {
	return &Snapshot{
		SchemaVersion: SchemaVersion,
		Daily:         budget.Empty(now),
		Breakers:      make(model.BreakerMap),
	}
}

// validate fills nil maps and rejects snapshots that break invariants.
func (s *Snapshot) validate(now time.Time) error {
	switch {
	case s.SchemaVersion == 0:
		s.SchemaVersion = SchemaVersion
	case s.SchemaVersion > SchemaVersion:
		return eris.Wrapf(ErrCorruptState, "unsupported schema_version %d", s.SchemaVersion)
	}
	if s.Daily.Date == "" {
		s.Daily.Date = now.Local().Format(budget.DateLayout)
	} else if _, err := time.Parse(budget.DateLayout, s.Daily.Date); err != nil {
		return eris.Wrapf(ErrCorruptState, "daily.date %q", s.Daily.Date)
	}
	if s.Daily.PerTypeUsed == nil {
		s.Daily.PerTypeUsed = make(map[model.ArtifactType]int)
	}
	if s.Breakers == nil {
		s.Breakers = make(model.BreakerMap)
	}

	sum := 0
	for t, n := range s.Daily.PerTypeUsed {
		if n < 0 {
			return eris.Wrapf(ErrCorruptState, "daily.per_type[%s] is negative", t)
		}
		sum += n
	}
	if s.Daily.TotalUsed != sum {
		return eris.Wrapf(ErrCorruptState, "daily.total_used %d != sum(per_type) %d", s.Daily.TotalUsed, sum)
	}
	for t, b := range s.Breakers {
		if b.ConsecutiveFailures < 0 {
			return eris.Wrapf(ErrCorruptState, "breaker[%s].consecutive_failures is negative", t)
		}
	}
	return nil
}
