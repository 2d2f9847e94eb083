// Package budget tracks daily attempt quotas for artifact generation.
package budget

import (
	"fmt"
	"time"

	"github.com/sells-group/artifact-guard/internal/model"
)

// DateLayout is the calendar-day key stored in DailyBudget.Date.
const DateLayout = "2006-01-02"

// Skip reasons reported by MayAttempt.
const (
	ReasonTotalExhausted = "daily_total_budget_exhausted"
)

// PerTypeReason is the skip reason when a per-type limit is reached.
func PerTypeReason(t model.ArtifactType) string {
	return fmt.Sprintf("daily_%s_budget_exhausted", t)
}

// Limits holds configured daily caps. A zero or negative value means unlimited.
type Limits struct {
	Total   int                        `json:"total" yaml:"total" mapstructure:"total"`
	PerType map[model.ArtifactType]int `json:"per_type" yaml:"per_type" mapstructure:"per_type"`
}

// Ledger is a day-scoped attempt counter. The date rollover is evaluated
// lazily on every entry point, before any comparison.
type Ledger struct {
	limits Limits
	daily  model.DailyBudget

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewLedger wraps a persisted DailyBudget with the configured limits.
func NewLedger(limits Limits, daily model.DailyBudget) *Ledger {
	if daily.PerTypeUsed == nil {
		daily.PerTypeUsed = make(map[model.ArtifactType]int)
	}
	return &Ledger{
		limits:  limits,
		daily:   daily.Clone(),
		nowFunc: time.Now,
	}
}

// WithNow sets the clock used for date rollover.
func (l *Ledger) WithNow(fn func() time.Time) *Ledger {
	l.nowFunc = fn
	return l
}

// Today returns the current calendar day in the operator's local zone.
func (l *Ledger) Today() string {
	return l.nowFunc().Local().Format(DateLayout)
}

// MayAttempt reports whether an attempt for t fits inside today's limits.
// When it returns false, reason names the exhausted limit.
func (l *Ledger) MayAttempt(t model.ArtifactType) (ok bool, reason string) {
	l.rollover()

	if l.limits.Total > 0 && l.daily.TotalUsed >= l.limits.Total {
		return false, ReasonTotalExhausted
	}
	if limit := l.limits.PerType[t]; limit > 0 && l.daily.PerTypeUsed[t] >= limit {
		return false, PerTypeReason(t)
	}
	return true, ""
}

// RecordAttempt charges one executed attempt for t, regardless of result.
func (l *Ledger) RecordAttempt(t model.ArtifactType) {
	l.rollover()
	l.daily.TotalUsed++
	l.daily.PerTypeUsed[t]++
}

// TotalExhausted reports whether the global daily limit has been reached.
func (l *Ledger) TotalExhausted() bool {
	l.rollover()
	return l.limits.Total > 0 && l.daily.TotalUsed >= l.limits.Total
}

// Remaining returns attempts left today under the global limit, or -1 when
// the total is unlimited.
func (l *Ledger) Remaining() int {
	l.rollover()
	if l.limits.Total <= 0 {
		return -1
	}
	if r := l.limits.Total - l.daily.TotalUsed; r > 0 {
		return r
	}
	return 0
}

// Reset zeroes today's counters.
func (l *Ledger) Reset() {
	l.daily = emptyDay(l.Today())
}

// Snapshot returns a copy of the current counters, rolled over if the day
// has changed.
func (l *Ledger) Snapshot() model.DailyBudget {
	l.rollover()
	return l.daily.Clone()
}

func (l *Ledger) rollover() {
	today := l.Today()
	if l.daily.Date != today {
		l.daily = emptyDay(today)
	}
}

func emptyDay(date string) model.DailyBudget {
	return model.DailyBudget{
		Date:        date,
		PerTypeUsed: make(map[model.ArtifactType]int),
	}
}

// Empty returns a zeroed DailyBudget for the day containing now.
func Empty(now time.Time) model.DailyBudget {
	return emptyDay(now.Local().Format(DateLayout))
}
