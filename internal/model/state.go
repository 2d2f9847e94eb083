package model

import "time"

// DailyBudget counts attempts made on one calendar day. TotalUsed always
// equals the sum of PerTypeUsed.
type DailyBudget struct {
	Date        string               `json:"date"`
	TotalUsed   int                  `json:"total_used"`
	PerTypeUsed map[ArtifactType]int `json:"per_type"`
}

// Clone returns a deep copy.
func (d DailyBudget) Clone() DailyBudget {
	out := DailyBudget{Date: d.Date, TotalUsed: d.TotalUsed, PerTypeUsed: make(map[ArtifactType]int, len(d.PerTypeUsed))}
	for k, v := range d.PerTypeUsed {
		out.PerTypeUsed[k] = v
	}
	return out
}

// BreakerState is the persisted health record for one artifact type.
type BreakerState struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenUntil           *time.Time `json:"open_until"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
}

// BreakerMap holds one BreakerState per artifact type.
type BreakerMap map[ArtifactType]BreakerState

// Clone returns a copy that shares no mutable state with m.
func (m BreakerMap) Clone() BreakerMap {
	out := make(BreakerMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
