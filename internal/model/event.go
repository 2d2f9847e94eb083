package model

import "time"

// EventKind mirrors Outcome plus the preflight event.
type EventKind string

// EventPreflight is appended once per non-dry run, before any attempt.
const EventPreflight EventKind = "preflight"

// EventKindFor maps an outcome onto its event kind.
func EventKindFor(o Outcome) EventKind {
	return EventKind(o)
}

// EventRecord is one line of the append-only event log. Records are never
// mutated after they are written.
type EventRecord struct {
	ID           string           `json:"id"`
	RunID        string           `json:"run_id"`
	Timestamp    time.Time        `json:"ts"`
	Kind         EventKind        `json:"event"`
	ArtifactType ArtifactType     `json:"artifact_type,omitempty"`
	Position     int              `json:"position,omitempty"`
	ArtifactID   string           `json:"artifact_id,omitempty"`
	Status       string           `json:"status,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	CreatedAt    *time.Time       `json:"created_at,omitempty"`
	BreakerOpen  bool             `json:"breaker_opened,omitempty"`
	Preflight    *PreflightReport `json:"report,omitempty"`
}

// EventFilter narrows event queries.
type EventFilter struct {
	ArtifactType ArtifactType `json:"artifact_type,omitempty"`
	Kind         EventKind    `json:"kind,omitempty"`
	RunID        string       `json:"run_id,omitempty"`
	Since        time.Time    `json:"since,omitempty"`
	Limit        int          `json:"limit,omitempty"`
}

// Match reports whether rec satisfies the filter (Limit is ignored).
func (f EventFilter) Match(rec EventRecord) bool {
	if f.ArtifactType != "" && rec.ArtifactType != f.ArtifactType {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.RunID != "" && rec.RunID != f.RunID {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
