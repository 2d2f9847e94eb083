package model

import "time"

// ArtifactType names a kind of generated output (infographic, slides, ...).
type ArtifactType string

// Common artifact types understood by the notebook CLI.
const (
	ArtifactInfographic ArtifactType = "infographic"
	ArtifactSlides      ArtifactType = "slides"
	ArtifactReport      ArtifactType = "report"
	ArtifactAudio       ArtifactType = "audio"
	ArtifactVideo       ArtifactType = "video"
	ArtifactMindmap     ArtifactType = "mindmap"
	ArtifactDataTable   ArtifactType = "data-table"
)

// Outcome classifies a single plan step. Exactly one per visited step.
type Outcome string

const (
	OutcomeSkippedBudget          Outcome = "skipped_budget"
	OutcomeSkippedBreakerOpen     Outcome = "skipped_breaker_open"
	OutcomeCreateFailed           Outcome = "create_failed"
	OutcomeCreateFailedNoArtifact Outcome = "create_failed_no_artifact"
	OutcomeCompleted              Outcome = "completed"
	OutcomeTimeout                Outcome = "timeout"
	OutcomeFailed                 Outcome = "failed"
)

// Skipped reports whether the outcome was decided before execution.
// Skipped steps are never charged to the budget or the breaker.
func (o Outcome) Skipped() bool {
	return o == OutcomeSkippedBudget || o == OutcomeSkippedBreakerOpen
}

// Success reports whether the outcome counts toward the success target.
func (o Outcome) Success() bool {
	return o == OutcomeCompleted
}

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSkippedBudget, OutcomeSkippedBreakerOpen, OutcomeCreateFailed,
		OutcomeCreateFailedNoArtifact, OutcomeCompleted, OutcomeTimeout, OutcomeFailed:
		return true
	}
	return false
}

// Attempt is what the executor reports for one executed step.
type Attempt struct {
	ArtifactType   ArtifactType `json:"artifact_type"`
	Outcome        Outcome      `json:"outcome"`
	ArtifactID     string       `json:"artifact_id,omitempty"`
	ArtifactStatus string       `json:"artifact_status,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	FinishedAt     time.Time    `json:"finished_at"`
}
