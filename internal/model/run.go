package model

import "time"

// RunStatus is the single source of truth for how a run went.
type RunStatus string

const (
	RunStatusOK              RunStatus = "ok"
	RunStatusDegraded        RunStatus = "degraded"
	RunStatusFailed          RunStatus = "failed"
	RunStatusFailedPreflight RunStatus = "failed_preflight"
	RunStatusDryRunOK        RunStatus = "dry_run_ok"
)

// Phase is the orchestrator state-machine position.
type Phase string

const (
	PhasePreflight      Phase = "preflight"
	PhaseRunning        Phase = "running"
	PhaseSatisfied      Phase = "satisfied"
	PhaseExhausted      Phase = "exhausted"
	PhaseBudgetDepleted Phase = "budget_depleted"
	PhaseDone           Phase = "done"
)

// PreflightReport is the result of the readiness check.
type PreflightReport struct {
	CheckedAt           time.Time `json:"checked_at"`
	OK                  bool      `json:"ok"`
	Reason              string    `json:"reason,omitempty"`
	Detail              string    `json:"detail,omitempty"`
	ResolvedSourceCount int       `json:"resolved_source_count,omitempty"`
	AuthRefreshed       bool      `json:"auth_refreshed,omitempty"`
}

// Preflight failure reasons.
const (
	PreflightNotAvailable     = "nlm_not_available"
	PreflightAuthRequired     = "auth_required"
	PreflightSourceListFailed = "source_list_failed"
	PreflightNoSources        = "no_sources"
	PreflightCancelled        = "cancelled"
)

// StepResult is the per-step entry in a RunSummary.
type StepResult struct {
	Position       int          `json:"position"`
	ArtifactType   ArtifactType `json:"artifact_type"`
	Outcome        Outcome      `json:"outcome"`
	Reason         string       `json:"reason,omitempty"`
	ArtifactID     string       `json:"artifact_id,omitempty"`
	ArtifactStatus string       `json:"artifact_status,omitempty"`
	CreatedAt      *time.Time   `json:"created_at,omitempty"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
	BreakerOpened  bool         `json:"breaker_opened,omitempty"`
}

// RunSummary is the machine-readable result of one invocation.
type RunSummary struct {
	RunID             string           `json:"run_id"`
	Status            RunStatus        `json:"status"`
	Phase             Phase            `json:"phase"`
	CheckedAt         time.Time        `json:"checked_at"`
	NotebookID        string           `json:"notebook_id"`
	Profile           string           `json:"profile"`
	Plan              []ArtifactType   `json:"plan"`
	Target            int              `json:"target"`
	ResolvedSourceIDs []string         `json:"resolved_source_ids"`
	Preflight         *PreflightReport `json:"preflight,omitempty"`
	Steps             []StepResult     `json:"steps"`
	SuccessCount      int              `json:"success_count"`
	AttemptCount      int              `json:"attempt_count"`
	SkippedCount      int              `json:"skipped_count"`
	DailyBudget       *DailyBudget     `json:"daily_budget,omitempty"`
	Breakers          BreakerMap       `json:"breakers,omitempty"`
	StateFile         string           `json:"state_file,omitempty"`
	EventsFile        string           `json:"events_file,omitempty"`
	Error             string           `json:"error,omitempty"`
}

// LastRun is the compact run record folded into the persisted snapshot.
type LastRun struct {
	RunID        string           `json:"run_id,omitempty"`
	At           time.Time        `json:"at"`
	Status       RunStatus        `json:"status"`
	NotebookID   string           `json:"notebook_id,omitempty"`
	Plan         []ArtifactType   `json:"plan,omitempty"`
	SuccessCount int              `json:"success_count"`
	AttemptCount int              `json:"attempt_count"`
	Preflight    *PreflightReport `json:"preflight,omitempty"`
}
