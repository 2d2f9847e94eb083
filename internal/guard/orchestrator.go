// Package guard drives the fallback plan: preflight, then each artifact type
// in order through the breaker and the budget, until the success target is
// met, the plan runs out, or the daily budget is gone.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/artifact-guard/internal/budget"
	"github.com/sells-group/artifact-guard/internal/model"
	"github.com/sells-group/artifact-guard/internal/resilience"
	"github.com/sells-group/artifact-guard/internal/state"
	"github.com/sells-group/artifact-guard/pkg/nlm"
)

// StateStore is the snapshot persistence the orchestrator commits through.
type StateStore interface {
	Load() (*state.Snapshot, error)
	Commit(snap *state.Snapshot) error
	Lock(ctx context.Context) (func(), error)
	Path() string
}

// EventSink receives the audit trail.
type EventSink interface {
	Append(ctx context.Context, rec model.EventRecord) error
	Path() string
}

// Config holds the guard settings that do not vary per run.
type Config struct {
	Limits  budget.Limits
	Breaker resilience.CircuitBreakerConfig
	Poll    PollConfig
}

// RunRequest describes one invocation.
type RunRequest struct {
	NotebookID      string
	Profile         string
	SourceIDs       []string
	Plan            []model.ArtifactType
	Target          int
	DryRun          bool
	AutoRefreshAuth bool
}

// Orchestrator owns the only in-memory working copy of budget and breaker
// state during a run and is the only writer of the snapshot.
type Orchestrator struct {
	cfg      Config
	client   nlm.Client
	executor *Executor
	store    StateStore
	events   EventSink

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
	newID   func() string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg Config, client nlm.Client, store StateStore, events EventSink) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		client:   client,
		executor: NewExecutor(client, cfg.Poll),
		store:    store,
		events:   events,
		nowFunc:  time.Now,
		newID:    uuid.NewString,
	}
}

// run carries the per-invocation working state.
type run struct {
	req      RunRequest
	summary  *model.RunSummary
	snap     *state.Snapshot
	ledger   *budget.Ledger
	breakers *resilience.Breakers
}

// Run executes the plan and returns the summary. The returned error is
// non-nil only for invalid input or persistence failures; attempt failures
// are outcomes in the summary. The summary is returned even on error.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*model.RunSummary, error) {
	summary := &model.RunSummary{
		RunID:      o.newID(),
		Phase:      model.PhasePreflight,
		CheckedAt:  o.nowFunc(),
		NotebookID: req.NotebookID,
		Profile:    req.Profile,
		Plan:       req.Plan,
		Target:     req.Target,
		Steps:      []model.StepResult{},
		StateFile:  o.store.Path(),
		EventsFile: o.events.Path(),
	}
	fail := func(err error) (*model.RunSummary, error) {
		summary.Status = model.RunStatusFailed
		summary.Phase = model.PhaseDone
		summary.Error = err.Error()
		return summary, err
	}

	if err := validateRequest(req); err != nil {
		return fail(err)
	}

	if !req.DryRun {
		release, err := o.store.Lock(ctx)
		if err != nil {
			return fail(err)
		}
		defer release()
	}

	snap, err := o.store.Load()
	if err != nil {
		return fail(err)
	}

	log := zap.L().With(zap.String("run_id", summary.RunID), zap.String("notebook_id", req.NotebookID))
	breakerCfg := o.cfg.Breaker
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(t model.ArtifactType, from, to resilience.CircuitState) {
		log.Warn("guard: breaker state changed",
			zap.String("artifact_type", string(t)),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		if userHook != nil {
			userHook(t, from, to)
		}
	}

	r := &run{
		req:      req,
		summary:  summary,
		snap:     snap,
		ledger:   budget.NewLedger(o.cfg.Limits, snap.Daily).WithNow(o.nowFunc),
		breakers: resilience.NewBreakers(breakerCfg, snap.Breakers),
	}

	report, ids := RunPreflight(ctx, o.client, PreflightRequest{
		NotebookID:      req.NotebookID,
		SourceIDs:       req.SourceIDs,
		AutoRefreshAuth: req.AutoRefreshAuth,
	}, o.nowFunc())
	summary.Preflight = report
	summary.ResolvedSourceIDs = ids
	if summary.ResolvedSourceIDs == nil {
		summary.ResolvedSourceIDs = []string{}
	}
	if report.Reason == model.PreflightCancelled {
		summary.Error = fmt.Sprintf("run cancelled during preflight: %v", ctx.Err())
	}

	if req.DryRun {
		summary.Status = model.RunStatusDryRunOK
		if !report.OK {
			summary.Status = model.RunStatusFailedPreflight
		}
		summary.Phase = model.PhaseDone
		o.attachState(r)
		return summary, nil
	}

	if err := o.events.Append(ctx, model.EventRecord{
		ID:        o.newID(),
		RunID:     summary.RunID,
		Timestamp: o.nowFunc(),
		Kind:      model.EventPreflight,
		Preflight: report,
	}); err != nil {
		return fail(err)
	}

	if !report.OK {
		summary.Status = model.RunStatusFailedPreflight
		summary.Phase = model.PhaseDone
		return o.finish(r)
	}

	summary.Phase = model.PhaseRunning
	log.Info("guard: running plan", zap.Int("steps", len(req.Plan)), zap.Int("target", req.Target))

	for i, t := range req.Plan {
		if ctx.Err() != nil {
			summary.Error = fmt.Sprintf("run cancelled before step %d: %v", i+1, ctx.Err())
			break
		}

		step, executed := o.step(ctx, r, i+1, t)
		summary.Steps = append(summary.Steps, step)
		switch {
		case step.Outcome.Skipped():
			summary.SkippedCount++
		case step.Outcome.Success():
			summary.SuccessCount++
			summary.AttemptCount++
		default:
			summary.AttemptCount++
		}

		log.Info("guard: step finished",
			zap.Int("position", step.Position),
			zap.String("artifact_type", string(t)),
			zap.String("outcome", string(step.Outcome)),
			zap.String("artifact_id", step.ArtifactID),
			zap.String("reason", step.Reason),
		)

		if err := o.events.Append(ctx, stepEvent(o.newID(), summary.RunID, o.nowFunc(), step)); err != nil {
			o.commitQuietly(r)
			return fail(err)
		}
		if executed {
			if err := o.commit(r); err != nil {
				return fail(err)
			}
		}

		if req.Target > 0 && summary.SuccessCount >= req.Target {
			summary.Phase = model.PhaseSatisfied
			break
		}
		if executed && ctx.Err() != nil {
			summary.Error = fmt.Sprintf("run cancelled during step %d: %v", step.Position, ctx.Err())
			break
		}
		if r.ledger.TotalExhausted() && summary.Phase == model.PhaseRunning {
			summary.Phase = model.PhaseBudgetDepleted
			log.Warn("guard: daily budget depleted", zap.Int("at_step", step.Position))
		}
	}
	if summary.Phase == model.PhaseRunning {
		summary.Phase = model.PhaseExhausted
	}
	summary.Status = finalStatus(summary.SuccessCount, req.Target)

	return o.finish(r)
}

// step decides and, when allowed, executes one plan step. The breaker is
// consulted before the budget; skipped steps charge neither.
func (o *Orchestrator) step(ctx context.Context, r *run, pos int, t model.ArtifactType) (model.StepResult, bool) {
	now := o.nowFunc()
	res := model.StepResult{Position: pos, ArtifactType: t}

	if r.breakers.IsOpen(t, now) {
		res.Outcome = model.OutcomeSkippedBreakerOpen
		res.Reason = fmt.Sprintf("breaker_open_%ds", int(r.breakers.OpenFor(t, now).Seconds()))
		return res, false
	}
	if ok, reason := r.ledger.MayAttempt(t); !ok {
		res.Outcome = model.OutcomeSkippedBudget
		res.Reason = reason
		return res, false
	}

	r.ledger.RecordAttempt(t)
	a := o.executor.Execute(ctx, t, r.req.NotebookID, r.summary.ResolvedSourceIDs)
	res.BreakerOpened = r.breakers.RecordOutcome(t, a.Outcome.Success(), o.nowFunc())

	res.Outcome = a.Outcome
	res.Reason = a.Reason
	res.ArtifactID = a.ArtifactID
	res.ArtifactStatus = a.ArtifactStatus
	created, finished := a.CreatedAt, a.FinishedAt
	res.CreatedAt = &created
	res.FinishedAt = &finished
	return res, true
}

// finish folds the run into last_run and commits.
func (o *Orchestrator) finish(r *run) (*model.RunSummary, error) {
	s := r.summary
	s.Phase = phaseOrDone(s.Phase)
	r.snap.LastRun = &model.LastRun{
		RunID:        s.RunID,
		At:           o.nowFunc(),
		Status:       s.Status,
		NotebookID:   s.NotebookID,
		Plan:         s.Plan,
		SuccessCount: s.SuccessCount,
		AttemptCount: s.AttemptCount,
		Preflight:    s.Preflight,
	}
	if err := o.commit(r); err != nil {
		s.Error = err.Error()
		return s, err
	}
	o.attachState(r)
	zap.L().Info("guard: run finished",
		zap.String("run_id", s.RunID),
		zap.String("status", string(s.Status)),
		zap.String("phase", string(s.Phase)),
		zap.Int("success_count", s.SuccessCount),
		zap.Int("attempt_count", s.AttemptCount),
		zap.Int("skipped_count", s.SkippedCount),
	)
	return s, nil
}

func (o *Orchestrator) commit(r *run) error {
	r.snap.Daily = r.ledger.Snapshot()
	r.snap.Breakers = r.breakers.Snapshot()
	if err := o.store.Commit(r.snap); err != nil {
		return eris.Wrap(err, "guard: commit state")
	}
	return nil
}

// commitQuietly persists charged attempts on a path that is already failing.
func (o *Orchestrator) commitQuietly(r *run) {
	if err := o.commit(r); err != nil {
		zap.L().Error("guard: commit after event failure", zap.Error(err))
	}
}

func (o *Orchestrator) attachState(r *run) {
	daily := r.ledger.Snapshot()
	r.summary.DailyBudget = &daily
	r.summary.Breakers = r.breakers.Snapshot()
}

// phaseOrDone keeps terminal phases and maps the rest to done.
func phaseOrDone(p model.Phase) model.Phase {
	switch p {
	case model.PhaseSatisfied, model.PhaseExhausted, model.PhaseBudgetDepleted:
		return p
	}
	return model.PhaseDone
}

// finalStatus maps the success count onto the run status. A target of zero
// means "attempt the whole plan" and is satisfied by any success.
func finalStatus(successes, target int) model.RunStatus {
	want := target
	if want < 1 {
		want = 1
	}
	switch {
	case successes >= want:
		return model.RunStatusOK
	case successes > 0:
		return model.RunStatusDegraded
	default:
		return model.RunStatusFailed
	}
}

func stepEvent(id, runID string, ts time.Time, step model.StepResult) model.EventRecord {
	return model.EventRecord{
		ID:           id,
		RunID:        runID,
		Timestamp:    ts,
		Kind:         model.EventKindFor(step.Outcome),
		ArtifactType: step.ArtifactType,
		Position:     step.Position,
		ArtifactID:   step.ArtifactID,
		Status:       step.ArtifactStatus,
		Reason:       step.Reason,
		CreatedAt:    step.CreatedAt,
		BreakerOpen:  step.BreakerOpened,
	}
}

func validateRequest(req RunRequest) error {
	if req.NotebookID == "" {
		return eris.New("guard: notebook id is required")
	}
	if req.Target < 0 {
		return eris.Wrapf(ErrInvalidPlan, "target %d is negative", req.Target)
	}
	if len(req.Plan) == 0 {
		return eris.Wrap(ErrInvalidPlan, "plan is empty")
	}
	seen := make(map[model.ArtifactType]bool, len(req.Plan))
	for _, t := range req.Plan {
		if seen[t] {
			return eris.Wrapf(ErrInvalidPlan, "artifact type %q appears more than once", t)
		}
		seen[t] = true
	}
	return nil
}
