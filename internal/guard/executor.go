package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/artifact-guard/internal/model"
	"github.com/sells-group/artifact-guard/pkg/nlm"
)

// PollConfig controls waiting for a created artifact to finish.
// MaxPolls <= 0 disables polling: an identifier alone counts as completed.
type PollConfig struct {
	Interval time.Duration
	MaxPolls int
}

// Executor runs exactly one creation attempt and classifies it into an
// Outcome. It never retries; moving on is the orchestrator's job.
type Executor struct {
	client nlm.Client
	poll   PollConfig

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(client nlm.Client, poll PollConfig) *Executor {
	return &Executor{client: client, poll: poll, nowFunc: time.Now}
}

// Execute creates one artifact of type t and, when polling is enabled,
// waits for it to reach a terminal state.
func (e *Executor) Execute(ctx context.Context, t model.ArtifactType, notebookID string, sourceIDs []string) model.Attempt {
	a := model.Attempt{ArtifactType: t, CreatedAt: e.nowFunc()}

	res, err := e.client.CreateArtifact(ctx, string(t), notebookID, sourceIDs)
	if err != nil {
		if ctx.Err() != nil {
			return e.finish(a, model.OutcomeTimeout, fmt.Sprintf("cancelled_during_create: %v", ctx.Err()))
		}
		return e.finish(a, model.OutcomeCreateFailed, errorDetail(err))
	}
	if res.ArtifactID == "" {
		return e.finish(a, model.OutcomeCreateFailedNoArtifact,
			fmt.Sprintf("NotebookLM rejected %s creation (no artifact returned).", t))
	}
	a.ArtifactID = res.ArtifactID

	if e.poll.MaxPolls <= 0 {
		return e.finish(a, model.OutcomeCompleted, "")
	}
	return e.awaitCompletion(ctx, a, notebookID)
}

// awaitCompletion polls studio status until the artifact row reports a
// terminal state or the poll budget runs out.
func (e *Executor) awaitCompletion(ctx context.Context, a model.Attempt, notebookID string) model.Attempt {
	limit := rate.Inf
	if e.poll.Interval > 0 {
		limit = rate.Every(e.poll.Interval)
	}
	limiter := rate.NewLimiter(limit, 1)

	last := nlm.StatusUnknown
	for i := 0; i < e.poll.MaxPolls; i++ {
		if err := limiter.Wait(ctx); err != nil {
			a.ArtifactStatus = last
			return e.finish(a, model.OutcomeTimeout, fmt.Sprintf("poll_cancelled_last=%s", last))
		}

		rows, err := e.client.StudioStatus(ctx, notebookID)
		if err != nil {
			if ctx.Err() != nil {
				a.ArtifactStatus = last
				return e.finish(a, model.OutcomeTimeout, fmt.Sprintf("poll_cancelled_last=%s", last))
			}
			zap.L().Warn("guard: studio status failed, will poll again",
				zap.String("artifact_id", a.ArtifactID),
				zap.Int("poll", i+1),
				zap.Error(err),
			)
			continue
		}

		row := findArtifact(rows, a.ArtifactID)
		if row == nil {
			continue
		}
		last = row.Status
		a.ArtifactStatus = last

		switch {
		case nlm.IsSuccessStatus(last):
			return e.finish(a, model.OutcomeCompleted, "")
		case nlm.IsFailStatus(last):
			return e.finish(a, model.OutcomeFailed, fmt.Sprintf("artifact_status=%s", last))
		}
	}
	a.ArtifactStatus = last
	return e.finish(a, model.OutcomeTimeout, fmt.Sprintf("poll_timeout_last=%s", last))
}

func (e *Executor) finish(a model.Attempt, o model.Outcome, reason string) model.Attempt {
	a.Outcome = o
	a.Reason = reason
	a.FinishedAt = e.nowFunc()
	return a
}

func findArtifact(rows []nlm.StudioArtifact, id string) *nlm.StudioArtifact {
	for i := range rows {
		if rows[i].ID == id {
			return &rows[i]
		}
	}
	return nil
}

// errorDetail extracts an operator-facing reason from a CLI error, keeping
// only the tail of long output.
func errorDetail(err error) string {
	var ce *nlm.CommandError
	if errors.As(err, &ce) {
		if d := ce.Output.Detail(); d != "" {
			return nlm.Tail(d, nlm.ErrorDetailLimit)
		}
	}
	return nlm.Tail(err.Error(), nlm.ErrorDetailLimit)
}
