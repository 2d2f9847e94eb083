package guard

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/artifact-guard/internal/model"
	"github.com/sells-group/artifact-guard/pkg/nlm"
)

func newTestExecutor(client nlm.Client, poll PollConfig) *Executor {
	e := NewExecutor(client, poll)
	e.nowFunc = fixedClock
	return e
}

func TestExecute_Classification(t *testing.T) {
	longErr := strings.Repeat("x", 1000) + "tail"
	tests := []struct {
		name       string
		reply      createReply
		wantOut    model.Outcome
		wantReason string
	}{
		{"id present", createReply{id: "a-1"}, model.OutcomeCompleted, ""},
		{"no id", createReply{id: ""}, model.OutcomeCreateFailedNoArtifact, "NotebookLM rejected slides creation (no artifact returned)."},
		{"cli error", createReply{err: cliFailure("Error: rate limited")}, model.OutcomeCreateFailed, "Error: rate limited"},
		{"plain error", createReply{err: errors.New("nlm: run slides: signal: killed")}, model.OutcomeCreateFailed, "nlm: run slides: signal: killed"},
		{"long error kept to tail", createReply{err: cliFailure(longErr)}, model.OutcomeCreateFailed, longErr[len(longErr)-nlm.ErrorDetailLimit:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeNLM()
			f.creates[model.ArtifactSlides] = tt.reply
			a := newTestExecutor(f, PollConfig{}).Execute(context.Background(), model.ArtifactSlides, "nb", []string{"s"})

			assert.Equal(t, tt.wantOut, a.Outcome)
			assert.Equal(t, tt.wantReason, a.Reason)
			assert.Equal(t, model.ArtifactSlides, a.ArtifactType)
			assert.False(t, a.CreatedAt.IsZero())
			assert.False(t, a.FinishedAt.IsZero())
			assert.Zero(t, f.pollCalls)
		})
	}
}

func TestExecute_PollsUntilCompleted(t *testing.T) {
	f := newFakeNLM()
	f.studio["art-report"] = []string{nlm.StatusInProgress, nlm.StatusInProgress, "ready"}

	a := newTestExecutor(f, PollConfig{Interval: time.Millisecond, MaxPolls: 5}).
		Execute(context.Background(), model.ArtifactReport, "nb", nil)

	assert.Equal(t, model.OutcomeCompleted, a.Outcome)
	assert.Equal(t, "ready", a.ArtifactStatus)
	assert.Equal(t, "art-report", a.ArtifactID)
	assert.Equal(t, 3, f.pollCalls)
}

func TestExecute_PollReportsFailure(t *testing.T) {
	f := newFakeNLM()
	f.studio["art-audio"] = []string{"error"}

	a := newTestExecutor(f, PollConfig{Interval: time.Millisecond, MaxPolls: 5}).
		Execute(context.Background(), model.ArtifactAudio, "nb", nil)

	assert.Equal(t, model.OutcomeFailed, a.Outcome)
	assert.Equal(t, "artifact_status=error", a.Reason)
}

func TestExecute_PollTimeout(t *testing.T) {
	f := newFakeNLM()
	f.studio["art-audio"] = []string{nlm.StatusInProgress}

	a := newTestExecutor(f, PollConfig{Interval: time.Millisecond, MaxPolls: 3}).
		Execute(context.Background(), model.ArtifactAudio, "nb", nil)

	assert.Equal(t, model.OutcomeTimeout, a.Outcome)
	assert.Equal(t, "poll_timeout_last=in_progress", a.Reason)
	assert.Equal(t, "art-audio", a.ArtifactID)
	assert.Equal(t, 3, f.pollCalls)
}

func TestExecute_PollMissingRowAndErrorsKeepPolling(t *testing.T) {
	f := newFakeNLM()
	f.studioErr = errors.New("502 bad gateway")

	a := newTestExecutor(f, PollConfig{Interval: time.Millisecond, MaxPolls: 2}).
		Execute(context.Background(), model.ArtifactAudio, "nb", nil)

	assert.Equal(t, model.OutcomeTimeout, a.Outcome)
	assert.Equal(t, "poll_timeout_last=unknown", a.Reason)
	assert.Equal(t, 2, f.pollCalls)
}

func TestExecute_CancelledDuringCreate(t *testing.T) {
	f := newFakeNLM()
	f.creates[model.ArtifactSlides] = createReply{err: context.Canceled}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newTestExecutor(f, PollConfig{}).Execute(ctx, model.ArtifactSlides, "nb", nil)
	assert.Equal(t, model.OutcomeTimeout, a.Outcome)
	assert.Contains(t, a.Reason, "cancelled_during_create")
}

func TestExecute_CancelledWhilePolling(t *testing.T) {
	f := newFakeNLM()
	f.studio["art-slides"] = []string{nlm.StatusInProgress}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	a := newTestExecutor(f, PollConfig{Interval: time.Hour, MaxPolls: 10}).
		Execute(ctx, model.ArtifactSlides, "nb", nil)

	assert.Equal(t, model.OutcomeTimeout, a.Outcome)
	assert.Equal(t, "poll_cancelled_last=in_progress", a.Reason)
	assert.Equal(t, 1, f.pollCalls)
}
