package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/artifact-guard/internal/model"
	"github.com/sells-group/artifact-guard/internal/state"
)

type fakeEvents struct {
	recs      []model.EventRecord
	err       error
	lastQuery model.EventFilter
}

func (f *fakeEvents) ListEvents(_ context.Context, filter model.EventFilter) ([]model.EventRecord, error) {
	f.lastQuery = filter
	if f.err != nil {
		return nil, f.err
	}
	var out []model.EventRecord
	for _, r := range f.recs {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeState struct {
	snap *state.Snapshot
	err  error
}

func (f *fakeState) Load() (*state.Snapshot, error) { return f.snap, f.err }

func event(kind model.EventKind, t model.ArtifactType, at time.Time) model.EventRecord {
	return model.EventRecord{Kind: kind, ArtifactType: t, Timestamp: at}
}

func TestCollector_Collect(t *testing.T) {
	recent := fixedNow.Add(-time.Hour)
	old := fixedNow.Add(-48 * time.Hour)
	until := fixedNow.Add(30 * time.Minute)
	expired := fixedNow.Add(-time.Minute)

	events := &fakeEvents{recs: []model.EventRecord{
		{Kind: model.EventPreflight, Timestamp: recent, Preflight: &model.PreflightReport{OK: true}},
		{Kind: model.EventPreflight, Timestamp: recent, Preflight: &model.PreflightReport{OK: false}},
		event("create_failed_no_artifact", model.ArtifactInfographic, recent),
		event("completed", model.ArtifactSlides, recent),
		event("timeout", model.ArtifactSlides, recent),
		event("skipped_breaker_open", model.ArtifactInfographic, recent),
		event("skipped_budget", model.ArtifactReport, recent),
		event("completed", model.ArtifactAudio, old),
		event("mystery", model.ArtifactAudio, recent),
	}}
	st := &fakeState{snap: &state.Snapshot{
		Daily: model.DailyBudget{Date: "2026-03-10", TotalUsed: 7},
		Breakers: model.BreakerMap{
			model.ArtifactInfographic: {ConsecutiveFailures: 3, OpenUntil: &until},
			model.ArtifactReport:      {ConsecutiveFailures: 3, OpenUntil: &expired},
			model.ArtifactSlides:      {ConsecutiveFailures: 1},
		},
	}}

	c := NewCollector(events, st)
	c.nowFunc = func() time.Time { return fixedNow }

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, fixedNow.Add(-24*time.Hour), events.lastQuery.Since)
	assert.Equal(t, 3, snap.Attempts)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 2, snap.Failed)
	assert.Equal(t, 2, snap.Skipped)
	assert.InDelta(t, 2.0/3.0, snap.FailRate, 0.0001)
	assert.Equal(t, map[model.ArtifactType]int{model.ArtifactInfographic: 1, model.ArtifactSlides: 2}, snap.ByType)
	assert.Equal(t, 2, snap.PreflightTotal)
	assert.Equal(t, 1, snap.PreflightFailed)
	assert.Equal(t, []model.ArtifactType{model.ArtifactInfographic}, snap.OpenBreakers)
	assert.Equal(t, 7, snap.BudgetUsed)
	assert.Equal(t, "2026-03-10", snap.BudgetDate)
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestCollector_Collect_NoState(t *testing.T) {
	c := NewCollector(&fakeEvents{}, nil)
	snap, err := c.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.Attempts)
	assert.Zero(t, snap.FailRate)
	assert.Empty(t, snap.OpenBreakers)
}

func TestCollector_Collect_Errors(t *testing.T) {
	c := NewCollector(&fakeEvents{err: errors.New("disk gone")}, nil)
	_, err := c.Collect(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list events")

	c = NewCollector(&fakeEvents{}, &fakeState{err: state.ErrCorruptState})
	_, err = c.Collect(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, state.ErrCorruptState))
}
