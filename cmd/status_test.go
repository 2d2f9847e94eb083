package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/artifact-guard/internal/budget"
	"github.com/sells-group/artifact-guard/internal/model"
	"github.com/sells-group/artifact-guard/internal/resilience"
	"github.com/sells-group/artifact-guard/internal/state"
)

func ptrTime(t time.Time) *time.Time { return &t }

// seedState commits a snapshot with one open and one tripped-but-cooled
// breaker plus some budget usage for today.
func seedState(t *testing.T, path string, now time.Time) {
	t.Helper()
	snap := state.Default(now)
	snap.Daily.TotalUsed = 3
	snap.Daily.PerTypeUsed[model.ArtifactInfographic] = 3
	snap.Breakers[model.ArtifactInfographic] = model.BreakerState{
		ConsecutiveFailures: 3,
		LastFailureAt:       ptrTime(now.Add(-10 * time.Minute)),
		OpenUntil:           ptrTime(now.Add(80 * time.Minute)),
	}
	snap.Breakers[model.ArtifactSlides] = model.BreakerState{
		ConsecutiveFailures: 3,
		LastFailureAt:       ptrTime(now.Add(-2 * time.Hour)),
		OpenUntil:           ptrTime(now.Add(-30 * time.Minute)),
	}
	require.NoError(t, state.NewFileStore(path).Commit(snap))
}

func TestRunStatus_EmptyState(t *testing.T) {
	c := testConfig(t)
	now := time.Now()

	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), c, now, &out))

	var view statusView
	require.NoError(t, json.Unmarshal(out.Bytes(), &view))
	assert.Equal(t, c.State.StateFile, view.StateFile)
	assert.Equal(t, 0, view.DailyBudget.TotalUsed)
	assert.Equal(t, 40, view.Remaining)
	assert.Empty(t, view.Breakers)
	assert.Nil(t, view.LastRun)
}

func TestBuildStatus_DerivesBreakerStates(t *testing.T) {
	c := testConfig(t)
	now := time.Now()
	seedState(t, c.State.StateFile, now)

	snap, err := state.NewFileStore(c.State.StateFile).Load()
	require.NoError(t, err)

	view := buildStatus("state.json", snap, c, now)
	assert.Equal(t, 3, view.DailyBudget.TotalUsed)
	assert.Equal(t, 37, view.Remaining)

	require.Contains(t, view.Breakers, model.ArtifactInfographic)
	open := view.Breakers[model.ArtifactInfographic]
	assert.Equal(t, resilience.CircuitOpen, open.State)
	assert.InDelta(t, 80*60, open.OpenForSeconds, 2)

	cooled := view.Breakers[model.ArtifactSlides]
	assert.Equal(t, resilience.CircuitHalfOpen, cooled.State)
	assert.Zero(t, cooled.OpenForSeconds)
}

func TestBuildStatus_RollsOverStaleDay(t *testing.T) {
	c := testConfig(t)
	now := time.Now()
	snap := state.Default(now)
	snap.Daily = model.DailyBudget{
		Date:        now.AddDate(0, 0, -2).Local().Format(budget.DateLayout),
		TotalUsed:   40,
		PerTypeUsed: map[model.ArtifactType]int{model.ArtifactAudio: 12},
	}

	view := buildStatus("state.json", snap, c, now)
	assert.Equal(t, now.Local().Format(budget.DateLayout), view.DailyBudget.Date)
	assert.Zero(t, view.DailyBudget.TotalUsed)
	assert.Equal(t, 40, view.Remaining)
	// the snapshot itself is untouched
	assert.Equal(t, 40, snap.Daily.TotalUsed)
}

func TestRunReset(t *testing.T) {
	tests := []struct {
		name          string
		opts          resetOpts
		wantBreakers  []model.ArtifactType
		wantTotalUsed int
	}{
		{
			name:          "one breaker by alias",
			opts:          resetOpts{breakers: []string{"slide_deck"}},
			wantBreakers:  []model.ArtifactType{model.ArtifactInfographic},
			wantTotalUsed: 3,
		},
		{
			name:          "all breakers",
			opts:          resetOpts{allBreakers: true},
			wantTotalUsed: 3,
		},
		{
			name:          "budget only",
			opts:          resetOpts{budget: true},
			wantBreakers:  []model.ArtifactType{model.ArtifactInfographic, model.ArtifactSlides},
			wantTotalUsed: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig(t)
			now := time.Now()
			seedState(t, c.State.StateFile, now)

			var out bytes.Buffer
			require.NoError(t, runReset(context.Background(), c, tt.opts, now, &out))

			snap, err := state.NewFileStore(c.State.StateFile).Load()
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotalUsed, snap.Daily.TotalUsed)

			var tripped []model.ArtifactType
			for _, at := range []model.ArtifactType{model.ArtifactInfographic, model.ArtifactSlides} {
				if snap.Breakers[at].ConsecutiveFailures > 0 {
					tripped = append(tripped, at)
				}
			}
			assert.Equal(t, tt.wantBreakers, tripped)

			var view statusView
			require.NoError(t, json.Unmarshal(out.Bytes(), &view))
			assert.Equal(t, tt.wantTotalUsed, view.DailyBudget.TotalUsed)
		})
	}
}

func TestRunReset_NothingSelected(t *testing.T) {
	c := testConfig(t)
	var out bytes.Buffer
	err := runReset(context.Background(), c, resetOpts{}, time.Now(), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing selected")
	assert.Zero(t, out.Len())
}
