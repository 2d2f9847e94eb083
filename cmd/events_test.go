package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/artifact-guard/internal/model"
	"github.com/sells-group/artifact-guard/internal/state"
)

var evBase = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func sampleEvents() []model.EventRecord {
	return []model.EventRecord{
		{
			ID: "e3", RunID: "run-abcdef123", Timestamp: evBase.Add(2 * time.Minute), Position: 2,
			ArtifactType: model.ArtifactSlides, Kind: model.EventKind(model.OutcomeCompleted),
			ArtifactID: "art-9",
		},
		{
			ID: "e2", RunID: "run-abcdef123", Timestamp: evBase.Add(time.Minute), Position: 1,
			ArtifactType: model.ArtifactInfographic, Kind: model.EventKind(model.OutcomeCreateFailed),
			Reason: strings.Repeat("x", 80),
		},
		{
			ID: "e1", RunID: "run-abcdef123", Timestamp: evBase, Kind: model.EventPreflight,
			Preflight: &model.PreflightReport{OK: true, ResolvedSourceCount: 2},
		},
	}
}

func TestFormatEventsList(t *testing.T) {
	var buf bytes.Buffer
	formatEventsList(&buf, sampleEvents())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "TIME")
	assert.Contains(t, lines[0], "REASON")

	assert.Contains(t, lines[1], "run-abcd")
	assert.NotContains(t, lines[1], "run-abcdef")
	assert.Contains(t, lines[1], "slides")
	assert.Contains(t, lines[1], "art-9")

	assert.Contains(t, lines[2], "create_failed")
	assert.Contains(t, lines[2], strings.Repeat("x", 57)+"...")
	assert.NotContains(t, lines[2], strings.Repeat("x", 58))

	assert.Contains(t, lines[3], "preflight")
	assert.Contains(t, lines[3], "ok sources=2")
}

func TestFormatEventCounts(t *testing.T) {
	var buf bytes.Buffer
	formatEventCounts(&buf, map[model.EventKind]int{
		"skipped_budget": 2,
		"completed":      3,
		"preflight":      1,
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[1], "completed"))
	assert.True(t, strings.HasPrefix(lines[2], "preflight"))
	assert.True(t, strings.HasPrefix(lines[3], "skipped_budget"))
	assert.Equal(t, []string{"total", "6"}, strings.Fields(lines[4]))
}

func TestCountEvents(t *testing.T) {
	log := state.NewEventLog(t.TempDir() + "/events.jsonl")
	recs := sampleEvents()
	other := recs[0]
	other.ID, other.RunID = "e4", "run-2"
	for _, r := range append(recs, other) {
		require.NoError(t, log.Append(context.Background(), r))
	}

	counts, err := countEvents(context.Background(), log, "run-abcdef123")
	require.NoError(t, err)
	assert.Equal(t, map[model.EventKind]int{"preflight": 1, "create_failed": 1, "completed": 1}, counts)

	all, err := countEvents(context.Background(), log, "")
	require.NoError(t, err)
	assert.Equal(t, 2, all["completed"])
}

func newEventsFlagCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "list"}
	f := cmd.Flags()
	f.String("type", "", "")
	f.String("kind", "", "")
	f.String("run-id", "", "")
	f.Duration("since", 0, "")
	f.Int("limit", 50, "")
	require.NoError(t, f.Parse(args))
	return cmd
}

func TestEventFilterFromFlags(t *testing.T) {
	now := evBase

	filter, err := eventFilterFromFlags(newEventsFlagCmd(t,
		"--type", "slide_deck", "--kind", "skipped_budget", "--run-id", "r1", "--since", "2h", "--limit", "5",
	), now)
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactSlides, filter.ArtifactType)
	assert.Equal(t, model.EventKind("skipped_budget"), filter.Kind)
	assert.Equal(t, "r1", filter.RunID)
	assert.Equal(t, now.Add(-2*time.Hour), filter.Since)
	assert.Equal(t, 5, filter.Limit)

	filter, err = eventFilterFromFlags(newEventsFlagCmd(t, "--kind", "preflight"), now)
	require.NoError(t, err)
	assert.Equal(t, model.EventPreflight, filter.Kind)
	assert.True(t, filter.Since.IsZero())

	_, err = eventFilterFromFlags(newEventsFlagCmd(t, "--kind", "exploded"), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestOrDash(t *testing.T) {
	assert.Equal(t, "-", orDash(""))
	assert.Equal(t, "x", orDash("x"))
}
