package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/artifact-guard/internal/model"
)

type recordingMirror struct {
	got []model.EventRecord
	err error
}

func (m *recordingMirror) InsertEvent(_ context.Context, rec model.EventRecord) error {
	m.got = append(m.got, rec)
	return m.err
}

func TestEventLog_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	log := NewEventLog(path)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	recs := []model.EventRecord{
		{ID: "1", RunID: "r1", Timestamp: base, Kind: model.EventPreflight, Preflight: &model.PreflightReport{OK: true}},
		{ID: "2", RunID: "r1", Timestamp: base.Add(time.Second), Kind: "skipped_breaker_open", ArtifactType: "infographic", Position: 1},
		{ID: "3", RunID: "r1", Timestamp: base.Add(2 * time.Second), Kind: "completed", ArtifactType: "slides", Position: 2, ArtifactID: "a-1"},
	}
	for _, r := range recs {
		require.NoError(t, log.Append(ctx, r))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 3)

	all, err := log.Read(model.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3", all[0].ID, "newest first")
	assert.Equal(t, "1", all[2].ID)
	require.NotNil(t, all[2].Preflight)

	slides, err := log.Read(model.EventFilter{ArtifactType: "slides"})
	require.NoError(t, err)
	require.Len(t, slides, 1)
	assert.Equal(t, "a-1", slides[0].ArtifactID)

	limited, err := log.Read(model.EventFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	recent, err := log.Read(model.EventFilter{Since: base.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestEventLog_ReadMissingFile(t *testing.T) {
	log := NewEventLog(filepath.Join(t.TempDir(), "none.jsonl"))
	got, err := log.Read(model.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEventLog_ReadSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := `{"id":"1","event":"completed","artifact_type":"slides"}` + "\n" +
		`{not json` + "\n\n" +
		`{"id":"2","event":"timeout","artifact_type":"audio"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := NewEventLog(path).Read(model.EventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].ID)
}

func TestEventLog_MirrorFailureDoesNotFailAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	mirror := &recordingMirror{err: errors.New("index down")}
	log := NewEventLog(path, mirror)

	require.NoError(t, log.Append(context.Background(), model.EventRecord{ID: "x", Kind: "completed"}))
	assert.Len(t, mirror.got, 1)

	got, err := log.Read(model.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEventLog_AppendSurvivesFailedCommit(t *testing.T) {
	dir := t.TempDir()
	log := NewEventLog(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, log.Append(context.Background(), model.EventRecord{ID: "kept", Kind: "create_failed"}))

	// A snapshot path whose parent is a regular file cannot be committed.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	store := NewFileStore(filepath.Join(blocker, "state.json"))
	require.Error(t, store.Commit(Default(time.Now())))

	got, err := log.Read(model.EventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].ID)
}
