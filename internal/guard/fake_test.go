package guard

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/artifact-guard/internal/budget"
	"github.com/sells-group/artifact-guard/internal/model"
	"github.com/sells-group/artifact-guard/internal/resilience"
	"github.com/sells-group/artifact-guard/internal/state"
	"github.com/sells-group/artifact-guard/pkg/nlm"
)

var testNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.Local)

func fixedClock() time.Time { return testNow }

type createReply struct {
	id  string
	err error
}

// fakeNLM is a scripted notebook CLI.
type fakeNLM struct {
	mu sync.Mutex

	versionErr error
	authErrs   []error
	refreshErr error
	sources    []nlm.Source
	sourcesErr error

	creates map[model.ArtifactType]createReply
	// studio maps artifact id to the statuses returned by successive polls;
	// the last one repeats.
	studio    map[string][]string
	studioErr error

	createCalls  []model.ArtifactType
	createIDs    [][]string
	authCalls    int
	refreshCalls int
	listCalls    int
	pollCalls    int
}

func newFakeNLM() *fakeNLM {
	return &fakeNLM{
		sources: []nlm.Source{{ID: "src-1"}, {ID: "src-2"}},
		creates: map[model.ArtifactType]createReply{},
		studio:  map[string][]string{},
	}
}

func (f *fakeNLM) Version(context.Context) (string, error) {
	return "nlm 0.3.1", f.versionErr
}

func (f *fakeNLM) CheckAuth(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if len(f.authErrs) == 0 {
		return nil
	}
	err := f.authErrs[0]
	f.authErrs = f.authErrs[1:]
	return err
}

func (f *fakeNLM) RefreshAuth(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.refreshErr
}

func (f *fakeNLM) ListSources(context.Context, string) ([]nlm.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.sources, f.sourcesErr
}

func (f *fakeNLM) CreateArtifact(_ context.Context, artifactType, _ string, sourceIDs []string) (*nlm.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := model.ArtifactType(artifactType)
	f.createCalls = append(f.createCalls, t)
	f.createIDs = append(f.createIDs, sourceIDs)
	reply, ok := f.creates[t]
	if !ok {
		reply = createReply{id: "art-" + artifactType}
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return &nlm.CreateResult{ArtifactID: reply.id}, nil
}

func (f *fakeNLM) StudioStatus(context.Context, string) ([]nlm.StudioArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	if f.studioErr != nil {
		return nil, f.studioErr
	}
	var rows []nlm.StudioArtifact
	for id, seq := range f.studio {
		if len(seq) == 0 {
			continue
		}
		rows = append(rows, nlm.StudioArtifact{ID: id, Status: seq[0]})
		if len(seq) > 1 {
			f.studio[id] = seq[1:]
		}
	}
	return rows, nil
}

func cliFailure(stderr string) error {
	return &nlm.CommandError{Args: []string{"x", "create"}, ExitCode: 1, Output: nlm.Result{Stderr: stderr, ExitCode: 1}}
}

func testConfig() Config {
	return Config{
		Limits: budget.Limits{
			Total: 40,
			PerType: map[model.ArtifactType]int{
				model.ArtifactInfographic: 10,
				model.ArtifactSlides:      10,
				model.ArtifactReport:      12,
				model.ArtifactAudio:       12,
			},
		},
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 3, Cooldown: 90 * time.Minute},
	}
}

type harness struct {
	orch   *Orchestrator
	client *fakeNLM
	store  *state.FileStore
	events *state.EventLog
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	dir := t.TempDir()
	store := state.NewFileStore(filepath.Join(dir, "state.json"), state.WithNow(fixedClock), state.WithLockTimeout(time.Second))
	events := state.NewEventLog(filepath.Join(dir, "events.jsonl"))
	client := newFakeNLM()

	o := NewOrchestrator(cfg, client, store, events)
	o.nowFunc = fixedClock
	o.executor.nowFunc = fixedClock
	seq := 0
	o.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return &harness{orch: o, client: client, store: store, events: events}
}

func (h *harness) seed(t *testing.T, mutate func(*state.Snapshot)) {
	t.Helper()
	snap := state.Default(testNow)
	mutate(snap)
	require.NoError(t, h.store.Commit(snap))
}

func (h *harness) load(t *testing.T) *state.Snapshot {
	t.Helper()
	snap, err := h.store.Load()
	require.NoError(t, err)
	return snap
}

func defaultRequest() RunRequest {
	return RunRequest{
		NotebookID: "nb-1",
		Profile:    "default",
		Plan: []model.ArtifactType{
			model.ArtifactInfographic, model.ArtifactSlides, model.ArtifactReport, model.ArtifactAudio,
		},
		Target:          1,
		AutoRefreshAuth: true,
	}
}

func outcomes(s *model.RunSummary) []model.Outcome {
	out := make([]model.Outcome, 0, len(s.Steps))
	for _, st := range s.Steps {
		out = append(out, st.Outcome)
	}
	return out
}
