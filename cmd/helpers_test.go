package main

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sells-group/artifact-guard/internal/config"
	"github.com/sells-group/artifact-guard/internal/guard"
	"github.com/sells-group/artifact-guard/pkg/nlm"
)

// stubNLM is a minimal scripted notebook CLI. Types listed in noArtifact
// exit cleanly without returning an id.
type stubNLM struct {
	mu         sync.Mutex
	versionErr error
	noArtifact map[string]bool
	creates    []string
}

func (s *stubNLM) Version(context.Context) (string, error) { return "nlm 0.4.2", s.versionErr }
func (s *stubNLM) CheckAuth(context.Context) error         { return nil }
func (s *stubNLM) RefreshAuth(context.Context) error       { return nil }

func (s *stubNLM) ListSources(context.Context, string) ([]nlm.Source, error) {
	return []nlm.Source{{ID: "src-1"}, {ID: "src-2"}}, nil
}

func (s *stubNLM) CreateArtifact(_ context.Context, artifactType, _ string, _ []string) (*nlm.CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates = append(s.creates, artifactType)
	if s.noArtifact[artifactType] {
		return &nlm.CreateResult{Output: nlm.Result{Stdout: "Error: generation refused"}}, nil
	}
	return &nlm.CreateResult{ArtifactID: "art-" + artifactType}, nil
}

func (s *stubNLM) StudioStatus(context.Context, string) ([]nlm.StudioArtifact, error) {
	return nil, errors.New("not polled in these tests")
}

// testConfig returns a valid configuration with state under a temp dir and
// completion polling disabled.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		NLM: config.NLMConfig{Bin: "nlm", Profile: "default", AutoRefreshAuth: true},
		Plan: config.PlanConfig{
			Artifacts: guard.DefaultPlan,
			Target:    1,
		},
		Budget:  config.BudgetConfig{DailyTotal: 40, PerType: "infographic:10,slides:10,report:12,audio:12"},
		Breaker: config.BreakerConfig{ConsecutiveFailures: 3, OpenMinutes: 90},
		State: config.StateConfig{
			StateFile:       filepath.Join(dir, "state.json"),
			EventsFile:      filepath.Join(dir, "events.jsonl"),
			LockTimeoutSecs: 1,
		},
		Monitoring: config.MonitoringConfig{LookbackWindowHours: 24},
		Server:     config.ServerConfig{Port: 8080},
		Log:        config.LogConfig{Level: "info", Format: "json"},
	}
}
