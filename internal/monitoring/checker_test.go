package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/sells-group/artifact-guard/internal/config"
	"github.com/sells-group/artifact-guard/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(&fakeEvents{}, nil)
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_Defaults(t *testing.T) {
	checker := NewChecker(NewCollector(&fakeEvents{}, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, 5*time.Minute, checker.interval)
	assert.Equal(t, 24, checker.window)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	now := time.Now()
	var recs []model.EventRecord
	for i := 0; i < 6; i++ {
		recs = append(recs, event("create_failed", model.ArtifactSlides, now.Add(-time.Minute)))
	}
	cfg := config.MonitoringConfig{
		WebhookURL:           ts.URL,
		FailureRateThreshold: 0.5,
		LookbackWindowHours:  1,
	}
	checker := NewChecker(NewCollector(&fakeEvents{recs: recs}, nil), NewAlerter(cfg), cfg)

	sent := checker.check(context.Background(), zap.NewNop())
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 1}
	checker := NewChecker(NewCollector(&fakeEvents{err: assert.AnError}, nil), NewAlerter(cfg), cfg)
	assert.Equal(t, 0, checker.check(context.Background(), zap.NewNop()))
}

func TestChecker_RepeatsOnlyAfterConditionClears(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	now := time.Now()
	var failing []model.EventRecord
	for i := 0; i < 6; i++ {
		failing = append(failing, event("create_failed", model.ArtifactReport, now.Add(-time.Minute)))
	}
	events := &fakeEvents{recs: failing}
	cfg := config.MonitoringConfig{WebhookURL: ts.URL, FailureRateThreshold: 0.5, LookbackWindowHours: 1}
	checker := NewChecker(NewCollector(events, nil), NewAlerter(cfg), cfg)
	log := zap.NewNop()

	assert.Equal(t, 1, checker.check(context.Background(), log), "first sighting is posted")
	assert.Equal(t, 0, checker.check(context.Background(), log), "still failing, not posted again")

	events.recs = nil
	assert.Equal(t, 0, checker.check(context.Background(), log))

	events.recs = failing
	assert.Equal(t, 1, checker.check(context.Background(), log), "posted again after clearing")
	assert.Equal(t, int32(2), received.Load())
}
