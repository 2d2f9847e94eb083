package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/artifact-guard/internal/config"
)

// Checker periodically evaluates generation health over the recent event
// window. An alert is posted when its condition first appears and again only
// after the condition has cleared, so an open breaker does not page on every
// tick of its cooldown.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	window    int

	// firing holds the alert types raised by the previous check. Only the
	// Run goroutine touches it.
	firing map[AlertType]bool
}

// NewChecker creates a health checker. Zero settings fall back to a
// five-minute interval over a 24h window.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	window := cfg.LookbackWindowHours
	if window <= 0 {
		window = 24
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		window:    window,
		firing:    make(map[AlertType]bool),
	}
}

// Run checks once right away, then on every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "guard.healthcheck"))
	if ctx.Err() != nil {
		return
	}
	log.Info("health check started",
		zap.Duration("every", c.interval),
		zap.Int("window_hours", c.window),
	)
	c.check(ctx, log)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("health check stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// check collects one window and posts the alerts that were not already
// firing. It returns the number delivered.
func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.window)
	if err != nil {
		log.Error("health check: collect window", zap.Error(err))
		return 0
	}

	alerts := c.alerter.EvaluateSnapshot(snap)
	firing := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		firing[a.Type] = true
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	c.firing = firing

	if len(fresh) == 0 {
		log.Debug("health check: nothing new",
			zap.Int("attempts", snap.Attempts),
			zap.Int("open_breakers", len(snap.OpenBreakers)),
		)
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("health check: alerts posted",
		zap.Int("attempts", snap.Attempts),
		zap.Float64("fail_rate", snap.FailRate),
		zap.Int("open_breakers", len(snap.OpenBreakers)),
		zap.Int("raised", len(fresh)),
		zap.Int("sent", sent),
	)
	return sent
}
