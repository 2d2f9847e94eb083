package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/artifact-guard/internal/config"
	"github.com/sells-group/artifact-guard/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBreakerOpened  AlertType = "breaker_opened"
	AlertBudgetDepleted AlertType = "budget_depleted"
	AlertRunFailed      AlertType = "run_failed"
	AlertFailureRate    AlertType = "failure_rate"
	AlertBreakersOpen   AlertType = "breakers_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	RunID     string         `json:"run_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns run summaries and metric snapshots into alerts and sends
// them via webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		nowFunc: time.Now,
	}
}

// Evaluate inspects one run summary.
func (a *Alerter) Evaluate(sum *model.RunSummary) []Alert {
	if sum == nil {
		return nil
	}
	var alerts []Alert
	now := a.nowFunc().UTC()

	for _, step := range sum.Steps {
		if !step.BreakerOpened {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertBreakerOpened,
			Severity: "high",
			Message:  fmt.Sprintf("Breaker opened for %s after %s", step.ArtifactType, step.Outcome),
			RunID:    sum.RunID,
			Details: map[string]any{
				"artifact_type": step.ArtifactType,
				"outcome":       step.Outcome,
				"reason":        step.Reason,
				"position":      step.Position,
			},
			Timestamp: now,
		})
	}

	if sum.Phase == model.PhaseBudgetDepleted {
		details := map[string]any{}
		if sum.DailyBudget != nil {
			details["date"] = sum.DailyBudget.Date
			details["total_used"] = sum.DailyBudget.TotalUsed
		}
		alerts = append(alerts, Alert{
			Type:      AlertBudgetDepleted,
			Severity:  "medium",
			Message:   "Daily generation budget depleted",
			RunID:     sum.RunID,
			Details:   details,
			Timestamp: now,
		})
	}

	if sum.Status == model.RunStatusFailed || sum.Status == model.RunStatusFailedPreflight {
		details := map[string]any{
			"status":        sum.Status,
			"attempt_count": sum.AttemptCount,
			"skipped_count": sum.SkippedCount,
		}
		msg := fmt.Sprintf("Run %s for notebook %s produced no artifact", sum.Status, sum.NotebookID)
		if sum.Preflight != nil && !sum.Preflight.OK {
			details["preflight_reason"] = sum.Preflight.Reason
			msg = fmt.Sprintf("Preflight failed for notebook %s: %s", sum.NotebookID, sum.Preflight.Reason)
		}
		if sum.Error != "" {
			details["error"] = sum.Error
		}
		alerts = append(alerts, Alert{
			Type:      AlertRunFailed,
			Severity:  "high",
			Message:   msg,
			RunID:     sum.RunID,
			Details:   details,
			Timestamp: now,
		})
	}

	return alerts
}

// EvaluateSnapshot checks windowed metrics against configured thresholds.
func (a *Alerter) EvaluateSnapshot(snap *MetricsSnapshot) []Alert {
	if snap == nil {
		return nil
	}
	var alerts []Alert
	now := a.nowFunc().UTC()

	if snap.Attempts >= 5 && a.cfg.FailureRateThreshold > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Attempt failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d attempts in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, snap.Attempts, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"attempts":     snap.Attempts,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenBreakers) > 0 {
		types := make([]string, 0, len(snap.OpenBreakers))
		for _, t := range snap.OpenBreakers {
			types = append(types, string(t))
		}
		sort.Strings(types)
		alerts = append(alerts, Alert{
			Type:     AlertBreakersOpen,
			Severity: "medium",
			Message:  fmt.Sprintf("%d artifact type(s) blocked by an open breaker", len(types)),
			Details: map[string]any{
				"artifact_types": types,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("run_id", alert.RunID),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
