package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mailflow/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertMessageFailureRate AlertType = "message_failure_rate"
	AlertQueueBacklog       AlertType = "queue_backlog"
	AlertFailedJobs         AlertType = "failed_jobs"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// A zero threshold disables its check.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Check message failure rate.
	finished := snap.MessagesCompleted + snap.MessagesFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= 5 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertMessageFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Message failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.MessagesFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.MessagesFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// Check queue backlog.
	if a.cfg.QueueBacklogThreshold > 0 && snap.Backlog() > a.cfg.QueueBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQueueBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d jobs waiting exceeds threshold %d",
				snap.Backlog(), a.cfg.QueueBacklogThreshold,
			),
			Details: map[string]any{
				"waiting":   snap.JobsWaiting,
				"delayed":   snap.JobsDelayed,
				"active":    snap.JobsActive,
				"threshold": a.cfg.QueueBacklogThreshold,
			},
			Timestamp: now,
		})
	}

	// Check dead jobs.
	if a.cfg.FailedJobsThreshold > 0 && snap.JobsFailed > a.cfg.FailedJobsThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailedJobs,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d failed jobs exceeds threshold %d",
				snap.JobsFailed, a.cfg.FailedJobsThreshold,
			),
			Details: map[string]any{
				"failed":    snap.JobsFailed,
				"threshold": a.cfg.FailedJobsThreshold,
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
