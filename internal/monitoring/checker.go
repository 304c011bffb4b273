package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/mailflow/internal/config"
)

// Checker periodically snapshots pipeline health and raises alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
	log       *zap.Logger

	mu   sync.Mutex
	last *MetricsSnapshot
}

// NewChecker creates a Checker. The interval defaults to five minutes and
// the lookback window to 24 hours.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	lookback := cfg.LookbackWindowHours
	if lookback <= 0 {
		lookback = 24
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  lookback,
		log:       zap.L().With(zap.String("component", "monitoring")),
	}
}

// Run checks once immediately and then on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("health checker starting",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			c.log.Info("health checker stopped")
			return
		}
		c.Check(ctx)

		select {
		case <-ctx.Done():
			c.log.Info("health checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects one snapshot, sends the alerts it triggers and returns them.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		c.log.Error("collect metrics failed", zap.Error(err))
		return nil
	}

	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()

	c.log.Debug("pipeline health",
		zap.Int("in_flight", snap.MessagesInFlight),
		zap.Int("failed", snap.MessagesFailed),
		zap.Float64("fail_rate", snap.FailRate),
		zap.Int("backlog", snap.Backlog()),
	)

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return nil
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Warn("health alerts raised", zap.Int("alerts", len(alerts)), zap.Int("sent", sent))
	return alerts
}

// Last returns the most recent snapshot, or nil before the first check.
func (c *Checker) Last() *MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
