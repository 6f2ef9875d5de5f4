package alert

import (
	"context"
	"time"

	"mockexchange/internal/core"
	"mockexchange/internal/infrastructure/health"
)

// HealthWatcher polls the health manager and raises an alert whenever the
// aggregate status flips. Implements bootstrap.Runner.
type HealthWatcher struct {
	checks  *health.Manager
	manager *Manager
	period  time.Duration
	log     core.ILogger

	degraded bool
}

func NewHealthWatcher(checks *health.Manager, manager *Manager, period time.Duration, logger core.ILogger) *HealthWatcher {
	if period <= 0 {
		period = 30 * time.Second
	}
	return &HealthWatcher{
		checks:  checks,
		manager: manager,
		period:  period,
		log:     logger.WithField("component", "health_watcher"),
	}
}

func (w *HealthWatcher) Name() string { return "health_watcher" }

func (w *HealthWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	w.log.Info("Health watcher started", "period", w.period)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Health watcher stopped")
			return nil
		case <-ticker.C:
			w.evaluate(ctx)
		}
	}
}

func (w *HealthWatcher) evaluate(ctx context.Context) {
	snap := w.checks.Snapshot()
	healthy := snap.Status == "ok"

	switch {
	case !healthy && !w.degraded:
		w.degraded = true
		w.manager.Alert(ctx, "Exchange degraded",
			"One or more components failed their health check.",
			Error, snap.Components)
	case healthy && w.degraded:
		w.degraded = false
		w.manager.Alert(ctx, "Exchange recovered",
			"All components are healthy again.",
			Info, nil)
	}
}
