package exchange

import (
	"context"
	"time"

	"mockexchange/internal/core"
	"mockexchange/pkg/telemetry"
)

// LoopConfig holds the periods and ages of the background control loops.
type LoopConfig struct {
	TickPeriod  time.Duration
	PrunePeriod time.Duration
	AuditPeriod time.Duration
	StaleAge    time.Duration
	ExpireAge   time.Duration
}

// controlLoop runs body every period while ctx lives, but only when this
// instance holds the leader lock. Body errors are logged and swallowed; the
// loop never dies. When an iteration overruns the period the next one starts
// immediately.
type controlLoop struct {
	name   string
	period time.Duration
	leader *LeaderLock
	log    core.ILogger
	body   func(ctx context.Context) error
}

func (l *controlLoop) Name() string { return l.name }

func (l *controlLoop) Run(ctx context.Context) error {
	l.log.Info("Loop started", "period", l.period)
	metrics := telemetry.GetGlobalMetrics()
	for {
		start := time.Now()
		if l.leader.Ensure(ctx) {
			if err := l.body(ctx); err != nil {
				l.log.Error("Loop iteration failed", "error", err)
			}
			metrics.RecordLoopDuration(ctx, l.name, float64(time.Since(start).Milliseconds()))
		}
		wait := l.period - time.Since(start)
		if wait <= 0 {
			select {
			case <-ctx.Done():
				l.log.Info("Loop stopped")
				return nil
			default:
			}
			continue
		}
		select {
		case <-ctx.Done():
			l.log.Info("Loop stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// NewTickLoop drives open-order fills: every period it enumerates the known
// symbols and processes a price tick for each.
func NewTickLoop(d *Dispatcher, leader *LeaderLock, cfg LoopConfig, logger core.ILogger) *controlLoop {
	log := logger.WithField("component", "tick_loop")
	return &controlLoop{
		name:   "tick",
		period: cfg.TickPeriod,
		leader: leader,
		log:    log,
		body: func(ctx context.Context) error {
			symbols, err := d.Symbols(ctx)
			if err != nil {
				return err
			}
			for _, sym := range symbols {
				if err := d.ProcessPriceTick(ctx, sym); err != nil {
					log.Error("Price tick failed", "symbol", sym, "error", err)
				}
			}
			return nil
		},
	}
}

// NewPruneLoop removes stale closed orders and expires inactive open ones.
func NewPruneLoop(d *Dispatcher, leader *LeaderLock, cfg LoopConfig, logger core.ILogger) *controlLoop {
	log := logger.WithField("component", "prune_loop")
	return &controlLoop{
		name:   "prune",
		period: cfg.PrunePeriod,
		leader: leader,
		log:    log,
		body: func(ctx context.Context) error {
			if _, err := d.PruneOrdersOlderThan(ctx, cfg.StaleAge); err != nil {
				log.Error("Prune pass failed", "error", err)
			}
			if _, err := d.ExpireOrdersOlderThan(ctx, cfg.ExpireAge); err != nil {
				log.Error("Expire pass failed", "error", err)
			}
			return nil
		},
	}
}

// NewAuditLoop runs the reservation consistency check.
func NewAuditLoop(d *Dispatcher, leader *LeaderLock, cfg LoopConfig, logger core.ILogger) *controlLoop {
	log := logger.WithField("component", "audit_loop")
	return &controlLoop{
		name:   "audit",
		period: cfg.AuditPeriod,
		leader: leader,
		log:    log,
		body: func(ctx context.Context) error {
			mismatches, err := d.CheckConsistency(ctx, 1e-9)
			if err != nil {
				return err
			}
			if len(mismatches) > 0 {
				log.Error("Audit found reservation mismatches", "count", len(mismatches))
			}
			return nil
		},
	}
}
