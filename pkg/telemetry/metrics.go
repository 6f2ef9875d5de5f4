package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersCreatedTotal  = "mockexchange_orders_created_total"
	MetricOrdersFilledTotal   = "mockexchange_orders_filled_total"
	MetricOrdersRejectedTotal = "mockexchange_orders_rejected_total"
	MetricOrdersCanceledTotal = "mockexchange_orders_canceled_total"
	MetricOrdersExpiredTotal  = "mockexchange_orders_expired_total"
	MetricFillVolumeTotal     = "mockexchange_fill_volume_total"
	MetricFillNotionalTotal   = "mockexchange_fill_notional_total"
	MetricFeesCollectedTotal  = "mockexchange_fees_collected_total"
	MetricOrdersOpen          = "mockexchange_orders_open"
	MetricLoopDuration        = "mockexchange_loop_duration_ms"
	MetricSettleLatency       = "mockexchange_settle_latency_ms"
	MetricAuditMismatches     = "mockexchange_audit_mismatches"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersCreatedTotal  metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersRejectedTotal metric.Int64Counter
	OrdersCanceledTotal metric.Int64Counter
	OrdersExpiredTotal  metric.Int64Counter
	FillVolumeTotal     metric.Float64Counter
	FillNotionalTotal   metric.Float64Counter
	FeesCollectedTotal  metric.Float64Counter
	OrdersOpen          metric.Int64ObservableGauge
	LoopDuration        metric.Float64Histogram
	SettleLatency       metric.Float64Histogram
	AuditMismatches     metric.Int64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	openOrdersMap   map[string]int64
	auditMismatches int64
	initialized     bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openOrdersMap: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersCreatedTotal, err = meter.Int64Counter(MetricOrdersCreatedTotal, metric.WithDescription("Total orders accepted by the engine"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders fully filled"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected for insufficient funds or reserve"))
	if err != nil {
		return err
	}

	m.OrdersCanceledTotal, err = meter.Int64Counter(MetricOrdersCanceledTotal, metric.WithDescription("Total orders canceled by callers"))
	if err != nil {
		return err
	}

	m.OrdersExpiredTotal, err = meter.Int64Counter(MetricOrdersExpiredTotal, metric.WithDescription("Total open orders expired by the prune loop"))
	if err != nil {
		return err
	}

	m.FillVolumeTotal, err = meter.Float64Counter(MetricFillVolumeTotal, metric.WithDescription("Total filled amount in base units"))
	if err != nil {
		return err
	}

	m.FillNotionalTotal, err = meter.Float64Counter(MetricFillNotionalTotal, metric.WithDescription("Total filled notional in quote units"))
	if err != nil {
		return err
	}

	m.FeesCollectedTotal, err = meter.Float64Counter(MetricFeesCollectedTotal, metric.WithDescription("Total fees collected in quote units"))
	if err != nil {
		return err
	}

	m.LoopDuration, err = meter.Float64Histogram(MetricLoopDuration, metric.WithDescription("Duration of one control loop iteration"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.SettleLatency, err = meter.Float64Histogram(MetricSettleLatency, metric.WithDescription("Delay between market order creation and settle"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.OrdersOpen, err = meter.Int64ObservableGauge(MetricOrdersOpen, metric.WithDescription("Number of currently open orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.AuditMismatches, err = meter.Int64ObservableGauge(MetricAuditMismatches, metric.WithDescription("Reservation mismatches found by the last audit pass"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.auditMismatches)
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()

	return nil
}

// Initialized reports whether InitMetrics has run. Counter adds are skipped
// before setup so unit tests need no meter provider.
func (m *MetricsHolder) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[symbol] = count
}

func (m *MetricsHolder) SetAuditMismatches(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditMismatches = count
}

// Counter helpers. All of them are no-ops until InitMetrics has run so the
// engine can be exercised in tests without a meter provider.

func (m *MetricsHolder) AddOrderCreated(ctx context.Context, symbol, side string) {
	if m.OrdersCreatedTotal == nil {
		return
	}
	m.OrdersCreatedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol), attribute.String("side", side)))
}

func (m *MetricsHolder) AddOrderFilled(ctx context.Context, symbol, side string) {
	if m.OrdersFilledTotal == nil {
		return
	}
	m.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol), attribute.String("side", side)))
}

func (m *MetricsHolder) AddOrderRejected(ctx context.Context, symbol string) {
	if m.OrdersRejectedTotal == nil {
		return
	}
	m.OrdersRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) AddOrderCanceled(ctx context.Context, symbol string) {
	if m.OrdersCanceledTotal == nil {
		return
	}
	m.OrdersCanceledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) AddOrderExpired(ctx context.Context, symbol string) {
	if m.OrdersExpiredTotal == nil {
		return
	}
	m.OrdersExpiredTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) AddFill(ctx context.Context, symbol, side string, amount, notional, fee float64) {
	if m.FillVolumeTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("symbol", symbol), attribute.String("side", side))
	m.FillVolumeTotal.Add(ctx, amount, attrs)
	m.FillNotionalTotal.Add(ctx, notional, attrs)
	m.FeesCollectedTotal.Add(ctx, fee, attrs)
}

func (m *MetricsHolder) RecordLoopDuration(ctx context.Context, loop string, ms float64) {
	if m.LoopDuration == nil {
		return
	}
	m.LoopDuration.Record(ctx, ms, metric.WithAttributes(attribute.String("loop", loop)))
}

func (m *MetricsHolder) RecordSettleLatency(ctx context.Context, ms float64) {
	if m.SettleLatency == nil {
		return
	}
	m.SettleLatency.Record(ctx, ms)
}

func (m *MetricsHolder) GetOpenOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openOrdersMap {
		res[k] = v
	}
	return res
}
