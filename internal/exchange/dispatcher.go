package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mockexchange/internal/core"
	apperrors "mockexchange/pkg/errors"
)

// Dispatcher is the single-writer front of the engine. Every public
// operation, reads included, is submitted as a closure onto one FIFO queue
// consumed by a single goroutine, so no operation ever observes another's
// intermediate state.
//
// Market orders get a settle timer here: after a randomized delay the timer
// enqueues a settle command through the same queue, which guarantees a
// market order is never settled before its creation completed.
type Dispatcher struct {
	engine *Engine
	log    core.ILogger
	cmds   chan func(context.Context)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	runCtx  context.Context
	stopped bool
}

const commandQueueDepth = 256

func NewDispatcher(engine *Engine, logger core.ILogger) *Dispatcher {
	return &Dispatcher{
		engine: engine,
		log:    logger.WithField("component", "dispatcher"),
		cmds:   make(chan func(context.Context), commandQueueDepth),
		timers: make(map[string]*time.Timer),
	}
}

func (d *Dispatcher) Name() string { return "dispatcher" }

// Run consumes the command queue until ctx is canceled. Implements
// bootstrap.Runner.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.runCtx = ctx
	d.mu.Unlock()
	d.log.Info("Dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			d.log.Info("Dispatcher stopped")
			return nil
		case fn := <-d.cmds:
			fn(ctx)
		}
	}
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

// submit runs fn on the dispatcher goroutine and waits for it to finish.
func (d *Dispatcher) submit(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})
	wrapped := func(c context.Context) {
		defer close(done)
		fn(c)
	}
	select {
	case d.cmds <- wrapped:
	case <-ctx.Done():
		return fmt.Errorf("%w: engine queue unavailable: %v", apperrors.ErrStorage, ctx.Err())
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The command still runs to completion on the engine goroutine;
		// only the caller stops waiting.
		return fmt.Errorf("%w: canceled while waiting for engine: %v", apperrors.ErrStorage, ctx.Err())
	}
}

// scheduleSettle arms the delayed settle for a market order. Runs on the
// dispatcher goroutine (rng access is therefore safe).
func (d *Dispatcher) scheduleSettle(id string) {
	e := d.engine
	delay := e.cfg.MinSettle
	if spread := e.cfg.MaxSettle - e.cfg.MinSettle; spread > 0 {
		delay += time.Duration(e.rng.Int63n(int64(spread)))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.timers[id] = time.AfterFunc(delay, func() { d.enqueueSettle(id) })
}

func (d *Dispatcher) enqueueSettle(id string) {
	d.mu.Lock()
	delete(d.timers, id)
	ctx := d.runCtx
	stopped := d.stopped
	d.mu.Unlock()
	if stopped || ctx == nil {
		return
	}
	select {
	case d.cmds <- func(c context.Context) {
		if err := d.engine.SettleMarket(c, id); err != nil {
			d.log.Error("Market settle failed", "id", id, "error", err)
		}
	}:
	case <-ctx.Done():
	}
}

func (d *Dispatcher) cancelTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

// PendingSettles reports how many settle timers are armed.
func (d *Dispatcher) PendingSettles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// ---- serialized operation surface ----

func (d *Dispatcher) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	var o *Order
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		o, err = d.engine.CreateOrder(c, req)
		if err == nil && o.Type == TypeMarket && o.Status.IsOpen() {
			d.scheduleSettle(o.ID)
		}
	}); serr != nil {
		return nil, serr
	}
	return o, err
}

func (d *Dispatcher) CancelOrder(ctx context.Context, id string) (*CancelResult, error) {
	var res *CancelResult
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		res, err = d.engine.CancelOrder(c, id)
	}); serr != nil {
		return nil, serr
	}
	return res, err
}

func (d *Dispatcher) GetOrder(ctx context.Context, id string, includeHistory bool) (*Order, error) {
	var o *Order
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		o, err = d.engine.orders.Get(c, id, includeHistory)
	}); serr != nil {
		return nil, serr
	}
	return o, err
}

func (d *Dispatcher) ListOrders(ctx context.Context, f ListFilter) ([]*Order, error) {
	var out []*Order
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		out, err = d.engine.orders.List(c, f)
	}); serr != nil {
		return nil, serr
	}
	return out, err
}

func (d *Dispatcher) CanExecute(ctx context.Context, symbol string, side Side, amount float64, price *float64) (CanExecuteResult, error) {
	var res CanExecuteResult
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		res, err = d.engine.CanExecute(c, symbol, side, amount, price)
	}); serr != nil {
		return CanExecuteResult{}, serr
	}
	return res, err
}

func (d *Dispatcher) Symbols(ctx context.Context) ([]string, error) {
	var out []string
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		out, err = d.engine.market.Symbols(c)
	}); serr != nil {
		return nil, serr
	}
	return out, err
}

func (d *Dispatcher) FetchTicker(ctx context.Context, symbol string) (*TradingPair, error) {
	var pair *TradingPair
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		pair, err = d.engine.market.FetchTicker(c, symbol)
	}); serr != nil {
		return nil, serr
	}
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: ticker %s", apperrors.ErrNotFound, symbol)
	}
	return pair, nil
}

func (d *Dispatcher) FetchBalances(ctx context.Context) (map[string]AssetBalance, error) {
	var out map[string]AssetBalance
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		out, err = d.engine.portfolio.All(c)
	}); serr != nil {
		return nil, serr
	}
	return out, err
}

func (d *Dispatcher) Deposit(ctx context.Context, asset string, amount float64) (AssetBalance, error) {
	var bal AssetBalance
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		bal, err = d.engine.Deposit(c, asset, amount)
	}); serr != nil {
		return AssetBalance{}, serr
	}
	return bal, err
}

func (d *Dispatcher) Withdraw(ctx context.Context, asset string, amount float64) (AssetBalance, error) {
	var bal AssetBalance
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		bal, err = d.engine.Withdraw(c, asset, amount)
	}); serr != nil {
		return AssetBalance{}, serr
	}
	return bal, err
}

func (d *Dispatcher) SetBalance(ctx context.Context, asset string, free, used float64) (AssetBalance, error) {
	var bal AssetBalance
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		bal, err = d.engine.SetBalance(c, asset, free, used)
	}); serr != nil {
		return AssetBalance{}, serr
	}
	return bal, err
}

func (d *Dispatcher) SetTicker(ctx context.Context, req SetTickerRequest) (*TradingPair, error) {
	var pair *TradingPair
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		pair, err = d.engine.SetTicker(c, req)
	}); serr != nil {
		return nil, serr
	}
	return pair, err
}

func (d *Dispatcher) ProcessPriceTick(ctx context.Context, symbol string) error {
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		err = d.engine.ProcessPriceTick(c, symbol)
	}); serr != nil {
		return serr
	}
	return err
}

func (d *Dispatcher) Reset(ctx context.Context) error {
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		d.cancelTimers()
		err = d.engine.Reset(c)
	}); serr != nil {
		return serr
	}
	return err
}

func (d *Dispatcher) PruneOrdersOlderThan(ctx context.Context, age time.Duration) (int, error) {
	var n int
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		n, err = d.engine.PruneOrdersOlderThan(c, age)
	}); serr != nil {
		return 0, serr
	}
	return n, err
}

func (d *Dispatcher) ExpireOrdersOlderThan(ctx context.Context, age time.Duration) (int, error) {
	var n int
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		n, err = d.engine.ExpireOrdersOlderThan(c, age)
	}); serr != nil {
		return 0, serr
	}
	return n, err
}

func (d *Dispatcher) CheckConsistency(ctx context.Context, eps float64) (map[string]Mismatch, error) {
	var out map[string]Mismatch
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		out, err = d.engine.CheckConsistency(c, eps)
	}); serr != nil {
		return nil, serr
	}
	return out, err
}

func (d *Dispatcher) SummaryAssets(ctx context.Context) (*AssetsSummary, error) {
	var s *AssetsSummary
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		s, err = d.engine.SummaryAssets(c)
	}); serr != nil {
		return nil, serr
	}
	return s, err
}

func (d *Dispatcher) SummaryCapital(ctx context.Context) (*CapitalSummary, error) {
	var s *CapitalSummary
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		s, err = d.engine.SummaryCapital(c)
	}); serr != nil {
		return nil, serr
	}
	return s, err
}

func (d *Dispatcher) CapitalDetail(ctx context.Context) (*CapitalBreakdown, error) {
	var s *CapitalBreakdown
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		s, err = d.engine.CapitalDetail(c)
	}); serr != nil {
		return nil, serr
	}
	return s, err
}

func (d *Dispatcher) TradeStats(ctx context.Context, side Side, assets []string) (map[Side]SideTradeStats, error) {
	var out map[Side]SideTradeStats
	var err error
	if serr := d.submit(ctx, func(c context.Context) {
		out, err = d.engine.stats.TradeStats(c, side, assets)
	}); serr != nil {
		return nil, serr
	}
	return out, err
}
