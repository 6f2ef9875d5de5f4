package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"mockexchange/internal/core"
	"mockexchange/internal/kv"
	apperrors "mockexchange/pkg/errors"
	"mockexchange/pkg/telemetry"
)

// fillEps bounds floating-point drift in fill comparisons.
const fillEps = 1e-12

// releaseEps: leftover reservations below this are not worth a release
// round-trip on close.
const releaseEps = 1e-9

// Config holds the engine tunables.
type Config struct {
	Commission float64
	CashAsset  string
	MinSettle  time.Duration
	MaxSettle  time.Duration
	SigmaFill  float64
}

// Engine orchestrates the market, portfolio, order and stats stores. It
// holds no durable state of its own besides the order-id counter.
//
// Engine methods are NOT safe for concurrent use; the Dispatcher serializes
// every public operation onto a single goroutine.
type Engine struct {
	cfg       Config
	market    *MarketStore
	portfolio *PortfolioStore
	orders    *OrderStore
	stats     *StatsStore
	log       core.ILogger
	metrics   *telemetry.MetricsHolder
	events    core.EventSink
	rng       *rand.Rand
	now       func() time.Time
	ids       idGenerator
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand injects the randomness source used by slippage and settle delays.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventSink attaches a sink for order and ticker events.
func WithEventSink(sink core.EventSink) Option {
	return func(e *Engine) { e.events = sink }
}

func NewEngine(store kv.Store, cfg Config, logger core.ILogger, opts ...Option) *Engine {
	if cfg.CashAsset == "" {
		cfg.CashAsset = "USDT"
	}
	e := &Engine{
		cfg:       cfg,
		market:    NewMarketStore(store, logger),
		portfolio: NewPortfolioStore(store),
		orders:    NewOrderStore(store),
		stats:     NewStatsStore(store),
		log:       logger.WithField("component", "engine"),
		metrics:   telemetry.GetGlobalMetrics(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Market() *MarketStore       { return e.market }
func (e *Engine) Portfolio() *PortfolioStore { return e.portfolio }
func (e *Engine) Orders() *OrderStore        { return e.orders }
func (e *Engine) Stats() *StatsStore         { return e.stats }
func (e *Engine) CashAsset() string          { return e.cfg.CashAsset }

func (e *Engine) nowMs() int64 { return e.now().UnixMilli() }

func (e *Engine) publishOrder(o *Order) {
	if e.events == nil {
		return
	}
	cp := *o
	e.events.Publish(core.Event{Kind: core.EventOrder, Payload: &cp})
}

func (e *Engine) publishTicker(pair *TradingPair) {
	if e.events == nil || pair == nil {
		return
	}
	e.events.Publish(core.Event{Kind: core.EventTicker, Payload: pair})
}

func (e *Engine) refreshOpenGauge(ctx context.Context, symbol string) {
	n, err := e.orders.OpenCount(ctx, symbol)
	if err != nil {
		return
	}
	e.metrics.SetOpenOrders(symbol, int64(n))
}

// slippage models the liquidity actually available for one fill attempt:
// volume scaled by clamp(Normal(1, sigma), 0, 1). Never exceeds the
// advertised volume.
func (e *Engine) slippage(volume float64) float64 {
	f := e.rng.NormFloat64()*e.cfg.SigmaFill + 1
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return volume * f
}

func (e *Engine) logOrder(o *Order) {
	prefix := map[Status]string{
		StatusNew:               "Created",
		StatusPartiallyFilled:   "Partially filled",
		StatusFilled:            "Executed",
		StatusCanceled:          "Canceled",
		StatusPartiallyCanceled: "Partially canceled",
		StatusExpired:           "Expired",
		StatusPartiallyExpired:  "Partially expired",
		StatusRejected:          "Rejected",
		StatusPartiallyRejected: "Partially rejected",
	}[o.Status]
	e.log.Info(prefix+" order",
		"id", o.ID, "symbol", o.Symbol, "side", o.Side, "type", o.Type,
		"amount", o.Amount, "filled", o.ActualFilled, "status", o.Status,
		"comment", o.Comment)
}

// CreateOrderRequest carries the parameters of create_order.
type CreateOrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"type"`
	Amount     float64   `json:"amount"`
	LimitPrice *float64  `json:"limit_price,omitempty"`
}

// CreateOrder validates the request, reserves funds and persists the order.
// An unfunded order is persisted as rejected with a comment; that is a
// successful call, not an error. The market-settle timer is scheduled by the
// dispatcher, not here.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	ok, err := e.market.HasSymbol(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: ticker %s does not exist", apperrors.ErrNotFound, req.Symbol)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", apperrors.ErrValidation)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: type must be market | limit", apperrors.ErrValidation)
	}
	if req.Type == TypeLimit && (req.LimitPrice == nil || *req.LimitPrice < 0) {
		return nil, fmt.Errorf("%w: limit_price must be >= 0 for limit orders", apperrors.ErrValidation)
	}
	if !req.Side.Valid() {
		return nil, fmt.Errorf("%w: side must be buy | sell", apperrors.ErrValidation)
	}
	base, quote, err := SplitSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}

	last, err := e.market.LastPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	// Reservation price: market orders book at last; limit buys at the
	// limit; limit sells at the worse of limit and last so the fee booking
	// covers the highest possible notion.
	px := last
	if req.Type == TypeLimit {
		if req.Side == SideBuy {
			px = *req.LimitPrice
		} else {
			px = max(*req.LimitPrice, last)
		}
	}

	notion := req.Amount * px
	fee := notion * e.cfg.Commission

	comment := ""
	enough := false
	if req.Side == SideBuy {
		have, err := e.portfolio.Get(ctx, quote)
		if err != nil {
			return nil, err
		}
		if have.Free >= notion+fee {
			enough = true
		} else {
			comment = fmt.Sprintf("Need %.2f %s, have %.2f", notion+fee, quote, have.Free)
		}
	} else {
		haveBase, err := e.portfolio.Get(ctx, base)
		if err != nil {
			return nil, err
		}
		if haveBase.Free >= req.Amount {
			enough = true
		} else {
			comment = fmt.Sprintf("Need %.8f %s, have %.8f", req.Amount, base, haveBase.Free)
		}
		haveQuote, err := e.portfolio.Get(ctx, quote)
		if err != nil {
			return nil, err
		}
		if haveQuote.Free < fee {
			enough = false
			if comment == "" {
				comment = fmt.Sprintf("Need %.2f %s, have %.2f", fee, quote, haveQuote.Free)
			} else {
				comment += fmt.Sprintf(", need %.2f %s, have %.2f", fee, quote, haveQuote.Free)
			}
		}
	}

	if enough {
		if req.Side == SideBuy {
			if err := e.portfolio.Reserve(ctx, quote, notion+fee); err != nil {
				return nil, err
			}
		} else {
			if err := e.portfolio.Reserve(ctx, base, req.Amount); err != nil {
				return nil, err
			}
			if err := e.portfolio.Reserve(ctx, quote, fee); err != nil {
				return nil, err
			}
		}
	}

	bookedNotion := notion
	if req.Side == SideSell {
		bookedNotion = 0
	}
	status := StatusNew
	if !enough {
		status = StatusRejected
	}

	now := e.now()
	ts := now.UnixMilli()
	var limitPrice *float64
	if req.Type == TypeLimit {
		v := *req.LimitPrice
		limitPrice = &v
	}
	o := &Order{
		ID:             e.ids.Next(now),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Amount:         req.Amount,
		LimitPrice:     limitPrice,
		FeeRate:        e.cfg.Commission,
		FeeCurrency:    quote,
		NotionCurrency: quote,
		Status:         status,
		TsCreate:       ts,
		TsUpdate:       ts,
		Comment:        comment,
	}
	if enough {
		o.InitialBookedNotion = bookedNotion
		o.ReservedNotionLeft = bookedNotion
		o.InitialBookedFee = fee
		o.ReservedFeeLeft = fee
	} else {
		o.TsFinish = ts
	}
	if err := e.orders.Add(ctx, o); err != nil {
		return nil, err
	}
	e.logOrder(o)
	if enough {
		e.metrics.AddOrderCreated(ctx, o.Symbol, string(o.Side))
	} else {
		e.metrics.AddOrderRejected(ctx, o.Symbol)
	}
	e.refreshOpenGauge(ctx, o.Symbol)
	e.publishOrder(o)
	return o, nil
}

// CancelResult is returned by CancelOrder.
type CancelResult struct {
	CanceledOrder *Order             `json:"canceled_order"`
	Freed         map[string]float64 `json:"freed"`
}

// CancelOrder releases the order's residual reservations and closes it as
// canceled (or partially_canceled after a partial fill).
func (e *Engine) CancelOrder(ctx context.Context, id string) (*CancelResult, error) {
	o, err := e.orders.Get(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if !o.Status.IsOpen() {
		return nil, fmt.Errorf("%w: only open orders can be canceled", apperrors.ErrInvalidState)
	}
	base, quote, err := SplitSymbol(o.Symbol)
	if err != nil {
		return nil, err
	}

	var releasedBase, releasedQuote float64
	if o.Side == SideBuy {
		releasedQuote, err = e.portfolio.Release(ctx, quote, o.ResidualQuote())
		if err != nil {
			return nil, err
		}
	} else {
		releasedBase, err = e.portfolio.Release(ctx, base, o.ResidualBase())
		if err != nil {
			return nil, err
		}
		releasedQuote, err = e.portfolio.Release(ctx, quote, o.ResidualQuote())
		if err != nil {
			return nil, err
		}
	}

	o.Status = StatusCanceled
	if o.ActualFilled != 0 {
		o.Status = StatusPartiallyCanceled
	}
	ts := e.nowMs()
	o.TsUpdate = ts
	o.TsFinish = ts
	o.Comment = "Order canceled by user"
	o.AddHistory(HistoryEntry{Ts: ts, Status: o.Status, Comment: o.Comment})
	o.SquashBooking()
	if err := e.orders.UpdateClosed(ctx, o); err != nil {
		return nil, err
	}
	e.logOrder(o)
	e.metrics.AddOrderCanceled(ctx, o.Symbol)
	e.refreshOpenGauge(ctx, o.Symbol)
	e.publishOrder(o)
	return &CancelResult{
		CanceledOrder: o,
		Freed:         map[string]float64{base: releasedBase, quote: releasedQuote},
	}, nil
}

// rejectForInsufficientReserve closes an open order whose portfolio backing
// no longer covers the next fill: releases whatever is still reserved and
// transitions to rejected / partially_rejected.
func (e *Engine) rejectForInsufficientReserve(ctx context.Context, o *Order, reason string) error {
	base, quote, err := SplitSymbol(o.Symbol)
	if err != nil {
		return err
	}
	if o.Side == SideBuy {
		if _, err := e.portfolio.Release(ctx, quote, o.ResidualQuote()); err != nil {
			return err
		}
	} else {
		if _, err := e.portfolio.Release(ctx, base, o.ResidualBase()); err != nil {
			return err
		}
		if _, err := e.portfolio.Release(ctx, quote, o.ResidualQuote()); err != nil {
			return err
		}
	}

	o.Status = StatusRejected
	if o.ActualFilled != 0 {
		o.Status = StatusPartiallyRejected
	}
	ts := e.nowMs()
	o.TsUpdate = ts
	o.TsFinish = ts
	o.Comment = reason
	o.AddHistory(HistoryEntry{Ts: ts, Status: o.Status, Comment: reason})
	o.SquashBooking()
	if err := e.orders.UpdateClosed(ctx, o); err != nil {
		return err
	}
	e.logOrder(o)
	e.metrics.AddOrderRejected(ctx, o.Symbol)
	e.refreshOpenGauge(ctx, o.Symbol)
	e.publishOrder(o)
	return nil
}

type fillResult struct {
	notion float64
	fee    float64
}

func (e *Engine) executeBuy(ctx context.Context, base, quote string, amount, price float64) (fillResult, error) {
	notion := amount * price
	fee := notion * e.cfg.Commission
	if _, err := e.portfolio.Release(ctx, quote, notion+fee); err != nil {
		return fillResult{}, err
	}
	cash, err := e.portfolio.Get(ctx, quote)
	if err != nil {
		return fillResult{}, err
	}
	cash.Free -= notion + fee
	if err := e.portfolio.Set(ctx, cash); err != nil {
		return fillResult{}, err
	}
	asset, err := e.portfolio.Get(ctx, base)
	if err != nil {
		return fillResult{}, err
	}
	asset.Free += amount
	if err := e.portfolio.Set(ctx, asset); err != nil {
		return fillResult{}, err
	}
	return fillResult{notion: notion, fee: fee}, nil
}

func (e *Engine) executeSell(ctx context.Context, base, quote string, amount, price float64) (fillResult, error) {
	notion := amount * price
	fee := notion * e.cfg.Commission
	if _, err := e.portfolio.Release(ctx, base, amount); err != nil {
		return fillResult{}, err
	}
	asset, err := e.portfolio.Get(ctx, base)
	if err != nil {
		return fillResult{}, err
	}
	asset.Free -= amount
	if err := e.portfolio.Set(ctx, asset); err != nil {
		return fillResult{}, err
	}
	if _, err := e.portfolio.Release(ctx, quote, fee); err != nil {
		return fillResult{}, err
	}
	cash, err := e.portfolio.Get(ctx, quote)
	if err != nil {
		return fillResult{}, err
	}
	cash.Free += notion - fee
	if err := e.portfolio.Set(ctx, cash); err != nil {
		return fillResult{}, err
	}
	return fillResult{notion: notion, fee: fee}, nil
}

// ProcessPriceTick re-evaluates every open order of symbol against the
// current market snapshot.
func (e *Engine) ProcessPriceTick(ctx context.Context, symbol string) error {
	pair, err := e.market.FetchTicker(ctx, symbol)
	if err != nil {
		return err
	}
	if pair == nil {
		e.log.Warn("Ticker not found in market", "symbol", symbol)
		return nil
	}
	open, err := e.orders.List(ctx, ListFilter{Statuses: OpenStatuses, Symbol: symbol})
	if err != nil {
		return err
	}
	for _, o := range open {
		if err := e.ProcessSingleOrder(ctx, o.ID, pair); err != nil {
			return err
		}
	}
	return nil
}

// ProcessSingleOrder attempts one fill of the given order against the market
// snapshot. The order is re-read first so stale copies held by tick loops or
// settle callbacks cannot double-fill.
func (e *Engine) ProcessSingleOrder(ctx context.Context, id string, pair *TradingPair) error {
	o, err := e.orders.Get(ctx, id, true)
	if err != nil {
		return err
	}
	if !o.Status.IsOpen() || o.ActualFilled >= o.Amount-fillEps {
		return nil
	}

	need := o.Amount - o.ActualFilled
	totalAvailable := pair.AskVolume
	if o.Side == SideSell {
		totalAvailable = pair.BidVolume
	}
	available := e.slippage(totalAvailable)
	fillable := min(available, need)
	if fillable <= 0 {
		return nil
	}

	if o.Type == TypeLimit {
		if o.LimitPrice == nil {
			return fmt.Errorf("%w: limit order %s has no limit_price", apperrors.ErrStorage, o.ID)
		}
		crosses := (o.Side == SideBuy && pair.Ask <= *o.LimitPrice) ||
			(o.Side == SideSell && pair.Bid >= *o.LimitPrice)
		if !crosses {
			return nil
		}
	}

	base, quote, err := SplitSymbol(o.Symbol)
	if err != nil {
		return err
	}
	px := pair.Ask
	if o.Side == SideSell {
		px = pair.Bid
	}

	// Reservation check against the live portfolio: external tampering
	// between reservation and fill leaves the order unfillable, which
	// closes it as rejected rather than corrupting balances.
	if o.Side == SideBuy {
		needQuote := fillable * px * (1 + e.cfg.Commission)
		balQ, err := e.portfolio.Get(ctx, quote)
		if err != nil {
			return err
		}
		if balQ.Total()+fillEps < needQuote {
			return e.rejectForInsufficientReserve(ctx, o, fmt.Sprintf(
				"Insufficient %s reserved to buy (need %.8f %s, have %.8f %s)",
				quote, needQuote, quote, balQ.Total(), quote))
		}
	} else {
		needFee := fillable * px * e.cfg.Commission
		balB, err := e.portfolio.Get(ctx, base)
		if err != nil {
			return err
		}
		balQ, err := e.portfolio.Get(ctx, quote)
		if err != nil {
			return err
		}
		if balB.Total()+fillEps < fillable {
			return e.rejectForInsufficientReserve(ctx, o, fmt.Sprintf(
				"Insufficient %s reserved for sell (need %.8f %s, have %.8f %s)",
				base, fillable, base, balB.Total(), base))
		}
		if balQ.Total()+fillEps < needFee {
			return e.rejectForInsufficientReserve(ctx, o, fmt.Sprintf(
				"Insufficient %s reserved for sell to pay fee (need %.8f %s, have %.8f %s)",
				quote, needFee, quote, balQ.Total(), quote))
		}
	}

	var tx fillResult
	if o.Side == SideBuy {
		tx, err = e.executeBuy(ctx, base, quote, fillable, px)
	} else {
		tx, err = e.executeSell(ctx, base, quote, fillable, px)
	}
	if err != nil {
		return err
	}

	firstFill := o.ActualFilled == 0

	ts := e.nowMs()
	o.TsUpdate = ts
	o.ActualFilled += fillable
	o.ActualNotion += tx.notion
	o.ActualFee += tx.fee
	o.Price = o.ActualNotion / o.ActualFilled

	if o.Side == SideBuy {
		o.ReservedNotionLeft = max(o.ReservedNotionLeft-tx.notion, 0)
		o.ReservedFeeLeft = max(o.ReservedFeeLeft-tx.fee, 0)
	} else {
		// Sell: only the fee was reserved in quote; the base reservation
		// shrinks through ResidualBase.
		o.ReservedFeeLeft = max(o.ReservedFeeLeft-tx.fee, 0)
	}

	full := o.ActualFilled >= o.Amount-fillEps
	if full {
		// Rounding can leave slivers in the reservations; flush them back
		// before squashing so used never drifts.
		if o.Side == SideBuy {
			if rq := o.ResidualQuote(); rq > releaseEps {
				if _, err := e.portfolio.Release(ctx, quote, rq); err != nil {
					return err
				}
			}
		} else {
			if rb := o.ResidualBase(); rb > releaseEps {
				if _, err := e.portfolio.Release(ctx, base, rb); err != nil {
					return err
				}
			}
			if rq := o.ResidualQuote(); rq > releaseEps {
				if _, err := e.portfolio.Release(ctx, quote, rq); err != nil {
					return err
				}
			}
		}
		o.Status = StatusFilled
		o.TsFinish = ts
		o.SquashBooking()
	} else {
		o.Status = StatusPartiallyFilled
	}

	o.AddHistory(HistoryEntry{
		Ts:                 ts,
		Status:             o.Status,
		Price:              px,
		AmountRemain:       o.AmountRemain(),
		ActualFilled:       fillable,
		ActualNotion:       tx.notion,
		ActualFee:          tx.fee,
		ReservedNotionLeft: o.ReservedNotionLeft,
		ReservedFeeLeft:    o.ReservedFeeLeft,
	})

	if full {
		err = e.orders.UpdateClosed(ctx, o)
	} else {
		err = e.orders.Update(ctx, o)
	}
	if err != nil {
		return err
	}

	if err := e.stats.RecordFill(ctx, o, fillable, tx.notion, tx.fee, firstFill); err != nil {
		return err
	}
	e.logOrder(o)
	e.metrics.AddFill(ctx, o.Symbol, string(o.Side), fillable, tx.notion, tx.fee)
	if full {
		e.metrics.AddOrderFilled(ctx, o.Symbol, string(o.Side))
	}
	e.refreshOpenGauge(ctx, o.Symbol)
	e.publishOrder(o)
	return nil
}

// SettleMarket is the delayed settle callback for market orders. Vanished or
// already-closed orders are ignored.
func (e *Engine) SettleMarket(ctx context.Context, id string) error {
	o, err := e.orders.Get(ctx, id, false)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			e.log.Warn("Order vanished before settle", "id", id)
			return nil
		}
		return err
	}
	if !o.Status.IsOpen() || o.ActualFilled >= o.Amount-fillEps {
		return nil
	}
	pair, err := e.market.FetchTicker(ctx, o.Symbol)
	if err != nil {
		return err
	}
	if pair == nil {
		e.log.Warn("Ticker not found at settle time", "symbol", o.Symbol, "id", id)
		return nil
	}
	if err := e.ProcessSingleOrder(ctx, id, pair); err != nil {
		return err
	}
	e.metrics.RecordSettleLatency(ctx, float64(e.nowMs()-o.TsCreate))
	return nil
}

// CanExecuteResult is the dry-run answer.
type CanExecuteResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// CanExecute checks whether an order of the given shape could be funded
// right now, without reserving anything.
func (e *Engine) CanExecute(ctx context.Context, symbol string, side Side, amount float64, price *float64) (CanExecuteResult, error) {
	if !side.Valid() {
		return CanExecuteResult{}, fmt.Errorf("%w: side must be buy | sell", apperrors.ErrValidation)
	}
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return CanExecuteResult{}, err
	}
	var px float64
	if price != nil && *price > 0 {
		px = *price
	} else {
		px, err = e.market.LastPrice(ctx, symbol)
		if err != nil {
			return CanExecuteResult{}, err
		}
	}
	fee := amount * px * e.cfg.Commission
	if side == SideBuy {
		bal, err := e.portfolio.Get(ctx, quote)
		if err != nil {
			return CanExecuteResult{}, err
		}
		need := amount*px + fee
		if bal.Free < need {
			return CanExecuteResult{OK: false, Reason: fmt.Sprintf("need %.2f %s, have %.2f", need, quote, bal.Free)}, nil
		}
		return CanExecuteResult{OK: true}, nil
	}
	bal, err := e.portfolio.Get(ctx, base)
	if err != nil {
		return CanExecuteResult{}, err
	}
	if bal.Free < amount {
		return CanExecuteResult{OK: false, Reason: fmt.Sprintf("need %.8f %s, have %.8f", amount, base, bal.Free)}, nil
	}
	return CanExecuteResult{OK: true}, nil
}

// Deposit credits free balance and accumulates the movement in the asset's
// deposit account, valued in cash-asset units.
func (e *Engine) Deposit(ctx context.Context, asset string, amount float64) (AssetBalance, error) {
	return e.moveFunds(ctx, asset, amount, true)
}

// Withdraw debits free balance and mirrors the movement in the withdrawal
// account. Fails when free is short.
func (e *Engine) Withdraw(ctx context.Context, asset string, amount float64) (AssetBalance, error) {
	return e.moveFunds(ctx, asset, amount, false)
}

func (e *Engine) moveFunds(ctx context.Context, asset string, amount float64, deposit bool) (AssetBalance, error) {
	if amount <= 0 {
		return AssetBalance{}, fmt.Errorf("%w: amount must be > 0", apperrors.ErrValidation)
	}
	bal, err := e.portfolio.Get(ctx, asset)
	if err != nil {
		return AssetBalance{}, err
	}
	if !deposit && bal.Free < amount {
		return AssetBalance{}, fmt.Errorf("%w: insufficient %s to withdraw", apperrors.ErrInsufficientFunds, asset)
	}

	refSymbol := asset
	refValue := amount
	if asset != e.cfg.CashAsset {
		refSymbol = asset + "/" + e.cfg.CashAsset
		last, err := e.market.LastPrice(ctx, refSymbol)
		if err != nil {
			if !errors.Is(err, apperrors.ErrNotFound) {
				return AssetBalance{}, err
			}
			e.log.Warn("No reference price for asset movement, recording 0 value",
				"asset", asset, "ref_symbol", refSymbol)
			last = 0
		}
		refValue = amount * last
	}

	if deposit {
		bal.Free += amount
	} else {
		bal.Free -= amount
	}
	if err := e.portfolio.Set(ctx, bal); err != nil {
		return AssetBalance{}, err
	}
	if deposit {
		err = e.stats.RecordDeposit(ctx, asset, refSymbol, amount, refValue)
	} else {
		err = e.stats.RecordWithdrawal(ctx, asset, refSymbol, amount, refValue)
	}
	if err != nil {
		return AssetBalance{}, err
	}
	return bal, nil
}

// SetBalance overwrites an asset balance; intended for tests and admin use.
func (e *Engine) SetBalance(ctx context.Context, asset string, free, used float64) (AssetBalance, error) {
	if free < 0 || used < 0 {
		return AssetBalance{}, fmt.Errorf("%w: free/used must be >= 0", apperrors.ErrValidation)
	}
	bal := AssetBalance{Asset: asset, Free: free, Used: used}
	if err := e.portfolio.Set(ctx, bal); err != nil {
		return AssetBalance{}, err
	}
	return bal, nil
}

// defaultLiquidityNotion sizes the synthetic order book depth when SetTicker
// is called without explicit volumes.
const defaultLiquidityNotion = 1e6

// SetTickerRequest carries a synthetic price movement.
type SetTickerRequest struct {
	Symbol    string   `json:"symbol"`
	Price     float64  `json:"price"`
	Bid       *float64 `json:"bid,omitempty"`
	Ask       *float64 `json:"ask,omitempty"`
	BidVolume *float64 `json:"bid_volume,omitempty"`
	AskVolume *float64 `json:"ask_volume,omitempty"`
}

// SetTicker updates the market snapshot for an existing symbol and returns
// the refreshed snapshot. Omitted volumes default to a large notional so
// synthetic ticks never starve fills of liquidity.
func (e *Engine) SetTicker(ctx context.Context, req SetTickerRequest) (*TradingPair, error) {
	ok, err := e.market.HasSymbol(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: ticker %s does not exist", apperrors.ErrNotFound, req.Symbol)
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("%w: price must be > 0", apperrors.ErrValidation)
	}

	ts := float64(e.nowMs())
	u := TickerUpdate{
		Symbol:    req.Symbol,
		Price:     req.Price,
		Timestamp: &ts,
		Bid:       req.Bid,
		Ask:       req.Ask,
		BidVolume: req.BidVolume,
		AskVolume: req.AskVolume,
	}
	if u.Bid == nil {
		v := req.Price
		u.Bid = &v
	}
	if u.Ask == nil {
		v := req.Price
		u.Ask = &v
	}
	if u.BidVolume == nil {
		v := defaultLiquidityNotion / req.Price
		u.BidVolume = &v
	}
	if u.AskVolume == nil {
		v := defaultLiquidityNotion / req.Price
		u.AskVolume = &v
	}
	if err := e.market.SetLastPrice(ctx, u); err != nil {
		return nil, err
	}
	pair, err := e.market.FetchTicker(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	e.publishTicker(pair)
	return pair, nil
}

// Reset clears portfolio, orders, trade counters and investment accounts,
// and restarts the id counter. Pending settle timers are canceled by the
// dispatcher before it delegates here.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.portfolio.Clear(ctx); err != nil {
		return err
	}
	if err := e.orders.Clear(ctx); err != nil {
		return err
	}
	if err := e.stats.ClearAll(ctx); err != nil {
		return err
	}
	e.ids.Reset()
	e.log.Info("Engine state reset")
	return nil
}

// PruneOrdersOlderThan removes closed orders whose ts_finish is older than
// now-age and returns how many were removed.
func (e *Engine) PruneOrdersOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := e.nowMs() - age.Milliseconds()
	closed, err := e.orders.List(ctx, ListFilter{Statuses: ClosedStatuses})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, o := range closed {
		if o.TsFinish < cutoff {
			if err := e.orders.Remove(ctx, o.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		e.log.Info("Pruned stale orders", "count", removed, "age", age)
	}
	return removed, nil
}

// ExpireOrdersOlderThan closes open orders untouched for longer than age:
// residual reservations are released and the order ends expired (or
// partially_expired after a partial fill).
func (e *Engine) ExpireOrdersOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := e.nowMs() - age.Milliseconds()
	open, err := e.orders.List(ctx, ListFilter{Statuses: OpenStatuses, IncludeHistory: true})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, o := range open {
		if o.TsUpdate >= cutoff {
			continue
		}
		base, quote, err := SplitSymbol(o.Symbol)
		if err != nil {
			return expired, err
		}
		if o.Side == SideBuy {
			if _, err := e.portfolio.Release(ctx, quote, o.ResidualQuote()); err != nil {
				return expired, err
			}
		} else {
			if _, err := e.portfolio.Release(ctx, base, o.ResidualBase()); err != nil {
				return expired, err
			}
			if _, err := e.portfolio.Release(ctx, quote, o.ResidualQuote()); err != nil {
				return expired, err
			}
		}
		o.Status = StatusExpired
		if o.ActualFilled != 0 {
			o.Status = StatusPartiallyExpired
		}
		ts := e.nowMs()
		o.TsUpdate = ts
		o.TsFinish = ts
		o.Comment = "Order expired due to inactivity"
		o.AddHistory(HistoryEntry{Ts: ts, Status: o.Status, Comment: o.Comment})
		o.SquashBooking()
		if err := e.orders.UpdateClosed(ctx, o); err != nil {
			return expired, err
		}
		e.logOrder(o)
		e.metrics.AddOrderExpired(ctx, o.Symbol)
		e.refreshOpenGauge(ctx, o.Symbol)
		e.publishOrder(o)
		expired++
	}
	if expired > 0 {
		e.log.Info("Expired inactive orders", "count", expired, "age", age)
	}
	return expired, nil
}

// Mismatch is one audit finding: what the portfolio holds in used versus
// what the open orders say should be reserved.
type Mismatch struct {
	UsedNow    float64 `json:"used_now"`
	UsedShould float64 `json:"used_should"`
}

// CheckConsistency compares the summed residual reservations of all open
// orders per asset against the portfolio's used rails.
func (e *Engine) CheckConsistency(ctx context.Context, eps float64) (map[string]Mismatch, error) {
	if eps <= 0 {
		eps = 1e-9
	}
	open, err := e.orders.List(ctx, ListFilter{Statuses: OpenStatuses})
	if err != nil {
		return nil, err
	}

	expected := map[string]float64{}
	for _, o := range open {
		base, quote, err := SplitSymbol(o.Symbol)
		if err != nil {
			return nil, err
		}
		if o.Side == SideBuy {
			expected[quote] += max(o.ReservedNotionLeft, 0) + max(o.ReservedFeeLeft, 0)
		} else {
			expected[base] += max(o.ResidualBase(), 0)
			expected[quote] += max(o.ReservedFeeLeft, 0)
		}
	}

	bals, err := e.portfolio.All(ctx)
	if err != nil {
		return nil, err
	}

	assets := map[string]struct{}{}
	for a := range bals {
		assets[a] = struct{}{}
	}
	for a := range expected {
		assets[a] = struct{}{}
	}

	mismatches := map[string]Mismatch{}
	for asset := range assets {
		usedNow := bals[asset].Used
		usedShould := expected[asset]
		diff := usedNow - usedShould
		if diff < 0 {
			diff = -diff
		}
		if diff > eps {
			mismatches[asset] = Mismatch{UsedNow: usedNow, UsedShould: usedShould}
		}
	}
	if len(mismatches) > 0 {
		e.log.Error("Reservation mismatches", "mismatches", mismatches)
	}
	e.metrics.SetAuditMismatches(int64(len(mismatches)))
	return mismatches, nil
}
