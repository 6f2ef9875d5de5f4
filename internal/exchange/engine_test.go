package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mockexchange/internal/kv"
	apperrors "mockexchange/pkg/errors"
	"mockexchange/pkg/logging"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// newTestEngine builds a deterministic engine: sigma 0 means slippage always
// yields the full advertised volume.
func newTestEngine(t *testing.T, commission float64) (*Engine, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	eng := NewEngine(
		kv.NewMemoryStore(),
		Config{Commission: commission, CashAsset: "USDT", SigmaFill: 0},
		logging.NewNopLogger(),
		WithRand(rand.New(rand.NewSource(1))),
		WithClock(clock.Now),
	)
	return eng, clock
}

func seedTicker(t *testing.T, eng *Engine, symbol string, price, bidVol, askVol float64) {
	t.Helper()
	ts := float64(eng.nowMs())
	bid, ask := price, price
	err := eng.Market().SetLastPrice(context.Background(), TickerUpdate{
		Symbol: symbol, Price: price, Timestamp: &ts,
		Bid: &bid, Ask: &ask, BidVolume: &bidVol, AskVolume: &askVol,
	})
	require.NoError(t, err)
}

func mustDeposit(t *testing.T, eng *Engine, asset string, amount float64) {
	t.Helper()
	_, err := eng.Deposit(context.Background(), asset, amount)
	require.NoError(t, err)
}

func balance(t *testing.T, eng *Engine, asset string) AssetBalance {
	t.Helper()
	bal, err := eng.Portfolio().Get(context.Background(), asset)
	require.NoError(t, err)
	return bal
}

func limitOrder(symbol string, side Side, amount, price float64) CreateOrderRequest {
	return CreateOrderRequest{Symbol: symbol, Side: side, Type: TypeLimit, Amount: amount, LimitPrice: &price}
}

func TestCreateOrderValidation(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 50000, 10, 10)

	cases := []struct {
		name string
		req  CreateOrderRequest
		want error
	}{
		{"unknown symbol", CreateOrderRequest{Symbol: "DOGE/USDT", Side: SideBuy, Type: TypeMarket, Amount: 1}, apperrors.ErrNotFound},
		{"zero amount", CreateOrderRequest{Symbol: "BTC/USDT", Side: SideBuy, Type: TypeMarket, Amount: 0}, apperrors.ErrValidation},
		{"negative amount", CreateOrderRequest{Symbol: "BTC/USDT", Side: SideBuy, Type: TypeMarket, Amount: -3}, apperrors.ErrValidation},
		{"bad type", CreateOrderRequest{Symbol: "BTC/USDT", Side: SideBuy, Type: "stop", Amount: 1}, apperrors.ErrValidation},
		{"bad side", CreateOrderRequest{Symbol: "BTC/USDT", Side: "hold", Type: TypeMarket, Amount: 1}, apperrors.ErrValidation},
		{"limit without price", CreateOrderRequest{Symbol: "BTC/USDT", Side: SideBuy, Type: TypeLimit, Amount: 1}, apperrors.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.CreateOrder(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateOrderRejectedWhenUnfunded(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 50000, 10, 10)

	o, err := eng.CreateOrder(ctx, CreateOrderRequest{Symbol: "BTC/USDT", Side: SideBuy, Type: TypeMarket, Amount: 1})
	require.NoError(t, err, "an unfunded order is persisted as rejected, not an error")
	assert.Equal(t, StatusRejected, o.Status)
	assert.Contains(t, o.Comment, "Need")
	assert.NotZero(t, o.TsFinish)
	assert.Zero(t, o.ReservedNotionLeft)
	assert.Zero(t, o.ReservedFeeLeft)

	stored, err := eng.Orders().Get(ctx, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, stored.Status)

	n, err := eng.Orders().OpenCount(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n, "rejected orders never enter the open indexes")
}

func TestCreateOrderReservesBuySide(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 1000)
	mustDeposit(t, eng, "USDT", 1000)

	o, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 5, 100))
	require.NoError(t, err)
	assert.Equal(t, StatusNew, o.Status)
	assert.InDelta(t, 500, o.InitialBookedNotion, 1e-9)
	assert.InDelta(t, 0.5, o.InitialBookedFee, 1e-9)

	bal := balance(t, eng, "USDT")
	assert.InDelta(t, 499.5, bal.Free, 1e-9)
	assert.InDelta(t, 500.5, bal.Used, 1e-9)
}

func TestCreateOrderSellBooksWorstCaseFee(t *testing.T) {
	eng, _ := newTestEngine(t, 0.01)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 120, 1000, 1000)
	mustDeposit(t, eng, "BTC", 2)
	mustDeposit(t, eng, "USDT", 100)

	// Limit below last: the fee books against last (the worse price).
	o, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideSell, 2, 100))
	require.NoError(t, err)
	assert.Equal(t, StatusNew, o.Status)
	assert.Zero(t, o.InitialBookedNotion, "sells never book notion")
	assert.InDelta(t, 2*120*0.01, o.InitialBookedFee, 1e-9)

	assert.InDelta(t, 2, balance(t, eng, "BTC").Used, 1e-9)
	assert.InDelta(t, 2.4, balance(t, eng, "USDT").Used, 1e-9)
}

func TestMarketBuySettles(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 1000)
	mustDeposit(t, eng, "USDT", 1001)

	o, err := eng.CreateOrder(ctx, CreateOrderRequest{Symbol: "BTC/USDT", Side: SideBuy, Type: TypeMarket, Amount: 10})
	require.NoError(t, err)
	require.Equal(t, StatusNew, o.Status)

	require.NoError(t, eng.SettleMarket(ctx, o.ID))

	got, err := eng.Orders().Get(ctx, o.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.InDelta(t, 10, got.ActualFilled, 1e-9)
	assert.InDelta(t, 1000, got.ActualNotion, 1e-9)
	assert.InDelta(t, 1, got.ActualFee, 1e-9)
	assert.InDelta(t, 100, got.Price, 1e-9)
	assert.NotZero(t, got.TsFinish)
	require.Len(t, got.History, 1)
	assert.Equal(t, StatusFilled, got.History[0].Status)

	assert.InDelta(t, 10, balance(t, eng, "BTC").Free, 1e-9)
	usdt := balance(t, eng, "USDT")
	assert.InDelta(t, 0, usdt.Free, 1e-9)
	assert.Zero(t, usdt.Used)
}

func TestMarketSellSettles(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 1000)
	mustDeposit(t, eng, "BTC", 10)
	mustDeposit(t, eng, "USDT", 10)

	o, err := eng.CreateOrder(ctx, CreateOrderRequest{Symbol: "BTC/USDT", Side: SideSell, Type: TypeMarket, Amount: 10})
	require.NoError(t, err)
	require.NoError(t, eng.SettleMarket(ctx, o.ID))

	got, err := eng.Orders().Get(ctx, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)

	btc := balance(t, eng, "BTC")
	assert.Zero(t, btc.Free)
	assert.Zero(t, btc.Used)
	usdt := balance(t, eng, "USDT")
	assert.InDelta(t, 10+1000-1, usdt.Free, 1e-9)
	assert.Zero(t, usdt.Used)
}

func TestFundAndDiversifiedMarketBuys(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()

	prices := map[string]float64{
		"BTC": 50000, "ETH": 2500, "SOL": 150, "XRP": 0.5,
		"BNB": 600, "ADA": 0.4, "DOGE": 0.2, "DOT": 5,
	}
	for base, px := range prices {
		seedTicker(t, eng, base+"/USDT", px, 1e9, 1e9)
	}
	mustDeposit(t, eng, "USDT", 50000)

	var ids []string
	for base, px := range prices {
		amount := (50000.0 / 16.0) / px
		o, err := eng.CreateOrder(ctx, CreateOrderRequest{
			Symbol: base + "/USDT", Side: SideBuy, Type: TypeMarket, Amount: amount,
		})
		require.NoError(t, err)
		require.Equal(t, StatusNew, o.Status, "half the funds cover 8 buys of 1/16 each")
		ids = append(ids, o.ID)
	}
	for _, id := range ids {
		require.NoError(t, eng.SettleMarket(ctx, id))
	}
	for _, id := range ids {
		o, err := eng.Orders().Get(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, StatusFilled, o.Status)
	}
	assert.Zero(t, balance(t, eng, "USDT").Used, "all reservations settled")

	mismatches, err := eng.CheckConsistency(ctx, 1e-9)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestLimitFarFromMarketThenCancelAll(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()

	bases := []string{"BTC", "ETH", "SOL", "XRP", "BNB"}
	for i, base := range bases {
		seedTicker(t, eng, base+"/USDT", float64(100*(i+1)), 1e6, 1e6)
	}
	mustDeposit(t, eng, "USDT", 100000)
	for _, base := range bases {
		mustDeposit(t, eng, base, 100000)
	}

	for _, base := range bases {
		_, err := eng.CreateOrder(ctx, limitOrder(base+"/USDT", SideBuy, 1, 0.000001))
		require.NoError(t, err)
		_, err = eng.CreateOrder(ctx, limitOrder(base+"/USDT", SideSell, 1, 1000000))
		require.NoError(t, err)
	}

	open, err := eng.Orders().List(ctx, ListFilter{Statuses: OpenStatuses})
	require.NoError(t, err)
	require.Len(t, open, 2*len(bases))

	for _, o := range open {
		res, err := eng.CancelOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCanceled, res.CanceledOrder.Status)
	}

	bals, err := eng.Portfolio().All(ctx)
	require.NoError(t, err)
	for asset, bal := range bals {
		assert.Zerof(t, bal.Used, "asset %s must have no leftover reservation", asset)
	}
	n, err := eng.Orders().OpenCount(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBuyReservationTamperRejectsOrder(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 2.0, 1e9, 1e9)
	mustDeposit(t, eng, "USDT", 20000)

	o, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 5000, 2.0))
	require.NoError(t, err)
	require.Equal(t, StatusNew, o.Status)
	booked := o.InitialBookedNotion + o.InitialBookedFee
	fee := o.InitialBookedFee

	// Tamper: shrink the backing below what the fill will need.
	tamperedUsed := booked - 0.1*fee
	_, err = eng.SetBalance(ctx, "USDT", 0, tamperedUsed)
	require.NoError(t, err)

	_, err = eng.SetTicker(ctx, SetTickerRequest{Symbol: "BTC/USDT", Price: 2.0})
	require.NoError(t, err)
	require.NoError(t, eng.ProcessPriceTick(ctx, "BTC/USDT"))

	got, err := eng.Orders().Get(ctx, o.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Contains(t, got.Comment, "Insufficient USDT")
	assert.Zero(t, got.ReservedNotionLeft)
	assert.Zero(t, got.ReservedFeeLeft)

	usdt := balance(t, eng, "USDT")
	assert.Zero(t, usdt.Used)
	assert.InDelta(t, tamperedUsed, usdt.Free, 1e-9)
}

func TestSellBaseTamperRejectsOrder(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1e9, 1e9)
	mustDeposit(t, eng, "BTC", 5)
	mustDeposit(t, eng, "USDT", 10)

	o, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideSell, 5, 200))
	require.NoError(t, err)
	require.Equal(t, StatusNew, o.Status)

	_, err = eng.SetBalance(ctx, "BTC", 0, 4.95)
	require.NoError(t, err)

	_, err = eng.SetTicker(ctx, SetTickerRequest{Symbol: "BTC/USDT", Price: 200})
	require.NoError(t, err)
	require.NoError(t, eng.ProcessPriceTick(ctx, "BTC/USDT"))

	got, err := eng.Orders().Get(ctx, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Contains(t, got.Comment, "Insufficient BTC")

	btc := balance(t, eng, "BTC")
	assert.Zero(t, btc.Used)
	assert.InDelta(t, 4.95, btc.Free, 1e-9)
	assert.Zero(t, balance(t, eng, "USDT").Used)
}

func TestSellFeeTamperRejectsOrder(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1e9, 1e9)
	mustDeposit(t, eng, "BTC", 5)
	mustDeposit(t, eng, "USDT", 10)

	o, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideSell, 5, 200))
	require.NoError(t, err)
	reservedFee := o.InitialBookedFee
	require.InDelta(t, 1.0, reservedFee, 1e-9)

	_, err = eng.SetBalance(ctx, "USDT", 0, 0.95*reservedFee)
	require.NoError(t, err)

	_, err = eng.SetTicker(ctx, SetTickerRequest{Symbol: "BTC/USDT", Price: 200})
	require.NoError(t, err)
	require.NoError(t, eng.ProcessPriceTick(ctx, "BTC/USDT"))

	got, err := eng.Orders().Get(ctx, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Contains(t, got.Comment, "pay fee")

	assert.Zero(t, balance(t, eng, "BTC").Used)
	assert.Zero(t, balance(t, eng, "USDT").Used)
	assert.InDelta(t, 5, balance(t, eng, "BTC").Free, 1e-9)
}

func TestPartialFillThenFullFill(t *testing.T) {
	eng, clock := newTestEngine(t, 0)
	ctx := context.Background()
	seedTicker(t, eng, "ETH/USDT", 100, 1000, 3)
	mustDeposit(t, eng, "USDT", 2000)

	o, err := eng.CreateOrder(ctx, limitOrder("ETH/USDT", SideBuy, 10, 100))
	require.NoError(t, err)

	require.NoError(t, eng.ProcessPriceTick(ctx, "ETH/USDT"))
	got, err := eng.Orders().Get(ctx, o.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyFilled, got.Status)
	assert.InDelta(t, 3, got.ActualFilled, 1e-9)
	require.Len(t, got.History, 1)
	assert.InDelta(t, 3, got.History[0].ActualFilled, 1e-9)

	n, err := eng.Orders().OpenCount(ctx, "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "partially filled orders stay in the open indexes")

	clock.Advance(time.Second)
	seedTicker(t, eng, "ETH/USDT", 100, 1000, 100)
	require.NoError(t, eng.ProcessPriceTick(ctx, "ETH/USDT"))

	got, err = eng.Orders().Get(ctx, o.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.InDelta(t, 10, got.ActualFilled, 1e-9)
	assert.InDelta(t, got.ActualNotion/10, got.Price, 1e-9)
	assert.Zero(t, balance(t, eng, "USDT").Used)
	require.Len(t, got.History, 2)
}

func TestLimitOrderDoesNotCrossAwayFromPrice(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 1000)
	mustDeposit(t, eng, "USDT", 1000)
	mustDeposit(t, eng, "BTC", 10)

	buy, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 1, 90))
	require.NoError(t, err)
	sell, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideSell, 1, 110))
	require.NoError(t, err)

	require.NoError(t, eng.ProcessPriceTick(ctx, "BTC/USDT"))

	for _, id := range []string{buy.ID, sell.ID} {
		o, err := eng.Orders().Get(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, StatusNew, o.Status, "ask 100 > buy limit 90 and bid 100 < sell limit 110")
	}
}

func TestCancelOrder(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 1000)
	mustDeposit(t, eng, "USDT", 1000)

	o, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 5, 100))
	require.NoError(t, err)

	res, err := eng.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.CanceledOrder.Status)
	assert.Equal(t, "Order canceled by user", res.CanceledOrder.Comment)
	assert.InDelta(t, 500.5, res.Freed["USDT"], 1e-9)
	assert.Zero(t, res.Freed["BTC"])

	bal := balance(t, eng, "USDT")
	assert.InDelta(t, 1000, bal.Free, 1e-9)
	assert.Zero(t, bal.Used)

	// Second cancel is an invalid state transition.
	_, err = eng.CancelOrder(ctx, o.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	_, err = eng.CancelOrder(ctx, "0000000000=missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCancelPartiallyFilled(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 2)
	mustDeposit(t, eng, "USDT", 1000)

	o, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 10, 100))
	require.NoError(t, err)
	require.NoError(t, eng.ProcessPriceTick(ctx, "BTC/USDT"))

	res, err := eng.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyCanceled, res.CanceledOrder.Status)
	assert.InDelta(t, 2, res.CanceledOrder.ActualFilled, 1e-9)

	usdt := balance(t, eng, "USDT")
	assert.Zero(t, usdt.Used)
	assert.InDelta(t, 800, usdt.Free, 1e-9)
	assert.InDelta(t, 2, balance(t, eng, "BTC").Free, 1e-9)
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 40000, 10, 10)

	before, err := eng.Portfolio().All(ctx)
	require.NoError(t, err)

	_, err = eng.Deposit(ctx, "BTC", 2)
	require.NoError(t, err)
	_, err = eng.Withdraw(ctx, "BTC", 2)
	require.NoError(t, err)

	after, err := eng.Portfolio().All(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(before), countNonZero(after))

	deps, err := eng.Stats().Deposits(ctx)
	require.NoError(t, err)
	wds, err := eng.Stats().Withdrawals(ctx)
	require.NoError(t, err)
	require.Contains(t, deps, "BTC")
	require.Contains(t, wds, "BTC")
	assert.InDelta(t, deps["BTC"].RefValue, wds["BTC"].RefValue, 1e-9)
	assert.InDelta(t, 80000, deps["BTC"].RefValue, 1e-9)
	assert.Equal(t, "BTC/USDT", deps["BTC"].RefSymbol)
}

func countNonZero(bals map[string]AssetBalance) int {
	n := 0
	for _, b := range bals {
		if b.Free != 0 || b.Used != 0 {
			n++
		}
	}
	return n
}

func TestDepositWithoutReferencePrice(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()

	bal, err := eng.Deposit(ctx, "XMR", 5)
	require.NoError(t, err)
	assert.InDelta(t, 5, bal.Free, 1e-9)

	deps, err := eng.Stats().Deposits(ctx)
	require.NoError(t, err)
	assert.Zero(t, deps["XMR"].RefValue, "no XMR/USDT ticker, value recorded as 0")
	assert.InDelta(t, 5, deps["XMR"].AssetQuantity, 1e-9)
}

func TestWithdrawInsufficient(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()
	mustDeposit(t, eng, "USDT", 10)

	_, err := eng.Withdraw(ctx, "USDT", 20)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	_, err = eng.Withdraw(ctx, "USDT", -1)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestExpireOrders(t *testing.T) {
	eng, clock := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 1000)
	mustDeposit(t, eng, "USDT", 1000)
	mustDeposit(t, eng, "BTC", 10)

	buy, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 5, 90))
	require.NoError(t, err)
	sell, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideSell, 5, 110))
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	n, err := eng.ExpireOrdersOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{buy.ID, sell.ID} {
		o, err := eng.Orders().Get(ctx, id, true)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, o.Status)
		assert.Equal(t, "Order expired due to inactivity", o.Comment)
		assert.Zero(t, o.ReservedFeeLeft)
		assert.NotZero(t, o.TsFinish)
	}
	assert.Zero(t, balance(t, eng, "USDT").Used, "expiry releases reservations")
	assert.Zero(t, balance(t, eng, "BTC").Used)

	// Fresh orders survive.
	fresh, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 1, 90))
	require.NoError(t, err)
	n, err = eng.ExpireOrdersOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
	o, err := eng.Orders().Get(ctx, fresh.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, o.Status)
}

func TestPruneOrders(t *testing.T) {
	eng, clock := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 1000)
	mustDeposit(t, eng, "USDT", 1000)

	o, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 5, 100))
	require.NoError(t, err)
	_, err = eng.CancelOrder(ctx, o.ID)
	require.NoError(t, err)

	// Too young to prune.
	n, err := eng.PruneOrdersOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(25 * time.Hour)
	n, err = eng.PruneOrdersOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = eng.Orders().Get(ctx, o.ID, false)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCheckConsistency(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 1000)
	mustDeposit(t, eng, "USDT", 1000)

	_, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 5, 100))
	require.NoError(t, err)

	mismatches, err := eng.CheckConsistency(ctx, 1e-9)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	// Drift the used rail behind the engine's back.
	_, err = eng.SetBalance(ctx, "USDT", 499.5, 400)
	require.NoError(t, err)

	mismatches, err = eng.CheckConsistency(ctx, 1e-9)
	require.NoError(t, err)
	require.Contains(t, mismatches, "USDT")
	assert.InDelta(t, 400, mismatches["USDT"].UsedNow, 1e-9)
	assert.InDelta(t, 500.5, mismatches["USDT"].UsedShould, 1e-9)
}

func TestTradeStatsConservation(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 4)
	mustDeposit(t, eng, "USDT", 2000)

	o, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 10, 100))
	require.NoError(t, err)
	require.NoError(t, eng.ProcessPriceTick(ctx, "BTC/USDT"))
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 100)
	require.NoError(t, eng.ProcessPriceTick(ctx, "BTC/USDT"))

	got, err := eng.Orders().Get(ctx, o.ID, false)
	require.NoError(t, err)
	require.Equal(t, StatusFilled, got.Status)

	stats, err := eng.Stats().TradeStats(ctx, "", nil)
	require.NoError(t, err)
	buy := stats[SideBuy]
	assert.InDelta(t, 1, buy.Count, 1e-9, "two fills of one order count once")
	assert.InDelta(t, got.ActualFilled, buy.Amount, 1e-9)
	assert.InDelta(t, got.ActualNotion, buy.Notional, 1e-9)
	assert.InDelta(t, got.ActualFee, buy.Fee, 1e-9)

	// Base filter.
	filtered, err := eng.Stats().TradeStats(ctx, SideBuy, []string{"ETH"})
	require.NoError(t, err)
	assert.Zero(t, filtered[SideBuy].Count)
}

func TestCanExecute(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 1000)
	mustDeposit(t, eng, "USDT", 500)
	mustDeposit(t, eng, "BTC", 1)

	res, err := eng.CanExecute(ctx, "BTC/USDT", SideBuy, 4, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = eng.CanExecute(ctx, "BTC/USDT", SideBuy, 6, nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "need")

	res, err = eng.CanExecute(ctx, "BTC/USDT", SideSell, 2, nil)
	require.NoError(t, err)
	assert.False(t, res.OK)

	px := 50.0
	res, err = eng.CanExecute(ctx, "BTC/USDT", SideBuy, 9, &px)
	require.NoError(t, err)
	assert.True(t, res.OK, "explicit price overrides last")

	_, err = eng.CanExecute(ctx, "NOPE/USDT", SideBuy, 1, nil)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSetTickerDefaultsAndValidation(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 5, 5)

	pair, err := eng.SetTicker(ctx, SetTickerRequest{Symbol: "BTC/USDT", Price: 200})
	require.NoError(t, err)
	assert.InDelta(t, 200, pair.Price, 1e-9)
	assert.InDelta(t, 200, pair.Bid, 1e-9)
	assert.InDelta(t, 200, pair.Ask, 1e-9)
	assert.InDelta(t, defaultLiquidityNotion/200, pair.AskVolume, 1e-9)
	assert.InDelta(t, defaultLiquidityNotion/200, pair.BidVolume, 1e-9)

	_, err = eng.SetTicker(ctx, SetTickerRequest{Symbol: "NOPE/USDT", Price: 1})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = eng.SetTicker(ctx, SetTickerRequest{Symbol: "BTC/USDT", Price: 0})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestReset(t *testing.T) {
	eng, _ := newTestEngine(t, 0.001)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 1000)
	mustDeposit(t, eng, "USDT", 1000)
	_, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 5, 100))
	require.NoError(t, err)

	require.NoError(t, eng.Reset(ctx))

	bals, err := eng.Portfolio().All(ctx)
	require.NoError(t, err)
	assert.Empty(t, bals)
	orders, err := eng.Orders().List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
	deps, err := eng.Stats().Deposits(ctx)
	require.NoError(t, err)
	assert.Empty(t, deps)

	// Tickers survive a reset.
	_, err = eng.Market().LastPrice(ctx, "BTC/USDT")
	assert.NoError(t, err)
}

func TestReservationSoundnessAcrossMixedActivity(t *testing.T) {
	eng, _ := newTestEngine(t, 0.002)
	ctx := context.Background()
	for i, base := range []string{"BTC", "ETH", "SOL"} {
		seedTicker(t, eng, base+"/USDT", float64(100*(i+1)), 50, 50)
	}
	mustDeposit(t, eng, "USDT", 100000)
	mustDeposit(t, eng, "BTC", 100)
	mustDeposit(t, eng, "ETH", 100)

	var ids []string
	for i := 0; i < 10; i++ {
		side := SideBuy
		base := "BTC"
		if i%2 == 1 {
			side = SideSell
			base = "ETH"
		}
		px := float64(100 + 10*i)
		o, err := eng.CreateOrder(ctx, limitOrder(base+"/USDT", side, float64(i+1), px))
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	require.NoError(t, eng.ProcessPriceTick(ctx, "BTC/USDT"))
	require.NoError(t, eng.ProcessPriceTick(ctx, "ETH/USDT"))
	for i, id := range ids {
		if i%3 == 0 {
			o, err := eng.Orders().Get(ctx, id, false)
			require.NoError(t, err)
			if o.Status.IsOpen() {
				_, err = eng.CancelOrder(ctx, id)
				require.NoError(t, err)
			}
		}
	}

	mismatches, err := eng.CheckConsistency(ctx, 1e-9)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	bals, err := eng.Portfolio().All(ctx)
	require.NoError(t, err)
	for asset, bal := range bals {
		assert.GreaterOrEqualf(t, bal.Free, 0.0, "free(%s)", asset)
		assert.GreaterOrEqualf(t, bal.Used, 0.0, "used(%s)", asset)
	}
}

func TestOrderIDsAreUniqueAndPrefixed(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 1000)
	mustDeposit(t, eng, "USDT", 100000)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		o, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 1, 1))
		require.NoError(t, err)
		require.Regexp(t, `^\d{10}=.{6}$`, o.ID)
		require.Falsef(t, seen[o.ID], "duplicate id %s", o.ID)
		seen[o.ID] = true
	}
}

func TestSlippageNeverExceedsVolume(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	eng.cfg.SigmaFill = 0.5
	for i := 0; i < 1000; i++ {
		got := eng.slippage(7)
		require.GreaterOrEqual(t, got, 0.0)
		require.LessOrEqual(t, got, 7.0)
	}
}

func TestFillSkippedWhenNoLiquidity(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 0, 0)
	mustDeposit(t, eng, "USDT", 1000)

	o, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 5, 100))
	require.NoError(t, err)
	require.NoError(t, eng.ProcessPriceTick(ctx, "BTC/USDT"))

	got, err := eng.Orders().Get(ctx, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, got.Status)
	assert.Zero(t, got.ActualFilled)
}

func TestSettleIgnoresClosedOrVanishedOrders(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 1000)
	mustDeposit(t, eng, "USDT", 1000)

	o, err := eng.CreateOrder(ctx, CreateOrderRequest{Symbol: "BTC/USDT", Side: SideBuy, Type: TypeMarket, Amount: 1})
	require.NoError(t, err)
	_, err = eng.CancelOrder(ctx, o.ID)
	require.NoError(t, err)

	require.NoError(t, eng.SettleMarket(ctx, o.ID), "settle of a canceled order is a no-op")
	got, err := eng.Orders().Get(ctx, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)

	require.NoError(t, eng.SettleMarket(ctx, "0000000000=gone"), "settle of a vanished order is a no-op")
}

func TestSummaryAssetsAndCapital(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 1000)
	mustDeposit(t, eng, "USDT", 1000)
	mustDeposit(t, eng, "BTC", 2)

	_, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 1, 90))
	require.NoError(t, err)

	s, err := eng.SummaryAssets(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 200, s.AssetsTotalValue, 1e-9)
	assert.InDelta(t, 1000, s.CashTotalValue, 1e-9)
	assert.InDelta(t, 1200, s.TotalEquity, 1e-9)
	assert.InDelta(t, 90, s.CashFrozenValue, 1e-9)
	assert.InDelta(t, 90, s.OrdersCashFrozenValue, 1e-9)
	assert.False(t, s.Mismatch["cash_frozen_value"])
	assert.False(t, s.Mismatch["assets_frozen_value"])

	capital, err := eng.SummaryCapital(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1200, capital.Equity, 1e-9)
	assert.InDelta(t, 1200, capital.Deposits, 1e-9, "1000 USDT + 2 BTC at 100")
	assert.Zero(t, capital.Withdrawals)
	assert.InDelta(t, 0, capital.ProfitLoss, 1e-9)

	detail, err := eng.CapitalDetail(ctx)
	require.NoError(t, err)
	assert.Contains(t, detail.Deposits, "BTC")
	assert.Contains(t, detail.Deposits, "USDT")
}

func TestFillMonotonicity(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	ctx := context.Background()
	seedTicker(t, eng, "BTC/USDT", 100, 1000, 3)
	mustDeposit(t, eng, "USDT", 10000)

	o, err := eng.CreateOrder(ctx, limitOrder("BTC/USDT", SideBuy, 9, 100))
	require.NoError(t, err)

	prev := 0.0
	for i := 0; i < 5; i++ {
		require.NoError(t, eng.ProcessPriceTick(ctx, "BTC/USDT"))
		got, err := eng.Orders().Get(ctx, o.ID, false)
		require.NoError(t, err)
		require.GreaterOrEqual(t, got.ActualFilled, prev)
		require.LessOrEqual(t, got.ActualFilled, o.Amount+1e-12)
		prev = got.ActualFilled
	}
	got, err := eng.Orders().Get(ctx, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.InDelta(t, 9, got.ActualFilled, 1e-9)
}

func ExampleEngine_CreateOrder() {
	eng := NewEngine(kv.NewMemoryStore(), Config{CashAsset: "USDT"}, logging.NewNopLogger())
	ctx := context.Background()
	ts := float64(time.Now().UnixMilli())
	vol := 100.0
	_ = eng.Market().SetLastPrice(ctx, TickerUpdate{Symbol: "BTC/USDT", Price: 100, Timestamp: &ts, BidVolume: &vol, AskVolume: &vol})
	_, _ = eng.Deposit(ctx, "USDT", 1000)
	o, _ := eng.CreateOrder(ctx, CreateOrderRequest{Symbol: "BTC/USDT", Side: SideBuy, Type: TypeMarket, Amount: 1})
	fmt.Println(o.Status)
	// Output: new
}
