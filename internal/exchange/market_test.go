package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mockexchange/internal/kv"
	apperrors "mockexchange/pkg/errors"
	"mockexchange/pkg/logging"
)

func newMarket() (*MarketStore, kv.Store) {
	store := kv.NewMemoryStore()
	return NewMarketStore(store, logging.NewNopLogger()), store
}

func TestMarketLastPrice(t *testing.T) {
	m, _ := newMarket()
	ctx := context.Background()

	_, err := m.LastPrice(ctx, "BTC/USDT")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, m.SetLastPrice(ctx, TickerUpdate{Symbol: "BTC/USDT", Price: 50000}))
	px, err := m.LastPrice(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.InDelta(t, 50000, px, 1e-9)
}

func TestMarketLastPriceMalformed(t *testing.T) {
	m, store := newMarket()
	ctx := context.Background()
	require.NoError(t, store.HSet(ctx, "sym_BTC/USDT", map[string]string{"price": "oops"}))

	_, err := m.LastPrice(ctx, "BTC/USDT")
	assert.ErrorIs(t, err, apperrors.ErrStorage)
}

func TestMarketFetchTicker(t *testing.T) {
	m, _ := newMarket()
	ctx := context.Background()

	pair, err := m.FetchTicker(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, pair, "unknown symbol is not an error")

	ts := 1700000000000.0
	bid, ask := 99.5, 100.5
	bv, av := 3.0, 4.0
	require.NoError(t, m.SetLastPrice(ctx, TickerUpdate{
		Symbol: "BTC/USDT", Price: 100, Timestamp: &ts,
		Bid: &bid, Ask: &ask, BidVolume: &bv, AskVolume: &av,
	}))

	pair, err = m.FetchTicker(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.InDelta(t, 100, pair.Price, 1e-9)
	assert.InDelta(t, 99.5, pair.Bid, 1e-9)
	assert.InDelta(t, 100.5, pair.Ask, 1e-9)
	assert.InDelta(t, 3, pair.BidVolume, 1e-9)
	assert.InDelta(t, 4, pair.AskVolume, 1e-9)
	assert.InDelta(t, ts, pair.Timestamp, 1e-9)
}

func TestMarketFetchTickerDefaults(t *testing.T) {
	m, _ := newMarket()
	ctx := context.Background()
	ts := 1.0
	require.NoError(t, m.SetLastPrice(ctx, TickerUpdate{Symbol: "BTC/USDT", Price: 100, Timestamp: &ts}))

	pair, err := m.FetchTicker(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.InDelta(t, 100, pair.Bid, 1e-9, "bid defaults to last")
	assert.InDelta(t, 100, pair.Ask, 1e-9, "ask defaults to last")
	assert.Zero(t, pair.BidVolume)
	assert.Zero(t, pair.AskVolume)
}

func TestMarketFetchTickerMalformed(t *testing.T) {
	m, store := newMarket()
	ctx := context.Background()
	require.NoError(t, store.HSet(ctx, "sym_BTC/USDT", map[string]string{"price": "x", "timestamp": "1"}))

	pair, err := m.FetchTicker(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, pair, "malformed records are treated as absent")
}

func TestMarketSymbols(t *testing.T) {
	m, _ := newMarket()
	ctx := context.Background()
	for _, sym := range []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"} {
		require.NoError(t, m.SetLastPrice(ctx, TickerUpdate{Symbol: sym, Price: 1}))
	}

	symbols, err := m.Symbols(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, symbols)

	ok, err := m.HasSymbol(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.HasSymbol(ctx, "DOGE/USDT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarketPartialUpdatePreservesFields(t *testing.T) {
	m, _ := newMarket()
	ctx := context.Background()
	ts := 1.0
	bv := 7.0
	require.NoError(t, m.SetLastPrice(ctx, TickerUpdate{Symbol: "BTC/USDT", Price: 100, Timestamp: &ts, BidVolume: &bv}))

	ts2 := 2.0
	require.NoError(t, m.SetLastPrice(ctx, TickerUpdate{Symbol: "BTC/USDT", Price: 110, Timestamp: &ts2}))

	pair, err := m.FetchTicker(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.InDelta(t, 110, pair.Price, 1e-9)
	assert.InDelta(t, 7, pair.BidVolume, 1e-9, "omitted fields keep their stored value")
}
