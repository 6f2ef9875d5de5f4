package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"mockexchange/internal/core"
	"mockexchange/internal/kv"
	apperrors "mockexchange/pkg/errors"
)

const tickerKeyPrefix = "sym_"

func tickerKey(symbol string) string { return tickerKeyPrefix + symbol }

// MarketStore reads and writes the per-symbol ticker hashes (`sym_<SYMBOL>`).
// The engine only consumes snapshots; ticker feed producers write the same
// hashes from outside.
type MarketStore struct {
	store kv.Store
	log   core.ILogger
}

func NewMarketStore(store kv.Store, logger core.ILogger) *MarketStore {
	return &MarketStore{store: store, log: logger.WithField("component", "market")}
}

// LastPrice returns the last traded price for symbol.
func (m *MarketStore) LastPrice(ctx context.Context, symbol string) (float64, error) {
	raw, ok, err := m.store.HGet(ctx, tickerKey(symbol), "price")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: ticker %s", apperrors.ErrNotFound, symbol)
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: ticker %s has malformed price %q", apperrors.ErrStorage, symbol, raw)
	}
	return price, nil
}

// FetchTicker returns the snapshot for symbol, or nil when the symbol is
// unknown. A malformed record is logged and treated as absent so callers can
// keep going.
func (m *MarketStore) FetchTicker(ctx context.Context, symbol string) (*TradingPair, error) {
	h, err := m.store.HGetAll(ctx, tickerKey(symbol))
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}

	price, perr := strconv.ParseFloat(h["price"], 64)
	ts, terr := strconv.ParseFloat(h["timestamp"], 64)
	if perr != nil || terr != nil {
		m.log.Warn("Malformed ticker record", "symbol", symbol, "record", h)
		return nil, nil
	}

	pair := &TradingPair{
		Symbol:    symbol,
		Price:     price,
		Timestamp: ts,
		Bid:       price,
		Ask:       price,
	}
	if v, err := strconv.ParseFloat(h["bid"], 64); err == nil {
		pair.Bid = v
	}
	if v, err := strconv.ParseFloat(h["ask"], 64); err == nil {
		pair.Ask = v
	}
	if v, err := strconv.ParseFloat(h["bid_volume"], 64); err == nil {
		pair.BidVolume = v
	}
	if v, err := strconv.ParseFloat(h["ask_volume"], 64); err == nil {
		pair.AskVolume = v
	}
	return pair, nil
}

// TickerUpdate carries the fields of a ticker write; nil optional fields are
// left untouched in the stored hash.
type TickerUpdate struct {
	Symbol    string
	Price     float64
	Timestamp *float64
	Bid       *float64
	Ask       *float64
	BidVolume *float64
	AskVolume *float64
}

// SetLastPrice writes all provided fields of the snapshot atomically.
func (m *MarketStore) SetLastPrice(ctx context.Context, u TickerUpdate) error {
	fields := map[string]string{
		"price": formatFloat(u.Price),
	}
	if u.Timestamp != nil {
		fields["timestamp"] = formatFloat(*u.Timestamp)
	}
	if u.Bid != nil {
		fields["bid"] = formatFloat(*u.Bid)
	}
	if u.Ask != nil {
		fields["ask"] = formatFloat(*u.Ask)
	}
	if u.BidVolume != nil {
		fields["bid_volume"] = formatFloat(*u.BidVolume)
	}
	if u.AskVolume != nil {
		fields["ask_volume"] = formatFloat(*u.AskVolume)
	}
	return m.store.HSet(ctx, tickerKey(u.Symbol), fields)
}

// Symbols lists every symbol with a ticker hash.
func (m *MarketStore) Symbols(ctx context.Context) ([]string, error) {
	keys, err := m.store.Keys(ctx, tickerKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, tickerKeyPrefix))
	}
	return out, nil
}

// HasSymbol reports whether a ticker hash exists for symbol.
func (m *MarketStore) HasSymbol(ctx context.Context, symbol string) (bool, error) {
	_, ok, err := m.store.HGet(ctx, tickerKey(symbol), "price")
	return ok, err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
