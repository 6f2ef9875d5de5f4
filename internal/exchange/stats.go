package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"mockexchange/internal/kv"
	apperrors "mockexchange/pkg/errors"
)

const (
	depositsIndexKey    = "deposits:index"
	withdrawalsIndexKey = "withdrawals:index"
)

var statMetrics = []string{"count", "amount", "notional", "fee"}

func tradeKey(side Side, base, metric string) string {
	return fmt.Sprintf("trades:%s:%s:%s", side, base, metric)
}

func tradeIndexKey(metric string) string {
	return "trades:index:" + metric
}

// StatsStore owns the trade counters and the deposit/withdrawal investment
// accounts.
//
// Counters live in hashes `trades:<side>:<base>:<metric>` keyed by quote
// (fee is keyed by the fee currency); the `trades:index:<metric>` sets
// enumerate the hashes so reads never need a key scan. Investment accounts
// live in `deposits:<asset>` / `withdrawals:<asset>` with matching index
// sets.
type StatsStore struct {
	store kv.Store
}

func NewStatsStore(store kv.Store) *StatsStore {
	return &StatsStore{store: store}
}

// RecordFill bumps the trade counters for one fill as a single atomic batch.
// The count counter is only bumped on the order's first fill.
func (s *StatsStore) RecordFill(ctx context.Context, o *Order, amount, notion, fee float64, firstFill bool) error {
	base, quote, err := SplitSymbol(o.Symbol)
	if err != nil {
		return err
	}
	return s.store.Pipeline(ctx, func(p kv.Pipe) {
		if firstFill {
			p.HIncrByFloat(tradeKey(o.Side, base, "count"), quote, 1)
			p.SAdd(tradeIndexKey("count"), tradeKey(o.Side, base, "count"))
		}
		p.HIncrByFloat(tradeKey(o.Side, base, "amount"), quote, amount)
		p.HIncrByFloat(tradeKey(o.Side, base, "notional"), quote, notion)
		p.HIncrByFloat(tradeKey(o.Side, base, "fee"), o.FeeCurrency, fee)
		p.SAdd(tradeIndexKey("amount"), tradeKey(o.Side, base, "amount"))
		p.SAdd(tradeIndexKey("notional"), tradeKey(o.Side, base, "notional"))
		p.SAdd(tradeIndexKey("fee"), tradeKey(o.Side, base, "fee"))
	})
}

// SideTradeStats aggregates one side's counters.
type SideTradeStats struct {
	Count    float64 `json:"count"`
	Amount   float64 `json:"amount"`
	Notional float64 `json:"notional"`
	Fee      float64 `json:"fee"`
}

// TradeStats returns counters grouped by side. A non-empty side restricts the
// result to that side; a non-empty assets list restricts it to those base
// assets.
func (s *StatsStore) TradeStats(ctx context.Context, side Side, assets []string) (map[Side]SideTradeStats, error) {
	wantBase := map[string]bool{}
	for _, a := range assets {
		wantBase[a] = true
	}

	out := map[Side]SideTradeStats{}
	for _, want := range []Side{SideBuy, SideSell} {
		if side != "" && side != want {
			continue
		}
		out[want] = SideTradeStats{}
	}

	for _, metric := range statMetrics {
		keys, err := s.store.SMembers(ctx, tradeIndexKey(metric))
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			keySide, keyBase, keyMetric, ok := parseTradeKey(key)
			if !ok || keyMetric != metric {
				continue
			}
			stats, found := out[keySide]
			if !found {
				continue
			}
			if len(wantBase) > 0 && !wantBase[keyBase] {
				continue
			}
			h, err := s.store.HGetAll(ctx, key)
			if err != nil {
				return nil, err
			}
			for _, raw := range h {
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return nil, fmt.Errorf("%w: malformed counter in %s: %v", apperrors.ErrStorage, key, err)
				}
				switch metric {
				case "count":
					stats.Count += v
				case "amount":
					stats.Amount += v
				case "notional":
					stats.Notional += v
				case "fee":
					stats.Fee += v
				}
			}
			out[keySide] = stats
		}
	}
	return out, nil
}

func parseTradeKey(key string) (side Side, base, metric string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "trades" {
		return "", "", "", false
	}
	side = Side(parts[1])
	if !side.Valid() {
		return "", "", "", false
	}
	return side, parts[2], parts[3], true
}

// InvestmentAccount tracks cumulative deposits or withdrawals of one asset,
// valued in cash-asset units at the time of each movement.
type InvestmentAccount struct {
	RefSymbol     string  `json:"ref_symbol"`
	AssetQuantity float64 `json:"asset_quantity"`
	RefValue      float64 `json:"ref_value"`
}

func accountKey(indexKey, asset string) string {
	return strings.TrimSuffix(indexKey, ":index") + ":" + asset
}

func (s *StatsStore) recordMovement(ctx context.Context, indexKey, asset, refSymbol string, qty, refValue float64) error {
	key := accountKey(indexKey, asset)
	return s.store.Pipeline(ctx, func(p kv.Pipe) {
		p.HSet(key, map[string]string{"ref_symbol": refSymbol})
		p.HIncrByFloat(key, "asset_quantity", qty)
		p.HIncrByFloat(key, "ref_value", refValue)
		p.SAdd(indexKey, asset)
	})
}

// RecordDeposit accumulates a deposit into the asset's investment account.
func (s *StatsStore) RecordDeposit(ctx context.Context, asset, refSymbol string, qty, refValue float64) error {
	return s.recordMovement(ctx, depositsIndexKey, asset, refSymbol, qty, refValue)
}

// RecordWithdrawal accumulates a withdrawal into the asset's account.
func (s *StatsStore) RecordWithdrawal(ctx context.Context, asset, refSymbol string, qty, refValue float64) error {
	return s.recordMovement(ctx, withdrawalsIndexKey, asset, refSymbol, qty, refValue)
}

func (s *StatsStore) accounts(ctx context.Context, indexKey string) (map[string]InvestmentAccount, error) {
	assets, err := s.store.SMembers(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]InvestmentAccount, len(assets))
	for _, asset := range assets {
		h, err := s.store.HGetAll(ctx, accountKey(indexKey, asset))
		if err != nil {
			return nil, err
		}
		acc := InvestmentAccount{RefSymbol: h["ref_symbol"]}
		if v, err := strconv.ParseFloat(h["asset_quantity"], 64); err == nil {
			acc.AssetQuantity = v
		}
		if v, err := strconv.ParseFloat(h["ref_value"], 64); err == nil {
			acc.RefValue = v
		}
		out[asset] = acc
	}
	return out, nil
}

// Deposits returns every deposit account keyed by asset.
func (s *StatsStore) Deposits(ctx context.Context) (map[string]InvestmentAccount, error) {
	return s.accounts(ctx, depositsIndexKey)
}

// Withdrawals returns every withdrawal account keyed by asset.
func (s *StatsStore) Withdrawals(ctx context.Context) (map[string]InvestmentAccount, error) {
	return s.accounts(ctx, withdrawalsIndexKey)
}

// ClearAll removes all counters, accounts and their indexes.
func (s *StatsStore) ClearAll(ctx context.Context) error {
	var toDelete []string
	for _, prefix := range []string{"trades:", "deposits:", "withdrawals:"} {
		keys, err := s.store.Keys(ctx, prefix+"*")
		if err != nil {
			return err
		}
		toDelete = append(toDelete, keys...)
	}
	if len(toDelete) == 0 {
		return nil
	}
	return s.store.Unlink(ctx, toDelete...)
}
