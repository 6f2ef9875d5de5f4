package exchange

import (
	"context"
	"errors"
	"math"

	apperrors "mockexchange/pkg/errors"
)

// summaryEps is the cash-unit tolerance of the portfolio-vs-orders frozen
// value comparison.
const summaryEps = 1e-3

// AssetsSummary values the whole portfolio in cash-asset units against a
// single frozen price snapshot, next to the matching reserved-from-orders
// view.
type AssetsSummary struct {
	AssetsFreeValue   float64 `json:"assets_free_value"`
	AssetsFrozenValue float64 `json:"assets_frozen_value"`
	AssetsTotalValue  float64 `json:"assets_total_value"`
	CashFreeValue     float64 `json:"cash_free_value"`
	CashFrozenValue   float64 `json:"cash_frozen_value"`
	CashTotalValue    float64 `json:"cash_total_value"`
	TotalFreeValue    float64 `json:"total_free_value"`
	TotalFrozenValue  float64 `json:"total_frozen_value"`
	TotalEquity       float64 `json:"total_equity"`

	OrdersAssetsFrozenValue float64 `json:"orders_assets_frozen_value"`
	OrdersCashFrozenValue   float64 `json:"orders_cash_frozen_value"`

	Mismatch map[string]bool `json:"mismatch"`
}

// priceSnapshot resolves every needed symbol once so all valuations in one
// summary share the same instant. Missing symbols price at 0.
func (e *Engine) priceSnapshot(ctx context.Context, symbols map[string]struct{}) (map[string]float64, error) {
	prices := make(map[string]float64, len(symbols))
	for sym := range symbols {
		px, err := e.market.LastPrice(ctx, sym)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				e.log.Warn("No price for symbol in summary, valuing at 0", "symbol", sym)
				prices[sym] = 0
				continue
			}
			return nil, err
		}
		prices[sym] = px
	}
	return prices, nil
}

func (e *Engine) cashSymbol(asset string) string {
	return asset + "/" + e.cfg.CashAsset
}

// SummaryAssets computes the equity overview: portfolio values
// split into cash and non-cash rails, plus the frozen values implied by the
// open orders' residual reservations, with a per-rail mismatch flag.
func (e *Engine) SummaryAssets(ctx context.Context) (*AssetsSummary, error) {
	bals, err := e.portfolio.All(ctx)
	if err != nil {
		return nil, err
	}
	open, err := e.orders.List(ctx, ListFilter{Statuses: OpenStatuses})
	if err != nil {
		return nil, err
	}

	cash := e.cfg.CashAsset
	need := map[string]struct{}{}
	for asset := range bals {
		if asset != cash {
			need[e.cashSymbol(asset)] = struct{}{}
		}
	}
	for _, o := range open {
		base, quote, err := SplitSymbol(o.Symbol)
		if err != nil {
			return nil, err
		}
		if base != cash {
			need[e.cashSymbol(base)] = struct{}{}
		}
		if quote != cash {
			need[e.cashSymbol(quote)] = struct{}{}
		}
	}
	prices, err := e.priceSnapshot(ctx, need)
	if err != nil {
		return nil, err
	}
	// Value of one unit of an asset in cash units.
	value := func(asset string) float64 {
		if asset == cash {
			return 1
		}
		return prices[e.cashSymbol(asset)]
	}

	s := &AssetsSummary{Mismatch: map[string]bool{}}
	for asset, bal := range bals {
		if asset == cash {
			s.CashFreeValue += bal.Free
			s.CashFrozenValue += bal.Used
		} else {
			px := value(asset)
			s.AssetsFreeValue += bal.Free * px
			s.AssetsFrozenValue += bal.Used * px
		}
	}
	s.AssetsTotalValue = s.AssetsFreeValue + s.AssetsFrozenValue
	s.CashTotalValue = s.CashFreeValue + s.CashFrozenValue
	s.TotalFreeValue = s.AssetsFreeValue + s.CashFreeValue
	s.TotalFrozenValue = s.AssetsFrozenValue + s.CashFrozenValue
	s.TotalEquity = s.TotalFreeValue + s.TotalFrozenValue

	for _, o := range open {
		base, quote, err := SplitSymbol(o.Symbol)
		if err != nil {
			return nil, err
		}
		if o.Side == SideSell {
			rb := o.ResidualBase() * value(base)
			if base == cash {
				s.OrdersCashFrozenValue += rb
			} else {
				s.OrdersAssetsFrozenValue += rb
			}
		}
		rq := o.ResidualQuote() * value(quote)
		if quote == cash {
			s.OrdersCashFrozenValue += rq
		} else {
			s.OrdersAssetsFrozenValue += rq
		}
	}

	s.Mismatch["assets_frozen_value"] = math.Abs(s.AssetsFrozenValue-s.OrdersAssetsFrozenValue) > summaryEps
	s.Mismatch["cash_frozen_value"] = math.Abs(s.CashFrozenValue-s.OrdersCashFrozenValue) > summaryEps
	return s, nil
}

// CapitalSummary is the aggregated deposits-vs-equity view.
type CapitalSummary struct {
	Equity      float64 `json:"equity"`
	Deposits    float64 `json:"deposits"`
	Withdrawals float64 `json:"withdrawals"`
	ProfitLoss  float64 `json:"profit_loss"`
}

// CapitalBreakdown is the raw per-asset view of the investment accounts.
type CapitalBreakdown struct {
	Equity      float64                      `json:"equity"`
	Deposits    map[string]InvestmentAccount `json:"deposits"`
	Withdrawals map[string]InvestmentAccount `json:"withdrawals"`
}

// SummaryCapital aggregates invested capital and current equity into a
// profit/loss figure. All values are in cash-asset units.
func (e *Engine) SummaryCapital(ctx context.Context) (*CapitalSummary, error) {
	assets, err := e.SummaryAssets(ctx)
	if err != nil {
		return nil, err
	}
	deposits, err := e.stats.Deposits(ctx)
	if err != nil {
		return nil, err
	}
	withdrawals, err := e.stats.Withdrawals(ctx)
	if err != nil {
		return nil, err
	}
	var depTotal, wdTotal float64
	for _, acc := range deposits {
		depTotal += acc.RefValue
	}
	for _, acc := range withdrawals {
		wdTotal += acc.RefValue
	}
	return &CapitalSummary{
		Equity:      assets.TotalEquity,
		Deposits:    depTotal,
		Withdrawals: wdTotal,
		ProfitLoss:  assets.TotalEquity - (depTotal - wdTotal),
	}, nil
}

// CapitalDetail returns the per-asset breakdown instead of the aggregate.
func (e *Engine) CapitalDetail(ctx context.Context) (*CapitalBreakdown, error) {
	assets, err := e.SummaryAssets(ctx)
	if err != nil {
		return nil, err
	}
	deposits, err := e.stats.Deposits(ctx)
	if err != nil {
		return nil, err
	}
	withdrawals, err := e.stats.Withdrawals(ctx)
	if err != nil {
		return nil, err
	}
	return &CapitalBreakdown{
		Equity:      assets.TotalEquity,
		Deposits:    deposits,
		Withdrawals: withdrawals,
	}, nil
}
