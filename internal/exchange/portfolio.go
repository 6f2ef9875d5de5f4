package exchange

import (
	"context"
	"encoding/json"
	"fmt"

	"mockexchange/internal/kv"
	apperrors "mockexchange/pkg/errors"
)

const keyPortfolio = "portfolio"

// dustRatio: after a release, a used/free ratio below this is treated as
// floating-point residue and snapped to zero.
const dustRatio = 1e-10

// PortfolioStore owns the per-asset (free, used) balances in the `portfolio`
// hash, including the reserve/release ledger backing order bookings.
type PortfolioStore struct {
	store kv.Store
}

func NewPortfolioStore(store kv.Store) *PortfolioStore {
	return &PortfolioStore{store: store}
}

// Get returns the balance for asset, defaulting to zero when absent.
func (p *PortfolioStore) Get(ctx context.Context, asset string) (AssetBalance, error) {
	raw, ok, err := p.store.HGet(ctx, keyPortfolio, asset)
	if err != nil {
		return AssetBalance{}, err
	}
	if !ok {
		return AssetBalance{Asset: asset}, nil
	}
	var bal AssetBalance
	if err := json.Unmarshal([]byte(raw), &bal); err != nil {
		return AssetBalance{}, fmt.Errorf("%w: decode balance %s: %v", apperrors.ErrStorage, asset, err)
	}
	return bal, nil
}

// Set persists the balance as one write.
func (p *PortfolioStore) Set(ctx context.Context, bal AssetBalance) error {
	blob, err := json.Marshal(bal)
	if err != nil {
		return fmt.Errorf("%w: encode balance %s: %v", apperrors.ErrStorage, bal.Asset, err)
	}
	return p.store.HSet(ctx, keyPortfolio, map[string]string{bal.Asset: string(blob)})
}

// All returns every stored balance keyed by asset.
func (p *PortfolioStore) All(ctx context.Context) (map[string]AssetBalance, error) {
	h, err := p.store.HGetAll(ctx, keyPortfolio)
	if err != nil {
		return nil, err
	}
	out := make(map[string]AssetBalance, len(h))
	for asset, raw := range h {
		var bal AssetBalance
		if err := json.Unmarshal([]byte(raw), &bal); err != nil {
			return nil, fmt.Errorf("%w: decode balance %s: %v", apperrors.ErrStorage, asset, err)
		}
		out[asset] = bal
	}
	return out, nil
}

// Clear removes all portfolio records.
func (p *PortfolioStore) Clear(ctx context.Context) error {
	return p.store.Unlink(ctx, keyPortfolio)
}

// Reserve moves qty from free to used, failing when free is short.
func (p *PortfolioStore) Reserve(ctx context.Context, asset string, qty float64) error {
	bal, err := p.Get(ctx, asset)
	if err != nil {
		return err
	}
	if bal.Free < qty {
		return fmt.Errorf("%w: insufficient %s to reserve", apperrors.ErrInsufficientFunds, asset)
	}
	bal.Free -= qty
	bal.Used += qty
	return p.Set(ctx, bal)
}

// Release moves min(qty, used) back from used to free and returns the amount
// actually released. Cancellation paths may ask for slightly more than is
// still reserved because of rounding; the clamp guarantees used ends at 0 in
// that case. Sub-dust leftovers in used are snapped to 0.
func (p *PortfolioStore) Release(ctx context.Context, asset string, qty float64) (float64, error) {
	bal, err := p.Get(ctx, asset)
	if err != nil {
		return 0, err
	}
	if bal.Used < qty {
		qty = bal.Used
	}
	bal.Used -= qty
	bal.Free += qty
	if bal.Free > 0 && bal.Used/bal.Free < dustRatio {
		bal.Used = 0
	}
	if err := p.Set(ctx, bal); err != nil {
		return 0, err
	}
	return qty, nil
}
