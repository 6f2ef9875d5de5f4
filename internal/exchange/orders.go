package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"mockexchange/internal/kv"
	apperrors "mockexchange/pkg/errors"
)

const (
	keyOrders        = "orders"
	keyOpenAll       = "open:set"
	openSymKeyPrefix = "open:"
)

func openSymKey(symbol string) string { return openSymKeyPrefix + symbol }

// OrderStore owns the `orders` hash (id to JSON record) and the two
// open-order secondary indexes (`open:set` and `open:<SYMBOL>`). Add inserts
// into the indexes for open orders; Update deliberately does not touch them,
// the engine removes ids from the indexes when it closes an order.
type OrderStore struct {
	store kv.Store
}

func NewOrderStore(store kv.Store) *OrderStore {
	return &OrderStore{store: store}
}

// Add writes the record and, when the order is open, inserts it into both
// open indexes in the same atomic batch.
func (s *OrderStore) Add(ctx context.Context, o *Order) error {
	blob, err := o.toJSON()
	if err != nil {
		return err
	}
	return s.store.Pipeline(ctx, func(p kv.Pipe) {
		p.HSet(keyOrders, map[string]string{o.ID: blob})
		if o.Status.IsOpen() {
			p.SAdd(keyOpenAll, o.ID)
			p.SAdd(openSymKey(o.Symbol), o.ID)
		}
	})
}

// Update overwrites the record with its embedded history. Index consistency
// is the caller's duty.
func (s *OrderStore) Update(ctx context.Context, o *Order) error {
	blob, err := o.toJSON()
	if err != nil {
		return err
	}
	return s.store.HSet(ctx, keyOrders, map[string]string{o.ID: blob})
}

// UpdateClosed overwrites the record and removes the id from both open
// indexes in one atomic batch; used by the engine on every transition to a
// terminal status.
func (s *OrderStore) UpdateClosed(ctx context.Context, o *Order) error {
	blob, err := o.toJSON()
	if err != nil {
		return err
	}
	return s.store.Pipeline(ctx, func(p kv.Pipe) {
		p.HSet(keyOrders, map[string]string{o.ID: blob})
		p.SRem(keyOpenAll, o.ID)
		p.SRem(openSymKey(o.Symbol), o.ID)
	})
}

// Get returns the stored order or ErrNotFound. Without includeHistory the
// transition log is stripped from the returned copy.
func (s *OrderStore) Get(ctx context.Context, id string, includeHistory bool) (*Order, error) {
	raw, ok, err := s.store.HGet(ctx, keyOrders, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: order %s", apperrors.ErrNotFound, id)
	}
	o, err := orderFromJSON(raw)
	if err != nil {
		return nil, err
	}
	if !includeHistory {
		o.History = nil
	}
	return o, nil
}

// ListFilter narrows List results. An empty status set means all statuses.
type ListFilter struct {
	Statuses       []Status
	Symbol         string
	Side           Side
	Tail           int
	IncludeHistory bool
}

func allOpen(statuses []Status) bool {
	if len(statuses) == 0 {
		return false
	}
	for _, st := range statuses {
		if !st.IsOpen() {
			return false
		}
	}
	return true
}

// List returns matching orders sorted by ts_update descending. When the
// requested statuses are all open the open indexes are used instead of a
// full hash scan.
func (s *OrderStore) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	var orders []*Order
	var err error
	if allOpen(f.Statuses) {
		orders, err = s.listOpen(ctx, f)
	} else {
		orders, err = s.listScan(ctx, f)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(orders, func(i, j int) bool {
		if orders[i].TsUpdate != orders[j].TsUpdate {
			return orders[i].TsUpdate > orders[j].TsUpdate
		}
		return orders[i].ID > orders[j].ID
	})
	if f.Tail > 0 && len(orders) > f.Tail {
		orders = orders[:f.Tail]
	}
	if !f.IncludeHistory {
		for _, o := range orders {
			o.History = nil
		}
	}
	return orders, nil
}

func (s *OrderStore) listOpen(ctx context.Context, f ListFilter) ([]*Order, error) {
	indexKey := keyOpenAll
	if f.Symbol != "" {
		indexKey = openSymKey(f.Symbol)
	}
	ids, err := s.store.SMembers(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := s.store.HGet(ctx, keyOrders, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		o, err := orderFromJSON(raw)
		if err != nil {
			return nil, err
		}
		if !matchFilter(o, f) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *OrderStore) listScan(ctx context.Context, f ListFilter) ([]*Order, error) {
	h, err := s.store.HGetAll(ctx, keyOrders)
	if err != nil {
		return nil, err
	}
	out := make([]*Order, 0, len(h))
	for _, raw := range h {
		o, err := orderFromJSON(raw)
		if err != nil {
			return nil, err
		}
		if !matchFilter(o, f) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func matchFilter(o *Order, f ListFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if o.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	return true
}

// Remove deletes the record and, if it was open, its index entries.
func (s *OrderStore) Remove(ctx context.Context, id string) error {
	o, err := s.Get(ctx, id, false)
	if err != nil {
		return err
	}
	return s.store.Pipeline(ctx, func(p kv.Pipe) {
		p.HDel(keyOrders, id)
		if o.Status.IsOpen() {
			p.SRem(keyOpenAll, id)
			p.SRem(openSymKey(o.Symbol), id)
		}
	})
}

// OpenCount returns the number of open orders for symbol, or for all symbols
// when symbol is empty.
func (s *OrderStore) OpenCount(ctx context.Context, symbol string) (int, error) {
	key := keyOpenAll
	if symbol != "" {
		key = openSymKey(symbol)
	}
	ids, err := s.store.SMembers(ctx, key)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Clear deletes the orders hash and every open-index set.
func (s *OrderStore) Clear(ctx context.Context) error {
	keys, err := s.store.Keys(ctx, openSymKeyPrefix+"*")
	if err != nil {
		return err
	}
	toDelete := []string{keyOrders}
	for _, k := range keys {
		if strings.HasPrefix(k, openSymKeyPrefix) {
			toDelete = append(toDelete, k)
		}
	}
	return s.store.Unlink(ctx, toDelete...)
}
