// Package client is a typed Go client for the mockexchange HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mockexchange/internal/exchange"
	apihttp "mockexchange/pkg/http"
)

// Client talks to a running mockexchange server. All transport-level
// resilience (retry, circuit breaking) comes from pkg/http.
type Client struct {
	http *apihttp.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{http: apihttp.NewClient(baseURL, timeout)}
}

func decode[T any](raw []byte, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

// Tickers returns every known market snapshot keyed by symbol.
func (c *Client) Tickers(ctx context.Context) (map[string]*exchange.TradingPair, error) {
	return decode[map[string]*exchange.TradingPair](c.http.Get(ctx, "/tickers", nil))
}

// Ticker returns the snapshot for one symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (*exchange.TradingPair, error) {
	return decode[*exchange.TradingPair](c.http.Get(ctx, "/tickers/"+symbol, nil))
}

// SetTicker updates the market snapshot of an existing symbol.
func (c *Client) SetTicker(ctx context.Context, req exchange.SetTickerRequest) (*exchange.TradingPair, error) {
	return decode[*exchange.TradingPair](c.http.Post(ctx, "/admin/ticker", req))
}

// Balances returns every non-deleted balance keyed by asset.
func (c *Client) Balances(ctx context.Context) (map[string]exchange.BalanceView, error) {
	return decode[map[string]exchange.BalanceView](c.http.Get(ctx, "/balance", nil))
}

// Balance returns the balance of one asset; unknown assets read as zero.
func (c *Client) Balance(ctx context.Context, asset string) (exchange.BalanceView, error) {
	return decode[exchange.BalanceView](c.http.Get(ctx, "/balance", map[string]string{"asset": asset}))
}

// CreateOrder submits an order and returns its initial persisted state.
func (c *Client) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (*exchange.Order, error) {
	return decode[*exchange.Order](c.http.Post(ctx, "/orders", req))
}

// Order fetches one order by id.
func (c *Client) Order(ctx context.Context, id string) (*exchange.Order, error) {
	return decode[*exchange.Order](c.http.Get(ctx, "/orders/"+id, nil))
}

// Orders lists orders filtered by the given query parameters (status,
// symbol, side, tail).
func (c *Client) Orders(ctx context.Context, params map[string]string) ([]*exchange.Order, error) {
	return decode[[]*exchange.Order](c.http.Get(ctx, "/orders", params))
}

// CancelOrder cancels an open order and returns the freed reservations.
func (c *Client) CancelOrder(ctx context.Context, id string) (*exchange.CancelResult, error) {
	return decode[*exchange.CancelResult](c.http.Delete(ctx, "/orders/"+id, nil))
}

type canExecuteRequest struct {
	Symbol string        `json:"symbol"`
	Side   exchange.Side `json:"side"`
	Amount float64       `json:"amount"`
	Price  *float64      `json:"price,omitempty"`
}

// CanExecute checks whether an order of the given shape could be funded
// right now.
func (c *Client) CanExecute(ctx context.Context, symbol string, side exchange.Side, amount float64, price *float64) (exchange.CanExecuteResult, error) {
	return decode[exchange.CanExecuteResult](c.http.Post(ctx, "/orders/can_execute", canExecuteRequest{
		Symbol: symbol,
		Side:   side,
		Amount: amount,
		Price:  price,
	}))
}

type fundsRequest struct {
	Asset  string  `json:"asset"`
	Amount float64 `json:"amount"`
}

// Deposit credits free funds.
func (c *Client) Deposit(ctx context.Context, asset string, amount float64) (exchange.BalanceView, error) {
	return decode[exchange.BalanceView](c.http.Post(ctx, "/admin/deposit", fundsRequest{Asset: asset, Amount: amount}))
}

// Withdraw debits free funds.
func (c *Client) Withdraw(ctx context.Context, asset string, amount float64) (exchange.BalanceView, error) {
	return decode[exchange.BalanceView](c.http.Post(ctx, "/admin/withdraw", fundsRequest{Asset: asset, Amount: amount}))
}

// Reset wipes balances, orders and trade counters. Tickers survive.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.http.Post(ctx, "/admin/reset", nil)
	return err
}

// Capital returns the profit/loss summary.
func (c *Client) Capital(ctx context.Context) (*exchange.CapitalSummary, error) {
	return decode[*exchange.CapitalSummary](c.http.Get(ctx, "/capital", nil))
}

// Assets returns the portfolio valuation summary.
func (c *Client) Assets(ctx context.Context) (*exchange.AssetsSummary, error) {
	return decode[*exchange.AssetsSummary](c.http.Get(ctx, "/assets", nil))
}

// TradeStats returns fill counters grouped by side.
func (c *Client) TradeStats(ctx context.Context, params map[string]string) (map[exchange.Side]exchange.SideTradeStats, error) {
	return decode[map[exchange.Side]exchange.SideTradeStats](c.http.Get(ctx, "/trades/stats", params))
}
