package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mockexchange/internal/config"
	"mockexchange/internal/exchange"
	"mockexchange/internal/infrastructure/health"
	"mockexchange/internal/kv"
	"mockexchange/pkg/logging"
)

func fptr(v float64) *float64 { return &v }

type testEnv struct {
	ts     *httptest.Server
	srv    *Server
	checks *health.Manager
}

func newTestEnv(t *testing.T, mutate func(*config.ServerConfig)) *testEnv {
	t.Helper()

	logger := logging.NewNopLogger()
	store := kv.NewMemoryStore()
	hub := NewHub(logger)

	eng := exchange.NewEngine(store, exchange.Config{
		Commission: 0.001,
		CashAsset:  "USDT",
		MinSettle:  time.Millisecond,
		MaxSettle:  2 * time.Millisecond,
	}, logger,
		exchange.WithRand(rand.New(rand.NewSource(1))),
		exchange.WithEventSink(hub),
	)

	ctx := context.Background()
	now := float64(time.Now().UnixMilli())
	require.NoError(t, eng.Market().SetLastPrice(ctx, exchange.TickerUpdate{
		Symbol:    "BTC/USDT",
		Price:     50000,
		Timestamp: &now,
		Bid:       fptr(49990),
		Ask:       fptr(50010),
		BidVolume: fptr(1e6),
		AskVolume: fptr(1e6),
	}))

	d := exchange.NewDispatcher(eng, logger)
	runCtx, cancel := context.WithCancel(context.Background())
	dispDone := make(chan struct{})
	hubDone := make(chan struct{})
	go func() {
		defer close(dispDone)
		_ = d.Run(runCtx)
	}()
	go func() {
		defer close(hubDone)
		_ = hub.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-dispDone
		<-hubDone
	})

	checks := health.NewManager(nil)
	checks.Register("store", func() error { return store.Ping(context.Background()) })

	cfg := config.ServerConfig{
		Addr:           ":0",
		AllowedOrigins: []string{"*"},
		MaxConnections: 10,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg, d, hub, checks, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, srv: srv, checks: checks}
}

// do sends a JSON request and decodes the response into out when non-nil.
func (e *testEnv) do(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestTickersEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	var all map[string]*exchange.TradingPair
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/tickers", nil, &all))
	require.Contains(t, all, "BTC/USDT")
	assert.InDelta(t, 50000, all["BTC/USDT"].Price, 1e-9)

	var pair exchange.TradingPair
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/tickers/BTC/USDT", nil, &pair))
	assert.Equal(t, "BTC/USDT", pair.Symbol)
	assert.InDelta(t, 50010, pair.Ask, 1e-9)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/tickers/ETH/USDT", nil, nil))
}

func TestSetTickerEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	var pair exchange.TradingPair
	status := env.do(t, http.MethodPost, "/admin/ticker", map[string]interface{}{
		"symbol": "BTC/USDT",
		"price":  51000.0,
	}, &pair)
	require.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 51000, pair.Price, 1e-9)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/admin/ticker", map[string]interface{}{
		"symbol": "ETH/USDT",
		"price":  3000.0,
	}, nil))
}

func TestMarketOrderLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	var bal exchange.BalanceView
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/admin/deposit",
		fundsBody{Asset: "USDT", Amount: 10000}, &bal))
	assert.InDelta(t, 10000, bal.Total, 1e-9)

	var o exchange.Order
	status := env.do(t, http.MethodPost, "/orders", exchange.CreateOrderRequest{
		Symbol: "BTC/USDT",
		Side:   exchange.SideBuy,
		Type:   exchange.TypeMarket,
		Amount: 0.1,
	}, &o)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, o.ID)
	assert.Equal(t, exchange.StatusNew, o.Status)

	require.Eventually(t, func() bool {
		var got exchange.Order
		if env.do(t, http.MethodGet, "/orders/"+o.ID, nil, &got) != http.StatusOK {
			return false
		}
		return got.Status == exchange.StatusFilled
	}, 2*time.Second, 5*time.Millisecond, "Market order should settle")

	// Fill at the ask, fee in quote.
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/balance?asset=BTC", nil, &bal))
	assert.InDelta(t, 0.1, bal.Free, 1e-9)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/balance?asset=USDT", nil, &bal))
	assert.InDelta(t, 10000-0.1*50010*1.001, bal.Free, 1e-6)
	assert.InDelta(t, 0, bal.Used, 1e-9)

	var filled []*exchange.Order
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/orders?status=filled", nil, &filled))
	require.Len(t, filled, 1)
	assert.Equal(t, o.ID, filled[0].ID)

	// Closed orders cannot be canceled.
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodDelete, "/orders/"+o.ID, nil, nil))
}

func TestLimitOrderCancelOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/admin/deposit",
		fundsBody{Asset: "USDT", Amount: 10000}, nil))

	var o exchange.Order
	status := env.do(t, http.MethodPost, "/orders", exchange.CreateOrderRequest{
		Symbol:     "BTC/USDT",
		Side:       exchange.SideBuy,
		Type:       exchange.TypeLimit,
		Amount:     0.1,
		LimitPrice: fptr(40000),
	}, &o)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, exchange.StatusNew, o.Status)

	var res exchange.CancelResult
	require.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/orders/"+o.ID, nil, &res))
	assert.Equal(t, exchange.StatusCanceled, res.CanceledOrder.Status)
	assert.InDelta(t, 40000*0.1*1.001, res.Freed["USDT"], 1e-6)

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodDelete, "/orders/"+o.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/orders/0000000000=zzzzzz", nil, nil))
}

func TestOrderValidationOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	// Malformed body.
	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/orders", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown symbol.
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/orders", exchange.CreateOrderRequest{
		Symbol: "DOGE/USDT",
		Side:   exchange.SideBuy,
		Type:   exchange.TypeMarket,
		Amount: 1,
	}, nil))

	// Bad query filters.
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/orders?side=hold", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/orders?status=imaginary", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/orders?tail=-1", nil, nil))
}

func TestCanExecuteOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	var res exchange.CanExecuteResult
	status := env.do(t, http.MethodPost, "/orders/can_execute", canExecuteBody{
		Symbol: "BTC/USDT",
		Side:   exchange.SideBuy,
		Amount: 0.1,
	}, &res)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Reason)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/admin/deposit",
		fundsBody{Asset: "USDT", Amount: 10000}, nil))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/orders/can_execute", canExecuteBody{
		Symbol: "BTC/USDT",
		Side:   exchange.SideBuy,
		Amount: 0.1,
	}, &res))
	assert.True(t, res.OK)
}

func TestBalanceEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	var bal exchange.BalanceView
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/admin/balance",
		setBalanceBody{Asset: "BTC", Free: 5, Used: 1}, &bal))
	assert.InDelta(t, 6, bal.Total, 1e-9)

	// Unknown asset reads as a zero balance, not an error.
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/balance?asset=XMR", nil, &bal))
	assert.Equal(t, "XMR", bal.Asset)
	assert.Zero(t, bal.Total)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/admin/deposit",
		fundsBody{Asset: "USDT", Amount: 100}, nil))

	var list balanceListBody
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/balance/list", nil, &list))
	require.Equal(t, 2, list.Length)
	assert.Equal(t, "BTC", list.Assets[0].Asset)
	assert.Equal(t, "USDT", list.Assets[1].Asset)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/admin/withdraw",
		fundsBody{Asset: "USDT", Amount: 1000}, nil))
}

func TestResetEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/admin/deposit",
		fundsBody{Asset: "USDT", Amount: 100}, nil))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/admin/reset", nil, nil))

	var list balanceListBody
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/balance/list", nil, &list))
	assert.Zero(t, list.Length)

	// Tickers survive a reset.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/tickers/BTC/USDT", nil, nil))
}

func TestSummaryEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/admin/deposit",
		fundsBody{Asset: "USDT", Amount: 1000}, nil))

	var assets exchange.AssetsSummary
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/assets", nil, &assets))
	assert.InDelta(t, 1000, assets.TotalEquity, 1e-9)

	var capital exchange.CapitalSummary
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/capital", nil, &capital))
	assert.InDelta(t, 1000, capital.Deposits, 1e-9)
	assert.InDelta(t, 0, capital.ProfitLoss, 1e-9)

	var detail exchange.CapitalBreakdown
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/capital/detail", nil, &detail))
	assert.Contains(t, detail.Deposits, "USDT")

	var stats map[exchange.Side]exchange.SideTradeStats
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/trades/stats", nil, &stats))
	assert.Empty(t, stats)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/trades/stats?side=hold", nil, nil))
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	var snap health.Snapshot
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil, &snap))
	assert.Equal(t, "ok", snap.Status)
	assert.Contains(t, snap.Components, "store")

	env.checks.Register("leader", func() error { return context.DeadlineExceeded })
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/health", nil, nil))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	// Disabled by default.
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/metrics", nil, nil))

	logger := logging.NewNopLogger()
	srv := NewServer(config.ServerConfig{Addr: ":0", MaxConnections: 10}, env.srv.d, env.srv.hub, env.checks, logger)
	srv.SetMetricsEnabled(true)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "# HELP")
}

func TestRateLimitMiddleware(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ServerConfig) {
		cfg.RateLimit = 1
		cfg.RateBurst = 1
	})

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil, nil))
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/health", nil, nil))
}

func TestWebSocketStreamsTickerEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{env.ts.URL}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return env.srv.hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/admin/ticker", map[string]interface{}{
		"symbol": "BTC/USDT",
		"price":  52000.0,
	}, nil))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ticker", msg.Type)
}

func TestWebSocketRejectsMissingOrigin(t *testing.T) {
	env := newTestEnv(t, nil)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
	if conn != nil {
		conn.Close()
	}
}
