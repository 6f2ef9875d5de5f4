package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"mockexchange/internal/exchange"
	apperrors "mockexchange/pkg/errors"
)

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrInsufficientFunds):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", "error", err)
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", apperrors.ErrValidation, err)
	}
	return nil
}

// ---- market ----

func (s *Server) handleListTickers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	symbols, err := s.d.Symbols(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make(map[string]*exchange.TradingPair, len(symbols))
	for _, sym := range symbols {
		pair, err := s.d.FetchTicker(ctx, sym)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			s.writeError(w, err)
			return
		}
		out[sym] = pair
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTicker(w http.ResponseWriter, r *http.Request) {
	pair, err := s.d.FetchTicker(r.Context(), r.PathValue("symbol"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleSetTicker(w http.ResponseWriter, r *http.Request) {
	var req exchange.SetTickerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	pair, err := s.d.SetTicker(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pair)
}

// ---- balances ----

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balances, err := s.d.FetchBalances(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if asset := r.URL.Query().Get("asset"); asset != "" {
		b, ok := balances[asset]
		if !ok {
			b = exchange.AssetBalance{Asset: asset}
		}
		s.writeJSON(w, http.StatusOK, b.View())
		return
	}
	out := make(map[string]exchange.BalanceView, len(balances))
	for asset, b := range balances {
		out[asset] = b.View()
	}
	s.writeJSON(w, http.StatusOK, out)
}

type balanceListBody struct {
	Length int                    `json:"length"`
	Assets []exchange.BalanceView `json:"assets"`
}

func (s *Server) handleBalanceList(w http.ResponseWriter, r *http.Request) {
	balances, err := s.d.FetchBalances(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]exchange.BalanceView, 0, len(balances))
	for _, b := range balances {
		views = append(views, b.View())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Asset < views[j].Asset })
	s.writeJSON(w, http.StatusOK, balanceListBody{Length: len(views), Assets: views})
}

// ---- orders ----

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req exchange.CreateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	o, err := s.d.CreateOrder(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, o)
}

func parseListFilter(r *http.Request) (exchange.ListFilter, error) {
	q := r.URL.Query()
	f := exchange.ListFilter{
		Symbol:         q.Get("symbol"),
		IncludeHistory: q.Get("with_history") == "true",
	}

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := exchange.Status(strings.TrimSpace(part))
			if !st.Valid() {
				return f, fmt.Errorf("%w: unknown status %q", apperrors.ErrValidation, part)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := q.Get("side"); raw != "" {
		side := exchange.Side(raw)
		if !side.Valid() {
			return f, fmt.Errorf("%w: side must be buy | sell", apperrors.ErrValidation)
		}
		f.Side = side
	}
	if raw := q.Get("tail"); raw != "" {
		tail, err := strconv.Atoi(raw)
		if err != nil || tail < 0 {
			return f, fmt.Errorf("%w: tail must be a non-negative integer", apperrors.ErrValidation)
		}
		f.Tail = tail
	}
	return f, nil
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	orders, err := s.d.ListOrders(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	withHistory := r.URL.Query().Get("with_history") == "true"
	o, err := s.d.GetOrder(r.Context(), r.PathValue("id"), withHistory)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	res, err := s.d.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type canExecuteBody struct {
	Symbol string        `json:"symbol"`
	Side   exchange.Side `json:"side"`
	Amount float64       `json:"amount"`
	Price  *float64      `json:"price,omitempty"`
}

func (s *Server) handleCanExecute(w http.ResponseWriter, r *http.Request) {
	var req canExecuteBody
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.d.CanExecute(r.Context(), req.Symbol, req.Side, req.Amount, req.Price)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// ---- admin ----

type fundsBody struct {
	Asset  string  `json:"asset"`
	Amount float64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req fundsBody
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	bal, err := s.d.Deposit(r.Context(), req.Asset, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bal.View())
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req fundsBody
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	bal, err := s.d.Withdraw(r.Context(), req.Asset, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bal.View())
}

type setBalanceBody struct {
	Asset string  `json:"asset"`
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
}

func (s *Server) handleSetBalance(w http.ResponseWriter, r *http.Request) {
	var req setBalanceBody
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	bal, err := s.d.SetBalance(r.Context(), req.Asset, req.Free, req.Used)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bal.View())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Reset(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- summaries ----

func (s *Server) handleCapital(w http.ResponseWriter, r *http.Request) {
	sum, err := s.d.SummaryCapital(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleCapitalDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.d.CapitalDetail(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	sum, err := s.d.SummaryAssets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleTradeStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var side exchange.Side
	if raw := q.Get("side"); raw != "" {
		side = exchange.Side(raw)
		if !side.Valid() {
			s.writeError(w, fmt.Errorf("%w: side must be buy | sell", apperrors.ErrValidation))
			return
		}
	}
	var assets []string
	if raw := q.Get("assets"); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				assets = append(assets, a)
			}
		}
	}
	stats, err := s.d.TradeStats(r.Context(), side, assets)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// ---- operational ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.checks.Snapshot()
	status := http.StatusOK
	if snap.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, snap)
}
