// Package exchange implements the order-execution engine of the mock spot
// exchange: market, portfolio and order stores on top of the kv layer, the
// reserve/fill/settle state machine, trade statistics and the periodic
// control loops that drive open orders.
package exchange

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "mockexchange/pkg/errors"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

func (t OrderType) Valid() bool { return t == TypeMarket || t == TypeLimit }

type Status string

const (
	StatusNew               Status = "new"
	StatusPartiallyFilled   Status = "partially_filled"
	StatusFilled            Status = "filled"
	StatusCanceled          Status = "canceled"
	StatusPartiallyCanceled Status = "partially_canceled"
	StatusExpired           Status = "expired"
	StatusPartiallyExpired  Status = "partially_expired"
	StatusRejected          Status = "rejected"
	StatusPartiallyRejected Status = "partially_rejected"
)

// OpenStatuses are the statuses tracked by the open-order indexes; everything
// else is terminal.
var OpenStatuses = []Status{StatusNew, StatusPartiallyFilled}

var ClosedStatuses = []Status{
	StatusFilled, StatusCanceled, StatusPartiallyCanceled,
	StatusExpired, StatusPartiallyExpired,
	StatusRejected, StatusPartiallyRejected,
}

func (s Status) IsOpen() bool { return s == StatusNew || s == StatusPartiallyFilled }

func (s Status) IsClosed() bool { return s != "" && !s.IsOpen() }

func (s Status) Valid() bool {
	if s.IsOpen() {
		return true
	}
	for _, c := range ClosedStatuses {
		if s == c {
			return true
		}
	}
	return false
}

// HistoryEntry is one element of an order's append-only transition log. Fill
// fields carry the per-fill deltas, not the running totals.
type HistoryEntry struct {
	Ts                 int64   `json:"ts"`
	Status             Status  `json:"status"`
	Price              float64 `json:"price,omitempty"`
	AmountRemain       float64 `json:"amount_remain,omitempty"`
	ActualFilled       float64 `json:"actual_filled,omitempty"`
	ActualNotion       float64 `json:"actual_notion,omitempty"`
	ActualFee          float64 `json:"actual_fee,omitempty"`
	ReservedNotionLeft float64 `json:"reserved_notion_left,omitempty"`
	ReservedFeeLeft    float64 `json:"reserved_fee_left,omitempty"`
	Comment            string  `json:"comment,omitempty"`
}

// Order is the canonical order record persisted in the `orders` hash.
//
// Bookings track what was reserved at creation and how much of that
// reservation is still outstanding. For sells the notion is never booked
// (only base amount plus the fee in quote), so InitialBookedNotion is 0 and
// the outstanding base reservation is derived via ResidualBase.
type Order struct {
	ID     string    `json:"id"`
	Symbol string    `json:"symbol"`
	Side   Side      `json:"side"`
	Type   OrderType `json:"type"`
	Amount float64   `json:"amount"`

	LimitPrice     *float64 `json:"limit_price,omitempty"`
	FeeRate        float64  `json:"fee_rate"`
	FeeCurrency    string   `json:"fee_currency"`
	NotionCurrency string   `json:"notion_currency"`

	InitialBookedNotion float64 `json:"initial_booked_notion"`
	InitialBookedFee    float64 `json:"initial_booked_fee"`
	ReservedNotionLeft  float64 `json:"reserved_notion_left"`
	ReservedFeeLeft     float64 `json:"reserved_fee_left"`

	ActualFilled float64 `json:"actual_filled"`
	ActualNotion float64 `json:"actual_notion"`
	ActualFee    float64 `json:"actual_fee"`
	// Price is the volume-weighted average execution price, 0 until the
	// first fill.
	Price float64 `json:"price"`

	Status   Status `json:"status"`
	TsCreate int64  `json:"ts_create"`
	TsUpdate int64  `json:"ts_update"`
	TsFinish int64  `json:"ts_finish,omitempty"`
	Comment  string `json:"comment,omitempty"`

	History []HistoryEntry `json:"history,omitempty"`
}

func (o *Order) AmountRemain() float64 { return o.Amount - o.ActualFilled }

// ResidualBase is the base amount still reserved for a sell; buys reserve no
// base.
func (o *Order) ResidualBase() float64 {
	if o.Side == SideSell {
		return o.AmountRemain()
	}
	return 0
}

// ResidualQuote is the quote amount still reserved (notion plus fee).
func (o *Order) ResidualQuote() float64 {
	return o.ReservedNotionLeft + o.ReservedFeeLeft
}

// SquashBooking zeroes the residual reservations; called on every transition
// to a terminal status.
func (o *Order) SquashBooking() {
	o.ReservedNotionLeft = 0
	o.ReservedFeeLeft = 0
}

func (o *Order) AddHistory(e HistoryEntry) {
	o.History = append(o.History, e)
}

func (o *Order) LastHistory() *HistoryEntry {
	if len(o.History) == 0 {
		return nil
	}
	return &o.History[len(o.History)-1]
}

func (o *Order) toJSON() (string, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("%w: encode order %s: %v", apperrors.ErrStorage, o.ID, err)
	}
	return string(b), nil
}

func orderFromJSON(blob string) (*Order, error) {
	var o Order
	if err := json.Unmarshal([]byte(blob), &o); err != nil {
		return nil, fmt.Errorf("%w: decode order: %v", apperrors.ErrStorage, err)
	}
	return &o, nil
}

// AssetBalance is one row of the portfolio. Total is always free+used and is
// computed on the fly.
type AssetBalance struct {
	Asset string  `json:"asset"`
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
}

func (b AssetBalance) Total() float64 { return b.Free + b.Used }

// BalanceView is the public shape of a balance, with the derived total.
type BalanceView struct {
	Asset string  `json:"asset"`
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

func (b AssetBalance) View() BalanceView {
	return BalanceView{Asset: b.Asset, Free: b.Free, Used: b.Used, Total: b.Total()}
}

// TradingPair is the per-symbol market snapshot. Bid and ask default to the
// last price when the feed does not provide them; volumes default to 0.
type TradingPair struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"last"`
	Timestamp float64 `json:"timestamp"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	BidVolume float64 `json:"bid_volume"`
	AskVolume float64 `json:"ask_volume"`
}

// SplitSymbol splits "BASE/QUOTE" into its two assets.
func SplitSymbol(symbol string) (base, quote string, err error) {
	base, quote, ok := strings.Cut(symbol, "/")
	if !ok || base == "" || quote == "" {
		return "", "", fmt.Errorf("%w: invalid symbol %q", apperrors.ErrValidation, symbol)
	}
	return base, quote, nil
}

// idGenerator mints order ids of the form
//
//	<unix-seconds, zero-padded to 10>=<6 chars of url-safe base64(md5(seq))>
//
// The millisecond sequence is strictly monotone so ids stay unique even when
// several orders are created within the same millisecond.
type idGenerator struct {
	lastMs  int64
	counter int64
}

func (g *idGenerator) Next(now time.Time) string {
	ms := now.UnixMilli()
	if ms <= g.lastMs {
		ms = g.lastMs + 1
	}
	g.lastMs = ms
	g.counter++

	raw := strconv.FormatInt(ms, 10) + "_" + strconv.FormatInt(g.counter, 10)
	sum := md5.Sum([]byte(raw))
	tok := base64.URLEncoding.EncodeToString(sum[:])[:6]
	return fmt.Sprintf("%010d=%s", now.Unix(), tok)
}

func (g *idGenerator) Reset() {
	g.counter = 0
}
