// Package model defines the core domain types shared across the paper engine.
// All monetary values use shopspring/decimal; never float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies the exchange group a code trades on.
type Market string

const (
	MarketCN Market = "CN"
	MarketHK Market = "HK"
	MarketUS Market = "US"
)

// Markets lists every supported market.
var Markets = []Market{MarketCN, MarketHK, MarketUS}

// Currency is an ISO currency code held in an account.
type Currency string

const (
	CNY Currency = "CNY"
	HKD Currency = "HKD"
	USD Currency = "USD"
)

// Currencies lists every currency an account carries a leg for.
var Currencies = []Currency{CNY, HKD, USD}

// Currency returns the settlement currency of the market. The mapping is fixed.
func (m Market) Currency() Currency {
	switch m {
	case MarketHK:
		return HKD
	case MarketUS:
		return USD
	default:
		return CNY
	}
}

// ParseMarket normalizes s and reports whether it names a supported market.
func ParseMarket(s string) (Market, bool) {
	m := Market(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case MarketCN, MarketHK, MarketUS:
		return m, true
	}
	return "", false
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the lifecycle state persisted on an order. Orders execute
// synchronously, so only filled orders are ever written.
type OrderStatus string

const StatusFilled OrderStatus = "filled"

// AccountSettings holds per-account preferences. They are not consulted by
// order execution.
type AccountSettings struct {
	AutoCurrencyConversion bool   `json:"auto_currency_conversion"`
	DefaultMarket          Market `json:"default_market"`
}

// Account is a user's simulated multi-currency cash account.
type Account struct {
	UserID      string          `json:"user_id"`
	Cash        Balances        `json:"cash"`
	RealizedPnL Balances        `json:"realized_pnl"`
	Settings    AccountSettings `json:"settings"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Position is a user's holding in one normalized code.
type Position struct {
	UserID       string          `json:"user_id"`
	Code         string          `json:"code"`
	Market       Market          `json:"market"`
	Currency     Currency        `json:"currency"`
	Quantity     int64           `json:"quantity"`
	AvailableQty int64           `json:"available_qty"` // 0 <= available_qty <= quantity
	AvgCost      decimal.Decimal `json:"avg_cost"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Order is an immutable record of a submitted order. Once created, orders
// are never modified.
type Order struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Code       string          `json:"code"`
	Market     Market          `json:"market"`
	Currency   Currency        `json:"currency"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"` // price * quantity
	Commission decimal.Decimal `json:"commission"`
	Status     OrderStatus     `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	FilledAt   time.Time       `json:"filled_at"`
	AnalysisID string          `json:"analysis_id,omitempty"`
}

// Trade is an immutable execution record, one per filled order.
type Trade struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id"`
	Code       string          `json:"code"`
	Market     Market          `json:"market"`
	Currency   Currency        `json:"currency"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Commission decimal.Decimal `json:"commission"`
	PnL        decimal.Decimal `json:"pnl"` // realized on sells, zero on buys
	Timestamp  time.Time       `json:"timestamp"`
	AnalysisID string          `json:"analysis_id,omitempty"`
}

// CommissionSchedule is the fee configuration of a market. Optional levies
// are nil when the market does not charge them.
type CommissionSchedule struct {
	Rate                decimal.Decimal  `json:"rate"`
	Min                 decimal.Decimal  `json:"min"`
	StampDutyRate       *decimal.Decimal `json:"stamp_duty_rate,omitempty"`
	TransactionLevyRate *decimal.Decimal `json:"transaction_levy_rate,omitempty"`
	TradingFeeRate      *decimal.Decimal `json:"trading_fee_rate,omitempty"`
	SettlementFeeRate   *decimal.Decimal `json:"settlement_fee_rate,omitempty"`
	SecFeeRate          *decimal.Decimal `json:"sec_fee_rate,omitempty"`
}

// MarketRule is the externally managed trading configuration of a market.
type MarketRule struct {
	Market     Market              `json:"market"`
	Commission *CommissionSchedule `json:"commission,omitempty"`
	TPlus      int                 `json:"t_plus"` // 0 allows same-day round trips
}

// PositionView is a position valued at the latest quote.
type PositionView struct {
	Position
	LastPrice     *decimal.Decimal `json:"last_price"` // nil when no quote is available
	MarketValue   decimal.Decimal  `json:"market_value"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl"`
}

// AccountSummary is a read-only projection of an account and its positions.
type AccountSummary struct {
	UserID         string         `json:"user_id"`
	Cash           Balances       `json:"cash"`
	RealizedPnL    Balances       `json:"realized_pnl"`
	PositionsValue Balances       `json:"positions_value"`
	Equity         Balances       `json:"equity"`
	Positions      []PositionView `json:"positions"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
