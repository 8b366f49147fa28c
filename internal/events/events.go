// Package events publishes notifications about filled paper orders.
//
// Publishing is best effort: the ledger is already committed when an event
// is emitted, so a failed publish is logged by the caller and never undoes
// the order.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// TypeOrderFilled is the Type of an OrderFilled event.
const TypeOrderFilled = "order_filled"

// OrderFilled describes one executed order and its trade.
type OrderFilled struct {
	Type       string          `json:"type"`
	UserID     string          `json:"user_id"`
	OrderID    string          `json:"order_id"`
	TradeID    string          `json:"trade_id"`
	Code       string          `json:"code"`
	Market     model.Market    `json:"market"`
	Currency   model.Currency  `json:"currency"`
	Side       model.Side      `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Commission decimal.Decimal `json:"commission"`
	PnL        decimal.Decimal `json:"pnl"`
	FilledAt   time.Time       `json:"filled_at"`
	AnalysisID string          `json:"analysis_id,omitempty"`
}

// NewOrderFilled builds the event for a journaled order and trade.
func NewOrderFilled(o *model.Order, t *model.Trade) OrderFilled {
	return OrderFilled{
		Type:       TypeOrderFilled,
		UserID:     o.UserID,
		OrderID:    o.ID,
		TradeID:    t.ID,
		Code:       o.Code,
		Market:     o.Market,
		Currency:   o.Currency,
		Side:       o.Side,
		Quantity:   o.Quantity,
		Price:      o.Price,
		Amount:     o.Amount,
		Commission: o.Commission,
		PnL:        t.PnL,
		FilledAt:   o.FilledAt,
		AnalysisID: o.AnalysisID,
	}
}

// Publisher delivers order events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev OrderFilled) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, OrderFilled) error { return nil }

// Multi fans an event out to every publisher, collecting their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev OrderFilled) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
