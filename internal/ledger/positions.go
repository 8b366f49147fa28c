package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
)

const (
	// AvgCostScale is the number of decimal places average cost keeps.
	AvgCostScale int32 = 8

	// PnLScale is the number of decimal places realized P&L is rounded to.
	PnLScale int32 = 2
)

// Positions is the position book.
type Positions struct {
	st  store.Store
	now func() time.Time
	loc *time.Location
}

// NewPositions creates a position book. Trading days start at midnight in
// loc (nil means UTC).
func NewPositions(st store.Store, now func() time.Time, loc *time.Location) *Positions {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Positions{st: st, now: now, loc: loc}
}

// Get returns the position of userID in code, or nil when none is held.
func (p *Positions) Get(ctx context.Context, userID, code string) (*model.Position, error) {
	pos, err := p.st.GetPosition(ctx, userID, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	return pos, nil
}

// ApplyBuy adds quantity shares bought at price. Shares bought in a market
// with tPlus > 0 do not become available until settlement.
func (p *Positions) ApplyBuy(ctx context.Context, userID, code string, market model.Market, quantity int64, price decimal.Decimal, tPlus int) (*model.Position, error) {
	pos, err := p.Get(ctx, userID, code)
	if err != nil {
		return nil, err
	}

	if pos == nil {
		pos = &model.Position{
			UserID:   userID,
			Code:     code,
			Market:   market,
			Currency: market.Currency(),
			Quantity: quantity,
			AvgCost:  price,
		}
		if tPlus == 0 {
			pos.AvailableQty = quantity
		}
	} else {
		newQty := pos.Quantity + quantity
		cost := pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity)).
			Add(price.Mul(decimal.NewFromInt(quantity)))
		pos.AvgCost = cost.DivRound(decimal.NewFromInt(newQty), AvgCostScale)
		pos.Quantity = newQty
		if tPlus == 0 {
			pos.AvailableQty = newQty
		}
	}
	pos.UpdatedAt = p.now().UTC()

	if err := p.st.SavePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}
	return pos, nil
}

// ApplyFullAvailability makes every share of the position sellable. Used
// for T+0 markets.
func (p *Positions) ApplyFullAvailability(ctx context.Context, userID, code string) error {
	pos, err := p.Get(ctx, userID, code)
	if err != nil || pos == nil {
		return err
	}
	if pos.AvailableQty == pos.Quantity {
		return nil
	}
	pos.AvailableQty = pos.Quantity
	pos.UpdatedAt = p.now().UTC()
	if err := p.st.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// ApplySell removes quantity shares sold at price and returns the realized
// P&L, (price - avg_cost) * quantity rounded to PnLScale. Average cost is
// unchanged; the position is deleted when it reaches zero. Callers check
// AvailableQuantity first.
func (p *Positions) ApplySell(ctx context.Context, userID, code string, quantity int64, price decimal.Decimal) (decimal.Decimal, error) {
	pos, err := p.Get(ctx, userID, code)
	if err != nil {
		return decimal.Zero, err
	}
	if pos == nil || quantity > pos.Quantity {
		held := int64(0)
		if pos != nil {
			held = pos.Quantity
		}
		return decimal.Zero, &InsufficientHoldingsError{Code: code, Required: quantity, Available: held}
	}

	pnl := price.Sub(pos.AvgCost).Mul(decimal.NewFromInt(quantity)).Round(PnLScale)

	newQty := pos.Quantity - quantity
	if newQty == 0 {
		if err := p.st.DeletePosition(ctx, userID, code); err != nil {
			return decimal.Zero, fmt.Errorf("delete position: %w", err)
		}
		return pnl, nil
	}

	pos.Quantity = newQty
	pos.AvailableQty = max(pos.AvailableQty-quantity, 0)
	pos.UpdatedAt = p.now().UTC()
	if err := p.st.SavePosition(ctx, pos); err != nil {
		return decimal.Zero, fmt.Errorf("save position: %w", err)
	}
	return pnl, nil
}

// AvailableQuantity returns how many shares of code userID may sell now.
// For tPlus == 0 that is the whole position. Otherwise it is the position
// less the shares bought during the last tPlus trading days, summed from
// the trade journal rather than read from the stored available_qty.
func (p *Positions) AvailableQuantity(ctx context.Context, userID, code string, tPlus int) (int64, error) {
	pos, err := p.Get(ctx, userID, code)
	if err != nil || pos == nil {
		return 0, err
	}
	if tPlus <= 0 {
		return pos.Quantity, nil
	}

	since := p.SettlementCutoff(tPlus)
	bought, err := p.st.SumBuyQuantity(ctx, userID, code, since)
	if err != nil {
		return 0, fmt.Errorf("sum unsettled buys: %w", err)
	}
	return max(pos.Quantity-bought, 0), nil
}

// SettlementCutoff returns the instant from which buys are still unsettled:
// midnight in the trading location, tPlus-1 days before today.
func (p *Positions) SettlementCutoff(tPlus int) time.Time {
	now := p.now().In(p.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, p.loc)
	return start.AddDate(0, 0, -(tPlus - 1))
}
