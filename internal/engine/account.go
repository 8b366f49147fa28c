package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// GetSummary values the account of userID at current prices. It creates
// the account on first access and never changes balances or positions.
func (e *Engine) GetSummary(ctx context.Context, userID string) (*model.AccountSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidOrder)
	}

	acc, err := e.account(ctx, userID)
	if err != nil {
		return nil, err
	}
	views, err := e.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	positionsValue := model.NewBalances()
	for _, v := range views {
		positionsValue[v.Currency] = positionsValue.Get(v.Currency).Add(v.MarketValue)
	}

	equity := model.NewBalances()
	for _, c := range model.Currencies {
		equity[c] = acc.Cash.Get(c).Add(positionsValue.Get(c))
	}

	return &model.AccountSummary{
		UserID:         acc.UserID,
		Cash:           acc.Cash,
		RealizedPnL:    acc.RealizedPnL,
		PositionsValue: positionsValue,
		Equity:         equity,
		Positions:      views,
		UpdatedAt:      acc.UpdatedAt,
	}, nil
}

// account loads or creates the account of userID under the user lock.
// Loading a legacy account rewrites its balances, which must not interleave
// with an order of the same user.
func (e *Engine) account(ctx context.Context, userID string) (*model.Account, error) {
	unlock, err := e.locker.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("acquire user lock: %w", err)
	}
	defer unlock()
	return e.accounts.GetOrCreate(ctx, userID)
}

// ListPositions returns the positions of userID valued at current prices.
// A position without a quote has a nil LastPrice and UnrealizedPnL and a
// zero MarketValue.
func (e *Engine) ListPositions(ctx context.Context, userID string) ([]model.PositionView, error) {
	positions, err := e.st.ListPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	views := make([]model.PositionView, 0, len(positions))
	for _, p := range positions {
		v := model.PositionView{Position: p, MarketValue: decimal.Zero}
		price, err := e.lastPrice(ctx, p.Code, p.Market)
		if err != nil {
			e.logger.Debug("position not valued", "user_id", userID, "code", p.Code, "err", err)
		} else {
			qty := decimal.NewFromInt(p.Quantity)
			unrealized := price.Sub(p.AvgCost).Mul(qty).Round(NotionalScale)
			v.LastPrice = &price
			v.MarketValue = price.Mul(qty).Round(NotionalScale)
			v.UnrealizedPnL = &unrealized
		}
		views = append(views, v)
	}
	return views, nil
}

// ListOrders returns up to limit orders of userID, newest first. A zero
// limit means DefaultListLimit; others are clamped to 1..MaxListLimit.
func (e *Engine) ListOrders(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	orders, err := e.st.ListOrders(ctx, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if orders == nil {
		orders = []model.Order{}
	}
	return orders, nil
}

// ListTrades returns up to limit trades of userID, newest first.
func (e *Engine) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	trades, err := e.st.ListTrades(ctx, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// ResetAccount deletes every account, position, order and trade row of
// userID and seeds a fresh account. confirm must be true.
func (e *Engine) ResetAccount(ctx context.Context, userID string, confirm bool) (*model.Account, error) {
	if !confirm {
		return nil, ErrConfirmationRequired
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidOrder)
	}

	unlock, err := e.locker.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("acquire user lock: %w", err)
	}
	defer unlock()

	if err := e.st.DeleteUserData(ctx, userID); err != nil {
		return nil, fmt.Errorf("reset account: %w", err)
	}
	acc, err := e.accounts.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	e.logger.Warn("account reset", "user_id", userID)
	return acc, nil
}
