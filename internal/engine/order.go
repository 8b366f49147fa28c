package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/events"
	"github.com/atmx/paper-engine/internal/fee"
	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/market"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
)

// NotionalScale is the number of decimal places an order amount keeps.
const NotionalScale int32 = 2

// OrderRequest is a market order. Market is optional and skips code
// detection when set.
type OrderRequest struct {
	UserID     string     `json:"user_id"`
	Code       string     `json:"code"`
	Side       model.Side `json:"side"`
	Quantity   int64      `json:"quantity"`
	Market     string     `json:"market,omitempty"`
	AnalysisID string     `json:"analysis_id,omitempty"`
}

// PlaceOrder executes req completely at the current price or rejects it
// without changing any state.
func (e *Engine) PlaceOrder(ctx context.Context, req OrderRequest) (*model.Order, error) {
	start := time.Now()

	order, err := e.placeOrder(ctx, req)
	if err != nil {
		reason := rejectionReason(err)
		metrics.OrderRejections.WithLabelValues(reason).Inc()
		switch reason {
		case "corruption":
			// logged where detected
		case "internal":
			e.logger.Error("order failed", "user_id", req.UserID, "code", req.Code, "err", err)
		default:
			e.logger.Info("order rejected",
				"user_id", req.UserID,
				"code", req.Code,
				"side", req.Side,
				"quantity", req.Quantity,
				"reason", reason,
				"err", err,
			)
		}
		return nil, err
	}

	metrics.OrderLatency.WithLabelValues(string(order.Side)).Observe(time.Since(start).Seconds())
	return order, nil
}

func (e *Engine) placeOrder(ctx context.Context, req OrderRequest) (*model.Order, error) {
	userID := strings.TrimSpace(req.UserID)
	side := model.Side(strings.ToLower(strings.TrimSpace(string(req.Side))))
	switch {
	case userID == "":
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidOrder)
	case !side.Valid():
		return nil, fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	case req.Quantity <= 0:
		return nil, fmt.Errorf("%w: quantity must be a positive integer", ErrInvalidOrder)
	}

	res, err := market.Resolve(req.Code, req.Market)
	if err != nil {
		if errors.Is(err, market.ErrEmptyCode) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
		}
		return nil, err
	}

	order, trade, err := e.fill(ctx, userID, side, res, req)
	if err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(res.Market), string(side)).Inc()
	metrics.CommissionTotal.WithLabelValues(string(res.Currency)).Add(order.Commission.InexactFloat64())

	// Published outside the user lock.
	if err := e.publisher.Publish(ctx, events.NewOrderFilled(order, trade)); err != nil {
		e.logger.Warn("order event publish failed", "order_id", order.ID, "err", err)
	}

	e.logger.Info("order filled",
		"order_id", order.ID,
		"user_id", userID,
		"code", res.Code,
		"market", res.Market,
		"side", side,
		"quantity", order.Quantity,
		"price", order.Price.String(),
		"commission", order.Commission.String(),
		"pnl", trade.PnL.String(),
	)
	return order, nil
}

// fill prices, checks, applies and journals one order under the user lock.
func (e *Engine) fill(ctx context.Context, userID string, side model.Side, res market.Resolution, req OrderRequest) (*model.Order, *model.Trade, error) {
	unlock, err := e.locker.Lock(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire user lock: %w", err)
	}
	defer unlock()

	acc, err := e.accounts.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	price, err := e.lastPrice(ctx, res.Code, res.Market)
	if err != nil {
		return nil, nil, err
	}

	qty := decimal.NewFromInt(req.Quantity)
	notional := price.Mul(qty).Round(NotionalScale)
	sched, tPlus := e.marketRule(ctx, res.Market)
	commission := fee.Calculate(res.Market, side, notional, sched)

	x := &execution{
		e:          e,
		userID:     userID,
		res:        res,
		side:       side,
		quantity:   req.Quantity,
		price:      price,
		notional:   notional,
		commission: commission,
		tPlus:      tPlus,
	}

	if side == model.SideBuy {
		err = x.buy(ctx, acc)
	} else {
		err = x.sell(ctx, acc)
	}
	if err != nil {
		return nil, nil, err
	}

	order, trade, err := x.journal(ctx, req.AnalysisID)
	if err != nil {
		x.rollback(ctx)
		return nil, nil, err
	}
	return order, trade, nil
}

// execution carries one order through the mutation and journal steps and
// remembers how to undo what it has applied.
type execution struct {
	e          *Engine
	userID     string
	res        market.Resolution
	side       model.Side
	quantity   int64
	price      decimal.Decimal
	notional   decimal.Decimal
	commission decimal.Decimal
	tPlus      int
	pnl        decimal.Decimal
	undo       []func(context.Context) error
}

func (x *execution) buy(ctx context.Context, acc *model.Account) error {
	ccy := x.res.Currency
	total := x.notional.Add(x.commission)

	available := acc.Cash.Get(ccy)
	if available.LessThan(total) {
		return &ledger.InsufficientFundsError{Currency: ccy, Required: total, Available: available}
	}

	if err := x.e.accounts.Debit(ctx, x.userID, ccy, total); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			x.e.logger.Error("debit rejected after affordability check",
				"user_id", x.userID, "currency", ccy, "amount", total.String(), "err", err)
			return fmt.Errorf("%w: %v", ErrAccountCorruption, err)
		}
		return err
	}
	x.onFailure(func(ctx context.Context) error {
		return x.e.accounts.Credit(ctx, x.userID, ccy, total)
	})

	before, err := x.e.positions.Get(ctx, x.userID, x.res.Code)
	if err != nil {
		x.rollback(ctx)
		return err
	}
	if _, err := x.e.positions.ApplyBuy(ctx, x.userID, x.res.Code, x.res.Market, x.quantity, x.price, x.tPlus); err != nil {
		x.rollback(ctx)
		return err
	}
	x.restorePosition(before)
	return nil
}

func (x *execution) sell(ctx context.Context, acc *model.Account) error {
	ccy := x.res.Currency

	available, err := x.e.positions.AvailableQuantity(ctx, x.userID, x.res.Code, x.tPlus)
	if err != nil {
		return err
	}
	if available < x.quantity {
		return &ledger.InsufficientHoldingsError{Code: x.res.Code, Required: x.quantity, Available: available}
	}

	// A minimum commission above a tiny notional makes proceeds negative.
	proceeds := x.notional.Sub(x.commission)
	if proceeds.IsNegative() && acc.Cash.Get(ccy).LessThan(proceeds.Neg()) {
		return &ledger.InsufficientFundsError{Currency: ccy, Required: proceeds.Neg(), Available: acc.Cash.Get(ccy)}
	}

	before, err := x.e.positions.Get(ctx, x.userID, x.res.Code)
	if err != nil {
		return err
	}
	x.restorePosition(before)

	if x.tPlus == 0 {
		if err := x.e.positions.ApplyFullAvailability(ctx, x.userID, x.res.Code); err != nil {
			x.rollback(ctx)
			return err
		}
	}

	pnl, err := x.e.positions.ApplySell(ctx, x.userID, x.res.Code, x.quantity, x.price)
	if err != nil {
		x.rollback(ctx)
		return err
	}
	x.pnl = pnl

	if err := x.e.accounts.Credit(ctx, x.userID, ccy, proceeds); err != nil {
		x.rollback(ctx)
		return err
	}
	x.onFailure(func(ctx context.Context) error {
		return x.e.accounts.Credit(ctx, x.userID, ccy, proceeds.Neg())
	})

	if err := x.e.accounts.RecordRealizedPnL(ctx, x.userID, ccy, pnl); err != nil {
		x.rollback(ctx)
		return err
	}
	x.onFailure(func(ctx context.Context) error {
		return x.e.accounts.RecordRealizedPnL(ctx, x.userID, ccy, pnl.Neg())
	})
	return nil
}

// restorePosition registers an undo step that puts back the snapshot taken
// before the position was changed.
func (x *execution) restorePosition(before *model.Position) {
	x.onFailure(func(ctx context.Context) error {
		if before == nil {
			return x.e.st.DeletePosition(ctx, x.userID, x.res.Code)
		}
		return x.e.st.SavePosition(ctx, before)
	})
}

func (x *execution) onFailure(fn func(context.Context) error) {
	x.undo = append(x.undo, fn)
}

// rollback runs the undo steps newest first. It ignores cancellation of
// the request context so a timed out caller still leaves no partial state.
func (x *execution) rollback(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(x.undo) - 1; i >= 0; i-- {
		if err := x.undo[i](ctx); err != nil {
			x.e.logger.Error("order compensation failed",
				"user_id", x.userID, "code", x.res.Code, "side", x.side, "err", err)
		}
	}
	x.undo = nil
}

func (x *execution) journal(ctx context.Context, analysisID string) (*model.Order, *model.Trade, error) {
	now := x.e.now().UTC()
	order := &model.Order{
		ID:         uuid.New().String(),
		UserID:     x.userID,
		Code:       x.res.Code,
		Market:     x.res.Market,
		Currency:   x.res.Currency,
		Side:       x.side,
		Quantity:   x.quantity,
		Price:      x.price,
		Amount:     x.notional,
		Commission: x.commission,
		Status:     model.StatusFilled,
		CreatedAt:  now,
		FilledAt:   now,
		AnalysisID: analysisID,
	}
	trade := &model.Trade{
		ID:         uuid.New().String(),
		OrderID:    order.ID,
		UserID:     x.userID,
		Code:       x.res.Code,
		Market:     x.res.Market,
		Currency:   x.res.Currency,
		Side:       x.side,
		Quantity:   x.quantity,
		Price:      x.price,
		Amount:     x.notional,
		Commission: x.commission,
		PnL:        x.pnl,
		Timestamp:  now,
		AnalysisID: analysisID,
	}

	if err := x.e.st.InsertFill(ctx, order, trade); err != nil {
		return nil, nil, fmt.Errorf("journal fill: %w", err)
	}
	return order, trade, nil
}

// rejectionReason labels an error for metrics and the HTTP layer.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidOrder):
		return "invalid"
	case errors.Is(err, market.ErrUnsupportedMarket):
		return "unsupported_market"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, ErrAccountCorruption):
		return "corruption"
	default:
		return "internal"
	}
}
