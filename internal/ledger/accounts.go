// Package ledger owns the mutable state of a paper account: the
// multi-currency cash and realized P&L legs, and the per-code position book.
//
// Callers serialize work per user; the ledger itself takes no locks.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
)

// SeedCash returns the balances a new account starts with.
func SeedCash() model.Balances {
	return model.Balances{
		model.CNY: decimal.NewFromInt(1_000_000),
		model.HKD: decimal.NewFromInt(1_000_000),
		model.USD: decimal.NewFromInt(100_000),
	}
}

// Accounts is the account ledger.
type Accounts struct {
	st     store.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewAccounts creates an account ledger. A nil now uses time.Now and a nil
// logger uses slog.Default().
func NewAccounts(st store.Store, now func() time.Time, logger *slog.Logger) *Accounts {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accounts{st: st, now: now, logger: logger}
}

// GetOrCreate returns the account of userID, creating it with SeedCash on
// first access. Accounts stored in the legacy scalar form, or with missing
// currency legs, are normalized and written back once.
func (a *Accounts) GetOrCreate(ctx context.Context, userID string) (*model.Account, error) {
	acc, err := a.st.GetAccount(ctx, userID)
	if err == nil {
		return a.normalize(ctx, acc)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load account: %w", err)
	}

	now := a.now().UTC()
	acc = &model.Account{
		UserID:      userID,
		Cash:        SeedCash(),
		RealizedPnL: model.NewBalances(),
		Settings:    model.AccountSettings{DefaultMarket: model.MarketCN},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.st.CreateAccount(ctx, acc); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a creation race with another instance.
			existing, err := a.st.GetAccount(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("load account: %w", err)
			}
			return a.normalize(ctx, existing)
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	a.logger.Info("account created", "user_id", userID)
	return acc, nil
}

func (a *Accounts) normalize(ctx context.Context, acc *model.Account) (*model.Account, error) {
	if acc.Cash == nil {
		acc.Cash = model.Balances{}
	}
	if acc.RealizedPnL == nil {
		acc.RealizedPnL = model.Balances{}
	}
	cashChanged := acc.Cash.Normalize()
	pnlChanged := acc.RealizedPnL.Normalize()
	if !cashChanged && !pnlChanged {
		return acc, nil
	}

	now := a.now().UTC()
	if err := a.st.SetBalances(ctx, acc.UserID, acc.Cash, acc.RealizedPnL, now); err != nil {
		return nil, fmt.Errorf("migrate account balances: %w", err)
	}
	acc.UpdatedAt = now
	a.logger.Info("legacy account migrated", "user_id", acc.UserID)
	return acc, nil
}

// Debit removes amount from the ccy leg. It fails with an
// *InsufficientFundsError, writing nothing, if the leg would go negative.
func (a *Accounts) Debit(ctx context.Context, userID string, ccy model.Currency, amount decimal.Decimal) error {
	err := a.st.IncrementCash(ctx, userID, ccy, amount.Neg(), a.now().UTC())
	if errors.Is(err, store.ErrNegativeBalance) {
		available := decimal.Zero
		if acc, gerr := a.st.GetAccount(ctx, userID); gerr == nil {
			available = acc.Cash.Get(ccy)
		}
		return &InsufficientFundsError{Currency: ccy, Required: amount, Available: available}
	}
	if err != nil {
		return fmt.Errorf("debit %s: %w", ccy, err)
	}
	return nil
}

// Credit adds amount to the ccy leg.
func (a *Accounts) Credit(ctx context.Context, userID string, ccy model.Currency, amount decimal.Decimal) error {
	if err := a.st.IncrementCash(ctx, userID, ccy, amount, a.now().UTC()); err != nil {
		return fmt.Errorf("credit %s: %w", ccy, err)
	}
	return nil
}

// RecordRealizedPnL adds delta to the ccy realized P&L leg.
func (a *Accounts) RecordRealizedPnL(ctx context.Context, userID string, ccy model.Currency, delta decimal.Decimal) error {
	if err := a.st.IncrementRealizedPnL(ctx, userID, ccy, delta, a.now().UTC()); err != nil {
		return fmt.Errorf("record realized pnl %s: %w", ccy, err)
	}
	return nil
}
