// Package store defines the persistence interface for the paper engine.
// Implementations include PostgreSQL (source of truth), SQLite via GORM
// (single node), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned by CreateAccount when the user already
	// has an account.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrNegativeBalance is returned by IncrementCash when applying the
	// delta would leave the currency leg below zero. Nothing is written.
	ErrNegativeBalance = errors.New("store: balance would go negative")
)

// Store is the persistence interface. Cash and realized P&L are only ever
// changed through increments; positions are replaced as snapshots.
type Store interface {
	// --- Accounts (paper_accounts) ---

	// GetAccount retrieves the account of a user.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// CreateAccount inserts a new account, failing with ErrAlreadyExists.
	CreateAccount(ctx context.Context, acc *model.Account) error

	// SetBalances replaces both balance maps. Used only to persist
	// normalization of legacy or partial accounts.
	SetBalances(ctx context.Context, userID string, cash, pnl model.Balances, at time.Time) error

	// IncrementCash adds delta to one cash leg, refusing to go negative.
	IncrementCash(ctx context.Context, userID string, ccy model.Currency, delta decimal.Decimal, at time.Time) error

	// IncrementRealizedPnL adds delta to one realized P&L leg.
	IncrementRealizedPnL(ctx context.Context, userID string, ccy model.Currency, delta decimal.Decimal, at time.Time) error

	// --- Positions (paper_positions) ---

	// GetPosition retrieves the position of a user in a code.
	GetPosition(ctx context.Context, userID, code string) (*model.Position, error)

	// ListPositions returns all positions of a user ordered by code.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// SavePosition inserts or replaces a position snapshot.
	SavePosition(ctx context.Context, pos *model.Position) error

	// DeletePosition removes a position.
	DeletePosition(ctx context.Context, userID, code string) error

	// ReleaseAvailable sets available_qty to quantity less the buy trades
	// timestamped at or after unsettledSince, floored at 0, for every
	// position in the market. It returns the number of rows changed.
	ReleaseAvailable(ctx context.Context, market model.Market, unsettledSince, at time.Time) (int64, error)

	// --- Immutable journal (paper_orders, paper_trades) ---

	// InsertFill appends an order and its trade atomically: either both
	// records are written or neither is.
	InsertFill(ctx context.Context, order *model.Order, trade *model.Trade) error

	// ListOrders returns up to limit orders of a user, newest first.
	ListOrders(ctx context.Context, userID string, limit int) ([]model.Order, error)

	// ListTrades returns up to limit trades of a user, newest first.
	ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error)

	// SumBuyQuantity totals the quantity of buy trades of a user in a code
	// with a timestamp at or after since.
	SumBuyQuantity(ctx context.Context, userID, code string, since time.Time) (int64, error)

	// --- Market rules (paper_market_rules) ---

	// GetMarketRule retrieves the rule of a market.
	GetMarketRule(ctx context.Context, market model.Market) (*model.MarketRule, error)

	// PutMarketRule inserts or replaces the rule of a market.
	PutMarketRule(ctx context.Context, rule *model.MarketRule) error

	// --- Maintenance ---

	// DeleteUserData removes the account, positions, orders and trades of
	// a user.
	DeleteUserData(ctx context.Context, userID string) error
}
