// Package engine executes paper orders against the ledger.
//
// An order is priced from the injected PriceOracle, charged according to
// the market's rule, checked for affordability or sellable quantity, and
// only then applied to the ledger and journaled. Every state-changing call
// for a user runs under that user's lock.
//
// All monetary values use shopspring/decimal, never float64.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/events"
	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/lock"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
)

var (
	ErrInvalidOrder         = errors.New("engine: invalid order")
	ErrPriceUnavailable     = errors.New("engine: price unavailable")
	ErrAccountCorruption    = errors.New("engine: account corruption")
	ErrConfirmationRequired = errors.New("engine: reset requires explicit confirmation")
)

// PriceUnavailableError reports that no positive price could be obtained.
type PriceUnavailableError struct {
	Code   string
	Market model.Market
	Err    error // upstream cause, nil when the oracle returned a non-positive price
}

func (e *PriceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("price unavailable for %s (%s): %v", e.Code, e.Market, e.Err)
	}
	return fmt.Sprintf("price unavailable for %s (%s)", e.Code, e.Market)
}

func (e *PriceUnavailableError) Is(target error) bool { return target == ErrPriceUnavailable }
func (e *PriceUnavailableError) Unwrap() error        { return e.Err }

// PriceOracle returns the last price of a normalized code.
type PriceOracle interface {
	LastPrice(ctx context.Context, code string, market model.Market) (decimal.Decimal, error)
}

// RulesProvider returns the rule of a market, or nil when none is set.
type RulesProvider interface {
	Get(ctx context.Context, market model.Market) (*model.MarketRule, error)
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Engine executes orders and serves the read-side projections.
type Engine struct {
	st        store.Store
	accounts  *ledger.Accounts
	positions *ledger.Positions
	oracle    PriceOracle
	rules     RulesProvider
	locker    lock.Locker
	publisher events.Publisher
	now       func() time.Time
	loc       *time.Location
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker replaces the default in-process per-user lock.
func WithLocker(l lock.Locker) Option { return func(e *Engine) { e.locker = l } }

// WithClock sets the time source used for timestamps and trading days.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLocation sets the time zone in which trading days start.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

// WithPublisher sets where order-filled events go.
func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// New creates an Engine over st. oracle and rules are required.
func New(st store.Store, oracle PriceOracle, rules RulesProvider, opts ...Option) *Engine {
	e := &Engine{
		st:        st,
		oracle:    oracle,
		rules:     rules,
		locker:    lock.NewKeyedMutex(),
		publisher: events.Nop{},
		now:       time.Now,
		loc:       time.UTC,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.accounts = ledger.NewAccounts(st, e.now, e.logger)
	e.positions = ledger.NewPositions(st, e.now, e.loc)
	return e
}

// lastPrice queries the oracle and rejects anything that is not positive.
func (e *Engine) lastPrice(ctx context.Context, code string, market model.Market) (decimal.Decimal, error) {
	price, err := e.oracle.LastPrice(ctx, code, market)
	if err != nil {
		return decimal.Zero, &PriceUnavailableError{Code: code, Market: market, Err: err}
	}
	if !price.IsPositive() {
		return decimal.Zero, &PriceUnavailableError{Code: code, Market: market}
	}
	return price, nil
}

// marketRule falls back to no fees and T+0 when the rule is missing or
// cannot be read.
func (e *Engine) marketRule(ctx context.Context, market model.Market) (*model.CommissionSchedule, int) {
	rule, err := e.rules.Get(ctx, market)
	if err != nil {
		e.logger.Warn("market rule lookup failed, using zero fees and T+0", "market", market, "err", err)
		return nil, 0
	}
	if rule == nil {
		e.logger.Warn("no market rule configured, using zero fees and T+0", "market", market)
		return nil, 0
	}
	return rule.Commission, rule.TPlus
}

// clampLimit maps 0 to DefaultListLimit and clamps the rest to 1..MaxListLimit.
func clampLimit(limit int) int {
	if limit == 0 {
		return DefaultListLimit
	}
	return max(1, min(limit, MaxListLimit))
}
