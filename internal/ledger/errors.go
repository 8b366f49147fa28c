package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	// ErrInsufficientFunds is matched by every *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientHoldings is matched by every *InsufficientHoldingsError.
	ErrInsufficientHoldings = errors.New("ledger: insufficient holdings")
)

// InsufficientFundsError reports a buy that costs more than the cash leg.
type InsufficientFundsError struct {
	Currency  model.Currency
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s funds: required %s, available %s, short by %s",
		e.Currency, e.Required.StringFixed(2), e.Available.StringFixed(2),
		e.Required.Sub(e.Available).StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// InsufficientHoldingsError reports a sell above the sellable quantity.
type InsufficientHoldingsError struct {
	Code      string
	Required  int64
	Available int64
}

func (e *InsufficientHoldingsError) Error() string {
	return fmt.Sprintf("insufficient holdings of %s: required %d, available %d",
		e.Code, e.Required, e.Available)
}

func (e *InsufficientHoldingsError) Is(target error) bool {
	return target == ErrInsufficientHoldings
}
