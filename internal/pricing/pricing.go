// Package pricing provides last-price sources for paper execution.
//
// Every Oracle returns a strictly positive price or an error; callers never
// estimate a price themselves.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// ErrNoQuote is returned when a source has no usable price for a code.
var ErrNoQuote = errors.New("pricing: no quote")

// Oracle looks up the last traded price of a normalized code.
type Oracle interface {
	LastPrice(ctx context.Context, code string, market model.Market) (decimal.Decimal, error)
}

// Static serves prices set in memory. Safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates an empty Static oracle.
func NewStatic() *Static {
	return &Static{prices: make(map[string]decimal.Decimal)}
}

// Set records price for (code, market). A non-positive price removes it.
func (s *Static) Set(code string, market model.Market, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := quoteKey(code, market)
	if !price.IsPositive() {
		delete(s.prices, key)
		return
	}
	s.prices[key] = price
}

func (s *Static) LastPrice(_ context.Context, code string, market model.Market) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[quoteKey(code, market)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s %s: %w", market, code, ErrNoQuote)
	}
	return p, nil
}

func quoteKey(code string, market model.Market) string {
	return string(market) + ":" + code
}
