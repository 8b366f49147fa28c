package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	positions map[positionKey]*model.Position
	orders    []model.Order
	trades    []model.Trade
	rules     map[model.Market]*model.MarketRule
}

type positionKey struct {
	userID string
	code   string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		positions: make(map[positionKey]*model.Position),
		rules:     make(map[model.Market]*model.MarketRule),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return copyAccount(acc), nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acc.UserID]; ok {
		return fmt.Errorf("account %s: %w", acc.UserID, ErrAlreadyExists)
	}
	// Store a copy to avoid external mutation.
	s.accounts[acc.UserID] = copyAccount(acc)
	return nil
}

func (s *MemoryStore) SetBalances(_ context.Context, userID string, cash, pnl model.Balances, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	acc.Cash = cash.Clone()
	acc.RealizedPnL = pnl.Clone()
	acc.UpdatedAt = at
	return nil
}

func (s *MemoryStore) IncrementCash(_ context.Context, userID string, ccy model.Currency, delta decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	next := acc.Cash.Get(ccy).Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("account %s %s: %w", userID, ccy, ErrNegativeBalance)
	}
	if acc.Cash == nil {
		acc.Cash = model.Balances{}
	}
	acc.Cash[ccy] = next
	acc.UpdatedAt = at
	return nil
}

func (s *MemoryStore) IncrementRealizedPnL(_ context.Context, userID string, ccy model.Currency, delta decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	if acc.RealizedPnL == nil {
		acc.RealizedPnL = model.Balances{}
	}
	acc.RealizedPnL[ccy] = acc.RealizedPnL.Get(ccy).Add(delta)
	acc.UpdatedAt = at
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, code string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{userID, code}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, code, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.userID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, pos *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *pos
	s.positions[positionKey{pos.UserID, pos.Code}] = &copy
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, userID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, positionKey{userID, code})
	return nil
}

func (s *MemoryStore) ReleaseAvailable(_ context.Context, market model.Market, unsettledSince, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, p := range s.positions {
		if p.Market != market {
			continue
		}
		settled := max(p.Quantity-s.sumBuys(p.UserID, p.Code, unsettledSince), 0)
		if p.AvailableQty != settled {
			p.AvailableQty = settled
			p.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) InsertFill(_ context.Context, order *model.Order, trade *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orders {
		if o.ID == order.ID {
			return fmt.Errorf("order %s: %w", order.ID, ErrAlreadyExists)
		}
	}
	for _, t := range s.trades {
		if t.ID == trade.ID {
			return fmt.Errorf("trade %s: %w", trade.ID, ErrAlreadyExists)
		}
	}
	s.orders = append(s.orders, *order)
	s.trades = append(s.trades, *trade)
	return nil
}

// ListOrders walks the append-only slice backwards so the newest come first.
func (s *MemoryStore) ListOrders(_ context.Context, userID string, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for i := len(s.orders) - 1; i >= 0 && len(result) < limit; i-- {
		if s.orders[i].UserID == userID {
			result = append(result, s.orders[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0 && len(result) < limit; i-- {
		if s.trades[i].UserID == userID {
			result = append(result, s.trades[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) SumBuyQuantity(_ context.Context, userID, code string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumBuys(userID, code, since), nil
}

// sumBuys must be called with s.mu held.
func (s *MemoryStore) sumBuys(userID, code string, since time.Time) int64 {
	var total int64
	for _, t := range s.trades {
		if t.UserID == userID && t.Code == code && t.Side == model.SideBuy && !t.Timestamp.Before(since) {
			total += t.Quantity
		}
	}
	return total
}

func (s *MemoryStore) GetMarketRule(_ context.Context, market model.Market) (*model.MarketRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[market]
	if !ok {
		return nil, fmt.Errorf("market rule %s: %w", market, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) PutMarketRule(_ context.Context, rule *model.MarketRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *rule
	s.rules[rule.Market] = &copy
	return nil
}

func (s *MemoryStore) DeleteUserData(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accounts, userID)
	for k := range s.positions {
		if k.userID == userID {
			delete(s.positions, k)
		}
	}

	orders := s.orders[:0]
	for _, o := range s.orders {
		if o.UserID != userID {
			orders = append(orders, o)
		}
	}
	s.orders = orders

	trades := s.trades[:0]
	for _, t := range s.trades {
		if t.UserID != userID {
			trades = append(trades, t)
		}
	}
	s.trades = trades
	return nil
}

func copyAccount(acc *model.Account) *model.Account {
	copy := *acc
	copy.Cash = acc.Cash.Clone()
	copy.RealizedPnL = acc.RealizedPnL.Clone()
	return &copy
}
