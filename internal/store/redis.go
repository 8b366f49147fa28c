package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// read-mostly data: market rules and per-user position lists. Account
// balances are never cached; execution always reads them from the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SavePosition(ctx context.Context, pos *model.Position) error {
	if err := s.primary.SavePosition(ctx, pos); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(pos.UserID))
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, userID, code string) error {
	if err := s.primary.DeletePosition(ctx, userID, code); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(userID))
	return nil
}

// ReleaseAvailable touches positions of many users, so every cached
// position list is dropped.
func (s *CachedStore) ReleaseAvailable(ctx context.Context, market model.Market, unsettledSince, at time.Time) (int64, error) {
	n, err := s.primary.ReleaseAvailable(ctx, market, unsettledSince, at)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.dropPattern(ctx, positionsKey("*"))
	}
	return n, nil
}

func (s *CachedStore) PutMarketRule(ctx context.Context, rule *model.MarketRule) error {
	if err := s.primary.PutMarketRule(ctx, rule); err != nil {
		return err
	}
	s.rdb.Del(ctx, ruleKey(rule.Market))
	return nil
}

func (s *CachedStore) DeleteUserData(ctx context.Context, userID string) error {
	if err := s.primary.DeleteUserData(ctx, userID); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(userID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarketRule(ctx context.Context, market model.Market) (*model.MarketRule, error) {
	data, err := s.rdb.Get(ctx, ruleKey(market)).Bytes()
	if err == nil {
		var rule model.MarketRule
		if json.Unmarshal(data, &rule) == nil {
			return &rule, nil
		}
	}

	// Cache miss: read from primary.
	rule, err := s.primary.GetMarketRule(ctx, market)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(rule); err == nil {
		s.rdb.Set(ctx, ruleKey(market), data, s.ttl)
	}
	return rule, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, userID)
}

func (s *CachedStore) CreateAccount(ctx context.Context, acc *model.Account) error {
	return s.primary.CreateAccount(ctx, acc)
}

func (s *CachedStore) SetBalances(ctx context.Context, userID string, cash, pnl model.Balances, at time.Time) error {
	return s.primary.SetBalances(ctx, userID, cash, pnl, at)
}

func (s *CachedStore) IncrementCash(ctx context.Context, userID string, ccy model.Currency, delta decimal.Decimal, at time.Time) error {
	return s.primary.IncrementCash(ctx, userID, ccy, delta, at)
}

func (s *CachedStore) IncrementRealizedPnL(ctx context.Context, userID string, ccy model.Currency, delta decimal.Decimal, at time.Time) error {
	return s.primary.IncrementRealizedPnL(ctx, userID, ccy, delta, at)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, code string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, code)
}

func (s *CachedStore) InsertFill(ctx context.Context, order *model.Order, trade *model.Trade) error {
	return s.primary.InsertFill(ctx, order, trade)
}

func (s *CachedStore) ListOrders(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, userID, limit)
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, userID, limit)
}

func (s *CachedStore) SumBuyQuantity(ctx context.Context, userID, code string, since time.Time) (int64, error) {
	return s.primary.SumBuyQuantity(ctx, userID, code, since)
}

// --- Cache helpers ---

func (s *CachedStore) dropPattern(ctx context.Context, pattern string) {
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		slog.Warn("cache invalidation scan failed", "pattern", pattern, "err", err)
	}
}

func ruleKey(m model.Market) string  { return fmt.Sprintf("paper:rule:%s", m) }
func positionsKey(uid string) string { return fmt.Sprintf("paper:positions:%s", uid) }
