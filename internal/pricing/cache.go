package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
)

// CachedOracle keeps recent quotes from an upstream Oracle in Redis. Only
// positive prices are cached, so an outage is never remembered.
type CachedOracle struct {
	upstream Oracle
	rdb      *redis.Client
	ttl      time.Duration
}

// NewCachedOracle wraps upstream with a Redis cache of the given TTL.
func NewCachedOracle(upstream Oracle, rdb *redis.Client, ttl time.Duration) *CachedOracle {
	return &CachedOracle{upstream: upstream, rdb: rdb, ttl: ttl}
}

func (c *CachedOracle) LastPrice(ctx context.Context, code string, market model.Market) (decimal.Decimal, error) {
	key := fmt.Sprintf("paper:quote:%s:%s", market, code)

	if s, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if p, err := decimal.NewFromString(s); err == nil && p.IsPositive() {
			metrics.QuoteLookups.WithLabelValues("cache", "hit").Inc()
			return p, nil
		}
	}
	metrics.QuoteLookups.WithLabelValues("cache", "miss").Inc()

	p, err := c.upstream.LastPrice(ctx, code, market)
	if err != nil {
		return decimal.Zero, err
	}
	if p.IsPositive() {
		c.rdb.Set(ctx, key, p.String(), c.ttl)
	}
	return p, nil
}
