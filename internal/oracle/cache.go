package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Cached wraps an Oracle with a short-TTL Redis cache keyed by symbol and
// second, so an entry read and an expiry read landing in the same second
// don't hit the feed twice. TTL is injected; a few seconds is plenty.
type Cached struct {
	next Oracle
	rdb  *redis.Client
	ttl  time.Duration
}

// NewCached creates a caching wrapper around an oracle.
func NewCached(next Oracle, rdb *redis.Client, ttl time.Duration) *Cached {
	return &Cached{next: next, rdb: rdb, ttl: ttl}
}

func (c *Cached) PriceAt(ctx context.Context, symbol string, at time.Time) (decimal.Decimal, error) {
	key := priceKey(symbol, at)

	if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if p, err := decimal.NewFromString(raw); err == nil {
			return p, nil
		}
	}

	p, err := c.next.PriceAt(ctx, symbol, at)
	if err != nil {
		return decimal.Zero, err
	}
	c.rdb.Set(ctx, key, p.String(), c.ttl)
	return p, nil
}

func priceKey(symbol string, at time.Time) string {
	return fmt.Sprintf("price:%s:%d", symbol, at.Unix())
}
