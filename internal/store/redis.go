package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kryvextrading/options-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot rows: orders and wallet balances. Writes go to the
// primary store and invalidate the cache; reads check Redis first then
// fall back to the primary. The TTL is injected, never global.
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

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.OptionOrder) error {
	if err := s.primary.CreateOrder(ctx, o); err != nil {
		return err
	}
	s.cacheOrder(ctx, o)
	return nil
}

func (s *CachedStore) CompleteOrder(ctx context.Context, id string, expiryPrice, pnl decimal.Decimal, outcome model.Outcome, completedAt time.Time) error {
	if err := s.primary.CompleteOrder(ctx, id, expiryPrice, pnl, outcome, completedAt); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the settled row.
	s.rdb.Del(ctx, orderKey(id))
	return nil
}

func (s *CachedStore) SetOrderOverride(ctx context.Context, id string, ov model.OutcomeOverride) error {
	if err := s.primary.SetOrderOverride(ctx, id, ov); err != nil {
		return err
	}
	s.rdb.Del(ctx, orderKey(id))
	return nil
}

func (s *CachedStore) ApplyBalanceChange(ctx context.Context, b *model.WalletBalance, entries []*model.LedgerEntry) error {
	if err := s.primary.ApplyBalanceChange(ctx, b, entries); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(b.UserID, b.Asset))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.OptionOrder, error) {
	data, err := s.rdb.Get(ctx, orderKey(id)).Bytes()
	if err == nil {
		var o model.OptionOrder
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	o, err := s.primary.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheOrder(ctx, o)
	return o, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, userID, asset string) (*model.WalletBalance, error) {
	data, err := s.rdb.Get(ctx, balanceKey(userID, asset)).Bytes()
	if err == nil {
		var b model.WalletBalance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBalance(ctx, userID, asset)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, balanceKey(userID, asset), data, s.ttl)
	}
	return b, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.OptionOrder, error) {
	return s.primary.ListOrdersByUser(ctx, userID)
}

func (s *CachedStore) ListExpiredActiveOrders(ctx context.Context, now time.Time) ([]model.OptionOrder, error) {
	return s.primary.ListExpiredActiveOrders(ctx, now)
}

func (s *CachedStore) CreateScheduledTrade(ctx context.Context, t *model.ScheduledOptionTrade) error {
	return s.primary.CreateScheduledTrade(ctx, t)
}

func (s *CachedStore) GetScheduledTrade(ctx context.Context, id string) (*model.ScheduledOptionTrade, error) {
	return s.primary.GetScheduledTrade(ctx, id)
}

func (s *CachedStore) ListDueScheduledTrades(ctx context.Context, now time.Time) ([]model.ScheduledOptionTrade, error) {
	return s.primary.ListDueScheduledTrades(ctx, now)
}

func (s *CachedStore) UpdateScheduledTradeStatus(ctx context.Context, id string, from, to model.TradeStatus, orderID string) error {
	return s.primary.UpdateScheduledTradeStatus(ctx, id, from, to, orderID)
}

func (s *CachedStore) GetLedgerEntryByKey(ctx context.Context, key string) (*model.LedgerEntry, error) {
	return s.primary.GetLedgerEntryByKey(ctx, key)
}

func (s *CachedStore) LedgerEntries(ctx context.Context, userID, asset string, afterSeq int64, limit int) ([]model.LedgerEntry, error) {
	return s.primary.LedgerEntries(ctx, userID, asset, afterSeq, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheOrder(ctx context.Context, o *model.OptionOrder) {
	if data, err := json.Marshal(o); err == nil {
		s.rdb.Set(ctx, orderKey(o.ID), data, s.ttl)
	}
}

func orderKey(id string) string              { return fmt.Sprintf("order:%s", id) }
func balanceKey(uid, asset string) string    { return fmt.Sprintf("balance:%s:%s", uid, asset) }
