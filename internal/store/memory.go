package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kryvextrading/options-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*model.OptionOrder
	scheduled map[string]*model.ScheduledOptionTrade
	balances  map[string]*model.WalletBalance // keyed by userID|asset
	ledger    map[string][]model.LedgerEntry  // keyed by userID|asset, Seq order
	byKey     map[string]*model.LedgerEntry   // idempotency key → entry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*model.OptionOrder),
		scheduled: make(map[string]*model.ScheduledOptionTrade),
		balances:  make(map[string]*model.WalletBalance),
		ledger:    make(map[string][]model.LedgerEntry),
		byKey:     make(map[string]*model.LedgerEntry),
	}
}

func pairKey(userID, asset string) string { return userID + "|" + asset }

// --- Option orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.OptionOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.OptionOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string) ([]model.OptionOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.OptionOrder
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *MemoryStore) ListExpiredActiveOrders(_ context.Context, now time.Time) ([]model.OptionOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []model.OptionOrder
	for _, o := range s.orders {
		if o.Status == model.OrderActive && !o.EndTime.After(now) {
			due = append(due, *o)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].EndTime.Before(due[j].EndTime)
	})
	return due, nil
}

func (s *MemoryStore) CompleteOrder(_ context.Context, id string, expiryPrice, pnl decimal.Decimal, outcome model.Outcome, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if o.Status != model.OrderActive {
		return fmt.Errorf("order %s is %s: %w", id, o.Status, ErrConflict)
	}
	ep := expiryPrice
	p := pnl
	at := completedAt
	o.Status = model.OrderCompleted
	o.ExpiryPrice = &ep
	o.PnL = &p
	o.Outcome = outcome
	o.CompletedAt = &at
	return nil
}

func (s *MemoryStore) SetOrderOverride(_ context.Context, id string, ov model.OutcomeOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if o.Status != model.OrderActive {
		return fmt.Errorf("order %s is %s: %w", id, o.Status, ErrConflict)
	}
	cp := ov
	o.Override = &cp
	return nil
}

// --- Scheduled trades ---

func (s *MemoryStore) CreateScheduledTrade(_ context.Context, t *model.ScheduledOptionTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scheduled[t.ID]; ok {
		return fmt.Errorf("scheduled trade %s already exists", t.ID)
	}
	cp := *t
	s.scheduled[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetScheduledTrade(_ context.Context, id string) (*model.ScheduledOptionTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.scheduled[id]
	if !ok {
		return nil, fmt.Errorf("scheduled trade %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListDueScheduledTrades(_ context.Context, now time.Time) ([]model.ScheduledOptionTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []model.ScheduledOptionTrade
	for _, t := range s.scheduled {
		if t.Status == model.TradePending && !t.ScheduledTimeUTC.After(now) {
			due = append(due, *t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledTimeUTC.Before(due[j].ScheduledTimeUTC)
	})
	return due, nil
}

func (s *MemoryStore) UpdateScheduledTradeStatus(_ context.Context, id string, from, to model.TradeStatus, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.scheduled[id]
	if !ok {
		return fmt.Errorf("scheduled trade %s: %w", id, ErrNotFound)
	}
	if t.Status != from {
		return fmt.Errorf("scheduled trade %s is %s: %w", id, t.Status, ErrConflict)
	}
	t.Status = to
	t.OrderID = orderID
	return nil
}

// --- Wallet balances ---

func (s *MemoryStore) GetBalance(_ context.Context, userID, asset string) (*model.WalletBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.balances[pairKey(userID, asset)]; ok {
		cp := *b
		return &cp, nil
	}
	return &model.WalletBalance{
		UserID:    userID,
		Asset:     asset,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
		Total:     decimal.Zero,
	}, nil
}

// --- Immutable ledger ---

func (s *MemoryStore) ApplyBalanceChange(_ context.Context, b *model.WalletBalance, entries []*model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, ok := s.byKey[e.IdempotencyKey]; ok {
			return fmt.Errorf("key %s: %w", e.IdempotencyKey, ErrDuplicateKey)
		}
	}

	key := pairKey(b.UserID, b.Asset)
	seq := int64(len(s.ledger[key]))
	for _, e := range entries {
		seq++
		e.Seq = seq
		s.ledger[key] = append(s.ledger[key], *e)
		stored := s.ledger[key][len(s.ledger[key])-1]
		s.byKey[e.IdempotencyKey] = &stored
	}

	cp := *b
	s.balances[key] = &cp
	return nil
}

func (s *MemoryStore) GetLedgerEntryByKey(_ context.Context, key string) (*model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) LedgerEntries(_ context.Context, userID, asset string, afterSeq int64, limit int) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.ledger[pairKey(userID, asset)] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
