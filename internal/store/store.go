// Package store defines the persistence interface for the options engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kryvextrading/options-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a compare-and-swap status update loses
	// its race: the row was not in the expected state. Callers treat this
	// as "already handled", not as a retryable failure.
	ErrConflict = errors.New("store: state conflict")

	// ErrDuplicateKey is returned when a ledger append carries an
	// idempotency key that is already persisted.
	ErrDuplicateKey = errors.New("store: duplicate idempotency key")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Option orders ---

	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, o *model.OptionOrder) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.OptionOrder, error)

	// ListOrdersByUser returns all orders for a user, newest first.
	ListOrdersByUser(ctx context.Context, userID string) ([]model.OptionOrder, error)

	// ListExpiredActiveOrders returns ACTIVE orders whose endTime is at or
	// before now. Used by the expiry sweeper.
	ListExpiredActiveOrders(ctx context.Context, now time.Time) ([]model.OptionOrder, error)

	// CompleteOrder transitions an order ACTIVE→COMPLETED and records the
	// settlement fields. Returns ErrConflict if the order is not ACTIVE —
	// exactly-once settlement hinges on this check-and-set.
	CompleteOrder(ctx context.Context, id string, expiryPrice, pnl decimal.Decimal, outcome model.Outcome, completedAt time.Time) error

	// SetOrderOverride records an administrative outcome directive on an
	// ACTIVE order. Returns ErrConflict once the order has completed.
	SetOrderOverride(ctx context.Context, id string, ov model.OutcomeOverride) error

	// --- Scheduled trades ---

	// CreateScheduledTrade persists a future-dated admission request.
	CreateScheduledTrade(ctx context.Context, t *model.ScheduledOptionTrade) error

	// GetScheduledTrade retrieves a scheduled trade by ID.
	GetScheduledTrade(ctx context.Context, id string) (*model.ScheduledOptionTrade, error)

	// ListDueScheduledTrades returns PENDING trades whose scheduled time is
	// at or before now.
	ListDueScheduledTrades(ctx context.Context, now time.Time) ([]model.ScheduledOptionTrade, error)

	// UpdateScheduledTradeStatus transitions a scheduled trade from one
	// status to another, recording the promoted order ID. An empty orderID
	// clears any previously recorded one.
	// Returns ErrConflict if the trade is not in the expected status.
	UpdateScheduledTradeStatus(ctx context.Context, id string, from, to model.TradeStatus, orderID string) error

	// --- Wallet balances ---

	// GetBalance returns the balance row for (user, asset), or a zeroed
	// row if none exists yet.
	GetBalance(ctx context.Context, userID, asset string) (*model.WalletBalance, error)

	// --- Immutable ledger ---

	// ApplyBalanceChange persists the updated balance row and appends the
	// ledger entries as one indivisible unit: either everything lands or
	// nothing does. Entries must already be validated; the store assigns
	// each entry's Seq. Returns ErrDuplicateKey if any entry's idempotency
	// key is already persisted.
	ApplyBalanceChange(ctx context.Context, b *model.WalletBalance, entries []*model.LedgerEntry) error

	// GetLedgerEntryByKey retrieves an entry by idempotency key, or
	// ErrNotFound.
	GetLedgerEntryByKey(ctx context.Context, key string) (*model.LedgerEntry, error)

	// LedgerEntries returns up to limit entries for (user, asset) with
	// Seq > afterSeq, in Seq order. Cursor paging keeps iteration lazy and
	// restartable for balance reconstruction and audit.
	LedgerEntries(ctx context.Context, userID, asset string, afterSeq int64, limit int) ([]model.LedgerEntry, error)
}
