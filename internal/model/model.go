// Package model defines the core domain types shared across the options
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an up/down option prediction.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// OrderStatus is the lifecycle state of an OptionOrder.
type OrderStatus string

const (
	OrderScheduled OrderStatus = "SCHEDULED"
	OrderActive    OrderStatus = "ACTIVE"
	OrderCompleted OrderStatus = "COMPLETED"
)

// TradeStatus is the lifecycle state of a ScheduledOptionTrade.
type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeExecuted  TradeStatus = "EXECUTED"
	TradeCancelled TradeStatus = "CANCELLED"
)

// Outcome is the resolved result of a completed option order.
type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLoss Outcome = "LOSS"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit    EntryType = "deposit"
	EntryWithdrawal EntryType = "withdrawal"
	EntryTrade      EntryType = "trade"
	EntryFee        EntryType = "fee"
	EntryTransfer   EntryType = "transfer"
	EntryAdjustment EntryType = "adjustment"
	EntryLock       EntryType = "lock"
	EntryUnlock     EntryType = "unlock"
)

var validEntryTypes = map[EntryType]bool{
	EntryDeposit:    true,
	EntryWithdrawal: true,
	EntryTrade:      true,
	EntryFee:        true,
	EntryTransfer:   true,
	EntryAdjustment: true,
	EntryLock:       true,
	EntryUnlock:     true,
}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	return validEntryTypes[t]
}

// OutcomeOverride is an administrative outcome directive recorded on an
// order before expiry processing. Kept on the row for audit: every payout
// must be explainable from the order alone.
type OutcomeOverride struct {
	Outcome Outcome   `json:"outcome" db:"override_outcome"`
	SetBy   string    `json:"set_by" db:"override_set_by"`
	SetAt   time.Time `json:"set_at" db:"override_set_at"`
}

// OptionOrder is one user's live or completed timed up/down position.
//
// Invariants: EndTime > StartTime; ExpiryPrice and PnL are set if and only
// if Status is COMPLETED; Stake stays locked in the wallet for the entire
// ACTIVE lifetime.
type OptionOrder struct {
	ID               string           `json:"id" db:"id"`
	UserID           string           `json:"user_id" db:"user_id"`
	Symbol           string           `json:"symbol" db:"symbol"`
	Asset            string           `json:"asset" db:"asset"` // staked asset, e.g. "USDT"
	Direction        Direction        `json:"direction" db:"direction"`
	Stake            decimal.Decimal  `json:"stake" db:"stake"`
	Fee              decimal.Decimal  `json:"fee" db:"fee"`
	EntryPrice       decimal.Decimal  `json:"entry_price" db:"entry_price"`
	ExpiryPrice      *decimal.Decimal `json:"expiry_price,omitempty" db:"expiry_price"`
	Duration         int64            `json:"duration" db:"duration"` // seconds
	StartTime        time.Time        `json:"start_time" db:"start_time"`
	EndTime          time.Time        `json:"end_time" db:"end_time"`
	Status           OrderStatus      `json:"status" db:"status"`
	PayoutRate       decimal.Decimal  `json:"payout_rate" db:"payout_rate"`
	FluctuationRange decimal.Decimal  `json:"fluctuation_range" db:"fluctuation_range"`
	Outcome          Outcome          `json:"outcome,omitempty" db:"outcome"`
	PnL              *decimal.Decimal `json:"pnl,omitempty" db:"pnl"`
	Override         *OutcomeOverride `json:"override,omitempty" db:"-"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
}

// Remaining returns the time left until expiry at now, floored at zero.
// Purely presentational — the engine's own clock gates settlement.
func (o *OptionOrder) Remaining(now time.Time) time.Duration {
	if !now.Before(o.EndTime) {
		return 0
	}
	return o.EndTime.Sub(now)
}

// ScheduledOptionTrade is a future-dated admission request, distinct from
// a live order. Exactly one EXECUTED transition promotes it into an
// OptionOrder; CANCELLED is terminal.
type ScheduledOptionTrade struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	Asset            string          `json:"asset" db:"asset"`
	Direction        Direction       `json:"direction" db:"direction"`
	Stake            decimal.Decimal `json:"stake" db:"stake"`
	StrikePrice      decimal.Decimal `json:"strike_price" db:"strike_price"`
	Duration         int64           `json:"duration" db:"duration"`
	PayoutRate       decimal.Decimal `json:"payout_rate" db:"payout_rate"`
	FluctuationRange decimal.Decimal `json:"fluctuation_range" db:"fluctuation_range"`
	ScheduledTimeUTC time.Time       `json:"scheduled_time_utc" db:"scheduled_time_utc"`
	Status           TradeStatus     `json:"status" db:"status"`
	OrderID          string          `json:"order_id,omitempty" db:"order_id"` // set on EXECUTED
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// WalletBalance is the per-(user, asset) balance row.
// Invariant: Total == Available + Locked at every observable instant, and
// all three are non-negative.
type WalletBalance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Asset     string          `json:"asset" db:"asset"`
	Available decimal.Decimal `json:"available" db:"available"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
	Total     decimal.Decimal `json:"total" db:"total"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Consistent reports whether the balance satisfies its invariants.
func (b *WalletBalance) Consistent() bool {
	return b.Total.Equal(b.Available.Add(b.Locked)) &&
		!b.Available.IsNegative() && !b.Locked.IsNegative() && !b.Total.IsNegative()
}

// LedgerEntry is an immutable record of one balance change.
// Once persisted, entries are never modified or deleted; corrections are
// made by explicit compensating entries.
//
// Invariant: BalanceAfter == BalanceBefore + Amount, and the entry sequence
// for a (user, asset) is monotonic in time and replays to the current
// WalletBalance exactly.
type LedgerEntry struct {
	ID             string          `json:"id" db:"id"`
	Seq            int64           `json:"seq" db:"seq"` // per-(user,asset) ordering cursor
	UserID         string          `json:"user_id" db:"user_id"`
	Asset          string          `json:"asset" db:"asset"`
	Type           EntryType       `json:"type" db:"type"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`       // signed
	Reference      string          `json:"reference" db:"reference"` // order id or external ref
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	BalanceBefore  decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after" db:"balance_after"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}
