// Package wallet implements the balance manager: the sole owner of
// WalletBalance mutation and the sole producer of ledger entries.
//
// Every operation is atomic with respect to a single (user, asset) pair:
// operations on the same pair serialize behind a striped mutex, operations
// on different pairs usually proceed independently. Each operation either lands
// fully — balance row plus ledger entries — or not at all, so
// total == available + locked holds at every observable instant.
//
// All monetary values use shopspring/decimal — never float64 for money.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kryvextrading/options-engine/internal/event"
	"github.com/kryvextrading/options-engine/internal/ledger"
	"github.com/kryvextrading/options-engine/internal/metrics"
	"github.com/kryvextrading/options-engine/internal/model"
	"github.com/kryvextrading/options-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when available < amount on a lock
	// or withdrawal. No side effects.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")

	// ErrInvalidState is returned when an unlock or settle would drive the
	// locked balance negative.
	ErrInvalidState = errors.New("wallet: locked balance too low")

	// ErrInvalidAmount is returned for non-positive operation amounts.
	ErrInvalidAmount = errors.New("wallet: amount must be positive")
)

// Operation kind suffixes for idempotency keys.
const (
	opLock     = "lock"
	opUnlock   = "unlock"
	opSettle   = "settle"
	opDeposit  = "deposit"
	opWithdraw = "withdraw"
)

// Manager maintains available/locked/total balances per (user, asset) and
// exposes the atomic lock/unlock/settle operations consumed by the order
// engine. The engine never writes balances directly.
type Manager struct {
	store store.Store
	bus   event.Publisher
	now   func() time.Time

	locks [64]sync.Mutex // striped per (user|asset)
}

// NewManager creates a balance manager. Pass nil for bus if change events
// are not needed.
func NewManager(st store.Store, bus event.Publisher) *Manager {
	return &Manager{
		store: st,
		bus:   bus,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the manager's clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// pairLock returns the stripe serializing operations on one (user, asset).
// Colliding pairs serialize against each other, which is harmless.
func (m *Manager) pairLock(userID, asset string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte{'|'})
	h.Write([]byte(asset))
	return &m.locks[h.Sum32()%uint32(len(m.locks))]
}

// Balance returns the current balance row for (user, asset).
func (m *Manager) Balance(ctx context.Context, userID, asset string) (*model.WalletBalance, error) {
	return m.store.GetBalance(ctx, userID, asset)
}

// Deposit credits amount to the available balance. reference ties the
// entry to an external funding event; retries with the same reference are
// no-ops.
func (m *Manager) Deposit(ctx context.Context, userID, asset string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	l := m.pairLock(userID, asset)
	l.Lock()
	defer l.Unlock()

	if done, err := m.alreadyApplied(ctx, ledger.Key(reference, opDeposit)); done || err != nil {
		return err
	}

	b, err := m.store.GetBalance(ctx, userID, asset)
	if err != nil {
		return err
	}
	b.Available = b.Available.Add(amount)
	b.Total = b.Total.Add(amount)

	return m.apply(ctx, b, []*model.LedgerEntry{
		m.entry(b, model.EntryDeposit, amount, reference, opDeposit, b.Available.Sub(amount)),
	})
}

// Withdraw debits amount from the available balance.
func (m *Manager) Withdraw(ctx context.Context, userID, asset string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	l := m.pairLock(userID, asset)
	l.Lock()
	defer l.Unlock()

	if done, err := m.alreadyApplied(ctx, ledger.Key(reference, opWithdraw)); done || err != nil {
		return err
	}

	b, err := m.store.GetBalance(ctx, userID, asset)
	if err != nil {
		return err
	}
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: available %s < %s", ErrInsufficientFunds, b.Available, amount)
	}
	b.Available = b.Available.Sub(amount)
	b.Total = b.Total.Sub(amount)

	return m.apply(ctx, b, []*model.LedgerEntry{
		m.entry(b, model.EntryWithdrawal, amount.Neg(), reference, opWithdraw, b.Available.Add(amount)),
	})
}

// Lock moves amount from available to locked, reserving a stake while an
// order is live. Fails with ErrInsufficientFunds if available < amount.
// Succeeds only if the lock ledger entry is appended with it.
func (m *Manager) Lock(ctx context.Context, userID, asset string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	l := m.pairLock(userID, asset)
	l.Lock()
	defer l.Unlock()

	if done, err := m.alreadyApplied(ctx, ledger.Key(reference, opLock)); done || err != nil {
		return err
	}

	b, err := m.store.GetBalance(ctx, userID, asset)
	if err != nil {
		return err
	}
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: available %s < stake %s", ErrInsufficientFunds, b.Available, amount)
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)

	return m.apply(ctx, b, []*model.LedgerEntry{
		m.entry(b, model.EntryLock, amount.Neg(), reference, opLock, b.Available.Add(amount)),
	})
}

// Unlock reverses a prior lock, moving amount from locked back to
// available. Fails with ErrInvalidState if locked < amount.
func (m *Manager) Unlock(ctx context.Context, userID, asset string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	l := m.pairLock(userID, asset)
	l.Lock()
	defer l.Unlock()

	if done, err := m.alreadyApplied(ctx, ledger.Key(reference, opUnlock)); done || err != nil {
		return err
	}

	b, err := m.store.GetBalance(ctx, userID, asset)
	if err != nil {
		return err
	}
	if b.Locked.LessThan(amount) {
		return fmt.Errorf("%w: locked %s < %s", ErrInvalidState, b.Locked, amount)
	}
	b.Available = b.Available.Add(amount)
	b.Locked = b.Locked.Sub(amount)

	return m.apply(ctx, b, []*model.LedgerEntry{
		m.entry(b, model.EntryUnlock, amount, reference, opUnlock, b.Available.Sub(amount)),
	})
}

// Settle atomically unlocks lockedAmount and applies netAmount (negative,
// zero, or positive) to available, finalizing an order's financial
// outcome. It produces an unlock entry plus, when netAmount is non-zero, a
// trade entry whose balanceBefore/After chain correctly. The pair mutex
// and the store's single-unit apply guarantee no intermediate state is
// externally observable between the unlock and the credit/debit.
func (m *Manager) Settle(ctx context.Context, userID, asset string, lockedAmount, netAmount decimal.Decimal, reference string) error {
	if !lockedAmount.IsPositive() {
		return ErrInvalidAmount
	}
	l := m.pairLock(userID, asset)
	l.Lock()
	defer l.Unlock()

	if done, err := m.alreadyApplied(ctx, ledger.Key(reference, opSettle)); done || err != nil {
		return err
	}

	b, err := m.store.GetBalance(ctx, userID, asset)
	if err != nil {
		return err
	}
	if b.Locked.LessThan(lockedAmount) {
		return fmt.Errorf("%w: locked %s < %s", ErrInvalidState, b.Locked, lockedAmount)
	}

	beforeUnlock := b.Available
	b.Available = b.Available.Add(lockedAmount)
	b.Locked = b.Locked.Sub(lockedAmount)

	entries := []*model.LedgerEntry{
		m.entry(b, model.EntryUnlock, lockedAmount, reference, opSettle, beforeUnlock),
	}

	if !netAmount.IsZero() {
		beforeNet := b.Available
		b.Available = b.Available.Add(netAmount)
		b.Total = b.Total.Add(netAmount)
		entries = append(entries,
			m.entry(b, model.EntryTrade, netAmount, reference, opSettle+"-net", beforeNet))
	}

	if b.Available.IsNegative() {
		// A valid settlement can never debit past the released stake.
		return fmt.Errorf("%w: settlement would overdraw available", ErrInvalidState)
	}

	return m.apply(ctx, b, entries)
}

// SettledAmount reports whether a settlement under reference has already
// been applied, and the net amount it moved when it has. A caller retrying
// after a partial failure uses this to finish its bookkeeping from what
// the ledger actually paid rather than recomputing.
func (m *Manager) SettledAmount(ctx context.Context, reference string) (decimal.Decimal, bool, error) {
	if _, err := m.store.GetLedgerEntryByKey(ctx, ledger.Key(reference, opSettle)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}
	e, err := m.store.GetLedgerEntryByKey(ctx, ledger.Key(reference, opSettle+"-net"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Settlement with zero net: only the unlock entry exists.
			return decimal.Zero, true, nil
		}
		return decimal.Zero, true, err
	}
	return e.Amount, true, nil
}

// alreadyApplied reports whether an operation with this idempotency key
// has been persisted. A retried call after a partial failure sees the key
// and returns without double-applying.
func (m *Manager) alreadyApplied(ctx context.Context, key string) (bool, error) {
	_, err := m.store.GetLedgerEntryByKey(ctx, key)
	if err == nil {
		slog.Debug("wallet op already applied", "key", key)
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// entry builds a validated-ready ledger entry against the updated balance b.
func (m *Manager) entry(b *model.WalletBalance, typ model.EntryType, amount decimal.Decimal, reference, kind string, before decimal.Decimal) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:             uuid.New().String(),
		UserID:         b.UserID,
		Asset:          b.Asset,
		Type:           typ,
		Amount:         amount,
		Reference:      reference,
		IdempotencyKey: ledger.Key(reference, kind),
		BalanceBefore:  before,
		BalanceAfter:   before.Add(amount),
		Timestamp:      m.now(),
	}
}

// apply validates every entry, persists the balance and entries as one
// unit, and publishes change events. A duplicate idempotency key from a
// concurrent retry is reported as already-applied success.
func (m *Manager) apply(ctx context.Context, b *model.WalletBalance, entries []*model.LedgerEntry) error {
	for _, e := range entries {
		if err := ledger.Validate(e); err != nil {
			return err
		}
	}
	b.UpdatedAt = m.now()

	if err := m.store.ApplyBalanceChange(ctx, b, entries); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		metrics.LedgerEntriesTotal.WithLabelValues(string(e.Type)).Inc()
	}

	if m.bus != nil {
		for _, e := range entries {
			m.bus.Publish(event.ChangeEvent{
				Table: event.TableLedger, Kind: event.Insert,
				ID: e.ID, At: e.Timestamp, Payload: e,
			})
		}
		m.bus.Publish(event.ChangeEvent{
			Table: event.TableBalances, Kind: event.Update,
			ID: b.UserID + ":" + b.Asset, At: b.UpdatedAt, Payload: b,
		})
	}
	return nil
}
