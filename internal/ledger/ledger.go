// Package ledger enforces the structural invariants of balance ledger
// entries and provides replay of an entry sequence back into a wallet
// balance. The ledger is append-only: every write passes Validate before
// it is persisted, and persisted entries are never mutated.
package ledger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kryvextrading/options-engine/internal/model"
)

// ValidationError reports every failing field of a rejected entry, so the
// caller can fix all of them in one round trip rather than discovering
// them one at a time.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		names = append(names, f)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, f := range names {
		parts = append(parts, f+": "+e.Fields[f])
	}
	return "ledger: validation failed: " + strings.Join(parts, "; ")
}

// Key builds the idempotency key for a balance operation tied to an order.
// Retries of the same (order, operation) pair reuse the key and therefore
// never double-apply.
func Key(reference, kind string) string {
	return reference + ":" + kind
}

// Validate checks every structural invariant of a ledger entry and returns
// a *ValidationError naming all failing fields, or nil.
func Validate(e *model.LedgerEntry) error {
	fields := make(map[string]string)

	if e.ID == "" {
		fields["id"] = "required"
	}
	if e.UserID == "" {
		fields["user_id"] = "required"
	}
	if e.Asset == "" {
		fields["asset"] = "required"
	}
	if e.Reference == "" {
		fields["reference"] = "required"
	}
	if e.Timestamp.IsZero() {
		fields["timestamp"] = "required"
	}
	if !e.Type.Valid() {
		fields["type"] = fmt.Sprintf("unknown entry type %q", e.Type)
	}
	if e.Amount.IsZero() && e.Type != model.EntryAdjustment {
		fields["amount"] = "must be non-zero for non-adjustment entries"
	}
	if !e.BalanceAfter.Equal(e.BalanceBefore.Add(e.Amount)) {
		fields["balance_after"] = fmt.Sprintf(
			"must equal balance_before + amount (%s + %s != %s)",
			e.BalanceBefore, e.Amount, e.BalanceAfter)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Replay folds a time-ordered entry sequence for one (user, asset) into
// the wallet balance it implies, starting from zero. The round-trip law:
// replaying everything the store holds for a pair must reproduce the
// current WalletBalance exactly.
//
// Amount is the signed effect on the available balance. Lock entries move
// funds available→locked (negative amount), unlock entries move them back
// (positive amount); every other type touches available only.
func Replay(userID, asset string, entries []model.LedgerEntry) model.WalletBalance {
	b := model.WalletBalance{
		UserID:    userID,
		Asset:     asset,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
		Total:     decimal.Zero,
	}
	for _, e := range entries {
		b.Available = b.Available.Add(e.Amount)
		switch e.Type {
		case model.EntryLock:
			b.Locked = b.Locked.Sub(e.Amount) // amount is negative
		case model.EntryUnlock:
			b.Locked = b.Locked.Sub(e.Amount) // amount is positive
		}
		b.UpdatedAt = e.Timestamp
	}
	b.Total = b.Available.Add(b.Locked)
	return b
}
