// Package risk enforces admission limits on option order placement:
// stake bounds, duration bounds, and an aggregate open-stake cap per user.
package risk

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrStakeOutOfRange is returned when the stake is below the minimum
	// or above the per-order maximum.
	ErrStakeOutOfRange = errors.New("risk: stake out of allowed range")

	// ErrDurationOutOfRange is returned when the option duration is
	// outside the allowed bounds.
	ErrDurationOutOfRange = errors.New("risk: duration out of allowed range")

	// ErrOpenStakeLimitExceeded is returned when the order would push the
	// user's total locked stake past the aggregate cap.
	ErrOpenStakeLimitExceeded = errors.New("risk: aggregate open stake limit exceeded")
)

// Limits bounds what a single placement may risk.
type Limits struct {
	// MinStake / MaxStake bound one order's stake.
	MinStake decimal.Decimal
	MaxStake decimal.Decimal

	// MaxOpenStake caps the total stake a user may have locked across all
	// live orders of one asset.
	MaxOpenStake decimal.Decimal

	// MinDuration / MaxDuration bound the option lifetime.
	MinDuration time.Duration
	MaxDuration time.Duration
}

// DefaultLimits returns the platform defaults.
func DefaultLimits() Limits {
	return Limits{
		MinStake:     decimal.NewFromInt(1),
		MaxStake:     decimal.NewFromInt(100000),
		MaxOpenStake: decimal.NewFromInt(500000),
		MinDuration:  30 * time.Second,
		MaxDuration:  24 * time.Hour,
	}
}

// CheckOrder validates stake and duration bounds plus the aggregate cap.
// lockedNow is the user's currently locked stake for the asset.
func (l Limits) CheckOrder(stake decimal.Decimal, duration time.Duration, lockedNow decimal.Decimal) error {
	if stake.LessThan(l.MinStake) || stake.GreaterThan(l.MaxStake) {
		return ErrStakeOutOfRange
	}
	if duration < l.MinDuration || duration > l.MaxDuration {
		return ErrDurationOutOfRange
	}
	if l.MaxOpenStake.IsPositive() && lockedNow.Add(stake).GreaterThan(l.MaxOpenStake) {
		return ErrOpenStakeLimitExceeded
	}
	return nil
}
