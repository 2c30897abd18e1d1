// Package outcome computes win/loss and payout for an expired option
// order. Pure functions of the inputs: no clock, no store, no I/O.
//
// All monetary values use shopspring/decimal — never float64 for money.
package outcome

import (
	"github.com/shopspring/decimal"

	"github.com/kryvextrading/options-engine/internal/model"
)

// Result is the resolved financial outcome of an option order.
type Result struct {
	Outcome model.Outcome
	Payout  decimal.Decimal // gross amount credited on settlement
	PnL     decimal.Decimal // payout - stake
}

var one = decimal.NewFromInt(1)

// Resolve determines the outcome of an expired order.
//
// An administrative override, when present, takes precedence over the
// price comparison. Absent an override: UP wins when expiry > entry, DOWN
// wins when expiry < entry, and a price-equal result is always a LOSS.
//
// Payout on WIN is stake*(1+payoutRate)-fee; on LOSS it is zero — the
// forfeited stake is debited at settlement, not returned.
func Resolve(direction model.Direction, entryPrice, expiryPrice, stake, payoutRate, fee decimal.Decimal, override *model.OutcomeOverride) Result {
	var won bool
	if override != nil {
		won = override.Outcome == model.OutcomeWin
	} else {
		switch direction {
		case model.DirectionUp:
			won = expiryPrice.GreaterThan(entryPrice)
		case model.DirectionDown:
			won = expiryPrice.LessThan(entryPrice)
		}
	}

	if !won {
		return Result{
			Outcome: model.OutcomeLoss,
			Payout:  decimal.Zero,
			PnL:     decimal.Zero.Sub(stake),
		}
	}

	payout := stake.Mul(one.Add(payoutRate)).Sub(fee)
	return Result{
		Outcome: model.OutcomeWin,
		Payout:  payout,
		PnL:     payout.Sub(stake),
	}
}
