package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kryvextrading/options-engine/internal/event"
	"github.com/kryvextrading/options-engine/internal/model"
	"github.com/kryvextrading/options-engine/internal/store"
)

// ScheduleParams are the admission parameters for a future-dated trade.
type ScheduleParams struct {
	UserID           string
	Symbol           string
	Asset            string
	Direction        model.Direction
	Stake            decimal.Decimal
	StrikePrice      decimal.Decimal // optional; zero means "read the oracle at execution"
	Duration         time.Duration
	PayoutRate       decimal.Decimal
	FluctuationRange decimal.Decimal
	ScheduledTimeUTC time.Time
}

// Schedule admits a future-dated trade. The stake is provisionally locked
// at scheduling time so it cannot be spent elsewhere before execution;
// cancellation releases the hold.
func (e *Engine) Schedule(ctx context.Context, p ScheduleParams) (*model.ScheduledOptionTrade, error) {
	place := PlaceParams{
		UserID:           p.UserID,
		Symbol:           p.Symbol,
		Asset:            p.Asset,
		Direction:        p.Direction,
		Stake:            p.Stake,
		Duration:         p.Duration,
		PayoutRate:       p.PayoutRate,
		FluctuationRange: p.FluctuationRange,
	}
	if err := e.validate(ctx, &place); err != nil {
		return nil, err
	}
	if p.StrikePrice.IsNegative() {
		return nil, fmt.Errorf("%w: strike price must not be negative", ErrInvalidOrder)
	}
	now := e.now()
	if !p.ScheduledTimeUTC.After(now) {
		return nil, fmt.Errorf("%w: scheduled time must be in the future", ErrInvalidOrder)
	}

	id := uuid.New().String()
	if err := e.wallet.Lock(ctx, place.UserID, place.Asset, p.Stake, id); err != nil {
		return nil, err
	}

	trade := &model.ScheduledOptionTrade{
		ID:               id,
		UserID:           place.UserID,
		Symbol:           place.Symbol,
		Asset:            place.Asset,
		Direction:        p.Direction,
		Stake:            p.Stake,
		StrikePrice:      p.StrikePrice,
		Duration:         int64(p.Duration / time.Second),
		PayoutRate:       p.PayoutRate,
		FluctuationRange: p.FluctuationRange,
		ScheduledTimeUTC: p.ScheduledTimeUTC.UTC(),
		Status:           model.TradePending,
		CreatedAt:        now,
	}

	if err := e.store.CreateScheduledTrade(ctx, trade); err != nil {
		if uerr := e.wallet.Unlock(ctx, place.UserID, place.Asset, p.Stake, id); uerr != nil {
			slog.Error("provisional hold rollback failed", "trade", id, "err", uerr)
		}
		return nil, err
	}

	e.publish(event.TableScheduledTrades, event.Insert, trade.ID, trade)
	slog.Info("trade scheduled",
		"trade", trade.ID,
		"user", trade.UserID,
		"symbol", trade.Symbol,
		"scheduled_for", trade.ScheduledTimeUTC,
	)
	return trade, nil
}

// Cancel cancels a PENDING scheduled trade and releases its provisional
// hold. A repeated cancel on an already-CANCELLED trade re-runs the
// release — the unlock idempotency key makes that a no-op when the hold
// already came back, and a recovery when an earlier release failed midway.
// Any other status fails with ErrInvalidTransition; an ACTIVE order cannot
// be cancelled, only settled by expiry.
func (e *Engine) Cancel(ctx context.Context, tradeID string) (*model.ScheduledOptionTrade, error) {
	l := e.orderLock(tradeID)
	l.Lock()
	defer l.Unlock()

	trade, err := e.store.GetScheduledTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	switch trade.Status {
	case model.TradePending:
		if err := e.store.UpdateScheduledTradeStatus(ctx, tradeID, model.TradePending, model.TradeCancelled, ""); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil, fmt.Errorf("%w: trade %s already advanced", ErrConcurrencyConflict, tradeID)
			}
			return nil, err
		}
		trade.Status = model.TradeCancelled
	case model.TradeCancelled:
	default:
		return nil, fmt.Errorf("%w: cannot cancel %s trade %s", ErrInvalidTransition, trade.Status, tradeID)
	}

	if err := e.wallet.Unlock(ctx, trade.UserID, trade.Asset, trade.Stake, tradeID); err != nil {
		slog.Error("provisional hold release failed", "trade", tradeID, "err", err)
		return nil, err
	}

	e.publish(event.TableScheduledTrades, event.Update, trade.ID, trade)
	slog.Info("scheduled trade cancelled", "trade", tradeID, "user", trade.UserID)
	return trade, nil
}

// ExecuteScheduled promotes a due PENDING trade into a live ACTIVE order.
// Exactly one EXECUTED transition wins: the PENDING→EXECUTED check-and-set
// claims the trade, so a concurrent cancel or a second sweeper pass
// observes the conflict and stops. The stake keeps the hold taken at
// scheduling time; the trade row links it to the promoted order. If the
// order row fails to land after the claim, the claim is reopened so the
// next sweep retries with the hold intact.
func (e *Engine) ExecuteScheduled(ctx context.Context, tradeID string) (*model.OptionOrder, error) {
	l := e.orderLock(tradeID)
	l.Lock()
	defer l.Unlock()

	trade, err := e.store.GetScheduledTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	claimed := false
	switch trade.Status {
	case model.TradePending:
	case model.TradeExecuted:
		if trade.OrderID == "" {
			return nil, fmt.Errorf("%w: trade %s already executed", ErrInvalidTransition, tradeID)
		}
		order, err := e.store.GetOrder(ctx, trade.OrderID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		// The claim landed but the order row never did. Resume the
		// interrupted promotion under the recorded order ID.
		claimed = true
	default:
		return nil, fmt.Errorf("%w: cannot execute %s trade %s", ErrInvalidTransition, trade.Status, tradeID)
	}

	now := e.now()
	if now.Before(trade.ScheduledTimeUTC) {
		return nil, fmt.Errorf("%w: trade %s is scheduled for %s", ErrNotYetExpired, tradeID, trade.ScheduledTimeUTC.Format(time.RFC3339))
	}

	// Entry price: the recorded strike when present, else a fresh read.
	entryPrice := trade.StrikePrice
	if !entryPrice.IsPositive() {
		entryPrice, err = e.oracle.PriceAt(ctx, trade.Symbol, now)
		if err != nil {
			// Nothing written yet; a later attempt retries.
			return nil, err
		}
	}

	orderID := trade.OrderID
	if !claimed {
		orderID = uuid.New().String()
		if err := e.store.UpdateScheduledTradeStatus(ctx, tradeID, model.TradePending, model.TradeExecuted, orderID); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil, fmt.Errorf("%w: trade %s already advanced", ErrConcurrencyConflict, tradeID)
			}
			return nil, err
		}
		trade.Status = model.TradeExecuted
		trade.OrderID = orderID
	}

	duration := time.Duration(trade.Duration) * time.Second
	order := &model.OptionOrder{
		ID:               orderID,
		UserID:           trade.UserID,
		Symbol:           trade.Symbol,
		Asset:            trade.Asset,
		Direction:        trade.Direction,
		Stake:            trade.Stake,
		Fee:              decimal.Zero,
		EntryPrice:       entryPrice,
		Duration:         trade.Duration,
		StartTime:        now,
		EndTime:          now.Add(duration),
		Status:           model.OrderActive,
		PayoutRate:       trade.PayoutRate,
		FluctuationRange: trade.FluctuationRange,
		CreatedAt:        now,
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		// Reopen the claim so a later sweep retries. The hold never
		// moved, so no funds are stranded either way.
		if rerr := e.store.UpdateScheduledTradeStatus(ctx, tradeID, model.TradeExecuted, model.TradePending, ""); rerr != nil {
			slog.Error("scheduled claim rollback failed", "trade", tradeID, "err", rerr)
		}
		return nil, err
	}

	e.publish(event.TableScheduledTrades, event.Update, trade.ID, trade)
	e.publish(event.TableOrders, event.Insert, order.ID, order)

	slog.Info("scheduled trade executed",
		"trade", tradeID,
		"order", order.ID,
		"user", order.UserID,
		"symbol", order.Symbol,
		"entry_price", entryPrice.String(),
	)
	return order, nil
}

// ScheduledTrade returns a scheduled trade by ID.
func (e *Engine) ScheduledTrade(ctx context.Context, id string) (*model.ScheduledOptionTrade, error) {
	return e.store.GetScheduledTrade(ctx, id)
}
