package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kryvextrading/options-engine/internal/engine"
	"github.com/kryvextrading/options-engine/internal/model"
	"github.com/kryvextrading/options-engine/internal/oracle"
	"github.com/kryvextrading/options-engine/internal/store"
)

func (e *testEnv) schedule(t *testing.T, strike decimal.Decimal, due time.Duration) *model.ScheduledOptionTrade {
	t.Helper()
	trade, err := e.eng.Schedule(context.Background(), engine.ScheduleParams{
		UserID:           e.userID,
		Symbol:           "BTCUSDT",
		Direction:        model.DirectionUp,
		Stake:            d(100),
		StrikePrice:      strike,
		Duration:         60 * time.Second,
		PayoutRate:       d(0.8),
		ScheduledTimeUTC: e.clock.Now().Add(due),
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return trade
}

func TestSchedule_HoldsStakeUntilExecution(t *testing.T) {
	env := newTestEnv(t)
	trade := env.schedule(t, decimal.Zero, 5*time.Minute)

	if trade.Status != model.TradePending {
		t.Errorf("expected PENDING, got %s", trade.Status)
	}

	b := env.balance(t)
	if !b.Available.Equal(d(900)) || !b.Locked.Equal(d(100)) {
		t.Errorf("stake not held: %+v", b)
	}
}

func TestSchedule_RejectsPastTime(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.eng.Schedule(context.Background(), engine.ScheduleParams{
		UserID:           env.userID,
		Symbol:           "BTCUSDT",
		Direction:        model.DirectionUp,
		Stake:            d(100),
		Duration:         60 * time.Second,
		PayoutRate:       d(0.8),
		ScheduledTimeUTC: env.clock.Now().Add(-time.Minute),
	})
	if !errors.Is(err, engine.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
}

func TestCancel_ReleasesHold(t *testing.T) {
	env := newTestEnv(t)
	trade := env.schedule(t, decimal.Zero, 5*time.Minute)

	cancelled, err := env.eng.Cancel(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.TradeCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}

	b := env.balance(t)
	if !b.Available.Equal(d(1000)) || !b.Locked.IsZero() {
		t.Errorf("hold not released: %+v", b)
	}
}

func TestCancel_ThenExecuteFails(t *testing.T) {
	env := newTestEnv(t)
	trade := env.schedule(t, decimal.Zero, 5*time.Minute)

	if _, err := env.eng.Cancel(context.Background(), trade.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// A repeated cancel is an idempotent no-op, not an error.
	again, err := env.eng.Cancel(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Status != model.TradeCancelled {
		t.Errorf("second cancel returned status %s", again.Status)
	}
	if b := env.balance(t); !b.Available.Equal(d(1000)) || !b.Locked.IsZero() {
		t.Errorf("repeated cancel moved money: %+v", b)
	}

	env.clock.Advance(6 * time.Minute)
	_, err = env.eng.ExecuteScheduled(context.Background(), trade.ID)
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("execute after cancel: expected ErrInvalidTransition, got %v", err)
	}
}

func TestExecuteScheduled_BeforeDueTime(t *testing.T) {
	env := newTestEnv(t)
	trade := env.schedule(t, decimal.Zero, 5*time.Minute)

	_, err := env.eng.ExecuteScheduled(context.Background(), trade.ID)
	if !errors.Is(err, engine.ErrNotYetExpired) {
		t.Fatalf("expected ErrNotYetExpired, got %v", err)
	}

	got, _ := env.eng.ScheduledTrade(context.Background(), trade.ID)
	if got.Status != model.TradePending {
		t.Errorf("premature execution changed status to %s", got.Status)
	}
}

func TestExecuteScheduled_PromotesWithStrikePrice(t *testing.T) {
	env := newTestEnv(t)
	trade := env.schedule(t, d(51000), 5*time.Minute)

	env.clock.Advance(5 * time.Minute)
	order, err := env.eng.ExecuteScheduled(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if order.Status != model.OrderActive {
		t.Errorf("expected ACTIVE order, got %s", order.Status)
	}
	if !order.EntryPrice.Equal(d(51000)) {
		t.Errorf("expected recorded strike 51000 as entry, got %s", order.EntryPrice)
	}

	got, _ := env.eng.ScheduledTrade(context.Background(), trade.ID)
	if got.Status != model.TradeExecuted || got.OrderID != order.ID {
		t.Errorf("trade not linked to order: %+v", got)
	}

	// The scheduling hold keeps backing the live order.
	b := env.balance(t)
	if !b.Available.Equal(d(900)) || !b.Locked.Equal(d(100)) {
		t.Errorf("unexpected balances after promotion: %+v", b)
	}
}

func TestExecuteScheduled_ZeroStrikeReadsOracle(t *testing.T) {
	env := newTestEnv(t)
	trade := env.schedule(t, decimal.Zero, 5*time.Minute)

	env.clock.Advance(5 * time.Minute)
	env.orc.Set("BTCUSDT", d(49500))

	order, err := env.eng.ExecuteScheduled(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !order.EntryPrice.Equal(d(49500)) {
		t.Errorf("expected oracle entry price 49500, got %s", order.EntryPrice)
	}
}

func TestExecuteScheduled_OracleFailureLeavesPending(t *testing.T) {
	env := newTestEnv(t)
	trade := env.schedule(t, decimal.Zero, 5*time.Minute)

	env.clock.Advance(5 * time.Minute)
	env.orc.Fail(oracle.ErrPriceUnavailable)

	_, err := env.eng.ExecuteScheduled(context.Background(), trade.ID)
	if !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}

	got, _ := env.eng.ScheduledTrade(context.Background(), trade.ID)
	if got.Status != model.TradePending {
		t.Errorf("failed execution must leave trade PENDING, got %s", got.Status)
	}

	// Retry succeeds once the feed recovers.
	env.orc.Fail(nil)
	env.orc.Set("BTCUSDT", d(50500))
	order, err := env.eng.ExecuteScheduled(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if order.Status != model.OrderActive {
		t.Errorf("expected ACTIVE order on retry, got %s", order.Status)
	}
}

func TestExecuteScheduled_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	trade := env.schedule(t, d(51000), 5*time.Minute)

	env.clock.Advance(5 * time.Minute)
	first, err := env.eng.ExecuteScheduled(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := env.eng.ExecuteScheduled(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second execution produced a different order: %s vs %s", second.ID, first.ID)
	}

	b := env.balance(t)
	if !b.Locked.Equal(d(100)) {
		t.Errorf("expected a single 100 lock, got %s", b.Locked)
	}
}

func TestExecuteScheduled_OrderWriteFailureIsRetryable(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &faultStore{Store: ms, failCreateOrder: 1}
	env := newTestEnvWith(t, fs, ms)

	trade := env.schedule(t, d(51000), 5*time.Minute)
	env.clock.Advance(5 * time.Minute)

	if _, err := env.eng.ExecuteScheduled(context.Background(), trade.ID); err == nil {
		t.Fatal("expected order write failure")
	}

	// The claim is rolled back and the hold untouched, so nothing is
	// stranded and a later sweep can retry.
	got, err := env.eng.ScheduledTrade(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if got.Status != model.TradePending {
		t.Fatalf("failed promotion left trade %s", got.Status)
	}
	if got.OrderID != "" {
		t.Errorf("failed promotion left order link %s", got.OrderID)
	}
	b := env.balance(t)
	if !b.Available.Equal(d(900)) || !b.Locked.Equal(d(100)) {
		t.Errorf("hold disturbed by failed promotion: %+v", b)
	}

	order, err := env.eng.ExecuteScheduled(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if order.Status != model.OrderActive {
		t.Errorf("expected ACTIVE order on retry, got %s", order.Status)
	}
	if b := env.balance(t); !b.Locked.Equal(d(100)) {
		t.Errorf("expected a single 100 lock after retry, got %s", b.Locked)
	}
}

func TestExecuteScheduled_ResumesInterruptedPromotion(t *testing.T) {
	env := newTestEnv(t)
	trade := env.schedule(t, d(51000), 5*time.Minute)
	env.clock.Advance(5 * time.Minute)

	// Claim recorded, order row missing: the shape a crash between the
	// two writes leaves behind.
	if err := env.ms.UpdateScheduledTradeStatus(context.Background(), trade.ID, model.TradePending, model.TradeExecuted, "order-interrupted"); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	order, err := env.eng.ExecuteScheduled(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if order.ID != "order-interrupted" {
		t.Errorf("resumed under a different order id %s", order.ID)
	}
	if order.Status != model.OrderActive {
		t.Errorf("expected ACTIVE order, got %s", order.Status)
	}
	if b := env.balance(t); !b.Locked.Equal(d(100)) {
		t.Errorf("resume disturbed the hold: %s", b.Locked)
	}
}

func TestCancel_RetryReleasesHoldAfterFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &faultStore{Store: ms}
	env := newTestEnvWith(t, fs, ms)

	trade := env.schedule(t, decimal.Zero, 5*time.Minute)

	// The CANCELLED transition lands but the hold release fails.
	fs.failApply = 1
	if _, err := env.eng.Cancel(context.Background(), trade.ID); err == nil {
		t.Fatal("expected release failure")
	}
	got, _ := env.eng.ScheduledTrade(context.Background(), trade.ID)
	if got.Status != model.TradeCancelled {
		t.Fatalf("expected CANCELLED after failed release, got %s", got.Status)
	}
	if b := env.balance(t); !b.Locked.Equal(d(100)) {
		t.Fatalf("hold unexpectedly released: %s", b.Locked)
	}

	// A retried cancel completes the release.
	cancelled, err := env.eng.Cancel(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if cancelled.Status != model.TradeCancelled {
		t.Errorf("retry returned status %s", cancelled.Status)
	}
	b := env.balance(t)
	if !b.Available.Equal(d(1000)) || !b.Locked.IsZero() {
		t.Errorf("hold not released on retry: %+v", b)
	}
}

func TestExecuteScheduled_ThenExpireSettles(t *testing.T) {
	env := newTestEnv(t)
	trade := env.schedule(t, d(50000), 5*time.Minute)

	env.clock.Advance(5 * time.Minute)
	order, err := env.eng.ExecuteScheduled(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	env.clock.Advance(61 * time.Second)
	env.orc.Set("BTCUSDT", d(50500))

	settled, err := env.eng.Expire(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if settled.Outcome != model.OutcomeWin {
		t.Errorf("expected WIN, got %s", settled.Outcome)
	}

	b := env.balance(t)
	if !b.Available.Equal(d(1080)) || !b.Locked.IsZero() {
		t.Errorf("expected 1080 available after full lifecycle, got %+v", b)
	}
}
