package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kryvextrading/options-engine/internal/metrics"
)

// Sweeper is the server-side authority for money-moving transitions.
// Client countdowns are advisory triggers only; the sweep re-checks
// now >= endTime for every ACTIVE order and promotes every due scheduled
// trade, independent of any client being connected.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper creates a sweeper driving the given engine.
func NewSweeper(e *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{engine: e, interval: interval}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("expiry sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: settle expired ACTIVE orders, then promote due
// PENDING scheduled trades. Individual failures are logged and left for
// the next pass — expire and execute are idempotent and time-gated, so a
// retry is always safe.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := s.engine.now()

	due, err := s.engine.store.ListExpiredActiveOrders(ctx, now)
	if err != nil {
		slog.Error("sweep: listing expired orders failed", "err", err)
	}
	for _, o := range due {
		if _, err := s.engine.Expire(ctx, o.ID); err != nil {
			if errors.Is(err, ErrNotYetExpired) {
				continue
			}
			slog.Error("sweep: expire failed", "order", o.ID, "err", err)
			continue
		}
		metrics.SweepSettled.Inc()
	}

	trades, err := s.engine.store.ListDueScheduledTrades(ctx, now)
	if err != nil {
		slog.Error("sweep: listing due scheduled trades failed", "err", err)
	}
	for _, t := range trades {
		if _, err := s.engine.ExecuteScheduled(ctx, t.ID); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrInvalidTransition) {
				continue // already handled elsewhere
			}
			slog.Error("sweep: scheduled execution failed", "trade", t.ID, "err", err)
		}
	}
}
