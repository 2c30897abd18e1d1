// Package engine implements the option order lifecycle: admission, stake
// locking, expiry settlement, scheduled-trade promotion, and cancellation.
//
// The engine never writes balances directly — every balance effect goes
// through the wallet manager, which is the sole producer of ledger entries.
package engine

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
	"github.com/kryvextrading/options-engine/internal/metrics"
	"github.com/kryvextrading/options-engine/internal/model"
	"github.com/kryvextrading/options-engine/internal/oracle"
	"github.com/kryvextrading/options-engine/internal/outcome"
	"github.com/kryvextrading/options-engine/internal/risk"
	"github.com/kryvextrading/options-engine/internal/store"
	"github.com/kryvextrading/options-engine/internal/symbol"
	"github.com/kryvextrading/options-engine/internal/wallet"
)

var (
	// ErrInvalidOrder is returned for out-of-range placement parameters.
	// Fails fast, no side effects.
	ErrInvalidOrder = errors.New("engine: invalid order parameters")

	// ErrNotYetExpired is returned when expire is called before endTime.
	// The call is a no-op; expiry is time-gated, never trusted from a
	// caller-supplied flag.
	ErrNotYetExpired = errors.New("engine: order not yet expired")

	// ErrInvalidTransition is returned for state machine violations, e.g.
	// cancelling an already-executed trade or expiring a cancelled one.
	ErrInvalidTransition = errors.New("engine: invalid state transition")

	// ErrConcurrencyConflict is returned when an operation lost a
	// per-order race. Treat as "already handled", not as retryable.
	ErrConcurrencyConflict = errors.New("engine: lost concurrent update race")
)

// Engine is the state machine governing option orders from admission
// through settlement.
type Engine struct {
	store  store.Store
	wallet *wallet.Manager
	oracle oracle.Oracle
	limits risk.Limits
	bus    event.Publisher
	now    func() time.Time

	orderMus [64]sync.Mutex // striped per-order settlement guards
}

// New creates an engine. Pass nil for bus if change events are not needed.
func New(st store.Store, wm *wallet.Manager, or oracle.Oracle, limits risk.Limits, bus event.Publisher) *Engine {
	return &Engine{
		store:  st,
		wallet: wm,
		oracle: or,
		limits: limits,
		bus:    bus,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// orderLock returns the stripe guarding settlement of one order.
// Colliding orders serialize against each other, which is harmless.
func (e *Engine) orderLock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &e.orderMus[h.Sum32()%uint32(len(e.orderMus))]
}

// PlaceParams are the admission parameters for a new option order.
type PlaceParams struct {
	UserID           string
	Symbol           string
	Asset            string // staked asset; defaults to the symbol's quote
	Direction        model.Direction
	Stake            decimal.Decimal
	Fee              decimal.Decimal
	Duration         time.Duration
	PayoutRate       decimal.Decimal
	FluctuationRange decimal.Decimal
}

func (e *Engine) validate(ctx context.Context, p *PlaceParams) error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidOrder)
	}
	if !p.Direction.Valid() {
		return fmt.Errorf("%w: direction must be UP or DOWN", ErrInvalidOrder)
	}
	if !p.Stake.IsPositive() {
		return fmt.Errorf("%w: stake must be positive", ErrInvalidOrder)
	}
	if !p.PayoutRate.IsPositive() {
		return fmt.Errorf("%w: payout rate must be positive", ErrInvalidOrder)
	}
	if p.Fee.IsNegative() {
		return fmt.Errorf("%w: fee must not be negative", ErrInvalidOrder)
	}

	pair, err := symbol.Parse(p.Symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	p.Symbol = pair.Symbol
	if p.Asset == "" {
		p.Asset = pair.Quote
	}

	b, err := e.wallet.Balance(ctx, p.UserID, p.Asset)
	if err != nil {
		return err
	}
	if err := e.limits.CheckOrder(p.Stake, p.Duration, b.Locked); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	return nil
}

// Place admits a new order: validates parameters, locks the stake, reads
// the entry price, and transitions the order to ACTIVE.
//
// If the entry-price fetch fails after the lock succeeded, the lock is
// rolled back before the error surfaces — no stake is ever left stranded.
func (e *Engine) Place(ctx context.Context, p PlaceParams) (*model.OptionOrder, error) {
	if err := e.validate(ctx, &p); err != nil {
		metrics.PlacementRejections.WithLabelValues("invalid").Inc()
		return nil, err
	}

	id := uuid.New().String()

	if err := e.wallet.Lock(ctx, p.UserID, p.Asset, p.Stake, id); err != nil {
		metrics.PlacementRejections.WithLabelValues("funds").Inc()
		return nil, err
	}

	now := e.now()
	entryPrice, err := e.oracle.PriceAt(ctx, p.Symbol, now)
	if err != nil {
		// Roll back the lock before surfacing the oracle failure.
		if uerr := e.wallet.Unlock(ctx, p.UserID, p.Asset, p.Stake, id); uerr != nil {
			slog.Error("lock rollback failed", "order", id, "err", uerr)
		}
		metrics.PlacementRejections.WithLabelValues("price").Inc()
		return nil, err
	}

	order := &model.OptionOrder{
		ID:               id,
		UserID:           p.UserID,
		Symbol:           p.Symbol,
		Asset:            p.Asset,
		Direction:        p.Direction,
		Stake:            p.Stake,
		Fee:              p.Fee,
		EntryPrice:       entryPrice,
		Duration:         int64(p.Duration / time.Second),
		StartTime:        now,
		EndTime:          now.Add(p.Duration),
		Status:           model.OrderActive,
		PayoutRate:       p.PayoutRate,
		FluctuationRange: p.FluctuationRange,
		CreatedAt:        now,
	}

	if err := e.store.CreateOrder(ctx, order); err != nil {
		if uerr := e.wallet.Unlock(ctx, p.UserID, p.Asset, p.Stake, id); uerr != nil {
			slog.Error("lock rollback failed", "order", id, "err", uerr)
		}
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(p.Direction)).Inc()
	e.publish(event.TableOrders, event.Insert, order.ID, order)

	slog.Info("order placed",
		"order", order.ID,
		"user", order.UserID,
		"symbol", order.Symbol,
		"direction", order.Direction,
		"stake", order.Stake.String(),
		"entry_price", order.EntryPrice.String(),
		"end_time", order.EndTime,
	)
	return order, nil
}

// Expire settles an ACTIVE order whose end time has passed.
//
// It is idempotent-safe: a second call on an already-COMPLETED order is a
// no-op returning the existing result, never a double settlement. The
// per-order mutex plus the store's ACTIVE→COMPLETED check-and-set mean
// only one of two concurrent triggers proceeds to settle; the other
// observes the already-updated state.
func (e *Engine) Expire(ctx context.Context, orderID string) (*model.OptionOrder, error) {
	l := e.orderLock(orderID)
	l.Lock()
	defer l.Unlock()

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case model.OrderCompleted:
		return order, nil
	case model.OrderActive:
	default:
		return nil, fmt.Errorf("%w: cannot expire %s order %s", ErrInvalidTransition, order.Status, orderID)
	}

	now := e.now()
	if now.Before(order.EndTime) {
		return nil, fmt.Errorf("%w: order %s expires at %s", ErrNotYetExpired, orderID, order.EndTime.Format(time.RFC3339))
	}

	expiryPrice, err := e.oracle.PriceAt(ctx, order.Symbol, order.EndTime)
	if err != nil {
		// Order stays ACTIVE; a later expiry attempt retries safely.
		return nil, err
	}

	net, settled, err := e.wallet.SettledAmount(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var res outcome.Result
	if settled {
		// An earlier attempt moved the money but never completed the
		// order row. The price may have changed since; the order must
		// record the result the ledger actually paid.
		res = settledResult(order.Stake, net)
	} else {
		res = outcome.Resolve(order.Direction, order.EntryPrice, expiryPrice,
			order.Stake, order.PayoutRate, order.Fee, order.Override)

		// Move the money first: the settle idempotency key (order id +
		// kind) makes a retry after a partial failure a no-op, so funds
		// move exactly once no matter where a crash lands.
		if err := e.wallet.Settle(ctx, order.UserID, order.Asset, order.Stake, res.PnL, orderID); err != nil {
			return nil, fmt.Errorf("settle order %s: %w", orderID, err)
		}
	}

	if err := e.store.CompleteOrder(ctx, orderID, expiryPrice, res.PnL, res.Outcome, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another instance won the check-and-set; its settle used the
			// same idempotency key, so nothing was double-applied.
			return e.store.GetOrder(ctx, orderID)
		}
		return nil, err
	}

	order, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	metrics.OrdersSettled.WithLabelValues(string(res.Outcome)).Inc()
	metrics.SettlementLatency.Observe(now.Sub(order.EndTime).Seconds())
	e.publish(event.TableOrders, event.Update, order.ID, order)

	slog.Info("order settled",
		"order", order.ID,
		"user", order.UserID,
		"symbol", order.Symbol,
		"outcome", res.Outcome,
		"expiry_price", expiryPrice.String(),
		"pnl", res.PnL.String(),
		"overridden", order.Override != nil,
	)
	return order, nil
}

// settledResult reconstructs an order's outcome from the net amount its
// settlement already moved. A LOSS forfeits exactly the stake; anything
// else was paid out as a WIN.
func settledResult(stake, net decimal.Decimal) outcome.Result {
	if net.Equal(stake.Neg()) {
		return outcome.Result{Outcome: model.OutcomeLoss, Payout: decimal.Zero, PnL: net}
	}
	return outcome.Result{Outcome: model.OutcomeWin, Payout: stake.Add(net), PnL: net}
}

// SetOverride records an administrative outcome directive on an ACTIVE
// order. The directive is audited on the order row and takes precedence
// over the price comparison at settlement. The caller is an authenticated
// administrative principal; authentication happens upstream.
func (e *Engine) SetOverride(ctx context.Context, orderID string, out model.Outcome, setBy string) (*model.OptionOrder, error) {
	if out != model.OutcomeWin && out != model.OutcomeLoss {
		return nil, fmt.Errorf("%w: override outcome must be WIN or LOSS", ErrInvalidOrder)
	}
	if setBy == "" {
		return nil, fmt.Errorf("%w: override requires an acting admin", ErrInvalidOrder)
	}

	l := e.orderLock(orderID)
	l.Lock()
	defer l.Unlock()

	ov := model.OutcomeOverride{Outcome: out, SetBy: setBy, SetAt: e.now()}
	if err := e.store.SetOrderOverride(ctx, orderID, ov); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: order %s is no longer ACTIVE", ErrInvalidTransition, orderID)
		}
		return nil, err
	}

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	e.publish(event.TableOrders, event.Update, order.ID, order)

	slog.Warn("outcome override recorded",
		"order", orderID, "outcome", out, "set_by", setBy)
	return order, nil
}

// Order returns an order by ID.
func (e *Engine) Order(ctx context.Context, id string) (*model.OptionOrder, error) {
	return e.store.GetOrder(ctx, id)
}

// OrdersByUser returns all of a user's orders, newest first.
func (e *Engine) OrdersByUser(ctx context.Context, userID string) ([]model.OptionOrder, error) {
	return e.store.ListOrdersByUser(ctx, userID)
}

func (e *Engine) publish(table string, kind event.Kind, id string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(event.ChangeEvent{
		Table: table, Kind: kind, ID: id, At: e.now(), Payload: payload,
	})
}
