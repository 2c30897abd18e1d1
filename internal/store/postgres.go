package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kryvextrading/options-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Ledger appends rely on a unique index over idempotency_key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const orderColumns = `id, user_id, symbol, asset, direction,
	stake::TEXT, fee::TEXT, entry_price::TEXT, expiry_price::TEXT,
	duration, start_time, end_time, status,
	payout_rate::TEXT, fluctuation_range::TEXT,
	outcome, pnl::TEXT,
	override_outcome, override_set_by, override_set_at,
	completed_at, created_at`

// --- Option orders ---

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.OptionOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO option_orders
		   (id, user_id, symbol, asset, direction, stake, fee, entry_price,
		    duration, start_time, end_time, status, payout_rate,
		    fluctuation_range, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9, $10, $11, $12, $13::NUMERIC, $14::NUMERIC, $15)`,
		o.ID, o.UserID, o.Symbol, o.Asset, string(o.Direction),
		o.Stake.String(), o.Fee.String(), o.EntryPrice.String(),
		o.Duration, o.StartTime, o.EndTime, string(o.Status),
		o.PayoutRate.String(), o.FluctuationRange.String(), o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.OptionOrder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM option_orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.OptionOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM option_orders
		 WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListExpiredActiveOrders(ctx context.Context, now time.Time) ([]model.OptionOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM option_orders
		 WHERE status = 'ACTIVE' AND end_time <= $1 ORDER BY end_time`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) CompleteOrder(ctx context.Context, id string, expiryPrice, pnl decimal.Decimal, outcome model.Outcome, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE option_orders
		 SET status = 'COMPLETED', expiry_price = $2::NUMERIC, pnl = $3::NUMERIC,
		     outcome = $4, completed_at = $5
		 WHERE id = $1 AND status = 'ACTIVE'`,
		id, expiryPrice.String(), pnl.String(), string(outcome), completedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s not ACTIVE: %w", id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) SetOrderOverride(ctx context.Context, id string, ov model.OutcomeOverride) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE option_orders
		 SET override_outcome = $2, override_set_by = $3, override_set_at = $4
		 WHERE id = $1 AND status = 'ACTIVE'`,
		id, string(ov.Outcome), ov.SetBy, ov.SetAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s not ACTIVE: %w", id, ErrConflict)
	}
	return nil
}

// --- Scheduled trades ---

const tradeColumns = `id, user_id, symbol, asset, direction,
	stake::TEXT, strike_price::TEXT, duration,
	payout_rate::TEXT, fluctuation_range::TEXT,
	scheduled_time_utc, status, COALESCE(order_id, ''), created_at`

func (s *PostgresStore) CreateScheduledTrade(ctx context.Context, t *model.ScheduledOptionTrade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_option_trades
		   (id, user_id, symbol, asset, direction, stake, strike_price,
		    duration, payout_rate, fluctuation_range, scheduled_time_utc,
		    status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8,
		         $9::NUMERIC, $10::NUMERIC, $11, $12, $13)`,
		t.ID, t.UserID, t.Symbol, t.Asset, string(t.Direction),
		t.Stake.String(), t.StrikePrice.String(), t.Duration,
		t.PayoutRate.String(), t.FluctuationRange.String(),
		t.ScheduledTimeUTC, string(t.Status), t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetScheduledTrade(ctx context.Context, id string) (*model.ScheduledOptionTrade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM scheduled_option_trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scheduled trade %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled trade %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListDueScheduledTrades(ctx context.Context, now time.Time) ([]model.ScheduledOptionTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM scheduled_option_trades
		 WHERE status = 'PENDING' AND scheduled_time_utc <= $1
		 ORDER BY scheduled_time_utc`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.ScheduledOptionTrade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) UpdateScheduledTradeStatus(ctx context.Context, id string, from, to model.TradeStatus, orderID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_option_trades
		 SET status = $3, order_id = NULLIF($4, '')
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), orderID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scheduled trade %s not %s: %w", id, from, ErrConflict)
	}
	return nil
}

// --- Wallet balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID, asset string) (*model.WalletBalance, error) {
	b := &model.WalletBalance{UserID: userID, Asset: asset}
	var available, locked, total string

	err := s.pool.QueryRow(ctx,
		`SELECT available::TEXT, locked::TEXT, total::TEXT, updated_at
		 FROM wallet_balances WHERE user_id = $1 AND asset = $2`,
		userID, asset).
		Scan(&available, &locked, &total, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		b.Available, b.Locked, b.Total = decimal.Zero, decimal.Zero, decimal.Zero
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s/%s: %w", userID, asset, err)
	}

	b.Available, _ = decimal.NewFromString(available)
	b.Locked, _ = decimal.NewFromString(locked)
	b.Total, _ = decimal.NewFromString(total)
	return b, nil
}

// --- Immutable ledger ---

// ApplyBalanceChange runs the balance upsert and ledger appends in one
// transaction. The unique index on idempotency_key turns a replayed append
// into ErrDuplicateKey and rolls the whole unit back.
func (s *PostgresStore) ApplyBalanceChange(ctx context.Context, b *model.WalletBalance, entries []*model.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_balances (user_id, asset, available, locked, total, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (user_id, asset) DO UPDATE
		 SET available = EXCLUDED.available, locked = EXCLUDED.locked,
		     total = EXCLUDED.total, updated_at = EXCLUDED.updated_at`,
		b.UserID, b.Asset, b.Available.String(), b.Locked.String(),
		b.Total.String(), b.UpdatedAt,
	)
	if err != nil {
		return err
	}

	for _, e := range entries {
		err := tx.QueryRow(ctx,
			`INSERT INTO ledger_entries
			   (id, user_id, asset, type, amount, reference, idempotency_key,
			    balance_before, balance_after, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8::NUMERIC, $9::NUMERIC, $10)
			 RETURNING seq`,
			e.ID, e.UserID, e.Asset, string(e.Type), e.Amount.String(),
			e.Reference, e.IdempotencyKey,
			e.BalanceBefore.String(), e.BalanceAfter.String(), e.Timestamp,
		).Scan(&e.Seq)
		if isUniqueViolation(err) {
			return fmt.Errorf("key %s: %w", e.IdempotencyKey, ErrDuplicateKey)
		}
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetLedgerEntryByKey(ctx context.Context, key string) (*model.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, seq, user_id, asset, type, amount::TEXT, reference,
		        idempotency_key, balance_before::TEXT, balance_after::TEXT, timestamp
		 FROM ledger_entries WHERE idempotency_key = $1`, key)
	e, err := scanLedgerEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return e, err
}

func (s *PostgresStore) LedgerEntries(ctx context.Context, userID, asset string, afterSeq int64, limit int) ([]model.LedgerEntry, error) {
	q := `SELECT id, seq, user_id, asset, type, amount::TEXT, reference,
	             idempotency_key, balance_before::TEXT, balance_after::TEXT, timestamp
	      FROM ledger_entries
	      WHERE user_id = $1 AND asset = $2 AND seq > $3
	      ORDER BY seq`
	args := []any{userID, asset, afterSeq}
	if limit > 0 {
		q += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// --- Row scanning ---

type pgxRow interface {
	Scan(dest ...any) error
}

func scanOrder(row pgxRow) (*model.OptionOrder, error) {
	var o model.OptionOrder
	var direction, status string
	var stake, fee, entryPrice, payoutRate, fluctuation string
	var expiryPrice, pnl, outcome, ovOutcome, ovSetBy *string
	var ovSetAt, completedAt *time.Time

	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Asset, &direction,
		&stake, &fee, &entryPrice, &expiryPrice,
		&o.Duration, &o.StartTime, &o.EndTime, &status,
		&payoutRate, &fluctuation,
		&outcome, &pnl,
		&ovOutcome, &ovSetBy, &ovSetAt,
		&completedAt, &o.CreatedAt); err != nil {
		return nil, err
	}

	o.Direction = model.Direction(direction)
	o.Status = model.OrderStatus(status)
	o.Stake, _ = decimal.NewFromString(stake)
	o.Fee, _ = decimal.NewFromString(fee)
	o.EntryPrice, _ = decimal.NewFromString(entryPrice)
	o.PayoutRate, _ = decimal.NewFromString(payoutRate)
	o.FluctuationRange, _ = decimal.NewFromString(fluctuation)

	if expiryPrice != nil {
		ep, _ := decimal.NewFromString(*expiryPrice)
		o.ExpiryPrice = &ep
	}
	if pnl != nil {
		p, _ := decimal.NewFromString(*pnl)
		o.PnL = &p
	}
	if outcome != nil {
		o.Outcome = model.Outcome(*outcome)
	}
	if ovOutcome != nil && ovSetBy != nil && ovSetAt != nil {
		o.Override = &model.OutcomeOverride{
			Outcome: model.Outcome(*ovOutcome),
			SetBy:   *ovSetBy,
			SetAt:   *ovSetAt,
		}
	}
	o.CompletedAt = completedAt
	return &o, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanOrders(rows pgxRows) ([]model.OptionOrder, error) {
	var orders []model.OptionOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanTrade(row pgxRow) (*model.ScheduledOptionTrade, error) {
	var t model.ScheduledOptionTrade
	var direction, status string
	var stake, strike, payoutRate, fluctuation string

	if err := row.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Asset, &direction,
		&stake, &strike, &t.Duration,
		&payoutRate, &fluctuation,
		&t.ScheduledTimeUTC, &status, &t.OrderID, &t.CreatedAt); err != nil {
		return nil, err
	}

	t.Direction = model.Direction(direction)
	t.Status = model.TradeStatus(status)
	t.Stake, _ = decimal.NewFromString(stake)
	t.StrikePrice, _ = decimal.NewFromString(strike)
	t.PayoutRate, _ = decimal.NewFromString(payoutRate)
	t.FluctuationRange, _ = decimal.NewFromString(fluctuation)
	return &t, nil
}

func scanLedgerEntry(row pgxRow) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var typ, amount, before, after string

	if err := row.Scan(&e.ID, &e.Seq, &e.UserID, &e.Asset, &typ, &amount,
		&e.Reference, &e.IdempotencyKey, &before, &after, &e.Timestamp); err != nil {
		return nil, err
	}

	e.Type = model.EntryType(typ)
	e.Amount, _ = decimal.NewFromString(amount)
	e.BalanceBefore, _ = decimal.NewFromString(before)
	e.BalanceAfter, _ = decimal.NewFromString(after)
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
