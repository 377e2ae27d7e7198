package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"RiskGate/internal/risk"
)

const riskColumns = `version, max_consecutive_losses, daily_loss_limit_percent, account_drawdown_limit_percent,
	max_position_size, max_position_percent, consecutive_losses, daily_loss_percent, drawdown_percent,
	day_start_equity, peak_equity, current_equity, trading_halted, halt_reason, halt_trigger,
	halted_at_us, day_started_at_us, updated_at_us`

// RiskStore implements risk.Store. The state is a single row with id = 1;
// every write is conditional on the version read before it.
type RiskStore struct {
	db *DB
}

func NewRiskStore(db *DB) *RiskStore {
	return &RiskStore{db: db}
}

func (s *RiskStore) Load(ctx context.Context) (risk.State, error) {
	return s.load(ctx, s.db)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *RiskStore) load(ctx context.Context, q queryer) (risk.State, error) {
	row := q.QueryRowContext(ctx, `SELECT `+riskColumns+` FROM risk_state WHERE id = 1`)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.State{}, risk.ErrNotInitialized
	}
	if err != nil {
		return risk.State{}, fmt.Errorf("load risk state: %w", err)
	}
	return st, nil
}

func (s *RiskStore) Init(ctx context.Context, st risk.State) (risk.State, error) {
	args := append([]any{st.Version}, stateArgs(st)...)
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO risk_state (id, `+riskColumns+`)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (id) DO NOTHING`), args...,
	); err != nil {
		return risk.State{}, fmt.Errorf("init risk state: %w", err)
	}
	return s.Load(ctx)
}

func (s *RiskStore) Save(ctx context.Context, st risk.State, expectedVersion int64) (risk.State, error) {
	return s.save(ctx, s.db, st, expectedVersion)
}

func (s *RiskStore) save(ctx context.Context, q queryer, st risk.State, expectedVersion int64) (risk.State, error) {
	st.Version = expectedVersion + 1
	args := append([]any{st.Version}, stateArgs(st)...)
	args = append(args, expectedVersion)

	res, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE risk_state SET
			version = $1, max_consecutive_losses = $2, daily_loss_limit_percent = $3,
			account_drawdown_limit_percent = $4, max_position_size = $5, max_position_percent = $6,
			consecutive_losses = $7, daily_loss_percent = $8, drawdown_percent = $9,
			day_start_equity = $10, peak_equity = $11, current_equity = $12,
			trading_halted = $13, halt_reason = $14, halt_trigger = $15, halted_at_us = $16,
			day_started_at_us = $17, updated_at_us = $18
		 WHERE id = 1 AND version = $19`), args...,
	)
	if err != nil {
		return risk.State{}, fmt.Errorf("save risk state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return risk.State{}, err
	}
	if n == 0 {
		if _, err := s.load(ctx, q); errors.Is(err, risk.ErrNotInitialized) {
			return risk.State{}, err
		}
		return risk.State{}, risk.ErrVersionConflict
	}
	return st, nil
}

// ApplyOutcome inserts the outcome and saves the state in one transaction.
// ON CONFLICT makes a repeated order_id a no-op.
func (s *RiskStore) ApplyOutcome(ctx context.Context, o risk.Outcome, next risk.State, expectedVersion int64) (risk.State, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return risk.State{}, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO trade_outcomes (order_id, symbol, action, outcome, pnl, exit_reason, created_at_us, applied_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (order_id) DO NOTHING`),
		o.OrderID, o.Symbol, o.Action, string(o.Kind), o.PnL, string(o.ExitReason),
		toMicros(o.CreatedAt), expectedVersion+1,
	)
	if err != nil {
		return risk.State{}, false, fmt.Errorf("insert outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return risk.State{}, false, err
	}
	if n == 0 {
		return risk.State{}, false, nil
	}

	saved, err := s.save(ctx, tx, next, expectedVersion)
	if err != nil {
		return risk.State{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return risk.State{}, false, err
	}
	return saved, true, nil
}

func (s *RiskStore) HasOutcome(ctx context.Context, orderID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT COUNT(*) FROM trade_outcomes WHERE order_id = $1`), orderID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup outcome: %w", err)
	}
	return n > 0, nil
}

func (s *RiskStore) ListOutcomes(ctx context.Context, symbol string, limit int) ([]risk.Outcome, error) {
	query := `SELECT order_id, symbol, action, outcome, pnl, exit_reason, created_at_us FROM trade_outcomes`
	var args []any
	if symbol != "" {
		args = append(args, symbol)
		query += ` WHERE symbol = $1`
	}
	query += ` ORDER BY created_at_us DESC, order_id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []risk.Outcome
	for rows.Next() {
		var (
			o          risk.Outcome
			kind, exit string
			us         int64
		)
		if err := rows.Scan(&o.OrderID, &o.Symbol, &o.Action, &kind, &o.PnL, &exit, &us); err != nil {
			return nil, err
		}
		o.Kind = risk.OutcomeKind(kind)
		o.ExitReason = risk.ExitReason(exit)
		o.CreatedAt = fromMicros(us)
		out = append(out, o)
	}
	return out, rows.Err()
}

// stateArgs returns columns 2..18 of riskColumns in order.
func stateArgs(st risk.State) []any {
	var haltedAt sql.NullInt64
	if st.HaltedAt != nil {
		haltedAt = sql.NullInt64{Int64: toMicros(*st.HaltedAt), Valid: true}
	}
	t := st.Thresholds
	return []any{
		t.MaxConsecutiveLosses, t.DailyLossLimitPercent, t.AccountDrawdownLimitPercent,
		t.MaxPositionSize, t.MaxPositionPercent,
		st.ConsecutiveLosses, st.DailyLossPercent, st.DrawdownPercent,
		st.DayStartEquity, st.PeakEquity, st.CurrentEquity,
		st.TradingHalted, st.HaltReason, st.HaltTrigger, haltedAt,
		toMicros(st.DayStartedAt), toMicros(st.UpdatedAt),
	}
}

func scanState(row rowScanner) (risk.State, error) {
	var (
		st                  risk.State
		haltedAt            sql.NullInt64
		dayStartUS, updated int64
	)
	t := &st.Thresholds
	if err := row.Scan(&st.Version,
		&t.MaxConsecutiveLosses, &t.DailyLossLimitPercent, &t.AccountDrawdownLimitPercent,
		&t.MaxPositionSize, &t.MaxPositionPercent,
		&st.ConsecutiveLosses, &st.DailyLossPercent, &st.DrawdownPercent,
		&st.DayStartEquity, &st.PeakEquity, &st.CurrentEquity,
		&st.TradingHalted, &st.HaltReason, &st.HaltTrigger, &haltedAt,
		&dayStartUS, &updated,
	); err != nil {
		return risk.State{}, err
	}
	if haltedAt.Valid {
		ts := fromMicros(haltedAt.Int64)
		st.HaltedAt = &ts
	}
	st.DayStartedAt = fromMicros(dayStartUS)
	st.UpdatedAt = fromMicros(updated)
	return st, nil
}

