package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"RiskGate/internal/idempotency"
)

const idempotencyColumns = `idempotency_key, order_id, symbol, action, quantity, status, cached_response,
	needs_reconciliation, attempts, created_at_us, updated_at_us, expires_at_us`

// IdempotencyStore implements idempotency.Backend. Every transition is a
// single conditional statement, so concurrent callers need no extra locking.
type IdempotencyStore struct {
	db *DB
}

func NewIdempotencyStore(db *DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

func (s *IdempotencyStore) InsertIfAbsent(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	for i := 0; i < 3; i++ {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO idempotency_records (`+idempotencyColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (idempotency_key) DO NOTHING`),
			rec.Key, rec.OrderID, rec.Symbol, rec.Action, rec.Quantity, string(rec.Status),
			nullableResponse(rec.CachedResponse), rec.NeedsReconciliation, rec.Attempts,
			toMicros(rec.CreatedAt), toMicros(rec.UpdatedAt), toMicros(rec.ExpiresAt),
		)
		if err != nil {
			return idempotency.Record{}, false, fmt.Errorf("insert idempotency record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return idempotency.Record{}, false, err
		}
		if n == 1 {
			return rec, true, nil
		}

		existing, err := s.Get(ctx, rec.Key)
		if errors.Is(err, idempotency.ErrNotFound) {
			// Reaped between the insert and the read.
			continue
		}
		if err != nil {
			return idempotency.Record{}, false, err
		}
		return existing, false, nil
	}
	return idempotency.Record{}, false, fmt.Errorf("insert idempotency record %q: key churned", rec.Key)
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (idempotency.Record, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+idempotencyColumns+` FROM idempotency_records WHERE idempotency_key = $1`), key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, idempotency.ErrNotFound
	}
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("get idempotency record: %w", err)
	}
	return rec, nil
}

func (s *IdempotencyStore) TakeOver(ctx context.Context, key string, expectedAttempts int, now time.Time) (idempotency.Record, bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE idempotency_records
		 SET attempts = attempts + 1, updated_at_us = $1
		 WHERE idempotency_key = $2 AND status = 'reserved' AND attempts = $3`),
		toMicros(now), key, expectedAttempts,
	)
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("take over reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return idempotency.Record{}, false, err
	}
	rec, err := s.Get(ctx, key)
	if err != nil {
		return idempotency.Record{}, false, err
	}
	return rec, n == 1, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, c idempotency.Completion) (idempotency.Record, error) {
	return s.transition(ctx, key, c, `status = 'reserved'`, idempotency.ErrNotReserved)
}

func (s *IdempotencyStore) Resolve(ctx context.Context, key string, c idempotency.Completion) (idempotency.Record, error) {
	return s.transition(ctx, key, c, `(status = 'reserved' OR needs_reconciliation = $6)`, idempotency.ErrNotPending, true)
}

// transition applies c when guard holds. Placeholders in guard start at $6.
func (s *IdempotencyStore) transition(ctx context.Context, key string, c idempotency.Completion, guard string, refused error, guardArgs ...any) (idempotency.Record, error) {
	args := []any{string(c.Status), nullableResponse(c.Response), c.NeedsReconciliation, toMicros(c.At), key}
	args = append(args, guardArgs...)
	query := `UPDATE idempotency_records
		SET status = $1, cached_response = $2, needs_reconciliation = $3, updated_at_us = $4
		WHERE idempotency_key = $5 AND ` + guard

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("update idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return idempotency.Record{}, err
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		return idempotency.Record{}, err
	}
	if n == 0 {
		return rec, refused
	}
	return rec, nil
}

func (s *IdempotencyStore) Reap(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM idempotency_records
		 WHERE expires_at_us < $1 AND status <> 'reserved' AND needs_reconciliation = $2`),
		toMicros(now), false,
	)
	if err != nil {
		return 0, fmt.Errorf("reap idempotency records: %w", err)
	}
	return res.RowsAffected()
}

func (s *IdempotencyStore) ListReserved(ctx context.Context, before time.Time) ([]idempotency.Record, error) {
	return s.list(ctx,
		`WHERE status = 'reserved' AND updated_at_us < $1 ORDER BY created_at_us, idempotency_key`,
		toMicros(before))
}

func (s *IdempotencyStore) ListUnreconciled(ctx context.Context) ([]idempotency.Record, error) {
	return s.list(ctx,
		`WHERE status <> 'reserved' AND needs_reconciliation = $1 ORDER BY created_at_us, idempotency_key`,
		true)
}

// Recent returns the newest immutable records, for warming the LRU tier.
func (s *IdempotencyStore) Recent(ctx context.Context, limit int) ([]idempotency.Record, error) {
	return s.list(ctx,
		`WHERE status <> 'reserved' AND needs_reconciliation = $1 ORDER BY updated_at_us DESC LIMIT $2`,
		false, limit)
}

func (s *IdempotencyStore) list(ctx context.Context, clause string, args ...any) ([]idempotency.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+idempotencyColumns+` FROM idempotency_records `+clause), args...)
	if err != nil {
		return nil, fmt.Errorf("list idempotency records: %w", err)
	}
	defer rows.Close()

	var out []idempotency.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row rowScanner) (idempotency.Record, error) {
	var (
		rec                         idempotency.Record
		status                      string
		response                    sql.NullString
		createdUS, updatedUS, expUS int64
	)
	if err := row.Scan(&rec.Key, &rec.OrderID, &rec.Symbol, &rec.Action, &rec.Quantity, &status,
		&response, &rec.NeedsReconciliation, &rec.Attempts, &createdUS, &updatedUS, &expUS); err != nil {
		return idempotency.Record{}, err
	}
	rec.Status = idempotency.Status(status)
	if response.Valid {
		rec.CachedResponse = []byte(response.String)
	}
	rec.CreatedAt = fromMicros(createdUS)
	rec.UpdatedAt = fromMicros(updatedUS)
	rec.ExpiresAt = fromMicros(expUS)
	return rec, nil
}

func nullableResponse(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
