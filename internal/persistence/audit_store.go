package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"RiskGate/internal/audit"
)

const auditColumns = `sequence_number, event_type, symbol, action, details, actor, order_id, created_at_us, prev_hash, entry_hash`

// AuditStore implements audit.Store on Postgres or SQLite.
type AuditStore struct {
	db *DB
}

func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Tail(ctx context.Context) (*audit.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_entries ORDER BY sequence_number DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit tail: %w", err)
	}
	return &e, nil
}

// Insert relies on the primary key and the unique prev_hash/entry_hash
// constraints; a violation is reported as audit.ErrSequenceConflict.
func (s *AuditStore) Insert(ctx context.Context, e audit.Entry) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO audit_entries (`+auditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`),
		e.Sequence, string(e.EventType), e.Symbol, e.Action, string(e.Details),
		e.Actor, e.OrderID, toMicros(e.CreatedAt), e.PrevHash, e.EntryHash,
	)
	if isUniqueViolation(err) {
		return audit.ErrSequenceConflict
	}
	if err != nil {
		return fmt.Errorf("insert audit entry %d: %w", e.Sequence, err)
	}
	return nil
}

func (s *AuditStore) Range(ctx context.Context, from, to int64, limit int) ([]audit.Entry, error) {
	return s.rangeOf(ctx, "audit_entries", from, to, limit)
}

func (s *AuditStore) ArchivedRange(ctx context.Context, from, to int64, limit int) ([]audit.Entry, error) {
	return s.rangeOf(ctx, "audit_archive", from, to, limit)
}

func (s *AuditStore) rangeOf(ctx context.Context, table string, from, to int64, limit int) ([]audit.Entry, error) {
	query := `SELECT ` + auditColumns + ` FROM ` + table + ` WHERE sequence_number >= $1`
	args := []any{from}
	if to > 0 {
		args = append(args, to)
		query += fmt.Sprintf(` AND sequence_number <= $%d`, len(args))
	}
	query += ` ORDER BY sequence_number ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return s.queryEntries(ctx, query, args...)
}

func (s *AuditStore) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	f = f.Normalize()

	var (
		where []string
		args  []any
	)
	if len(f.EventTypes) > 0 {
		ph := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			args = append(args, string(t))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "event_type IN ("+strings.Join(ph, ", ")+")")
	}
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, toMicros(f.Since))
		where = append(where, fmt.Sprintf("created_at_us >= $%d", len(args)))
	}
	if !f.Until.IsZero() {
		args = append(args, toMicros(f.Until))
		where = append(where, fmt.Sprintf("created_at_us <= $%d", len(args)))
	}

	query := `SELECT ` + auditColumns + ` FROM audit_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` ORDER BY sequence_number DESC LIMIT $%d`, len(args))

	return s.queryEntries(ctx, query, args...)
}

func (s *AuditStore) LatestAnchor(ctx context.Context) (*audit.Anchor, error) {
	var (
		a  audit.Anchor
		us int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT anchor_sequence, anchor_hash, reason, created_at_us
		 FROM audit_anchors ORDER BY anchor_sequence DESC LIMIT 1`,
	).Scan(&a.Sequence, &a.Hash, &a.Reason, &us)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest anchor: %w", err)
	}
	a.CreatedAt = fromMicros(us)
	return &a, nil
}

func (s *AuditStore) Anchors(ctx context.Context) ([]audit.Anchor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT anchor_sequence, anchor_hash, reason, created_at_us
		 FROM audit_anchors ORDER BY anchor_sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	defer rows.Close()

	var out []audit.Anchor
	for rows.Next() {
		var (
			a  audit.Anchor
			us int64
		)
		if err := rows.Scan(&a.Sequence, &a.Hash, &a.Reason, &us); err != nil {
			return nil, err
		}
		a.CreatedAt = fromMicros(us)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Archive copies, deletes and anchors in one transaction.
func (s *AuditStore) Archive(ctx context.Context, a audit.Anchor) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO audit_archive (`+auditColumns+`)
		 SELECT `+auditColumns+` FROM audit_entries WHERE sequence_number <= $1`),
		a.Sequence,
	); err != nil {
		return 0, fmt.Errorf("copy to archive: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM audit_entries WHERE sequence_number <= $1`), a.Sequence)
	if err != nil {
		return 0, fmt.Errorf("delete archived entries: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO audit_anchors (anchor_sequence, anchor_hash, reason, created_at_us)
		 VALUES ($1, $2, $3, $4)`),
		a.Sequence, a.Hash, a.Reason, toMicros(a.CreatedAt),
	); err != nil {
		return 0, fmt.Errorf("insert anchor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return moved, nil
}

func (s *AuditStore) queryEntries(ctx context.Context, query string, args ...any) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (audit.Entry, error) {
	var (
		e         audit.Entry
		eventType string
		details   string
		createdUS int64
	)
	if err := row.Scan(&e.Sequence, &eventType, &e.Symbol, &e.Action, &details,
		&e.Actor, &e.OrderID, &createdUS, &e.PrevHash, &e.EntryHash); err != nil {
		return audit.Entry{}, err
	}
	e.EventType = audit.EventType(eventType)
	e.Details = []byte(details)
	e.CreatedAt = fromMicros(createdUS)
	return e, nil
}
