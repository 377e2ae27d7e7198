package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"RiskGate/internal/gate"
)

const proposalColumns = `proposal_id, idempotency_key, symbol, order_spec, rationale, status,
	created_at_us, decided_at_us, decided_by, reason`

// ProposalStore implements gate.ProposalStore. A decision is a single
// update conditional on the row still being pending.
type ProposalStore struct {
	db *DB
}

func NewProposalStore(db *DB) *ProposalStore {
	return &ProposalStore{db: db}
}

func (s *ProposalStore) CreateProposal(ctx context.Context, p gate.Proposal) error {
	orderJSON, err := json.Marshal(p.Order)
	if err != nil {
		return fmt.Errorf("encode proposal order: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO agent_proposals (`+proposalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`),
		p.ID, p.Key, p.Order.Symbol, string(orderJSON), p.Rationale, string(p.Status),
		toMicros(p.CreatedAt), decidedAt(p), p.DecidedBy, p.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *ProposalStore) DecideProposal(ctx context.Context, p gate.Proposal) (gate.Proposal, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE agent_proposals
		 SET status = $1, decided_at_us = $2, decided_by = $3, reason = $4
		 WHERE proposal_id = $5 AND status = 'pending'`),
		string(p.Status), decidedAt(p), p.DecidedBy, p.Reason, p.ID,
	)
	if err != nil {
		return gate.Proposal{}, fmt.Errorf("decide proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return gate.Proposal{}, err
	}
	cur, err := s.GetProposal(ctx, p.ID)
	if err != nil {
		return gate.Proposal{}, err
	}
	if n == 0 {
		return cur, fmt.Errorf("%w: %s is %s", gate.ErrProposalDecided, p.ID, cur.Status)
	}
	return cur, nil
}

func (s *ProposalStore) GetProposal(ctx context.Context, id string) (gate.Proposal, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+proposalColumns+` FROM agent_proposals WHERE proposal_id = $1`), id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return gate.Proposal{}, fmt.Errorf("%w: %s", gate.ErrProposalNotFound, id)
	}
	if err != nil {
		return gate.Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *ProposalStore) ListProposals(ctx context.Context, status gate.ProposalStatus) ([]gate.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM agent_proposals`
	var args []any
	if status != "" {
		args = append(args, string(status))
		query += ` WHERE status = $1`
	}
	query += ` ORDER BY created_at_us, proposal_id`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	out := []gate.Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func decidedAt(p gate.Proposal) sql.NullInt64 {
	if p.DecidedAt == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*p.DecidedAt), Valid: true}
}

func scanProposal(row rowScanner) (gate.Proposal, error) {
	var (
		p         gate.Proposal
		symbol    string
		orderJSON []byte
		status    string
		createdUS int64
		decided   sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Key, &symbol, &orderJSON, &p.Rationale, &status,
		&createdUS, &decided, &p.DecidedBy, &p.Reason,
	); err != nil {
		return gate.Proposal{}, err
	}
	if err := json.Unmarshal(orderJSON, &p.Order); err != nil {
		return gate.Proposal{}, fmt.Errorf("decode proposal %s order: %w", p.ID, err)
	}
	p.Status = gate.ProposalStatus(status)
	p.CreatedAt = fromMicros(createdUS)
	if decided.Valid {
		ts := fromMicros(decided.Int64)
		p.DecidedAt = &ts
	}
	return p, nil
}
