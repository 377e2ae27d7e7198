package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"RiskGate/internal/audit"

	"github.com/google/uuid"
)

// ProposalStatus tracks an agent trade proposal awaiting a human decision.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal is a trade suggested by the automated agent. Approving it
// submits Order under Key, so approving twice never places two orders.
type Proposal struct {
	ID        string         `json:"proposal_id"`
	Key       string         `json:"idempotency_key"`
	Order     Order          `json:"order"`
	Rationale string         `json:"rationale,omitempty"`
	Status    ProposalStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
	DecidedBy string         `json:"decided_by,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// Propose records an agent trade suggestion. Nothing is submitted.
func (g *Gate) Propose(ctx context.Context, order Order, rationale string) (Proposal, error) {
	if err := order.Validate(); err != nil {
		return Proposal{}, err
	}
	if order.Type == "" {
		order.Type = Market
	}
	id := uuid.NewString()
	p := Proposal{
		ID:        id,
		Key:       "proposal-" + id,
		Order:     order,
		Rationale: rationale,
		Status:    ProposalPending,
		CreatedAt: g.clock.Now(),
	}

	details := orderDetails(order, p.Key)
	details["proposal_id"] = id
	details["rationale"] = rationale
	if err := g.record(ctx, audit.Event{
		Type:    audit.EventAgentTradeProposed,
		Symbol:  order.Symbol,
		Action:  order.Action,
		Actor:   audit.ActorAgent,
		Details: details,
	}); err != nil {
		return Proposal{}, err
	}

	if err := g.proposals.CreateProposal(ctx, p); err != nil {
		return Proposal{}, fmt.Errorf("store proposal: %w", err)
	}
	return p, nil
}

// Approve marks the proposal approved and submits its order.
func (g *Gate) Approve(ctx context.Context, id, actor string) (Proposal, Result, error) {
	if actor == "" {
		actor = audit.ActorOperator
	}
	p, err := g.decide(ctx, id, ProposalApproved, actor, "")
	if err != nil {
		return Proposal{}, Result{}, err
	}

	if err := g.record(ctx, audit.Event{
		Type:   audit.EventAgentTradeApproved,
		Symbol: p.Order.Symbol,
		Action: p.Order.Action,
		Actor:  actor,
		Details: map[string]any{
			"proposal_id":     p.ID,
			"idempotency_key": p.Key,
		},
	}); err != nil {
		return p, Result{}, err
	}

	order := p.Order
	order.Actor = actor
	res, err := g.Submit(ctx, order, p.Key)
	return p, res, err
}

// Reject closes the proposal without submitting.
func (g *Gate) Reject(ctx context.Context, id, reason, actor string) (Proposal, error) {
	if strings.TrimSpace(reason) == "" {
		return Proposal{}, ErrReasonRequired
	}
	if actor == "" {
		actor = audit.ActorOperator
	}
	p, err := g.decide(ctx, id, ProposalRejected, actor, reason)
	if err != nil {
		return Proposal{}, err
	}
	err = g.record(ctx, audit.Event{
		Type:   audit.EventAgentTradeRejected,
		Symbol: p.Order.Symbol,
		Action: p.Order.Action,
		Actor:  actor,
		Details: map[string]any{
			"proposal_id": p.ID,
			"reason":      reason,
		},
	})
	return p, err
}

// Proposal returns one proposal by id.
func (g *Gate) Proposal(ctx context.Context, id string) (Proposal, error) {
	return g.proposals.GetProposal(ctx, id)
}

// Proposals lists proposals oldest first, optionally by status.
func (g *Gate) Proposals(ctx context.Context, status ProposalStatus) ([]Proposal, error) {
	return g.proposals.ListProposals(ctx, status)
}

func (g *Gate) decide(ctx context.Context, id string, status ProposalStatus, actor, reason string) (Proposal, error) {
	p, err := g.proposals.GetProposal(ctx, id)
	if err != nil {
		return Proposal{}, err
	}
	if p.Status != ProposalPending {
		return p, fmt.Errorf("%w: %s is %s", ErrProposalDecided, id, p.Status)
	}
	now := g.clock.Now()
	p.Status = status
	p.DecidedAt = &now
	p.DecidedBy = actor
	p.Reason = reason
	return g.proposals.DecideProposal(ctx, p)
}

// ProposalStore persists proposals so pending ones survive a restart.
type ProposalStore interface {
	CreateProposal(ctx context.Context, p Proposal) error
	// DecideProposal stores the decision in p if the proposal is still
	// pending, and returns ErrProposalDecided with the stored proposal
	// otherwise.
	DecideProposal(ctx context.Context, p Proposal) (Proposal, error)
	GetProposal(ctx context.Context, id string) (Proposal, error)
	// ListProposals returns proposals oldest first. An empty status lists all.
	ListProposals(ctx context.Context, status ProposalStatus) ([]Proposal, error)
}

// MemoryProposalStore is an in-process ProposalStore.
type MemoryProposalStore struct {
	mu        sync.Mutex
	proposals map[string]Proposal
}

func NewMemoryProposalStore() *MemoryProposalStore {
	return &MemoryProposalStore{proposals: make(map[string]Proposal)}
}

func (m *MemoryProposalStore) CreateProposal(_ context.Context, p Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ID]; ok {
		return fmt.Errorf("proposal %s already exists", p.ID)
	}
	m.proposals[p.ID] = p
	return nil
}

func (m *MemoryProposalStore) DecideProposal(_ context.Context, p Proposal) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.proposals[p.ID]
	if !ok {
		return Proposal{}, fmt.Errorf("%w: %s", ErrProposalNotFound, p.ID)
	}
	if cur.Status != ProposalPending {
		return cur, fmt.Errorf("%w: %s is %s", ErrProposalDecided, p.ID, cur.Status)
	}
	cur.Status = p.Status
	cur.DecidedAt = p.DecidedAt
	cur.DecidedBy = p.DecidedBy
	cur.Reason = p.Reason
	m.proposals[p.ID] = cur
	return cur, nil
}

func (m *MemoryProposalStore) GetProposal(_ context.Context, id string) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return Proposal{}, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	return p, nil
}

func (m *MemoryProposalStore) ListProposals(_ context.Context, status ProposalStatus) ([]Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Proposal, 0, len(m.proposals))
	for _, p := range m.proposals {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
