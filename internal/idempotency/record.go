package idempotency

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusReserved  Status = "reserved"
	StatusSubmitted Status = "submitted"
	StatusFilled    Status = "filled"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether s is submitted, filled or failed.
func (s Status) IsTerminal() bool {
	return s == StatusSubmitted || s == StatusFilled || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusReserved || s.IsTerminal()
}

// Params is the intent an idempotency key is bound to for its lifetime.
type Params struct {
	Symbol   string          `json:"symbol"`
	Action   string          `json:"action"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Matches compares quantities numerically, so 1.0 and 1 are the same intent.
func (p Params) Matches(o Params) bool {
	return p.Symbol == o.Symbol && p.Action == o.Action && p.Quantity.Equal(o.Quantity)
}

// Record is the durable state behind one idempotency key.
type Record struct {
	Key                 string          `json:"idempotency_key"`
	OrderID             string          `json:"order_id"`
	Symbol              string          `json:"symbol"`
	Action              string          `json:"action"`
	Quantity            decimal.Decimal `json:"quantity"`
	Status              Status          `json:"status"`
	CachedResponse      json.RawMessage `json:"cached_response,omitempty"`
	NeedsReconciliation bool            `json:"needs_reconciliation"`
	// Attempts counts reservations of this key, including stale take-overs.
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r Record) Params() Params {
	return Params{Symbol: r.Symbol, Action: r.Action, Quantity: r.Quantity}
}

// Immutable reports whether the record can no longer change. Only these
// are safe to cache.
func (r Record) Immutable() bool {
	return r.Status.IsTerminal() && !r.NeedsReconciliation
}

// Reapable reports whether Reap may delete the record at now. Reserved and
// unreconciled records are kept regardless of expiry.
func (r Record) Reapable(now time.Time) bool {
	return r.Immutable() && r.ExpiresAt.Before(now)
}

// Outcome classifies a Reserve call.
type Outcome string

const (
	// Reserved: the caller owns a fresh reservation and must submit.
	Reserved Outcome = "reserved"
	// Hit: the key already reached a terminal status; replay the record.
	Hit Outcome = "hit"
	// Stale: a previous reservation never completed and was taken over.
	// The caller must submit again using the same OrderID.
	Stale Outcome = "stale"
)

// Reservation is the result of Reserve.
type Reservation struct {
	Outcome Outcome
	Record  Record
}

// Completion is the terminal transition applied by Complete and Resolve.
type Completion struct {
	Status              Status
	Response            json.RawMessage
	NeedsReconciliation bool
	At                  time.Time
}
