package idempotency

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("idempotency: record not found")
	// ErrNotReserved is returned when completing a record that is no longer reserved.
	ErrNotReserved = errors.New("idempotency: record is not reserved")
	// ErrNotPending is returned when resolving a record that needs no reconciliation.
	ErrNotPending = errors.New("idempotency: record is not pending reconciliation")
	// ErrInFlight means another caller holds a fresh reservation and it did
	// not finish within the wait window. Retry later with the same key.
	ErrInFlight       = errors.New("idempotency: reservation in flight")
	ErrInvalidRequest = errors.New("idempotency: invalid request")
)

// ConflictError is returned when a key is reused for a different intent.
type ConflictError struct {
	Key       string
	Existing  Params
	Requested Params
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency conflict for key %q: bound to %s %s %s, got %s %s %s",
		e.Key,
		e.Existing.Action, e.Existing.Quantity, e.Existing.Symbol,
		e.Requested.Action, e.Requested.Quantity, e.Requested.Symbol)
}
