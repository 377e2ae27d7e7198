package gate

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOrder      = errors.New("gate: invalid order")
	ErrCancelUnsupported = errors.New("gate: submitter cannot cancel orders")
	ErrProposalNotFound  = errors.New("gate: proposal not found")
	ErrProposalDecided   = errors.New("gate: proposal already decided")
	ErrReasonRequired    = errors.New("gate: reason is required")
)

// SubmissionTimeoutError means the broker did not answer in time. The order
// may or may not exist; the record is held for reconciliation and the key
// will not be resubmitted.
type SubmissionTimeoutError struct {
	Key     string
	OrderID string
	Timeout string
}

func (e *SubmissionTimeoutError) Error() string {
	return fmt.Sprintf("submission of order %s (key %q) timed out after %s; outcome unknown, pending reconciliation",
		e.OrderID, e.Key, e.Timeout)
}

// SubmissionFailedError is a definite rejection by the broker.
type SubmissionFailedError struct {
	Key     string
	OrderID string
	Reason  string
}

func (e *SubmissionFailedError) Error() string {
	return fmt.Sprintf("order %s (key %q) rejected: %s", e.OrderID, e.Key, e.Reason)
}
