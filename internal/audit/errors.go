package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrSequenceConflict is returned by a Store when an insert collides with
	// an existing sequence number, prev_hash or entry_hash.
	ErrSequenceConflict = errors.New("audit: sequence conflict")
	ErrNotFound         = errors.New("audit: not found")
	ErrInvalidEvent     = errors.New("audit: invalid event")
	ErrArchiveBoundary  = errors.New("audit: invalid archive boundary")
)

// ChainWriteError means the append was not persisted. It is retryable:
// the next Append re-reads the tail.
type ChainWriteError struct {
	Sequence int64
	Attempts int
	Err      error
}

func (e *ChainWriteError) Error() string {
	return fmt.Sprintf("audit chain write failed at sequence %d after %d attempt(s): %v",
		e.Sequence, e.Attempts, e.Err)
}

func (e *ChainWriteError) Unwrap() error { return e.Err }

// TamperDetected reports the first sequence number whose stored linkage or
// hash does not verify.
type TamperDetected struct {
	Sequence int64
	Reason   string
}

func (e *TamperDetected) Error() string {
	return fmt.Sprintf("audit chain tamper detected at sequence %d: %s", e.Sequence, e.Reason)
}
