package risk

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotInitialized  = errors.New("risk: state not initialized")
	ErrVersionConflict = errors.New("risk: state version conflict")
	ErrNotHalted       = errors.New("risk: trading is not halted")
	ErrReasonRequired  = errors.New("risk: reason is required")
	ErrInvalidOutcome  = errors.New("risk: invalid outcome")
)

// TradingHaltedError is the expected refusal from Check. FailClosed is set
// when the state could not be read and the refusal is precautionary.
type TradingHaltedError struct {
	Reason     string
	HaltedAt   time.Time
	FailClosed bool
}

func (e *TradingHaltedError) Error() string {
	if e.FailClosed {
		return fmt.Sprintf("trading halted (fail-closed): %s", e.Reason)
	}
	return fmt.Sprintf("trading halted since %s: %s", e.HaltedAt.Format(time.RFC3339), e.Reason)
}

// OutOfOrderError means an earlier order on the same symbol has not reported
// its outcome yet. The outcome should be redelivered later.
type OutOfOrderError struct {
	Symbol  string
	OrderID string
	Waiting string
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out-of-order outcome: symbol=%s order=%s waiting_for=%s", e.Symbol, e.OrderID, e.Waiting)
}
