package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeKind is the realized result of a trade.
type OutcomeKind string

const (
	Win       OutcomeKind = "win"
	Loss      OutcomeKind = "loss"
	Breakeven OutcomeKind = "breakeven"
)

func (k OutcomeKind) Valid() bool {
	return k == Win || k == Loss || k == Breakeven
}

// ExitReason says why a position was closed.
type ExitReason string

const (
	ExitNone       ExitReason = ""
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitManual     ExitReason = "manual"
	ExitSignal     ExitReason = "signal"
)

// Outcome is an append-only realized trade result, keyed by OrderID.
type Outcome struct {
	Symbol     string          `json:"symbol"`
	OrderID    string          `json:"order_id"`
	Action     string          `json:"action"`
	Kind       OutcomeKind     `json:"outcome"`
	PnL        decimal.Decimal `json:"pnl"`
	ExitReason ExitReason      `json:"exit_reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (o Outcome) Validate() error {
	switch {
	case o.OrderID == "":
		return fmt.Errorf("%w: order_id is required", ErrInvalidOutcome)
	case o.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidOutcome)
	case !o.Kind.Valid():
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidOutcome, o.Kind)
	}
	switch o.ExitReason {
	case ExitNone, ExitStopLoss, ExitTakeProfit, ExitManual, ExitSignal:
	default:
		return fmt.Errorf("%w: unknown exit_reason %q", ErrInvalidOutcome, o.ExitReason)
	}
	return nil
}
