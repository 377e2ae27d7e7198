package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"RiskGate/internal/risk"

	"github.com/shopspring/decimal"
)

// outcomeJSON is the wire format on riskgate.outcomes.{symbol}. Field
// names use snake_case to match upstream producers. pnl is a decimal
// string so no precision is lost in transit.
type outcomeJSON struct {
	Symbol      string `json:"symbol"`
	OrderID     string `json:"order_id"`
	Action      string `json:"action"`
	Outcome     string `json:"outcome"`
	PnL         string `json:"pnl"`
	ExitReason  string `json:"exit_reason"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseOutcome decodes and validates a trade outcome message. A missing
// timestamp leaves CreatedAt zero so the breaker stamps it.
func ParseOutcome(data []byte) (risk.Outcome, error) {
	var j outcomeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return risk.Outcome{}, fmt.Errorf("%w: parse outcome: %v", risk.ErrInvalidOutcome, err)
	}

	pnl := decimal.Zero
	if j.PnL != "" {
		var err error
		pnl, err = decimal.NewFromString(j.PnL)
		if err != nil {
			return risk.Outcome{}, fmt.Errorf("%w: parse pnl %q: %v", risk.ErrInvalidOutcome, j.PnL, err)
		}
	}

	o := risk.Outcome{
		Symbol:     j.Symbol,
		OrderID:    j.OrderID,
		Action:     j.Action,
		Kind:       risk.OutcomeKind(j.Outcome),
		PnL:        pnl,
		ExitReason: risk.ExitReason(j.ExitReason),
	}
	if j.TimestampUs > 0 {
		o.CreatedAt = time.UnixMicro(j.TimestampUs).UTC()
	}
	if err := o.Validate(); err != nil {
		return risk.Outcome{}, err
	}
	return o, nil
}

// EncodeOutcome is the inverse of ParseOutcome, used by publishers and tests.
func EncodeOutcome(o risk.Outcome) ([]byte, error) {
	j := outcomeJSON{
		Symbol:     o.Symbol,
		OrderID:    o.OrderID,
		Action:     o.Action,
		Outcome:    string(o.Kind),
		PnL:        o.PnL.String(),
		ExitReason: string(o.ExitReason),
	}
	if !o.CreatedAt.IsZero() {
		j.TimestampUs = o.CreatedAt.UnixMicro()
	}
	return json.Marshal(j)
}
