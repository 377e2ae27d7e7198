package gate

import (
	"context"
	"encoding/json"
	"fmt"

	"RiskGate/internal/audit"
	"RiskGate/internal/idempotency"
	"RiskGate/internal/observability"
	"RiskGate/internal/risk"

	"github.com/rs/zerolog"
)

// Reconciler settles submissions whose outcome is unknown: reservations
// that never completed and timed-out submissions. It never resubmits; the
// operator or a broker lookup decides what happened.
type Reconciler struct {
	idem    *idempotency.Store
	chain   *audit.Chain
	seq     *risk.Sequencer
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewReconciler(idem *idempotency.Store, chain *audit.Chain, seq *risk.Sequencer, logger zerolog.Logger, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{idem: idem, chain: chain, seq: seq, logger: logger, metrics: metrics}
}

// Pending lists records that need a decision.
func (r *Reconciler) Pending(ctx context.Context) ([]idempotency.Record, error) {
	return r.idem.Pending(ctx)
}

// Resolve settles key. submitted or filled confirms the order exists;
// failed releases it.
func (r *Reconciler) Resolve(ctx context.Context, key string, status idempotency.Status, response json.RawMessage, actor string) (idempotency.Record, error) {
	if actor == "" {
		actor = audit.ActorOperator
	}
	rec, err := r.idem.Resolve(ctx, key, status, response)
	if err != nil {
		return rec, err
	}
	if r.metrics != nil {
		r.metrics.GateReconciliation.WithLabelValues(string(status)).Inc()
	}

	ev := audit.Event{
		Type:    audit.EventOrderSubmitted,
		Symbol:  rec.Symbol,
		Action:  rec.Action,
		Actor:   actor,
		OrderID: rec.OrderID,
		Details: map[string]any{
			"idempotency_key": key,
			"quantity":        rec.Quantity.String(),
			"status":          string(status),
			"resolution":      "confirmed",
		},
	}
	if status == idempotency.StatusFailed {
		ev.Type = audit.EventOrderCanceled
		ev.Details["resolution"] = "released"
		r.seq.Done(rec.OrderID)
	}
	if _, err := r.chain.Append(ctx, ev); err != nil {
		return rec, fmt.Errorf("audit reconciliation of %q: %w", key, err)
	}
	return rec, nil
}
