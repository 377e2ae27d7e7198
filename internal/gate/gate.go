package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"RiskGate/internal/audit"
	"RiskGate/internal/clock"
	"RiskGate/internal/idempotency"
	"RiskGate/internal/observability"
	"RiskGate/internal/risk"

	"github.com/rs/zerolog"
)

// Config bounds the external calls made by the gate.
type Config struct {
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	CancelTimeout time.Duration `yaml:"cancel_timeout"`
}

func DefaultConfig() Config {
	return Config{
		SubmitTimeout: 10 * time.Second,
		CancelTimeout: 5 * time.Second,
	}
}

// Deps are the collaborators the gate orchestrates.
type Deps struct {
	Chain       *audit.Chain
	Idempotency *idempotency.Store
	Breaker     *risk.Breaker
	Sequencer   *risk.Sequencer
	Submitter   Submitter
	Clock       clock.Clock
	// Proposals defaults to an in-process store.
	Proposals   ProposalStore
}

// Gate is the single entry point for order submission. Every order passes
// the breaker check and an idempotency reservation before it reaches the
// submitter, and every step is recorded on the audit chain.
type Gate struct {
	chain     *audit.Chain
	idem      *idempotency.Store
	breaker   *risk.Breaker
	seq       *risk.Sequencer
	submitter Submitter
	clock     clock.Clock
	cfg       Config
	logger    zerolog.Logger
	metrics   *observability.Metrics

	proposals ProposalStore

	mu       sync.Mutex
	inflight map[string]struct{} // keys with a submitter call running here
}

func New(deps Deps, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Gate {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultConfig().SubmitTimeout
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = DefaultConfig().CancelTimeout
	}
	if deps.Proposals == nil {
		deps.Proposals = NewMemoryProposalStore()
	}
	return &Gate{
		chain:     deps.Chain,
		idem:      deps.Idempotency,
		breaker:   deps.Breaker,
		seq:       deps.Sequencer,
		submitter: deps.Submitter,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		proposals: deps.Proposals,
		inflight:  make(map[string]struct{}),
	}
}

// Submit places order at most once per key.
//
// A halted breaker refuses before the idempotency store is touched. A key
// that already completed replays its cached result without calling the
// submitter. A key reused with different parameters is an
// *idempotency.ConflictError and nothing is written. A key whose submitter
// call is still running in this process is refused with ErrInFlight, even
// once its reservation has gone stale.
func (g *Gate) Submit(ctx context.Context, order Order, key string) (Result, error) {
	if err := order.Validate(); err != nil {
		g.count("invalid")
		return Result{}, err
	}
	if order.Type == "" {
		order.Type = Market
	}
	actor := order.Actor
	if actor == "" {
		actor = audit.ActorAgent
	}

	if err := g.breaker.Check(ctx); err != nil {
		g.count("halted")
		details := orderDetails(order, key)
		details["reason"] = err.Error()
		var halted *risk.TradingHaltedError
		if errors.As(err, &halted) {
			details["reason"] = halted.Reason
			details["fail_closed"] = halted.FailClosed
		}
		if aerr := g.record(ctx, audit.Event{
			Type:    audit.EventRiskCheckFailed,
			Symbol:  order.Symbol,
			Action:  order.Action,
			Actor:   actor,
			Details: details,
		}); aerr != nil {
			g.logger.Error().Err(aerr).Str("key", key).Msg("failed to audit refused order")
		}
		return Result{}, err
	}

	res, err := g.idem.Reserve(ctx, key, order.params())
	if err != nil {
		var conflict *idempotency.ConflictError
		switch {
		case errors.As(err, &conflict):
			g.count("conflict")
		case errors.Is(err, idempotency.ErrInFlight):
			g.count("in_flight")
		default:
			g.count("reserve_error")
		}
		return Result{}, err
	}

	if res.Outcome == idempotency.Hit {
		return g.replay(ctx, order, actor, res.Record)
	}

	// A reservation can turn stale while its own submitter call is still
	// running. Never start a second call for the same key.
	if !g.claim(key) {
		g.count("in_flight")
		g.logger.Warn().Str("key", key).Str("order_id", res.Record.OrderID).Msg("stale reservation is still being submitted")
		return Result{}, fmt.Errorf("%w: %s is being submitted", idempotency.ErrInFlight, key)
	}
	defer g.release(key)

	if res.Outcome == idempotency.Stale {
		g.logger.Warn().
			Str("key", key).
			Str("order_id", res.Record.OrderID).
			Int("attempts", res.Record.Attempts).
			Msg("resubmitting stale reservation with its original order id")
	}
	return g.submit(ctx, order, actor, res.Record)
}

func (g *Gate) claim(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.inflight[key]; ok {
		return false
	}
	g.inflight[key] = struct{}{}
	return true
}

func (g *Gate) release(key string) {
	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()
}

func (g *Gate) replay(ctx context.Context, order Order, actor string, rec idempotency.Record) (Result, error) {
	g.count("replayed")
	result := resultFromRecord(rec)

	details := orderDetails(order, rec.Key)
	details["replay"] = true
	details["status"] = string(rec.Status)
	details["attempts"] = rec.Attempts
	if err := g.record(ctx, audit.Event{
		Type:    audit.EventTradeLogged,
		Symbol:  order.Symbol,
		Action:  order.Action,
		Actor:   actor,
		OrderID: rec.OrderID,
		Details: details,
	}); err != nil {
		return result, err
	}

	switch {
	case rec.NeedsReconciliation:
		return result, &SubmissionTimeoutError{Key: rec.Key, OrderID: rec.OrderID, Timeout: g.cfg.SubmitTimeout.String()}
	case rec.Status == idempotency.StatusFailed:
		return result, &SubmissionFailedError{Key: rec.Key, OrderID: rec.OrderID, Reason: result.Error}
	}
	return result, nil
}

func (g *Gate) submit(ctx context.Context, order Order, actor string, rec idempotency.Record) (Result, error) {
	req := SubmitRequest{
		ClientOrderID: rec.OrderID,
		Symbol:        order.Symbol,
		Action:        order.Action,
		Quantity:      order.Quantity,
		Type:          order.Type,
		LimitPrice:    order.LimitPrice,
	}

	// Registered before the call so an outcome that races the response is
	// still sequenced against later orders.
	if order.PositionEffect != EffectOpen {
		g.seq.Register(order.Symbol, rec.OrderID)
	}

	subCtx, cancel := context.WithTimeout(ctx, g.cfg.SubmitTimeout)
	start := g.clock.Now()
	out, err := g.submitter.SubmitOrder(subCtx, req)
	expired := subCtx.Err() != nil
	cancel()
	if g.metrics != nil {
		g.metrics.GateSubmitDuration.Observe(g.clock.Now().Sub(start).Seconds())
	}

	// Bookkeeping after the broker call must not be lost to the caller's
	// cancellation.
	bg := context.WithoutCancel(ctx)

	if err == nil && out.Status == idempotency.StatusFailed {
		err = errors.New(out.Message)
		if out.Message == "" {
			err = errors.New("rejected by broker")
		}
	}

	switch {
	case err != nil && (expired || errors.Is(err, context.DeadlineExceeded)):
		return g.unknownOutcome(bg, order, actor, rec, err)
	case err != nil:
		return g.failed(bg, order, actor, rec, err)
	}
	return g.succeeded(bg, order, actor, rec, out)
}

func (g *Gate) unknownOutcome(ctx context.Context, order Order, actor string, rec idempotency.Record, cause error) (Result, error) {
	g.count("timeout")
	resp, _ := json.Marshal(failure{Error: cause.Error()})
	done, err := g.idem.CompleteUnknown(ctx, rec.Key, resp)
	if err != nil {
		g.logger.Error().Err(err).Str("key", rec.Key).Msg("could not flag timed out submission for reconciliation")
	}
	g.logger.Warn().
		Str("key", rec.Key).
		Str("order_id", rec.OrderID).
		Dur("timeout", g.cfg.SubmitTimeout).
		Msg("submission timed out, outcome unknown")

	details := orderDetails(order, rec.Key)
	details["status"] = "unknown"
	details["needs_reconciliation"] = true
	details["error"] = cause.Error()
	aerr := g.record(ctx, audit.Event{
		Type:    audit.EventOrderSubmitted,
		Symbol:  order.Symbol,
		Action:  order.Action,
		Actor:   actor,
		OrderID: rec.OrderID,
		Details: details,
	})

	result := Result{
		Key:                 rec.Key,
		OrderID:             rec.OrderID,
		Status:              idempotency.StatusFailed,
		Error:               cause.Error(),
		NeedsReconciliation: true,
		At:                  done.UpdatedAt,
	}
	timeout := &SubmissionTimeoutError{Key: rec.Key, OrderID: rec.OrderID, Timeout: g.cfg.SubmitTimeout.String()}
	return result, errors.Join(timeout, err, aerr)
}

func (g *Gate) failed(ctx context.Context, order Order, actor string, rec idempotency.Record, cause error) (Result, error) {
	g.count("failed")
	g.seq.Done(rec.OrderID)
	resp, _ := json.Marshal(failure{Error: cause.Error()})
	done, err := g.idem.Complete(ctx, rec.Key, idempotency.StatusFailed, resp)
	if err != nil {
		g.logger.Error().Err(err).Str("key", rec.Key).Msg("could not record failed submission")
	}

	details := orderDetails(order, rec.Key)
	details["status"] = string(idempotency.StatusFailed)
	details["error"] = cause.Error()
	aerr := g.record(ctx, audit.Event{
		Type:    audit.EventOrderSubmitted,
		Symbol:  order.Symbol,
		Action:  order.Action,
		Actor:   actor,
		OrderID: rec.OrderID,
		Details: details,
	})

	result := Result{
		Key:     rec.Key,
		OrderID: rec.OrderID,
		Status:  idempotency.StatusFailed,
		Error:   cause.Error(),
		At:      done.UpdatedAt,
	}
	rejected := &SubmissionFailedError{Key: rec.Key, OrderID: rec.OrderID, Reason: cause.Error()}
	return result, errors.Join(rejected, err, aerr)
}

func (g *Gate) succeeded(ctx context.Context, order Order, actor string, rec idempotency.Record, out OrderResult) (Result, error) {
	if out.Status != idempotency.StatusFilled {
		out.Status = idempotency.StatusSubmitted
	}
	g.count(string(out.Status))

	resp, _ := json.Marshal(out)
	done, err := g.idem.Complete(ctx, rec.Key, out.Status, resp)
	if err != nil {
		// The order exists at the broker; the reservation stays reserved and
		// surfaces in reconciliation.
		g.logger.Error().Err(err).Str("key", rec.Key).Str("order_id", rec.OrderID).Msg("could not complete idempotency record")
	}
	details := orderDetails(order, rec.Key)
	details["status"] = string(out.Status)
	details["broker_order_id"] = out.BrokerOrderID
	events := []audit.Event{{
		Type:    audit.EventOrderSubmitted,
		Symbol:  order.Symbol,
		Action:  order.Action,
		Actor:   actor,
		OrderID: rec.OrderID,
		Details: details,
	}}
	if out.Status == idempotency.StatusFilled {
		fill := map[string]any{
			"filled_quantity": out.FilledQuantity.String(),
			"fill_price":      out.FillPrice.String(),
			"broker_order_id": out.BrokerOrderID,
		}
		events = append(events, audit.Event{
			Type:    audit.EventTradeExecuted,
			Symbol:  order.Symbol,
			Action:  order.Action,
			Actor:   audit.ActorSystem,
			OrderID: rec.OrderID,
			Details: fill,
		})
		if order.PositionEffect == EffectOpen {
			events = append(events, audit.Event{
				Type:    audit.EventPositionOpened,
				Symbol:  order.Symbol,
				Action:  order.Action,
				Actor:   audit.ActorSystem,
				OrderID: rec.OrderID,
				Details: fill,
			})
		}
	}
	aerr := g.record(ctx, events...)

	at := done.UpdatedAt
	if at.IsZero() {
		at = g.clock.Now()
	}
	result := Result{
		Key:     rec.Key,
		OrderID: rec.OrderID,
		Status:  out.Status,
		Order:   &out,
		At:      at,
	}
	return result, errors.Join(err, aerr)
}

// RecordOutcome applies a realized trade result. Outcomes for a symbol are
// applied in submission order; an outcome that arrives ahead of an earlier
// pending order is refused with *risk.OutOfOrderError and must be retried.
func (g *Gate) RecordOutcome(ctx context.Context, o risk.Outcome) (risk.OutcomeResult, error) {
	if err := o.Validate(); err != nil {
		return risk.OutcomeResult{}, err
	}
	if err := g.seq.Admit(o); err != nil {
		return risk.OutcomeResult{}, err
	}

	res, err := g.breaker.RecordOutcome(ctx, o)
	if err != nil && !res.Applied {
		return res, err
	}
	g.seq.Done(o.OrderID)
	if !res.Applied {
		return res, nil
	}

	details := map[string]any{
		"outcome":            string(o.Kind),
		"pnl":                o.PnL.String(),
		"exit_reason":        string(o.ExitReason),
		"consecutive_losses": res.State.ConsecutiveLosses,
	}
	events := []audit.Event{{
		Type:    audit.EventPositionClosed,
		Symbol:  o.Symbol,
		Action:  o.Action,
		Actor:   audit.ActorSystem,
		OrderID: o.OrderID,
		Details: details,
	}}
	switch o.ExitReason {
	case risk.ExitStopLoss:
		events = append(events, audit.Event{
			Type: audit.EventStopLossTriggered, Symbol: o.Symbol, Action: o.Action,
			Actor: audit.ActorSystem, OrderID: o.OrderID, Details: details,
		})
	case risk.ExitTakeProfit:
		events = append(events, audit.Event{
			Type: audit.EventTakeProfitTriggered, Symbol: o.Symbol, Action: o.Action,
			Actor: audit.ActorSystem, OrderID: o.OrderID, Details: details,
		})
	}
	return res, errors.Join(err, g.record(ctx, events...))
}

// Cancel asks the submitter to cancel orderID and audits the request.
func (g *Gate) Cancel(ctx context.Context, symbol, orderID, reason, actor string) error {
	canceler, ok := g.submitter.(Canceler)
	if !ok {
		return ErrCancelUnsupported
	}
	if actor == "" {
		actor = audit.ActorOperator
	}

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CancelTimeout)
	err := canceler.CancelOrder(cctx, orderID)
	cancel()
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	g.seq.Done(orderID)

	return g.record(context.WithoutCancel(ctx), audit.Event{
		Type:    audit.EventOrderCanceled,
		Symbol:  symbol,
		Actor:   actor,
		OrderID: orderID,
		Details: map[string]any{"reason": reason},
	})
}

// SetHalt is the manual control entry point. Every call is audited.
func (g *Gate) SetHalt(ctx context.Context, halt bool, reason, actor string) (risk.State, error) {
	if halt {
		return g.breaker.SetHalt(ctx, true, reason, actor)
	}
	prev, _ := g.breaker.Status(ctx)
	st, err := g.breaker.SetHalt(ctx, false, reason, actor)
	g.acknowledgeTamper(prev, st, err)
	return st, err
}

// Reset re-enables trading. Resetting an audit tamper halt acknowledges the
// tamper, so later entries stop being marked untrusted.
func (g *Gate) Reset(ctx context.Context, reason, actor string) (risk.State, error) {
	prev, _ := g.breaker.Status(ctx)
	st, err := g.breaker.Reset(ctx, reason, actor)
	g.acknowledgeTamper(prev, st, err)
	return st, err
}

func (g *Gate) acknowledgeTamper(prev, st risk.State, err error) {
	if err != nil || st.TradingHalted || prev.HaltTrigger != risk.TriggerAuditTamper {
		return
	}
	g.chain.AcknowledgeTamper()
}

// VerifyAudit checks the online chain. Tampering halts trading and is
// recorded once; it is never repaired.
func (g *Gate) VerifyAudit(ctx context.Context) error {
	err := g.chain.Verify(ctx)
	var tamper *audit.TamperDetected
	if !errors.As(err, &tamper) {
		return err
	}
	if !g.chain.MarkTampered(tamper) {
		g.logger.Debug().Int64("sequence", tamper.Sequence).Msg("audit tamper already flagged")
		return err
	}
	g.logger.Error().
		Int64("sequence", tamper.Sequence).
		Str("reason", tamper.Reason).
		Msg("audit chain tamper detected, halting trading")
	if _, herr := g.breaker.HaltFor(context.WithoutCancel(ctx), risk.TriggerAuditTamper, tamper.Error()); herr != nil {
		return errors.Join(err, herr)
	}
	return err
}

func (g *Gate) record(ctx context.Context, events ...audit.Event) error {
	for _, ev := range events {
		if _, err := g.chain.Append(ctx, ev); err != nil {
			return fmt.Errorf("audit %s: %w", ev.Type, err)
		}
	}
	return nil
}

func (g *Gate) count(result string) {
	if g.metrics != nil {
		g.metrics.GateSubmissions.WithLabelValues(result).Inc()
	}
}

func orderDetails(o Order, key string) map[string]any {
	d := map[string]any{
		"idempotency_key": key,
		"quantity":        o.Quantity.String(),
		"order_type":      string(o.Type),
	}
	if o.Type == Limit {
		d["limit_price"] = o.LimitPrice.String()
	}
	if o.PositionEffect != EffectUnknown {
		d["position_effect"] = string(o.PositionEffect)
	}
	return d
}
