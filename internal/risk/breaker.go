package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"RiskGate/internal/audit"
	"RiskGate/internal/clock"
	"RiskGate/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxVersionRetries = 5

// Auditor appends audit entries. *audit.Chain satisfies it.
type Auditor interface {
	Append(ctx context.Context, ev audit.Event) (audit.Entry, error)
}

// OutcomeResult reports what RecordOutcome did.
type OutcomeResult struct {
	State State
	// Applied is false for a duplicate order_id.
	Applied bool
	// Halted is true when this outcome tripped the breaker.
	Halted  bool
	Trigger string
}

// Breaker is the circuit breaker over the persisted risk state.
//
// Check reads the store on every call and never caches the halt flag. Any
// read failure is reported as halted.
type Breaker struct {
	store   Store
	account AccountProvider
	auditor Auditor
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *observability.Metrics

	// mu serializes mutations from this process; the store's version check
	// covers other processes.
	mu sync.Mutex
}

func NewBreaker(store Store, account AccountProvider, auditor Auditor, clk clock.Clock, logger zerolog.Logger, metrics *observability.Metrics) *Breaker {
	return &Breaker{
		store:   store,
		account: account,
		auditor: auditor,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
	}
}

// Init creates the risk state with t unless it already exists.
func (b *Breaker) Init(ctx context.Context, t Thresholds) (State, error) {
	if err := t.Validate(); err != nil {
		return State{}, err
	}
	initial := NewState(t, b.clock.Now())
	if acct, err := b.account.AccountMetrics(ctx); err == nil {
		initial.DayStartEquity = acct.Equity
		initial.CurrentEquity = acct.Equity
		initial.PeakEquity = decimal.Max(acct.PeakEquity, acct.Equity)
	} else {
		b.logger.Warn().Err(err).Msg("account metrics unavailable, day start equity left unset")
	}
	s, err := b.store.Init(ctx, initial)
	if err != nil {
		return State{}, fmt.Errorf("init risk state: %w", err)
	}
	b.observe(s)
	return s, nil
}

// Check returns nil when trading may proceed and *TradingHaltedError otherwise.
func (b *Breaker) Check(ctx context.Context) error {
	s, err := b.store.Load(ctx)
	if err != nil {
		if b.metrics != nil {
			b.metrics.BreakerFailClosed.Inc()
		}
		b.logger.Error().Err(err).Msg("risk state unreadable, failing closed")
		return &TradingHaltedError{Reason: fmt.Sprintf("risk state unavailable: %v", err), FailClosed: true}
	}
	if s.TradingHalted {
		he := &TradingHaltedError{Reason: s.HaltReason}
		if s.HaltedAt != nil {
			he.HaltedAt = *s.HaltedAt
		}
		return he
	}
	return nil
}

// Status returns the current state.
func (b *Breaker) Status(ctx context.Context) (State, error) {
	return b.store.Load(ctx)
}

// Outcomes lists recorded outcomes newest first.
func (b *Breaker) Outcomes(ctx context.Context, symbol string, limit int) ([]Outcome, error) {
	return b.store.ListOutcomes(ctx, symbol, limit)
}

// RecordOutcome applies a realized trade result to the counters and trips
// the breaker when a threshold is reached. A repeated order_id is a no-op.
func (b *Breaker) RecordOutcome(ctx context.Context, o Outcome) (OutcomeResult, error) {
	if err := o.Validate(); err != nil {
		return OutcomeResult{}, err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = b.clock.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seen, err := b.store.HasOutcome(ctx, o.OrderID)
	if err != nil {
		return OutcomeResult{}, fmt.Errorf("lookup outcome %s: %w", o.OrderID, err)
	}
	if seen {
		current, err := b.store.Load(ctx)
		if err != nil {
			return OutcomeResult{}, fmt.Errorf("load risk state: %w", err)
		}
		b.duplicate(o.OrderID)
		return OutcomeResult{State: current}, nil
	}
	if rec, ok := b.account.(PnLRecorder); ok {
		rec.RecordPnL(o.OrderID, o.PnL)
	}

	for attempt := 1; attempt <= maxVersionRetries; attempt++ {
		current, err := b.store.Load(ctx)
		if err != nil {
			return OutcomeResult{}, fmt.Errorf("load risk state: %w", err)
		}
		acct, err := b.account.AccountMetrics(ctx)
		if err != nil {
			return OutcomeResult{}, fmt.Errorf("account metrics: %w", err)
		}

		next := current
		now := b.clock.Now()
		applyCounters(&next, o.Kind, acct)
		next.UpdatedAt = now

		var trigger, reason string
		if !current.TradingHalted {
			trigger, reason = next.Breach()
			if trigger != "" {
				next.halt(trigger, reason, now)
			}
		}

		saved, applied, err := b.store.ApplyOutcome(ctx, o, next, current.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return OutcomeResult{}, fmt.Errorf("apply outcome %s: %w", o.OrderID, err)
		}
		if !applied {
			b.duplicate(o.OrderID)
			return OutcomeResult{State: current}, nil
		}

		if b.metrics != nil {
			b.metrics.OutcomesApplied.WithLabelValues(string(o.Kind)).Inc()
		}
		b.observe(saved)

		res := OutcomeResult{State: saved, Applied: true}
		if trigger == "" {
			return res, nil
		}

		res.Halted, res.Trigger = true, trigger
		if b.metrics != nil {
			b.metrics.BreakerHalts.WithLabelValues(trigger).Inc()
		}
		b.logger.Warn().
			Str("trigger", trigger).
			Str("reason", reason).
			Str("order_id", o.OrderID).
			Str("symbol", o.Symbol).
			Msg("circuit breaker tripped, trading halted")

		if err := b.auditTrip(ctx, o, saved, trigger, reason); err != nil {
			return res, err
		}
		return res, nil
	}
	return OutcomeResult{}, fmt.Errorf("apply outcome %s: %w", o.OrderID, ErrVersionConflict)
}

func (b *Breaker) duplicate(orderID string) {
	if b.metrics != nil {
		b.metrics.OutcomesDuplicate.Inc()
	}
	b.logger.Debug().Str("order_id", orderID).Msg("duplicate outcome ignored")
}

func (b *Breaker) auditTrip(ctx context.Context, o Outcome, s State, trigger, reason string) error {
	details := counterDetails(s)
	details["trigger"] = trigger
	details["reason"] = reason

	if _, err := b.auditor.Append(ctx, audit.Event{
		Type:    audit.EventCircuitBreakerTriggered,
		Symbol:  o.Symbol,
		Action:  o.Action,
		OrderID: o.OrderID,
		Actor:   audit.ActorSystem,
		Details: details,
	}); err != nil {
		return fmt.Errorf("halt committed but audit append failed: %w", err)
	}
	if _, err := b.auditor.Append(ctx, audit.Event{
		Type:    audit.EventTradingHalted,
		Actor:   audit.ActorSystem,
		OrderID: o.OrderID,
		Details: map[string]any{
			"reason":    reason,
			"trigger":   trigger,
			"halted_at": s.HaltedAt,
		},
	}); err != nil {
		return fmt.Errorf("halt committed but audit append failed: %w", err)
	}
	return nil
}

// Halt stops trading manually. Halting an already halted breaker keeps the
// original reason but is still audited.
func (b *Breaker) Halt(ctx context.Context, reason, actor string) (State, error) {
	return b.halt(ctx, TriggerManual, reason, actor)
}

// HaltFor stops trading for a system condition such as audit tampering.
// Repeating it while already halted for the same trigger appends nothing.
func (b *Breaker) HaltFor(ctx context.Context, trigger, reason string) (State, error) {
	return b.halt(ctx, trigger, reason, audit.ActorSystem)
}

func (b *Breaker) halt(ctx context.Context, trigger, reason, actor string) (State, error) {
	if strings.TrimSpace(reason) == "" {
		return State{}, ErrReasonRequired
	}
	if actor == "" {
		actor = audit.ActorOperator
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		saved   State
		already bool
	)
	err := b.mutate(ctx, func(s *State) bool {
		if s.TradingHalted {
			already = true
			return false
		}
		s.halt(trigger, reason, b.clock.Now())
		return true
	}, &saved)
	if err != nil {
		return State{}, err
	}

	if already && actor == audit.ActorSystem && saved.HaltTrigger == trigger {
		b.logger.Debug().Str("trigger", trigger).Msg("already halted for this trigger")
		return saved, nil
	}

	details := map[string]any{"reason": reason, "trigger": trigger}
	if already {
		details["noop"] = true
		details["existing_reason"] = saved.HaltReason
	} else {
		details["halted_at"] = saved.HaltedAt
		if b.metrics != nil {
			b.metrics.BreakerHalts.WithLabelValues(trigger).Inc()
		}
		b.logger.Warn().Str("trigger", trigger).Str("reason", reason).Str("actor", actor).Msg("trading halted")
	}
	if _, err := b.auditor.Append(ctx, audit.Event{
		Type:    audit.EventTradingHalted,
		Actor:   actor,
		Details: details,
	}); err != nil {
		return saved, fmt.Errorf("audit halt: %w", err)
	}
	return saved, nil
}

// Reset re-enables trading. It zeroes consecutive losses and leaves daily
// loss and drawdown as they are.
func (b *Breaker) Reset(ctx context.Context, reason, actor string) (State, error) {
	if strings.TrimSpace(reason) == "" {
		return State{}, ErrReasonRequired
	}
	if actor == "" {
		actor = audit.ActorOperator
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		saved      State
		prevReason string
		notHalted  bool
	)
	err := b.mutate(ctx, func(s *State) bool {
		if !s.TradingHalted {
			notHalted = true
			return false
		}
		prevReason = s.HaltReason
		s.TradingHalted = false
		s.HaltReason = ""
		s.HaltTrigger = ""
		s.HaltedAt = nil
		s.ConsecutiveLosses = 0
		return true
	}, &saved)
	if err != nil {
		return State{}, err
	}
	if notHalted {
		return saved, ErrNotHalted
	}

	if b.metrics != nil {
		b.metrics.BreakerResets.Inc()
	}
	b.logger.Warn().Str("reason", reason).Str("previous_reason", prevReason).Str("actor", actor).Msg("trading resumed")

	if _, err := b.auditor.Append(ctx, audit.Event{
		Type:  audit.EventTradingResumed,
		Actor: actor,
		Details: map[string]any{
			"reason":             reason,
			"previous_reason":    prevReason,
			"daily_loss_percent": saved.DailyLossPercent.String(),
			"drawdown_percent":   saved.DrawdownPercent.String(),
		},
	}); err != nil {
		return saved, fmt.Errorf("audit reset: %w", err)
	}
	return saved, nil
}

// SetHalt is the single manual control entry point. Every call is audited,
// including a resume while already active.
func (b *Breaker) SetHalt(ctx context.Context, halt bool, reason, actor string) (State, error) {
	if halt {
		return b.Halt(ctx, reason, actor)
	}
	s, err := b.Reset(ctx, reason, actor)
	if !errors.Is(err, ErrNotHalted) {
		return s, err
	}
	if actor == "" {
		actor = audit.ActorOperator
	}
	if _, err := b.auditor.Append(ctx, audit.Event{
		Type:    audit.EventTradingResumed,
		Actor:   actor,
		Details: map[string]any{"reason": reason, "noop": true},
	}); err != nil {
		return s, fmt.Errorf("audit resume: %w", err)
	}
	return s, nil
}

// RollDay starts a new trading day: the day-start equity becomes the
// collaborator's day start (or current equity) and daily loss is recomputed.
// A halt stays in place.
func (b *Breaker) RollDay(ctx context.Context) (State, error) {
	acct, err := b.account.AccountMetrics(ctx)
	if err != nil {
		return State{}, fmt.Errorf("account metrics: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var saved State
	err = b.mutate(ctx, func(s *State) bool {
		start := acct.DayStartEquity
		if !start.IsPositive() {
			start = acct.Equity
		}
		s.DayStartEquity = start
		s.CurrentEquity = acct.Equity
		s.DailyLossPercent = lossPercent(start, acct.Equity)
		s.DayStartedAt = b.clock.Now()
		return true
	}, &saved)
	if err != nil {
		return State{}, err
	}
	b.logger.Info().
		Str("day_start_equity", saved.DayStartEquity.String()).
		Bool("trading_halted", saved.TradingHalted).
		Msg("trading day rolled")
	return saved, nil
}

// mutate loads, applies fn and saves with optimistic versioning. fn returns
// false to skip the write; out then holds the loaded state.
func (b *Breaker) mutate(ctx context.Context, fn func(*State) bool, out *State) error {
	for attempt := 1; attempt <= maxVersionRetries; attempt++ {
		current, err := b.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load risk state: %w", err)
		}
		next := current
		if !fn(&next) {
			*out = current
			return nil
		}
		next.UpdatedAt = b.clock.Now()
		saved, err := b.store.Save(ctx, next, current.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("save risk state: %w", err)
		}
		b.observe(saved)
		*out = saved
		return nil
	}
	return fmt.Errorf("save risk state: %w", ErrVersionConflict)
}

func (b *Breaker) observe(s State) {
	if b.metrics == nil {
		return
	}
	daily, _ := s.DailyLossPercent.Float64()
	dd, _ := s.DrawdownPercent.Float64()
	b.metrics.SetRiskGauges(s.TradingHalted, s.ConsecutiveLosses, daily, dd)
}

// applyCounters updates the live counters for one outcome.
func applyCounters(s *State, kind OutcomeKind, acct AccountMetrics) {
	switch kind {
	case Loss:
		s.ConsecutiveLosses++
	case Win:
		s.ConsecutiveLosses = 0
	}

	dayStart := acct.DayStartEquity
	if !dayStart.IsPositive() {
		dayStart = s.DayStartEquity
	}
	if !dayStart.IsPositive() {
		// No day start known yet; daily loss starts from here.
		dayStart = acct.Equity
	}
	peak := decimal.Max(acct.PeakEquity, s.PeakEquity, acct.Equity)

	s.DayStartEquity = dayStart
	s.PeakEquity = peak
	s.CurrentEquity = acct.Equity
	s.DailyLossPercent = lossPercent(dayStart, acct.Equity)
	s.DrawdownPercent = lossPercent(peak, acct.Equity)
}

func counterDetails(s State) map[string]any {
	return map[string]any{
		"consecutive_losses": s.ConsecutiveLosses,
		"daily_loss_percent": s.DailyLossPercent.String(),
		"drawdown_percent":   s.DrawdownPercent.String(),
		"current_equity":     s.CurrentEquity.String(),
	}
}
