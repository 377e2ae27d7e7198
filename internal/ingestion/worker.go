package ingestion

import (
	"context"
	"errors"
	"time"

	"RiskGate/internal/observability"
	"RiskGate/internal/risk"

	"github.com/rs/zerolog"
)

// OutcomeApplier applies one outcome. *gate.Gate satisfies it.
type OutcomeApplier interface {
	RecordOutcome(ctx context.Context, o risk.Outcome) (risk.OutcomeResult, error)
}

// WorkerConfig controls retry behaviour.
type WorkerConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	OutOfOrderDelay time.Duration `yaml:"out_of_order_delay"`
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxAttempts:     5,
		InitialBackoff:  100 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		OutOfOrderDelay: 2 * time.Second,
	}
}

// OutcomeWorker drains deliveries and applies them through the gate.
//
//   - applied or duplicate: ack
//   - malformed: term, the message can never succeed
//   - out of order: nak with OutOfOrderDelay so the earlier order goes first
//   - transient failure: retried in place with exponential backoff, then nak
//
// The worker never drops an outcome it could not parse as invalid.
type OutcomeWorker struct {
	applier OutcomeApplier
	cfg     WorkerConfig
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewOutcomeWorker(applier OutcomeApplier, cfg WorkerConfig, logger zerolog.Logger, metrics *observability.Metrics) *OutcomeWorker {
	def := DefaultWorkerConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.OutOfOrderDelay <= 0 {
		cfg.OutOfOrderDelay = def.OutOfOrderDelay
	}
	return &OutcomeWorker{applier: applier, cfg: cfg, logger: logger, metrics: metrics}
}

// Run blocks until ctx is cancelled or in is closed.
func (w *OutcomeWorker) Run(ctx context.Context, in <-chan Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-in:
			if !ok {
				return nil
			}
			w.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery and settles it.
func (w *OutcomeWorker) Handle(ctx context.Context, d Delivery) {
	o, err := ParseOutcome(d.Data)
	if err != nil {
		w.logger.Error().Err(err).Str("subject", d.Subject).Msg("dropping malformed outcome")
		w.count("invalid")
		settle(d.Term, w.logger)
		return
	}

	err = w.applyWithRetry(ctx, o)
	var ooo *risk.OutOfOrderError
	switch {
	case err == nil:
		w.count("applied")
		settle(d.Ack, w.logger)
	case errors.Is(err, risk.ErrInvalidOutcome):
		w.logger.Error().Err(err).Str("order_id", o.OrderID).Msg("dropping invalid outcome")
		w.count("invalid")
		settle(d.Term, w.logger)
	case errors.As(err, &ooo):
		w.logger.Debug().Str("order_id", o.OrderID).Str("waiting_for", ooo.Waiting).Msg("outcome deferred")
		w.count("deferred")
		settleNak(d, w.cfg.OutOfOrderDelay, w.logger)
	default:
		w.logger.Error().Err(err).Str("order_id", o.OrderID).Msg("outcome not applied, requesting redelivery")
		w.count("nak")
		settleNak(d, w.cfg.MaxBackoff, w.logger)
	}
}

// applyWithRetry retries transient failures with exponential backoff.
// Ordering and validation errors are returned immediately.
func (w *OutcomeWorker) applyWithRetry(ctx context.Context, o risk.Outcome) error {
	backoff := w.cfg.InitialBackoff
	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Str("order_id", o.OrderID).
				Msg("retrying outcome")
			if w.metrics != nil {
				w.metrics.IngestRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.cfg.MaxBackoff {
				backoff = w.cfg.MaxBackoff
			}
		}

		_, err = w.applier.RecordOutcome(ctx, o)
		var ooo *risk.OutOfOrderError
		if err == nil || errors.As(err, &ooo) || errors.Is(err, risk.ErrInvalidOutcome) {
			return err
		}
	}
	return err
}

func (w *OutcomeWorker) count(result string) {
	if w.metrics != nil {
		w.metrics.IngestMessages.WithLabelValues(result).Inc()
	}
}

func settle(fn func() error, logger zerolog.Logger) {
	if fn == nil {
		return
	}
	if err := fn(); err != nil {
		logger.Warn().Err(err).Msg("message settlement failed")
	}
}

func settleNak(d Delivery, delay time.Duration, logger zerolog.Logger) {
	if d.Nak == nil {
		return
	}
	if err := d.Nak(delay); err != nil {
		logger.Warn().Err(err).Msg("nak failed")
	}
}
