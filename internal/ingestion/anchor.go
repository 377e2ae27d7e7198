package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"RiskGate/internal/audit"
	"RiskGate/internal/clock"
	"RiskGate/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher sends one message. JetStreamPublisher adapts jetstream.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// JetStreamPublisher publishes with a JetStream ack so the anchor is known
// to be stored before it counts as published.
type JetStreamPublisher struct {
	JS jetstream.JetStream
}

func (p JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.JS.Publish(ctx, subject, data)
	return err
}

// TailSource returns the current chain tail. *audit.Chain satisfies it.
type TailSource interface {
	Tail(ctx context.Context) (*audit.Entry, error)
}

// TailAnchor is the message published on AnchorSubject.
type TailAnchor struct {
	Sequence    int64     `json:"sequence"`
	EntryHash   string    `json:"entry_hash"`
	PublishedAt time.Time `json:"published_at"`
}

// AnchorPublisher periodically copies the chain tail hash off-store, so a
// rewrite of the whole store is detectable against an independent record.
type AnchorPublisher struct {
	tails     TailSource
	publisher Publisher
	subject   string
	interval  time.Duration
	clock     clock.Clock
	logger    zerolog.Logger
	metrics   *observability.Metrics

	mu   sync.Mutex
	last audit.Checkpoint
}

func NewAnchorPublisher(tails TailSource, publisher Publisher, interval time.Duration, clk clock.Clock, logger zerolog.Logger, metrics *observability.Metrics) *AnchorPublisher {
	return &AnchorPublisher{
		tails:     tails,
		publisher: publisher,
		subject:   AnchorSubject,
		interval:  interval,
		clock:     clk,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run publishes every interval until ctx is cancelled. Failures are logged
// and retried on the next tick.
func (a *AnchorPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.PublishOnce(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("anchor publish failed")
			}
		}
	}
}

// PublishOnce publishes the current tail unless it was already published.
// It reports whether a message was sent.
func (a *AnchorPublisher) PublishOnce(ctx context.Context) (bool, error) {
	tail, err := a.tails.Tail(ctx)
	if err != nil {
		return false, fmt.Errorf("read tail: %w", err)
	}
	if tail == nil {
		return false, nil
	}
	cp := audit.Checkpoint{Sequence: tail.Sequence, Hash: tail.EntryHash}

	a.mu.Lock()
	defer a.mu.Unlock()
	if cp == a.last {
		return false, nil
	}

	data, err := json.Marshal(TailAnchor{
		Sequence:    cp.Sequence,
		EntryHash:   cp.Hash,
		PublishedAt: a.clock.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal anchor: %w", err)
	}
	if err := a.publisher.Publish(ctx, a.subject, data); err != nil {
		return false, fmt.Errorf("publish anchor: %w", err)
	}
	a.last = cp
	if a.metrics != nil {
		a.metrics.AuditAnchorsPublished.Inc()
	}
	a.logger.Debug().Int64("sequence", cp.Sequence).Str("hash", cp.Hash).Msg("tail anchor published")
	return true, nil
}
