package ingestion

import (
	"context"
	"fmt"
	"time"

	"RiskGate/internal/clock"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Delivery is one message handed to the worker together with its
// acknowledgement callbacks.
type Delivery struct {
	Subject    string
	Data       []byte
	ReceivedAt time.Time
	Ack        func() error
	// Nak asks for redelivery after delay.
	Nak func(delay time.Duration) error
	// Term drops a message that can never be applied.
	Term func() error
}

// SubscriberConfig configures the durable outcome consumer.
type SubscriberConfig struct {
	Stream     string        `yaml:"stream"`
	Consumer   string        `yaml:"consumer"`
	Subject    string        `yaml:"subject"`
	AckWait    time.Duration `yaml:"ack_wait"`
	MaxDeliver int           `yaml:"max_deliver"`
}

func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		Stream:     OutcomeStream,
		Consumer:   OutcomeConsumer,
		Subject:    OutcomeSubject,
		AckWait:    30 * time.Second,
		MaxDeliver: -1,
	}
}

// OutcomeSubscriber consumes trade outcomes from JetStream and feeds them to
// an OutcomeWorker. Messages are acked only after they were applied, so
// delivery is at-least-once. MaxDeliver defaults to unlimited: dropping an
// outcome would undercount losses.
type OutcomeSubscriber struct {
	js       jetstream.JetStream
	out      chan<- Delivery
	clock    clock.Clock
	logger   zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewOutcomeSubscriber(js jetstream.JetStream, out chan<- Delivery, clk clock.Clock, logger zerolog.Logger) *OutcomeSubscriber {
	return &OutcomeSubscriber{js: js, out: out, clock: clk, logger: logger}
}

// Subscribe creates the durable consumer and starts delivering into the
// worker channel.
func (s *OutcomeSubscriber) Subscribe(ctx context.Context, cfg SubscriberConfig) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		// One outstanding message keeps per-symbol submission order intact.
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		d := Delivery{
			Subject:    msg.Subject(),
			Data:       msg.Data(),
			ReceivedAt: s.clock.Now(),
			Ack:        msg.Ack,
			Nak:        msg.NakWithDelay,
			Term:       msg.Term,
		}

		select {
		case s.out <- d:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.Consumer, err)
	}

	s.consumer = cc
	s.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.Consumer).Msg("subscribed to outcomes")
	return nil
}

// Stop stops the consumer.
func (s *OutcomeSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.logger.Info().Msg("outcome subscriber stopped")
}
