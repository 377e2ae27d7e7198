package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Subjects and streams used by RiskGate.
const (
	OutcomeSubject   = "riskgate.outcomes.>"
	OutcomeStream    = "RISKGATE_OUTCOMES"
	OutcomeConsumer  = "riskgate-outcomes"
	AnchorSubject    = "riskgate.audit.anchor"
	AnchorStream     = "RISKGATE_AUDIT_ANCHORS"
	SubmitSubject    = "riskgate.broker.submit"
	CancelSubject    = "riskgate.broker.cancel"
	AccountSubject   = "riskgate.account.metrics"
	defaultStreamAge = 72 * time.Hour
)

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("riskgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// EnsureStreams creates the outcome and anchor streams if they don't exist.
// Outcomes are kept for redelivery; anchors are kept indefinitely since they
// are the off-store copy of the chain tail.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      OutcomeStream,
			Subjects:  []string{OutcomeSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    defaultStreamAge,
			Replicas:  1,
		},
		{
			Name:      AnchorStream,
			Subjects:  []string{AnchorSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}
