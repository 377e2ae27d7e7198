package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"RiskGate/internal/audit"
	"RiskGate/internal/clock"
	"RiskGate/internal/config"
	"RiskGate/internal/gate"
	"RiskGate/internal/idempotency"
	"RiskGate/internal/ingestion"
	"RiskGate/internal/observability"
	"RiskGate/internal/persistence"
	"RiskGate/internal/risk"
	"RiskGate/internal/server"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// sequencerMaxHold bounds how long an order without an outcome can block
// later outcomes on its symbol.
const sequencerMaxHold = time.Hour

// app is the wired daemon.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	clock   clock.Clock
	metrics *observability.Metrics

	db    *persistence.DB
	redis *redis.Client
	nc    *nats.Conn
	js    jetstream.JetStream

	chain      *audit.Chain
	idem       *idempotency.Store
	breaker    *risk.Breaker
	gate       *gate.Gate
	reconciler *gate.Reconciler
	service    *server.Service
	server     *server.GRPCServer
	health     *observability.HealthChecker
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		clock:   clock.System{},
		metrics: observability.NewMetrics(reg),
	}
	a.health = observability.NewHealthChecker(a.clock)
	if err := a.wire(ctx, gatherer); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) component(name string) zerolog.Logger {
	return a.logger.With().Str("component", name).Logger()
}

func (a *app) wire(ctx context.Context, gatherer prometheus.Gatherer) error {
	cfg := a.cfg

	// --- Store + migrations ---
	db, err := persistence.Open(cfg.Dialect(), cfg.Store.DSN)
	if err != nil {
		return err
	}
	a.db = db
	applied, err := persistence.NewMigrator(db, a.clock, a.component("migrator")).Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.health.SetCheck("store", nil)
	a.logger.Info().Str("driver", string(db.Dialect)).Int("applied", applied).Msg("store ready")

	// --- NATS ---
	if cfg.NATS.Enabled || cfg.Broker.Mode == config.BrokerNATS {
		a.nc, a.js, err = ingestion.ConnectNATS(cfg.NATS.URL, a.component("nats"))
		if err != nil {
			return err
		}
		if err := ingestion.EnsureStreams(ctx, a.js, a.component("nats")); err != nil {
			return fmt.Errorf("ensure streams: %w", err)
		}
	}

	// --- Audit chain ---
	a.chain = audit.NewChain(persistence.NewAuditStore(db), a.clock, a.component("audit"), a.metrics)
	if cfg.Audit.MaxAppendAttempts > 0 {
		a.chain.SetMaxAttempts(cfg.Audit.MaxAppendAttempts)
	}

	// --- Idempotency ---
	backend, err := a.idempotencyBackend(ctx)
	if err != nil {
		return err
	}
	a.idem = idempotency.NewStore(backend, a.clock, cfg.Idempotency.Config, a.component("idempotency"), a.metrics)

	// --- Breaker ---
	var account risk.AccountProvider
	var submitter gate.Submitter
	switch cfg.Broker.Mode {
	case config.BrokerNATS:
		account = ingestion.NewNATSAccount(a.nc)
		submitter = ingestion.NewNATSSubmitter(a.nc)
	default:
		account = risk.NewPaperAccount(cfg.Broker.PaperEquity)
		paper := gate.NewPaperSubmitter()
		for symbol, price := range cfg.Broker.PaperPrices {
			paper.SetPrice(symbol, price)
		}
		submitter = paper
	}

	a.breaker = risk.NewBreaker(persistence.NewRiskStore(db), account, a.chain, a.clock, a.component("breaker"), a.metrics)
	st, err := a.breaker.Init(ctx, cfg.Risk)
	if err != nil {
		return fmt.Errorf("init breaker: %w", err)
	}
	if st.TradingHalted {
		a.logger.Warn().Str("reason", st.HaltReason).Str("trigger", st.HaltTrigger).Msg("starting with trading halted")
	}

	// --- Gate ---
	seq := risk.NewSequencer(a.clock, sequencerMaxHold, a.metrics)
	a.gate = gate.New(gate.Deps{
		Chain:       a.chain,
		Idempotency: a.idem,
		Breaker:     a.breaker,
		Sequencer:   seq,
		Submitter:   submitter,
		Clock:       a.clock,
		Proposals:   persistence.NewProposalStore(a.db),
	}, cfg.Gate, a.component("gate"), a.metrics)
	a.reconciler = gate.NewReconciler(a.idem, a.chain, seq, a.component("reconciler"), a.metrics)

	// Tampering halts trading but the daemon still starts so operators can
	// inspect the chain.
	err = a.gate.VerifyAudit(ctx)
	a.health.SetCheck("audit_chain", err)
	if err != nil {
		var tamper *audit.TamperDetected
		if !errors.As(err, &tamper) {
			return fmt.Errorf("verify audit chain: %w", err)
		}
	}

	// --- Control API ---
	a.service = server.NewService(server.ServiceDeps{
		Gate:        a.gate,
		Breaker:     a.breaker,
		Chain:       a.chain,
		Idempotency: a.idem,
		Reconciler:  a.reconciler,
	})
	a.server = server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, server.ServerDeps{
		Service:       a.service,
		HealthChecker: a.health,
		Gatherer:      gatherer,
		Logger:        a.component("server"),
		Metrics:       a.metrics,
	})
	return nil
}

// idempotencyBackend picks the durable tier and fronts it with the LRU of
// terminal records.
func (a *app) idempotencyBackend(ctx context.Context) (idempotency.Backend, error) {
	cfg := a.cfg
	var durable idempotency.Backend
	switch cfg.Idempotency.Backend {
	case config.BackendMemory:
		return idempotency.NewMemoryBackend(), nil
	case config.BackendRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		durable = idempotency.NewRedisBackend(a.redis, cfg.Redis.Prefix, a.clock.Now)
	default:
		durable = persistence.NewIdempotencyStore(a.db)
	}

	if cfg.Idempotency.CacheCapacity <= 0 {
		return durable, nil
	}
	cached := idempotency.NewCachedBackend(durable, cfg.Idempotency.CacheCapacity, a.metrics)
	if sqlStore, ok := durable.(*persistence.IdempotencyStore); ok {
		recent, err := sqlStore.Recent(ctx, cfg.Idempotency.CacheCapacity)
		if err != nil {
			return nil, fmt.Errorf("warm idempotency cache: %w", err)
		}
		cached.Warm(recent)
		a.logger.Info().Int("records", len(recent)).Msg("idempotency cache warmed")
	}
	return cached, nil
}

// Run starts every goroutine and blocks until ctx is done or one of them
// fails.
func (a *app) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 8)
	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. gRPC server
	spawn("grpc", a.server.StartGRPC)

	// 2. HTTP gateway
	if a.cfg.Server.HTTPAddr != "" {
		spawn("http", a.server.StartHTTPGateway)
	}

	// 3. Outcome ingestion
	var subscriber *ingestion.OutcomeSubscriber
	if a.cfg.NATS.Enabled {
		deliveries := make(chan ingestion.Delivery, a.cfg.NATS.ChannelSize)
		subscriber = ingestion.NewOutcomeSubscriber(a.js, deliveries, a.clock, a.component("subscriber"))
		if err := subscriber.Subscribe(ctx, a.cfg.NATS.Subscriber); err != nil {
			cancel()
			wg.Wait()
			return err
		}
		worker := ingestion.NewOutcomeWorker(a.gate, a.cfg.NATS.Worker, a.component("worker"), a.metrics)
		spawn("outcome worker", func(ctx context.Context) error { return worker.Run(ctx, deliveries) })

		// 4. Tail anchoring
		if a.cfg.NATS.AnchorInterval > 0 {
			anchors := ingestion.NewAnchorPublisher(a.chain, ingestion.JetStreamPublisher{JS: a.js},
				a.cfg.NATS.AnchorInterval, a.clock, a.component("anchor"), a.metrics)
			spawn("anchor publisher", anchors.Run)
		}
	}

	// 5. Idempotency reaper
	if a.cfg.Idempotency.ReapInterval > 0 {
		spawn("reaper", func(ctx context.Context) error {
			return every(ctx, a.cfg.Idempotency.ReapInterval, func(ctx context.Context) {
				if _, err := a.idem.Reap(ctx); err != nil {
					a.logger.Warn().Err(err).Msg("idempotency reap failed")
				}
			})
		})
	}

	// 6. Periodic chain verification
	if a.cfg.Audit.VerifyInterval > 0 {
		spawn("audit verifier", func(ctx context.Context) error {
			return every(ctx, a.cfg.Audit.VerifyInterval, func(ctx context.Context) {
				a.health.SetCheck("store", a.db.PingContext(ctx))
				err := a.gate.VerifyAudit(ctx)
				a.health.SetCheck("audit_chain", err)
				if err != nil {
					a.logger.Error().Err(err).Msg("periodic audit verification failed")
				}
			})
		})
	}

	a.server.SetServing(true)
	a.logger.Info().
		Str("grpc", a.cfg.Server.GRPCAddr).
		Str("http", a.cfg.Server.HTTPAddr).
		Str("broker", a.cfg.Broker.Mode).
		Bool("nats", a.cfg.NATS.Enabled).
		Msg("riskgate ready")

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutdown requested")
	case runErr = <-errChan:
		a.logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	a.server.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	wg.Wait()
	a.logger.Info().Msg("riskgate stopped")
	return runErr
}

// Close releases connections. Safe on a partially wired app.
func (a *app) Close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}
