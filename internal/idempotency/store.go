package idempotency

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"RiskGate/internal/clock"
	"RiskGate/internal/observability"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Config tunes the Store.
type Config struct {
	// TTL is how long a record is kept after it is created.
	TTL time.Duration `yaml:"ttl"`
	// StaleAfter is the age past which an unfinished reservation may be taken over.
	StaleAfter time.Duration `yaml:"stale_after"`
	// WaitTimeout bounds how long Reserve waits on another caller's reservation.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	// PollInterval is the delay between checks while waiting.
	PollInterval time.Duration `yaml:"poll_interval"`
}

func DefaultConfig() Config {
	return Config{
		TTL:          24 * time.Hour,
		StaleAfter:   30 * time.Second,
		WaitTimeout:  5 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}
}

// Store binds idempotency keys to order intents and their outcomes.
type Store struct {
	backend Backend
	clock   clock.Clock
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics

	idMu    sync.Mutex
	entropy io.Reader
}

func NewStore(backend Backend, clk clock.Clock, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Store {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Store{
		backend: backend,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Reserve atomically claims key for p.
//
//   - unseen key: inserts a reserved record, Outcome Reserved
//   - same intent, terminal: Outcome Hit with the cached response
//   - same intent, reserved for longer than StaleAfter: takes the
//     reservation over, Outcome Stale, same OrderID
//   - same intent, reserved and fresh: waits up to WaitTimeout for it to
//     finish, then ErrInFlight
//   - different intent: *ConflictError
func (s *Store) Reserve(ctx context.Context, key string, p Params) (Reservation, error) {
	if err := validate(key, p); err != nil {
		return Reservation{}, err
	}

	polls := int(s.cfg.WaitTimeout / s.cfg.PollInterval)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for poll := 0; ; poll++ {
		now := s.clock.Now()
		candidate := Record{
			Key:       key,
			OrderID:   s.newOrderID(now),
			Symbol:    p.Symbol,
			Action:    p.Action,
			Quantity:  p.Quantity,
			Status:    StatusReserved,
			Attempts:  1,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(s.cfg.TTL),
		}

		stored, inserted, err := s.backend.InsertIfAbsent(ctx, candidate)
		if err != nil {
			return Reservation{}, fmt.Errorf("reserve %q: %w", key, err)
		}
		if inserted {
			s.recordReservation(Reserved)
			return Reservation{Outcome: Reserved, Record: stored}, nil
		}

		if !stored.Params().Matches(p) {
			s.recordReservation("conflict")
			return Reservation{}, &ConflictError{Key: key, Existing: stored.Params(), Requested: p}
		}

		if stored.Status.IsTerminal() {
			s.recordReservation(Hit)
			return Reservation{Outcome: Hit, Record: stored}, nil
		}

		if now.Sub(stored.UpdatedAt) >= s.cfg.StaleAfter {
			taken, ok, err := s.backend.TakeOver(ctx, key, stored.Attempts, now)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return Reservation{}, fmt.Errorf("take over %q: %w", key, err)
			}
			if ok {
				s.logger.Warn().
					Str("key", key).
					Str("order_id", taken.OrderID).
					Int("attempts", taken.Attempts).
					Dur("age", now.Sub(stored.UpdatedAt)).
					Msg("stale reservation taken over")
				s.recordReservation(Stale)
				return Reservation{Outcome: Stale, Record: taken}, nil
			}
			// Lost the take-over race; re-read.
			continue
		}

		if poll >= polls {
			s.recordReservation("in_flight")
			return Reservation{}, fmt.Errorf("%w: key=%q order_id=%s", ErrInFlight, key, stored.OrderID)
		}
		if s.metrics != nil && poll == 0 {
			s.metrics.IdempotencyWaits.Inc()
		}

		if timer == nil {
			timer = time.NewTimer(s.cfg.PollInterval)
		} else {
			timer.Reset(s.cfg.PollInterval)
		}
		select {
		case <-ctx.Done():
			return Reservation{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Complete records the terminal outcome of a reservation.
func (s *Store) Complete(ctx context.Context, key string, status Status, response []byte) (Record, error) {
	return s.complete(ctx, key, status, response, false)
}

// CompleteUnknown marks a reservation failed pending reconciliation. Used
// when the submitter timed out and the order may or may not exist.
func (s *Store) CompleteUnknown(ctx context.Context, key string, response []byte) (Record, error) {
	return s.complete(ctx, key, StatusFailed, response, true)
}

func (s *Store) complete(ctx context.Context, key string, status Status, response []byte, needsRecon bool) (Record, error) {
	if !status.IsTerminal() {
		return Record{}, fmt.Errorf("%w: status %q is not terminal", ErrInvalidRequest, status)
	}
	rec, err := s.backend.Complete(ctx, key, Completion{
		Status:              status,
		Response:            response,
		NeedsReconciliation: needsRecon,
		At:                  s.clock.Now(),
	})
	if err != nil {
		return rec, fmt.Errorf("complete %q: %w", key, err)
	}
	if s.metrics != nil {
		s.metrics.IdempotencyCompletions.WithLabelValues(string(status)).Inc()
	}
	return rec, nil
}

// Resolve settles a stale reservation or an unknown-outcome record.
func (s *Store) Resolve(ctx context.Context, key string, status Status, response []byte) (Record, error) {
	if !status.IsTerminal() {
		return Record{}, fmt.Errorf("%w: status %q is not terminal", ErrInvalidRequest, status)
	}
	rec, err := s.backend.Resolve(ctx, key, Completion{
		Status:   status,
		Response: response,
		At:       s.clock.Now(),
	})
	if err != nil {
		return rec, fmt.Errorf("resolve %q: %w", key, err)
	}
	s.logger.Warn().
		Str("key", key).
		Str("order_id", rec.OrderID).
		Str("status", string(status)).
		Msg("idempotency record reconciled")
	return rec, nil
}

// Get looks up a record by key.
func (s *Store) Get(ctx context.Context, key string) (Record, error) {
	return s.backend.Get(ctx, key)
}

// Reap removes expired terminal records.
func (s *Store) Reap(ctx context.Context) (int64, error) {
	n, err := s.backend.Reap(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int64("reaped", n).Msg("expired idempotency records removed")
	}
	if s.metrics != nil {
		s.metrics.IdempotencyReaped.Add(float64(n))
	}
	return n, nil
}

// Pending lists records needing reconciliation: reservations older than
// StaleAfter followed by unknown-outcome failures.
func (s *Store) Pending(ctx context.Context) ([]Record, error) {
	stale, err := s.backend.ListReserved(ctx, s.clock.Now().Add(-s.cfg.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("list reserved: %w", err)
	}
	unknown, err := s.backend.ListUnreconciled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unreconciled: %w", err)
	}
	return append(stale, unknown...), nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) newOrderID(now time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
}

func (s *Store) recordReservation(outcome Outcome) {
	if s.metrics != nil {
		s.metrics.IdempotencyReservations.WithLabelValues(string(outcome)).Inc()
	}
}

func validate(key string, p Params) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	case p.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	case p.Action == "":
		return fmt.Errorf("%w: action is required", ErrInvalidRequest)
	case !p.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	return nil
}
