package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"RiskGate/internal/clock"
	"RiskGate/internal/observability"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxAppendAttempts = 8
	verifyBatchSize          = 1000
)

// Chain is the append-only, hash-linked audit ledger.
//
// Appends inside one process are serialized by mu. Across processes the
// store's unique constraints on sequence_number and prev_hash make the
// insert a conditional write: a loser gets ErrSequenceConflict, re-reads the
// tail and recomputes.
type Chain struct {
	store   Store
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	maxAttempts int

	// tampered is set by MarkTampered and stamped on every later entry
	// until AcknowledgeTamper clears it.
	tampered     *TamperDetected
	acknowledged int64
}

func NewChain(store Store, clk clock.Clock, logger zerolog.Logger, metrics *observability.Metrics) *Chain {
	return &Chain{
		store:       store,
		clock:       clk,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: DefaultMaxAppendAttempts,
	}
}

// SetMaxAttempts bounds the retry loop in Append.
func (c *Chain) SetMaxAttempts(n int) {
	if n > 0 {
		c.maxAttempts = n
	}
}

// Append links ev to the current tail and persists it.
func (c *Chain) Append(ctx context.Context, ev Event) (Entry, error) {
	if !ev.Type.Valid() {
		return Entry{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, ev.Type)
	}
	if ev.Actor == "" {
		return Entry{}, fmt.Errorf("%w: actor is required", ErrInvalidEvent)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tampered != nil {
		ev.Details = untrusted(ev.Details, c.tampered.Sequence)
	}
	details, err := CanonicalDetails(ev.Details)
	if err != nil {
		return Entry{}, err
	}

	var (
		seq     int64
		lastErr error
	)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Entry{}, &ChainWriteError{Sequence: seq, Attempts: attempt - 1, Err: err}
		}

		tail, err := c.store.Tail(ctx)
		if err != nil {
			return Entry{}, &ChainWriteError{Sequence: seq, Attempts: attempt, Err: fmt.Errorf("read tail: %w", err)}
		}

		prev := Genesis
		if tail != nil {
			prev = Checkpoint{Sequence: tail.Sequence, Hash: tail.EntryHash}
		}
		seq = prev.Sequence + 1

		entry := Entry{
			Sequence:  seq,
			EventType: ev.Type,
			Symbol:    ev.Symbol,
			Action:    ev.Action,
			Details:   details,
			Actor:     ev.Actor,
			OrderID:   ev.OrderID,
			CreatedAt: c.clock.Now().UTC().Truncate(time.Microsecond),
			PrevHash:  prev.Hash,
		}
		entry.EntryHash = ComputeEntryHash(entry)

		err = c.store.Insert(ctx, entry)
		if err == nil {
			if c.metrics != nil {
				c.metrics.AuditAppends.WithLabelValues(string(entry.EventType)).Inc()
				c.metrics.AuditSequence.Set(float64(entry.Sequence))
			}
			return entry, nil
		}

		lastErr = err
		if !errors.Is(err, ErrSequenceConflict) {
			break
		}
		if c.metrics != nil {
			c.metrics.AuditAppendRetries.Inc()
		}
		c.logger.Debug().
			Int64("sequence", seq).
			Int("attempt", attempt).
			Msg("audit append lost race, re-reading tail")
	}

	if c.metrics != nil {
		c.metrics.AuditAppendErrors.Inc()
	}
	c.logger.Error().Err(lastErr).Int64("sequence", seq).Msg("audit append failed")
	return Entry{}, &ChainWriteError{Sequence: seq, Attempts: c.maxAttempts, Err: lastErr}
}

// MarkTampered flags the chain as untrusted from t onward. It reports false
// when t is already flagged or was acknowledged by an operator.
func (c *Chain) MarkTampered(t *TamperDetected) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acknowledged == t.Sequence {
		return false
	}
	if c.tampered != nil && c.tampered.Sequence == t.Sequence {
		return false
	}
	c.tampered = t
	return true
}

// Tampered returns the unacknowledged tamper, if any.
func (c *Chain) Tampered() *TamperDetected {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tampered
}

// AcknowledgeTamper clears the untrusted flag. The same tamper is not
// flagged again by MarkTampered.
func (c *Chain) AcknowledgeTamper() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tampered == nil {
		return 0, false
	}
	seq := c.tampered.Sequence
	c.acknowledged = seq
	c.tampered = nil
	c.logger.Warn().Int64("tampered_sequence", seq).Msg("audit tamper acknowledged")
	return seq, true
}

func untrusted(details map[string]any, seq int64) map[string]any {
	out := make(map[string]any, len(details)+2)
	for k, v := range details {
		out[k] = v
	}
	out["untrusted"] = true
	out["tampered_sequence"] = seq
	return out
}

// Tail returns the current last online entry, or nil for an empty chain.
func (c *Chain) Tail(ctx context.Context) (*Entry, error) {
	return c.store.Tail(ctx)
}

// Query lists online entries newest first.
func (c *Chain) Query(ctx context.Context, f Filter) ([]Entry, error) {
	return c.store.Query(ctx, f.Normalize())
}

// Verify checks the whole online chain, starting at the latest archive anchor
// or at genesis. It returns *TamperDetected for the first bad entry.
func (c *Chain) Verify(ctx context.Context) error {
	start := Genesis
	anchor, err := c.store.LatestAnchor(ctx)
	if err != nil {
		return fmt.Errorf("load anchor: %w", err)
	}
	if anchor != nil {
		start = anchor.Checkpoint()
	}
	_, err = c.VerifyFrom(ctx, start, 0)
	return err
}

// VerifyFrom checks entries after from up to and including to (to <= 0 means
// up to the tail). It returns the last verified checkpoint so callers can
// resume incrementally.
func (c *Chain) VerifyFrom(ctx context.Context, from Checkpoint, to int64) (Checkpoint, error) {
	tip, err := walk(ctx, from, to, c.store.Range)
	c.recordVerify(err)
	return tip, err
}

// VerifyArchive checks the archived segment from genesis and that every
// anchor matches the archived entry it points at.
func (c *Chain) VerifyArchive(ctx context.Context) error {
	anchors, err := c.store.Anchors(ctx)
	if err != nil {
		return fmt.Errorf("load anchors: %w", err)
	}
	if len(anchors) == 0 {
		return nil
	}
	last := anchors[len(anchors)-1]

	tip, err := walk(ctx, Genesis, last.Sequence, c.store.ArchivedRange)
	if err == nil {
		err = checkAnchors(ctx, anchors, c.store.ArchivedRange)
	}
	if err == nil && tip != last.Checkpoint() {
		err = &TamperDetected{Sequence: last.Sequence, Reason: "archive does not end at latest anchor"}
	}
	c.recordVerify(err)
	return err
}

// Archive moves entries up to and including throughSeq out of the online
// table and records a re-anchoring point. At least one entry stays online.
func (c *Chain) Archive(ctx context.Context, throughSeq int64, reason string) (Anchor, error) {
	if reason == "" {
		return Anchor{}, fmt.Errorf("%w: reason is required", ErrArchiveBoundary)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tail, err := c.store.Tail(ctx)
	if err != nil {
		return Anchor{}, fmt.Errorf("read tail: %w", err)
	}
	if tail == nil || throughSeq >= tail.Sequence {
		return Anchor{}, fmt.Errorf("%w: through=%d must be below tail", ErrArchiveBoundary, throughSeq)
	}

	start := Genesis
	prev, err := c.store.LatestAnchor(ctx)
	if err != nil {
		return Anchor{}, fmt.Errorf("load anchor: %w", err)
	}
	if prev != nil {
		start = prev.Checkpoint()
	}
	if throughSeq <= start.Sequence {
		return Anchor{}, fmt.Errorf("%w: through=%d already archived (anchor=%d)",
			ErrArchiveBoundary, throughSeq, start.Sequence)
	}

	// Never archive an unverified segment.
	tip, err := walk(ctx, start, throughSeq, c.store.Range)
	if err != nil {
		c.recordVerify(err)
		return Anchor{}, err
	}

	anchor := Anchor{
		Sequence:  tip.Sequence,
		Hash:      tip.Hash,
		Reason:    reason,
		CreatedAt: c.clock.Now().UTC().Truncate(time.Microsecond),
	}
	moved, err := c.store.Archive(ctx, anchor)
	if err != nil {
		return Anchor{}, fmt.Errorf("archive through %d: %w", throughSeq, err)
	}

	if c.metrics != nil {
		c.metrics.AuditArchived.Add(float64(moved))
	}
	c.logger.Warn().
		Int64("anchor_sequence", anchor.Sequence).
		Str("anchor_hash", anchor.Hash).
		Int64("moved", moved).
		Str("reason", reason).
		Msg("audit chain re-anchored after archival")

	return anchor, nil
}

func (c *Chain) recordVerify(err error) {
	if c.metrics == nil {
		return
	}
	var tamper *TamperDetected
	switch {
	case err == nil:
		c.metrics.AuditVerifications.WithLabelValues("ok").Inc()
	case errors.As(err, &tamper):
		c.metrics.AuditVerifications.WithLabelValues("tampered").Inc()
		c.metrics.AuditTamper.Inc()
	default:
		c.metrics.AuditVerifications.WithLabelValues("error").Inc()
	}
}

type rangeFunc func(ctx context.Context, from, to int64, limit int) ([]Entry, error)

// walk pages through entries after from, verifying each one.
func walk(ctx context.Context, from Checkpoint, to int64, fetch rangeFunc) (Checkpoint, error) {
	h := NewHasher(from)
	for {
		if to > 0 && h.Tip().Sequence >= to {
			return h.Tip(), nil
		}
		batch, err := fetch(ctx, h.Tip().Sequence+1, to, verifyBatchSize)
		if err != nil {
			return h.Tip(), fmt.Errorf("read entries after %d: %w", h.Tip().Sequence, err)
		}
		for _, e := range batch {
			if td := h.Next(e); td != nil {
				return h.Tip(), td
			}
		}
		if len(batch) < verifyBatchSize {
			break
		}
	}
	if to > 0 && h.Tip().Sequence < to {
		return h.Tip(), &TamperDetected{
			Sequence: h.Tip().Sequence + 1,
			Reason:   fmt.Sprintf("chain ends before sequence %d", to),
		}
	}
	return h.Tip(), nil
}

func checkAnchors(ctx context.Context, anchors []Anchor, fetch rangeFunc) error {
	for _, a := range anchors {
		got, err := fetch(ctx, a.Sequence, a.Sequence, 1)
		if err != nil {
			return fmt.Errorf("read anchor entry %d: %w", a.Sequence, err)
		}
		if len(got) == 0 || got[0].EntryHash != a.Hash {
			return &TamperDetected{Sequence: a.Sequence, Reason: "anchor hash does not match archived entry"}
		}
	}
	return nil
}
