package ingestion_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"RiskGate/internal/ingestion"
	"RiskGate/internal/risk"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApplier struct {
	mu      sync.Mutex
	errs    []error
	applied []string
}

func (f *fakeApplier) RecordOutcome(_ context.Context, o risk.Outcome) (risk.OutcomeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return risk.OutcomeResult{}, err
		}
	}
	f.applied = append(f.applied, o.OrderID)
	return risk.OutcomeResult{Applied: true}, nil
}

// settlement records how a delivery was settled.
type settlement struct {
	acked, termed bool
	nakDelay      time.Duration
	naked         bool
}

func delivery(t *testing.T, o risk.Outcome, s *settlement) ingestion.Delivery {
	t.Helper()
	data, err := ingestion.EncodeOutcome(o)
	require.NoError(t, err)
	return deliveryRaw(data, s)
}

func deliveryRaw(data []byte, s *settlement) ingestion.Delivery {
	return ingestion.Delivery{
		Subject: "riskgate.outcomes.X",
		Data:    data,
		Ack:     func() error { s.acked = true; return nil },
		Nak:     func(d time.Duration) error { s.naked, s.nakDelay = true, d; return nil },
		Term:    func() error { s.termed = true; return nil },
	}
}

func loss(orderID string) risk.Outcome {
	return risk.Outcome{Symbol: "X", OrderID: orderID, Action: "sell", Kind: risk.Loss, PnL: decimal.NewFromInt(-1)}
}

func newWorker(a ingestion.OutcomeApplier) *ingestion.OutcomeWorker {
	return ingestion.NewOutcomeWorker(a, ingestion.WorkerConfig{
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      4 * time.Millisecond,
		OutOfOrderDelay: time.Second,
	}, zerolog.Nop(), nil)
}

func TestWorker_AcksApplied(t *testing.T) {
	a := &fakeApplier{}
	var s settlement
	newWorker(a).Handle(context.Background(), delivery(t, loss("o1"), &s))

	assert.True(t, s.acked)
	assert.Equal(t, []string{"o1"}, a.applied)
}

func TestWorker_RetriesTransientErrors(t *testing.T) {
	a := &fakeApplier{errs: []error{errors.New("db down"), errors.New("db down")}}
	var s settlement
	newWorker(a).Handle(context.Background(), delivery(t, loss("o1"), &s))

	assert.True(t, s.acked)
	assert.Equal(t, []string{"o1"}, a.applied)
}

func TestWorker_NaksAfterExhaustedRetries(t *testing.T) {
	down := errors.New("db down")
	a := &fakeApplier{errs: []error{down, down, down}}
	var s settlement
	newWorker(a).Handle(context.Background(), delivery(t, loss("o1"), &s))

	assert.False(t, s.acked)
	assert.True(t, s.naked)
	assert.Empty(t, a.applied)
}

func TestWorker_DefersOutOfOrder(t *testing.T) {
	a := &fakeApplier{errs: []error{&risk.OutOfOrderError{Symbol: "X", OrderID: "o2", Waiting: "o1"}}}
	var s settlement
	newWorker(a).Handle(context.Background(), delivery(t, loss("o2"), &s))

	assert.True(t, s.naked)
	assert.Equal(t, time.Second, s.nakDelay)
	assert.Empty(t, a.applied, "not retried in place")
}

func TestWorker_TermsMalformed(t *testing.T) {
	a := &fakeApplier{}
	var s settlement
	newWorker(a).Handle(context.Background(), deliveryRaw([]byte(`{"symbol":"X"}`), &s))

	assert.True(t, s.termed)
	assert.Empty(t, a.applied)
}

func TestWorker_RunDrainsUntilClosed(t *testing.T) {
	a := &fakeApplier{}
	in := make(chan ingestion.Delivery, 3)
	var s1, s2 settlement
	in <- delivery(t, loss("o1"), &s1)
	in <- delivery(t, loss("o2"), &s2)
	close(in)

	require.NoError(t, newWorker(a).Run(context.Background(), in))
	assert.Equal(t, []string{"o1", "o2"}, a.applied)
	assert.True(t, s1.acked)
	assert.True(t, s2.acked)
}
