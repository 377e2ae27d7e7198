package gate_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"RiskGate/internal/audit"
	"RiskGate/internal/clock"
	"RiskGate/internal/gate"
	"RiskGate/internal/idempotency"
	"RiskGate/internal/observability"
	"RiskGate/internal/risk"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

// scriptedSubmitter wraps the paper broker with an optional delay, a
// blocking mode that only returns on context expiry, and a fixed error.
// When hold is set each call signals started and waits for hold to close,
// ignoring the context. before runs ahead of the paper broker.
type scriptedSubmitter struct {
	*gate.PaperSubmitter
	delay   time.Duration
	block   bool
	err     error
	started chan struct{}
	hold    chan struct{}
	before  func(gate.SubmitRequest)
	calls   atomic.Int32
}

func (s *scriptedSubmitter) SubmitOrder(ctx context.Context, req gate.SubmitRequest) (gate.OrderResult, error) {
	s.calls.Add(1)
	if s.hold != nil {
		s.started <- struct{}{}
		<-s.hold
	}
	if s.before != nil {
		s.before(req)
	}
	if s.block {
		<-ctx.Done()
		return gate.OrderResult{}, ctx.Err()
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return gate.OrderResult{}, s.err
	}
	return s.PaperSubmitter.SubmitOrder(ctx, req)
}

type fixture struct {
	gate      *gate.Gate
	recon     *gate.Reconciler
	chain     *audit.Chain
	auditDB   audit.Store
	idem      *idempotency.Store
	breaker   *risk.Breaker
	seq       *risk.Sequencer
	submitter *scriptedSubmitter
	clock     *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, audit.NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, auditStore audit.Store) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := zerolog.Nop()

	chain := audit.NewChain(auditStore, clk, logger, metrics)
	idem := idempotency.NewStore(idempotency.NewMemoryBackend(), clk, idempotency.Config{
		TTL:          24 * time.Hour,
		StaleAfter:   30 * time.Second,
		WaitTimeout:  2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, logger, metrics)
	account := risk.NewPaperAccount(decimal.NewFromInt(10000))
	breaker := risk.NewBreaker(risk.NewMemoryStore(), account, chain, clk, logger, metrics)
	_, err := breaker.Init(context.Background(), risk.DefaultThresholds())
	require.NoError(t, err)
	seq := risk.NewSequencer(clk, time.Hour, metrics)

	paper := gate.NewPaperSubmitter()
	paper.SetPrice("X", decimal.NewFromInt(100))
	paper.SetPrice("Y", decimal.NewFromInt(200))
	paper.SetPrice("BTC-USD", decimal.NewFromInt(64000))
	sub := &scriptedSubmitter{PaperSubmitter: paper}

	g := gate.New(gate.Deps{
		Chain:       chain,
		Idempotency: idem,
		Breaker:     breaker,
		Sequencer:   seq,
		Submitter:   sub,
		Clock:       clk,
	}, gate.Config{SubmitTimeout: 50 * time.Millisecond}, logger, metrics)

	return &fixture{
		gate:      g,
		recon:     gate.NewReconciler(idem, chain, seq, logger, metrics),
		chain:     chain,
		auditDB:   auditStore,
		idem:      idem,
		breaker:   breaker,
		seq:       seq,
		submitter: sub,
		clock:     clk,
	}
}

func (f *fixture) entries(t *testing.T, types ...audit.EventType) []audit.Entry {
	t.Helper()
	got, err := f.chain.Query(context.Background(), audit.Filter{EventTypes: types, Limit: audit.MaxQueryLimit})
	require.NoError(t, err)
	return got
}

func buy(symbol, qty string) gate.Order {
	return gate.Order{Symbol: symbol, Action: "buy", Quantity: decimal.RequireFromString(qty), Type: gate.Market}
}

func closing(symbol string) gate.Order {
	o := buy(symbol, "1")
	o.Action = "sell"
	o.PositionEffect = gate.EffectClose
	return o
}

func TestSubmit_FillsAndAudits(t *testing.T) {
	f := newFixture(t)

	res, err := f.gate.Submit(context.Background(), buy("BTC-USD", "0.5"), "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusFilled, res.Status)
	assert.False(t, res.Replayed)
	require.NotNil(t, res.Order)
	assert.True(t, res.Order.FillPrice.Equal(decimal.NewFromInt(64000)))
	assert.Equal(t, 1, f.submitter.Placed(res.OrderID))

	rec, err := f.idem.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusFilled, rec.Status)

	submitted := f.entries(t, audit.EventOrderSubmitted)
	require.Len(t, submitted, 1)
	assert.Equal(t, res.OrderID, submitted[0].OrderID)
	assert.Equal(t, audit.ActorAgent, submitted[0].Actor)
	require.Len(t, f.entries(t, audit.EventTradeExecuted), 1)

	require.NoError(t, f.chain.Verify(context.Background()))
}

func TestSubmit_HaltedNeverSubmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.SetHalt(ctx, true, "exchange maintenance", audit.ActorOperator)
	require.NoError(t, err)

	_, err = f.gate.Submit(ctx, buy("BTC-USD", "1"), "k1")
	var halted *risk.TradingHaltedError
	require.ErrorAs(t, err, &halted)
	assert.Equal(t, "exchange maintenance", halted.Reason)

	assert.Zero(t, f.submitter.calls.Load())
	_, err = f.idem.Get(ctx, "k1")
	assert.ErrorIs(t, err, idempotency.ErrNotFound, "idempotency store untouched")

	refused := f.entries(t, audit.EventRiskCheckFailed)
	require.Len(t, refused, 1)
	d, err := refused[0].DecodeDetails()
	require.NoError(t, err)
	assert.Equal(t, "exchange maintenance", d["reason"])
	assert.Equal(t, "k1", d["idempotency_key"])
}

func TestSubmit_ConcurrentSameKeySubmitsOnce(t *testing.T) {
	f := newFixture(t)
	f.submitter.delay = 50 * time.Millisecond

	var (
		wg      sync.WaitGroup
		results [2]gate.Result
		errs    [2]error
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.gate.Submit(context.Background(), buy("BTC-USD", "0.5"), "same-key")
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), f.submitter.calls.Load())
	assert.Equal(t, results[0].OrderID, results[1].OrderID)
	assert.Equal(t, results[0].Status, results[1].Status)
	require.NotNil(t, results[0].Order)
	require.NotNil(t, results[1].Order)
	assert.Equal(t, results[0].Order.BrokerOrderID, results[1].Order.BrokerOrderID)
	assert.NotEqual(t, results[0].Replayed, results[1].Replayed, "exactly one caller replays")

	require.Len(t, f.entries(t, audit.EventTradeLogged), 1)
	require.Len(t, f.entries(t, audit.EventOrderSubmitted), 1)
}

func TestSubmit_DifferentQuantityConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.Submit(ctx, buy("BTC-USD", "0.5"), "k1")
	require.NoError(t, err)
	tail, err := f.chain.Tail(ctx)
	require.NoError(t, err)

	_, err = f.gate.Submit(ctx, buy("BTC-USD", "0.6"), "k1")
	var conflict *idempotency.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int32(1), f.submitter.calls.Load())

	after, err := f.chain.Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, tail.Sequence, after.Sequence, "nothing written on conflict")
}

func TestSubmit_StaleKeyStillSubmittingIsNotResubmitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitter.started = make(chan struct{}, 1)
	f.submitter.hold = make(chan struct{})

	type submitted struct {
		res gate.Result
		err error
	}
	done := make(chan submitted, 1)
	go func() {
		res, err := f.gate.Submit(ctx, buy("X", "1"), "slow")
		done <- submitted{res, err}
	}()
	<-f.submitter.started

	// The reservation is now older than StaleAfter while the first call runs.
	f.clock.Advance(31 * time.Second)
	_, err := f.gate.Submit(ctx, buy("X", "1"), "slow")
	require.ErrorIs(t, err, idempotency.ErrInFlight)
	assert.Equal(t, int32(1), f.submitter.calls.Load())

	close(f.submitter.hold)
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, idempotency.StatusFilled, first.res.Status)

	replay, err := f.gate.Submit(ctx, buy("X", "1"), "slow")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.res.OrderID, replay.OrderID)
	assert.Equal(t, int32(1), f.submitter.calls.Load())
}

func TestSubmit_TimeoutPendsReconciliation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitter.block = true

	res, err := f.gate.Submit(ctx, buy("BTC-USD", "1"), "slow")
	var timeout *gate.SubmissionTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.True(t, res.NeedsReconciliation)
	assert.Equal(t, idempotency.StatusFailed, res.Status)

	rec, err := f.idem.Get(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusFailed, rec.Status)
	assert.True(t, rec.NeedsReconciliation)

	// A retry is not resubmitted while the outcome is unknown.
	f.submitter.block = false
	_, err = f.gate.Submit(ctx, buy("BTC-USD", "1"), "slow")
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, int32(1), f.submitter.calls.Load())

	pending, err := f.recon.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "slow", pending[0].Key)

	resolved, err := f.recon.Resolve(ctx, "slow", idempotency.StatusFilled, []byte(`{"status":"filled","broker_order_id":"b-1"}`), audit.ActorOperator)
	require.NoError(t, err)
	assert.False(t, resolved.NeedsReconciliation)

	again, err := f.gate.Submit(ctx, buy("BTC-USD", "1"), "slow")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	require.NotNil(t, again.Order)
	assert.Equal(t, "b-1", again.Order.BrokerOrderID)
	assert.Equal(t, int32(1), f.submitter.calls.Load())

	submitted := f.entries(t, audit.EventOrderSubmitted)
	require.Len(t, submitted, 2)
	d, err := submitted[0].DecodeDetails()
	require.NoError(t, err)
	assert.Equal(t, "confirmed", d["resolution"])
}

func TestReconcile_ReleaseAuditsCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitter.block = true

	_, err := f.gate.Submit(ctx, buy("BTC-USD", "1"), "slow")
	require.Error(t, err)

	_, err = f.recon.Resolve(ctx, "slow", idempotency.StatusFailed, []byte(`{"error":"not found at broker"}`), "")
	require.NoError(t, err)

	canceled := f.entries(t, audit.EventOrderCanceled)
	require.Len(t, canceled, 1)
	d, err := canceled[0].DecodeDetails()
	require.NoError(t, err)
	assert.Equal(t, "released", d["resolution"])

	_, err = f.recon.Resolve(ctx, "slow", idempotency.StatusFailed, nil, "")
	assert.ErrorIs(t, err, idempotency.ErrNotPending)
}

func TestSubmit_BrokerRejectionIsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitter.err = errors.New("insufficient margin")

	res, err := f.gate.Submit(ctx, buy("BTC-USD", "1"), "k1")
	var rejected *gate.SubmissionFailedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "insufficient margin", rejected.Reason)
	assert.Equal(t, idempotency.StatusFailed, res.Status)

	f.submitter.err = nil
	replay, err := f.gate.Submit(ctx, buy("BTC-USD", "1"), "k1")
	require.ErrorAs(t, err, &rejected)
	assert.True(t, replay.Replayed)
	assert.Equal(t, "insufficient margin", replay.Error)
	assert.Equal(t, int32(1), f.submitter.calls.Load())

	s, err := f.breaker.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.ConsecutiveLosses, "submission failures never touch risk counters")
}

func TestScenario_ThreeLossesHaltEverySymbol(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var orderIDs []string
	for i, key := range []string{"x1", "x2", "x3"} {
		res, err := f.gate.Submit(ctx, closing("X"), key)
		require.NoError(t, err, "submit %d", i)
		orderIDs = append(orderIDs, res.OrderID)
	}
	for _, id := range orderIDs {
		f.clock.Advance(time.Minute)
		_, err := f.gate.RecordOutcome(ctx, risk.Outcome{
			Symbol: "X", OrderID: id, Action: "sell", Kind: risk.Loss, PnL: decimal.NewFromInt(-10),
		})
		require.NoError(t, err)
	}

	_, err := f.gate.Submit(ctx, buy("Y", "1"), "y1")
	var halted *risk.TradingHaltedError
	require.ErrorAs(t, err, &halted)
	assert.Equal(t, "3 consecutive losses", halted.Reason)
	assert.Equal(t, int32(3), f.submitter.calls.Load())

	// A win before reset does not clear the halt.
	_, err = f.gate.RecordOutcome(ctx, risk.Outcome{
		Symbol: "Y", OrderID: "manual-y", Action: "sell", Kind: risk.Win, PnL: decimal.NewFromInt(40),
	})
	require.NoError(t, err)
	_, err = f.gate.Submit(ctx, buy("Y", "1"), "y2")
	require.ErrorAs(t, err, &halted)

	s, err := f.gate.SetHalt(ctx, false, "losses reviewed", audit.ActorOperator)
	require.NoError(t, err)
	assert.False(t, s.TradingHalted)
	assert.Zero(t, s.ConsecutiveLosses)

	resumed := f.entries(t, audit.EventTradingResumed)
	require.Len(t, resumed, 1)
	d, err := resumed[0].DecodeDetails()
	require.NoError(t, err)
	assert.Equal(t, "losses reviewed", d["reason"])

	_, err = f.gate.Submit(ctx, buy("Y", "1"), "y3")
	require.NoError(t, err)
}

func TestRecordOutcome_AppliesInSubmissionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.gate.Submit(ctx, closing("X"), "a")
	require.NoError(t, err)
	second, err := f.gate.Submit(ctx, closing("X"), "b")
	require.NoError(t, err)

	early := risk.Outcome{Symbol: "X", OrderID: second.OrderID, Action: "sell", Kind: risk.Loss, PnL: decimal.NewFromInt(-5)}
	_, err = f.gate.RecordOutcome(ctx, early)
	var ooo *risk.OutOfOrderError
	require.ErrorAs(t, err, &ooo)
	assert.Equal(t, first.OrderID, ooo.Waiting)

	res, err := f.gate.RecordOutcome(ctx, risk.Outcome{Symbol: "X", OrderID: first.OrderID, Action: "sell", Kind: risk.Win, PnL: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = f.gate.RecordOutcome(ctx, early)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, res.State.ConsecutiveLosses)

	// Redelivery is ignored.
	res, err = f.gate.RecordOutcome(ctx, early)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Len(t, f.entries(t, audit.EventPositionClosed), 2)
}

func TestRecordOutcome_FastOutcomeDoesNotBlockLaterOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The first order's outcome arrives before the broker call returns.
	var early risk.OutcomeResult
	var earlyErr error
	f.submitter.before = func(req gate.SubmitRequest) {
		f.submitter.before = nil
		early, earlyErr = f.gate.RecordOutcome(ctx, risk.Outcome{
			Symbol: "X", OrderID: req.ClientOrderID, Action: "sell", Kind: risk.Win, PnL: decimal.NewFromInt(5),
		})
	}
	first, err := f.gate.Submit(ctx, closing("X"), "a")
	require.NoError(t, err)
	require.NoError(t, earlyErr)
	assert.True(t, early.Applied)

	second, err := f.gate.Submit(ctx, closing("X"), "b")
	require.NoError(t, err)
	assert.Equal(t, []string{second.OrderID}, f.seq.Pending("X"))
	assert.NotContains(t, f.seq.Pending("X"), first.OrderID)

	res, err := f.gate.RecordOutcome(ctx, risk.Outcome{
		Symbol: "X", OrderID: second.OrderID, Action: "sell", Kind: risk.Loss, PnL: decimal.NewFromInt(-5),
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Empty(t, f.seq.Pending("X"))
}

func TestSubmit_FailedCloseReleasesSequencer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submitter.err = errors.New("insufficient margin")
	_, err := f.gate.Submit(ctx, closing("X"), "a")
	var failed *gate.SubmissionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Empty(t, f.seq.Pending("X"))

	f.submitter.err = nil
	res, err := f.gate.Submit(ctx, closing("X"), "b")
	require.NoError(t, err)
	assert.Equal(t, []string{res.OrderID}, f.seq.Pending("X"))
}

func TestRecordOutcome_ExitEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.RecordOutcome(ctx, risk.Outcome{
		Symbol: "X", OrderID: "o-sl", Action: "sell", Kind: risk.Loss,
		PnL: decimal.NewFromInt(-3), ExitReason: risk.ExitStopLoss,
	})
	require.NoError(t, err)
	_, err = f.gate.RecordOutcome(ctx, risk.Outcome{
		Symbol: "X", OrderID: "o-tp", Action: "sell", Kind: risk.Win,
		PnL: decimal.NewFromInt(9), ExitReason: risk.ExitTakeProfit,
	})
	require.NoError(t, err)

	sl := f.entries(t, audit.EventStopLossTriggered)
	require.Len(t, sl, 1)
	assert.Equal(t, "o-sl", sl[0].OrderID)
	tp := f.entries(t, audit.EventTakeProfitTriggered)
	require.Len(t, tp, 1)
	assert.Equal(t, "o-tp", tp[0].OrderID)
}

func TestProposal_ApproveSubmitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.gate.Propose(ctx, buy("BTC-USD", "0.1"), "breakout above range")
	require.NoError(t, err)
	assert.Equal(t, gate.ProposalPending, p.Status)
	pending, err := f.gate.Proposals(ctx, gate.ProposalPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	approved, res, err := f.gate.Approve(ctx, p.ID, audit.ActorOperator)
	require.NoError(t, err)
	assert.Equal(t, gate.ProposalApproved, approved.Status)
	assert.Equal(t, idempotency.StatusFilled, res.Status)

	_, _, err = f.gate.Approve(ctx, p.ID, audit.ActorOperator)
	assert.ErrorIs(t, err, gate.ErrProposalDecided)
	assert.Equal(t, int32(1), f.submitter.calls.Load())

	require.Len(t, f.entries(t, audit.EventAgentTradeProposed), 1)
	approvals := f.entries(t, audit.EventAgentTradeApproved)
	require.Len(t, approvals, 1)
	submitted := f.entries(t, audit.EventOrderSubmitted)
	require.Len(t, submitted, 1)
	assert.Equal(t, audit.ActorOperator, submitted[0].Actor)
	assert.Greater(t, submitted[0].Sequence, approvals[0].Sequence)
}

func TestProposal_Reject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.gate.Propose(ctx, buy("BTC-USD", "0.1"), "")
	require.NoError(t, err)

	_, err = f.gate.Reject(ctx, p.ID, "", audit.ActorOperator)
	assert.ErrorIs(t, err, gate.ErrReasonRequired)

	rejected, err := f.gate.Reject(ctx, p.ID, "size too large", audit.ActorOperator)
	require.NoError(t, err)
	assert.Equal(t, gate.ProposalRejected, rejected.Status)
	assert.Zero(t, f.submitter.calls.Load())

	_, err = f.gate.Proposal(ctx, "missing")
	assert.ErrorIs(t, err, gate.ErrProposalNotFound)
	require.Len(t, f.entries(t, audit.EventAgentTradeRejected), 1)
}

func TestCancel_AuditsCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	limit := buy("BTC-USD", "1")
	limit.Type = gate.Limit
	limit.LimitPrice = decimal.NewFromInt(60000)
	res, err := f.gate.Submit(ctx, limit, "resting")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusSubmitted, res.Status)

	require.NoError(t, f.gate.Cancel(ctx, "BTC-USD", res.OrderID, "stale quote", ""))
	canceled := f.entries(t, audit.EventOrderCanceled)
	require.Len(t, canceled, 1)
	assert.Equal(t, res.OrderID, canceled[0].OrderID)

	assert.Error(t, f.gate.Cancel(ctx, "BTC-USD", "unknown", "x", ""))
}

// tamperingStore rewrites one entry on read, as if the row had been edited.
type tamperingStore struct {
	*audit.MemoryStore
	seq int64
}

func (s *tamperingStore) Range(ctx context.Context, from, to int64, limit int) ([]audit.Entry, error) {
	entries, err := s.MemoryStore.Range(ctx, from, to, limit)
	for i := range entries {
		if entries[i].Sequence == s.seq {
			entries[i].Actor = audit.ActorOperator
		}
	}
	return entries, err
}

func TestVerifyAudit_TamperHaltsTrading(t *testing.T) {
	store := &tamperingStore{MemoryStore: audit.NewMemoryStore(), seq: 2}
	f := newFixtureWithStore(t, store)
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		_, err := f.gate.Submit(ctx, buy("BTC-USD", "1"), key)
		require.NoError(t, err)
	}

	err := f.gate.VerifyAudit(ctx)
	var tamper *audit.TamperDetected
	require.ErrorAs(t, err, &tamper)
	assert.Equal(t, int64(2), tamper.Sequence)

	var halted *risk.TradingHaltedError
	require.ErrorAs(t, f.breaker.Check(ctx), &halted)
	assert.Contains(t, halted.Reason, "tamper")

	_, err = f.gate.Submit(ctx, buy("BTC-USD", "1"), "c")
	require.ErrorAs(t, err, &halted)
}

func TestVerifyAudit_RepeatedTamperHaltsOnce(t *testing.T) {
	store := &tamperingStore{MemoryStore: audit.NewMemoryStore(), seq: 2}
	f := newFixtureWithStore(t, store)
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		_, err := f.gate.Submit(ctx, buy("BTC-USD", "1"), key)
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		var tamper *audit.TamperDetected
		require.ErrorAs(t, f.gate.VerifyAudit(ctx), &tamper)
	}
	halts := f.entries(t, audit.EventTradingHalted)
	require.Len(t, halts, 1)
	d, err := halts[0].DecodeDetails()
	require.NoError(t, err)
	assert.Equal(t, true, d["untrusted"])
	assert.Equal(t, float64(2), d["tampered_sequence"])
	require.NotNil(t, f.chain.Tampered())

	// Resetting the tamper halt acknowledges it.
	_, err = f.gate.Reset(ctx, "rows restored from backup", "operator:alice")
	require.NoError(t, err)
	assert.Nil(t, f.chain.Tampered())

	var tamper *audit.TamperDetected
	require.ErrorAs(t, f.gate.VerifyAudit(ctx), &tamper)
	assert.Len(t, f.entries(t, audit.EventTradingHalted), 1)
	require.NoError(t, f.breaker.Check(ctx))

	_, err = f.gate.Submit(ctx, buy("BTC-USD", "1"), "d")
	require.NoError(t, err)
	submitted := f.entries(t, audit.EventOrderSubmitted)
	d, err = submitted[0].DecodeDetails()
	require.NoError(t, err)
	assert.NotContains(t, d, "untrusted")
}

func TestSubmit_InvalidOrder(t *testing.T) {
	f := newFixture(t)
	for _, o := range []gate.Order{
		{Symbol: "", Action: "buy", Quantity: decimal.NewFromInt(1)},
		{Symbol: "X", Action: "hold", Quantity: decimal.NewFromInt(1)},
		{Symbol: "X", Action: "buy", Quantity: decimal.Zero},
		{Symbol: "X", Action: "buy", Quantity: decimal.NewFromInt(1), Type: gate.Limit},
	} {
		_, err := f.gate.Submit(context.Background(), o, "k")
		assert.ErrorIs(t, err, gate.ErrInvalidOrder)
	}
	assert.Zero(t, f.submitter.calls.Load())
}
