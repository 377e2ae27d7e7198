package persistence_test

import (
	"context"
	"testing"
	"time"

	"RiskGate/internal/audit"
	"RiskGate/internal/persistence"
	"RiskGate/internal/risk"
	"RiskGate/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskStore_InitIsIdempotent(t *testing.T) {
	store := persistence.NewRiskStore(testutil.SetupSQLite(t))
	ctx := context.Background()

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, risk.ErrNotInitialized)

	initial := risk.NewState(risk.DefaultThresholds(), testutil.Epoch)
	initial.DayStartEquity = decimal.NewFromInt(10000)
	first, err := store.Init(ctx, initial)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)
	assert.True(t, first.DayStartEquity.Equal(decimal.NewFromInt(10000)))
	assert.True(t, first.Thresholds.DailyLossLimitPercent.Equal(decimal.NewFromInt(5)))

	other := risk.NewState(risk.DefaultThresholds(), testutil.Epoch.Add(time.Hour))
	second, err := store.Init(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, first.DayStartedAt, second.DayStartedAt, "existing row wins")
}

func TestRiskStore_SaveIsVersioned(t *testing.T) {
	store := persistence.NewRiskStore(testutil.SetupSQLite(t))
	ctx := context.Background()

	s, err := store.Init(ctx, risk.NewState(risk.DefaultThresholds(), testutil.Epoch))
	require.NoError(t, err)

	haltedAt := testutil.Epoch.Add(time.Minute)
	s.TradingHalted = true
	s.HaltReason = "3 consecutive losses"
	s.HaltTrigger = risk.TriggerConsecutiveLosses
	s.HaltedAt = &haltedAt
	s.ConsecutiveLosses = 3
	s.DrawdownPercent = decimal.RequireFromString("4.25")

	saved, err := store.Save(ctx, s, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	_, err = store.Save(ctx, s, 1)
	assert.ErrorIs(t, err, risk.ErrVersionConflict)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, loaded.TradingHalted)
	assert.Equal(t, "3 consecutive losses", loaded.HaltReason)
	require.NotNil(t, loaded.HaltedAt)
	assert.True(t, haltedAt.Equal(*loaded.HaltedAt))
	assert.True(t, loaded.DrawdownPercent.Equal(decimal.RequireFromString("4.25")))
}

func TestRiskStore_ApplyOutcomeOnce(t *testing.T) {
	store := persistence.NewRiskStore(testutil.SetupSQLite(t))
	ctx := context.Background()

	s, err := store.Init(ctx, risk.NewState(risk.DefaultThresholds(), testutil.Epoch))
	require.NoError(t, err)

	o := risk.Outcome{
		Symbol:     "ETH-USD",
		OrderID:    "01J0000000000000000000000A",
		Action:     "sell",
		Kind:       risk.Loss,
		PnL:        decimal.RequireFromString("-12.5"),
		ExitReason: risk.ExitStopLoss,
		CreatedAt:  testutil.Epoch,
	}
	next := s
	next.ConsecutiveLosses = 1

	seen, err := store.HasOutcome(ctx, o.OrderID)
	require.NoError(t, err)
	assert.False(t, seen)

	saved, applied, err := store.ApplyOutcome(ctx, o, next, s.Version)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, saved.ConsecutiveLosses)

	seen, err = store.HasOutcome(ctx, o.OrderID)
	require.NoError(t, err)
	assert.True(t, seen)

	next.ConsecutiveLosses = 2
	_, applied, err = store.ApplyOutcome(ctx, o, next, saved.Version)
	require.NoError(t, err)
	assert.False(t, applied)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.ConsecutiveLosses)

	outcomes, err := store.ListOutcomes(ctx, "ETH-USD", 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, risk.ExitStopLoss, outcomes[0].ExitReason)
	assert.True(t, outcomes[0].PnL.Equal(decimal.RequireFromString("-12.5")))

	none, err := store.ListOutcomes(ctx, "BTC-USD", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRiskStore_BreakerHaltsAcrossRestart(t *testing.T) {
	db := testutil.SetupSQLite(t)
	ctx := context.Background()
	clk := testutil.NewClock()
	chain := audit.NewChain(persistence.NewAuditStore(db), clk, zerolog.Nop(), nil)
	account := risk.NewPaperAccount(decimal.NewFromInt(10000))

	b := risk.NewBreaker(persistence.NewRiskStore(db), account, chain, clk, zerolog.Nop(), nil)
	_, err := b.Init(ctx, risk.DefaultThresholds())
	require.NoError(t, err)

	for i, id := range []string{"o1", "o2", "o3"} {
		clk.Advance(time.Minute)
		_, err := b.RecordOutcome(ctx, risk.Outcome{
			Symbol: "BTC-USD", OrderID: id, Action: "buy", Kind: risk.Loss,
			PnL: decimal.NewFromInt(-10), CreatedAt: clk.Now(),
		})
		require.NoError(t, err, "outcome %d", i)
	}

	restarted := risk.NewBreaker(persistence.NewRiskStore(db), account, chain, clk, zerolog.Nop(), nil)
	err = restarted.Check(ctx)
	var halted *risk.TradingHaltedError
	require.ErrorAs(t, err, &halted)
	assert.Equal(t, "3 consecutive losses", halted.Reason)

	require.NoError(t, chain.Verify(ctx))
}
