package cmd

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"RiskGate/internal/audit"
	"RiskGate/internal/clock"
	"RiskGate/internal/gate"
	"RiskGate/internal/idempotency"
	"RiskGate/internal/observability"
	"RiskGate/internal/risk"
	"RiskGate/internal/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDaemon serves an in-memory control service on a loopback port and
// points --addr at it.
func startDaemon(t *testing.T) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	logger := zerolog.Nop()

	chain := audit.NewChain(audit.NewMemoryStore(), clk, logger, metrics)
	idem := idempotency.NewStore(idempotency.NewMemoryBackend(), clk, idempotency.DefaultConfig(), logger, metrics)
	breaker := risk.NewBreaker(risk.NewMemoryStore(), risk.NewPaperAccount(decimal.NewFromInt(50000)), chain, clk, logger, metrics)
	_, err := breaker.Init(context.Background(), risk.DefaultThresholds())
	require.NoError(t, err)
	seq := risk.NewSequencer(clk, time.Hour, metrics)
	paper := gate.NewPaperSubmitter()
	paper.SetPrice("BTC-USD", decimal.NewFromInt(64000))

	g := gate.New(gate.Deps{
		Chain:       chain,
		Idempotency: idem,
		Breaker:     breaker,
		Sequencer:   seq,
		Submitter:   paper,
		Clock:       clk,
	}, gate.DefaultConfig(), logger, metrics)
	svc := server.NewService(server.ServiceDeps{
		Gate:        g,
		Breaker:     breaker,
		Chain:       chain,
		Idempotency: idem,
		Reconciler:  gate.NewReconciler(idem, chain, seq, logger, metrics),
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := server.NewGRPCServer(lis.Addr().String(), "", server.ServerDeps{
		Service:       svc,
		HealthChecker: observability.NewHealthChecker(clk),
		Gatherer:      reg,
		Logger:        logger,
		Metrics:       metrics,
	})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	addr = lis.Addr().String()
	actor = "ops-test"
	timeout = 5 * time.Second
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--addr", addr, "--actor", actor}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRiskctl_HaltAndResume(t *testing.T) {
	startDaemon(t)

	out, err := run(t, "halt", "exchange maintenance")
	require.NoError(t, err)
	assert.Contains(t, out, "HALTED")
	assert.Contains(t, out, "exchange maintenance")

	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "HALTED")

	out, err = run(t, "resume", "maintenance over")
	require.NoError(t, err)
	assert.Contains(t, out, "ACTIVE")

	out, err = run(t, "audit", "list", "--type", "trading_halted", "--limit", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "trading_halted")
	assert.Contains(t, out, "ops-test")
	assert.NotContains(t, out, "trading_resumed")
}

func TestRiskctl_SubmitAndVerify(t *testing.T) {
	startDaemon(t)

	out, err := run(t, "order", "submit", "cli-1", "BTC-USD", "buy", "0.1")
	require.NoError(t, err)
	assert.Contains(t, out, `"idempotency_key": "cli-1"`)

	out, err = run(t, "idem", "get", "cli-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"symbol": "BTC-USD"`)

	out, err = run(t, "audit", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "chain valid")
}

func TestRiskctl_ProposalReject(t *testing.T) {
	startDaemon(t)

	_, err := run(t, "order", "propose", "BTC-USD", "sell", "0.2", "--rationale", "mean reversion")
	require.NoError(t, err)

	out, err := run(t, "proposals", "list", "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "mean reversion")
}

func TestRiskctl_Errors(t *testing.T) {
	startDaemon(t)

	_, err := run(t, "halt", " ")
	assert.Error(t, err)

	_, err = run(t, "order", "submit", "k", "BTC-USD", "buy", "lots")
	assert.ErrorContains(t, err, "invalid quantity")

	_, err = run(t, "audit", "archive", "ten", "cleanup")
	assert.ErrorContains(t, err, "invalid sequence")

	_, err = run(t, "idem", "get", "never-used")
	assert.Error(t, err)
}

func TestParseTime(t *testing.T) {
	zero, err := parseTime("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	ts, err := parseTime("2026-03-02T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}
