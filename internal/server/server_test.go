package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
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
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type harness struct {
	srv    *server.GRPCServer
	client *server.Client
	conn   *grpc.ClientConn
	http   *httptest.Server
	chain  *audit.Chain
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	logger := zerolog.Nop()

	chain := audit.NewChain(audit.NewMemoryStore(), clk, logger, metrics)
	idem := idempotency.NewStore(idempotency.NewMemoryBackend(), clk, idempotency.DefaultConfig(), logger, metrics)
	breaker := risk.NewBreaker(risk.NewMemoryStore(), risk.NewPaperAccount(decimal.NewFromInt(10000)), chain, clk, logger, metrics)
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
	srv := server.NewGRPCServer("bufnet", "", server.ServerDeps{
		Service:       svc,
		HealthChecker: observability.NewHealthChecker(clk),
		Gatherer:      reg,
		Logger:        logger,
		Metrics:       metrics,
	})

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := server.Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	handler, err := srv.Handler()
	require.NoError(t, err)
	hs := httptest.NewServer(handler)
	t.Cleanup(hs.Close)

	return &harness{srv: srv, client: client, conn: conn, http: hs, chain: chain}
}

func btc(qty string) gate.Order {
	return gate.Order{Symbol: "BTC-USD", Action: "buy", Quantity: decimal.RequireFromString(qty), Type: gate.Market}
}

func TestGRPC_SubmitReplaysByKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.client.SubmitOrder(ctx, "k1", btc("0.5"))
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusFilled, first.Status)
	assert.False(t, first.Replayed)

	again, err := h.client.SubmitOrder(ctx, "k1", btc("0.50"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.OrderID, again.OrderID)

	rec, err := h.client.GetIdempotency(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, rec.OrderID)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.SubmitOrder(ctx, "k1", btc("1"))
	require.NoError(t, err)

	_, err = h.client.SubmitOrder(ctx, "k1", btc("2"))
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = h.client.GetIdempotency(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.SubmitOrder(ctx, "k2", gate.Order{Symbol: "BTC-USD", Action: "hold", Quantity: decimal.NewFromInt(1)})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.SetHalt(ctx, true, "maintenance", "operator:alice")
	require.NoError(t, err)
	_, err = h.client.SubmitOrder(ctx, "k3", btc("1"))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPC_HaltResumeAndStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.client.SetHalt(ctx, true, "maintenance", "operator:alice")
	require.NoError(t, err)
	assert.True(t, st.TradingHalted)
	assert.Equal(t, risk.TriggerManual, st.HaltTrigger)

	st, err = h.client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.TradingHalted)
	assert.Equal(t, "maintenance", st.HaltReason)

	st, err = h.client.SetHalt(ctx, false, "maintenance done", "operator:alice")
	require.NoError(t, err)
	assert.False(t, st.TradingHalted)

	entries, err := h.client.QueryAudit(ctx, server.QueryAuditRequest{
		EventTypes: []string{string(audit.EventTradingHalted), string(audit.EventTradingResumed)},
	})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = h.client.QueryAudit(ctx, server.QueryAuditRequest{EventTypes: []string{"bogus"}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_RecordOutcomeAndList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.client.RecordOutcome(ctx, risk.Outcome{
		Symbol: "BTC-USD", OrderID: "o-1", Action: "sell", Kind: risk.Loss, PnL: decimal.NewFromInt(-50),
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, res.State.ConsecutiveLosses)

	dup, err := h.client.RecordOutcome(ctx, risk.Outcome{
		Symbol: "BTC-USD", OrderID: "o-1", Action: "sell", Kind: risk.Loss, PnL: decimal.NewFromInt(-50),
	})
	require.NoError(t, err)
	assert.False(t, dup.Applied)

	outcomes, err := h.client.ListOutcomes(ctx, "BTC-USD", 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "o-1", outcomes[0].OrderID)
}

func TestGRPC_VerifyAudit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.SubmitOrder(ctx, "k1", btc("1"))
	require.NoError(t, err)

	got, err := h.client.VerifyAudit(ctx, true)
	require.NoError(t, err)
	assert.True(t, got.Valid)
	assert.Positive(t, got.TailSequence)
	assert.NotEmpty(t, got.TailHash)
}

func TestGRPC_ProposalFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.client.Propose(ctx, btc("0.1"), "breakout")
	require.NoError(t, err)
	assert.Equal(t, gate.ProposalPending, p.Status)

	pending, err := h.client.Proposals(ctx, gate.ProposalPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	approved, err := h.client.Approve(ctx, p.ID, "operator:alice")
	require.NoError(t, err)
	assert.Equal(t, gate.ProposalApproved, approved.Proposal.Status)
	assert.Equal(t, idempotency.StatusFilled, approved.Result.Status)

	_, err = h.client.Reject(ctx, p.ID, "too late", "operator:alice")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPC_Health(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hc := healthpb.NewHealthClient(h.conn)

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	h.srv.SetServing(true)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func postJSON(t *testing.T, url string, body any, header map[string]string) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTP_SubmitWithHeaderKey(t *testing.T) {
	h := newHarness(t)

	resp := postJSON(t, h.http.URL+"/v1/orders", btc("0.25"), map[string]string{server.IdempotencyKeyHeader: "hk-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res gate.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "hk-1", res.Key)
	assert.Equal(t, idempotency.StatusFilled, res.Status)

	conflict := postJSON(t, h.http.URL+"/v1/orders", btc("3"), map[string]string{server.IdempotencyKeyHeader: "hk-1"})
	assert.Equal(t, http.StatusConflict, conflict.StatusCode)

	get, err := http.Get(h.http.URL + "/v1/idempotency/hk-1")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)

	missing, err := http.Get(h.http.URL + "/v1/idempotency/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHTTP_HaltBlocksOrders(t *testing.T) {
	h := newHarness(t)

	halt := postJSON(t, h.http.URL+"/v1/risk/halt", server.SetHaltRequest{Reason: "news event"}, nil)
	require.Equal(t, http.StatusOK, halt.StatusCode)

	resp := postJSON(t, h.http.URL+"/v1/orders", server.SubmitOrderRequest{IdempotencyKey: "k1", Order: btc("1")}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	st, err := http.Get(h.http.URL + "/v1/risk")
	require.NoError(t, err)
	defer st.Body.Close()
	var state risk.State
	require.NoError(t, json.NewDecoder(st.Body).Decode(&state))
	assert.True(t, state.TradingHalted)

	resume := postJSON(t, h.http.URL+"/v1/risk/resume", server.SetHaltRequest{Reason: "clear"}, nil)
	require.Equal(t, http.StatusOK, resume.StatusCode)

	ok := postJSON(t, h.http.URL+"/v1/orders", server.SubmitOrderRequest{IdempotencyKey: "k1", Order: btc("1")}, nil)
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestHTTP_AuditQuery(t *testing.T) {
	h := newHarness(t)

	resp := postJSON(t, h.http.URL+"/v1/orders", server.SubmitOrderRequest{IdempotencyKey: "k1", Order: btc("1")}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	get, err := http.Get(h.http.URL + "/v1/audit?event_type=order_submitted&symbol=BTC-USD")
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)
	var out server.QueryAuditResponse
	require.NoError(t, json.NewDecoder(get.Body).Decode(&out))
	require.Len(t, out.Entries, 1)
	assert.Equal(t, audit.EventOrderSubmitted, out.Entries[0].EventType)

	bad, err := http.Get(h.http.URL + "/v1/audit?since=yesterday")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHTTP_ReadinessAndMetrics(t *testing.T) {
	h := newHarness(t)

	ready, err := http.Get(h.http.URL + "/readyz")
	require.NoError(t, err)
	ready.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, ready.StatusCode)

	h.srv.SetServing(true)
	ready, err = http.Get(h.http.URL + "/readyz")
	require.NoError(t, err)
	ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)

	st, err := http.Get(h.http.URL + "/v1/risk")
	require.NoError(t, err)
	st.Body.Close()

	m, err := http.Get(h.http.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	body, err := io.ReadAll(m.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `riskgate_api_requests_total{method="GetRiskStatus",status="OK"} 1`)
}
