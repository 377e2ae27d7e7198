package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"RiskGate/internal/gate"
	"RiskGate/internal/risk"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IdempotencyKeyHeader may carry the key instead of the request body.
const IdempotencyKeyHeader = "Idempotency-Key"

type observeFunc func(method string, code codes.Code, elapsed time.Duration, err error)

// route is one HTTP binding of a control method. call decodes whatever it
// needs from the request and returns the response message.
type route struct {
	verb    string
	pattern string
	method  string
	call    func(ctx context.Context, r *http.Request, params map[string]string) (any, error)
}

func routes(svc *Service) []route {
	return []route{
		{"POST", "/v1/orders", "SubmitOrder", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var req SubmitOrderRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			if key := r.Header.Get(IdempotencyKeyHeader); key != "" {
				req.IdempotencyKey = key
			}
			return svc.SubmitOrder(ctx, &req)
		}},
		{"POST", "/v1/orders/{order_id}/cancel", "CancelOrder", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var req CancelOrderRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			req.OrderID = p["order_id"]
			return svc.CancelOrder(ctx, &req)
		}},
		{"POST", "/v1/outcomes", "RecordOutcome", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var req risk.Outcome
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return svc.RecordOutcome(ctx, &req)
		}},
		{"GET", "/v1/outcomes", "ListOutcomes", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			q := r.URL.Query()
			limit, err := intParam(q.Get("limit"))
			if err != nil {
				return nil, err
			}
			return svc.ListOutcomes(ctx, &ListOutcomesRequest{Symbol: q.Get("symbol"), Limit: limit})
		}},
		{"GET", "/v1/risk", "GetRiskStatus", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.GetRiskStatus(ctx, &StatusRequest{})
		}},
		{"POST", "/v1/risk/halt", "SetHalt", haltRoute(svc, true)},
		{"POST", "/v1/risk/resume", "SetHalt", haltRoute(svc, false)},
		{"POST", "/v1/risk/reset", "ResetBreaker", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var req ResetRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return svc.ResetBreaker(ctx, &req)
		}},
		{"POST", "/v1/risk/roll-day", "RollDay", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.RollDay(ctx, &RollDayRequest{})
		}},
		{"GET", "/v1/audit", "QueryAudit", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			q := r.URL.Query()
			req := QueryAuditRequest{EventTypes: q["event_type"], Symbol: q.Get("symbol")}
			var err error
			if req.Limit, err = intParam(q.Get("limit")); err != nil {
				return nil, err
			}
			if req.Since, err = timeParam(q.Get("since")); err != nil {
				return nil, err
			}
			if req.Until, err = timeParam(q.Get("until")); err != nil {
				return nil, err
			}
			return svc.QueryAudit(ctx, &req)
		}},
		{"POST", "/v1/audit/verify", "VerifyAudit", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var req VerifyAuditRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return svc.VerifyAudit(ctx, &req)
		}},
		{"POST", "/v1/audit/archive", "ArchiveAudit", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var req ArchiveAuditRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return svc.ArchiveAudit(ctx, &req)
		}},
		{"GET", "/v1/idempotency/{key}", "GetIdempotency", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return svc.GetIdempotency(ctx, &GetIdempotencyRequest{Key: p["key"]})
		}},
		{"POST", "/v1/idempotency/reap", "ReapIdempotency", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.ReapIdempotency(ctx, &ReapRequest{})
		}},
		{"GET", "/v1/reconciliation", "ListPending", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.ListPending(ctx, &ListPendingRequest{})
		}},
		{"POST", "/v1/reconciliation/{key}", "Resolve", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var req ResolveRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			req.Key = p["key"]
			return svc.Resolve(ctx, &req)
		}},
		{"POST", "/v1/proposals", "Propose", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			var req ProposeRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return svc.Propose(ctx, &req)
		}},
		{"GET", "/v1/proposals", "ListProposals", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			return svc.ListProposals(ctx, &ListProposalsRequest{Status: gate.ProposalStatus(r.URL.Query().Get("status"))})
		}},
		{"POST", "/v1/proposals/{proposal_id}/approve", "Approve", decideRoute(svc.Approve)},
		{"POST", "/v1/proposals/{proposal_id}/reject", "Reject", decideRoute(svc.Reject)},
	}
}

func haltRoute(svc *Service, halt bool) func(context.Context, *http.Request, map[string]string) (any, error) {
	return func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
		var req SetHaltRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		req.Halt = halt
		return svc.SetHalt(ctx, &req)
	}
}

func decideRoute[Resp any](call func(context.Context, *DecideRequest) (*Resp, error)) func(context.Context, *http.Request, map[string]string) (any, error) {
	return func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
		var req DecideRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		req.ProposalID = p["proposal_id"]
		return call(ctx, &req)
	}
}

// newGatewayMux binds every route on a gRPC-Gateway ServeMux. Errors are
// rendered by the gateway's error handler from the gRPC status.
func newGatewayMux(svc *Service, observe observeFunc) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	marshaler := &runtime.JSONPb{}

	for _, rt := range routes(svc) {
		err := mux.HandlePath(rt.verb, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			start := time.Now()
			resp, err := rt.call(r.Context(), r, params)
			observe(rt.method, status.Code(err), time.Since(start), err)
			if err != nil {
				runtime.HTTPError(r.Context(), mux, marshaler, w, r, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(resp)
		})
		if err != nil {
			return nil, fmt.Errorf("register route %s %s: %w", rt.verb, rt.pattern, err)
		}
	}
	return mux, nil
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return status.Errorf(codes.InvalidArgument, "decode body: %v", err)
	}
	return nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid integer %q", s)
	}
	return n, nil
}

func timeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, status.Errorf(codes.InvalidArgument, "invalid time %q, want RFC3339", s)
	}
	return t, nil
}
