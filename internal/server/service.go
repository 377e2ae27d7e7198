package server

import (
	"context"
	"errors"

	"RiskGate/internal/audit"
	"RiskGate/internal/gate"
	"RiskGate/internal/idempotency"
	"RiskGate/internal/risk"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "riskgate.v1.ControlService"

// ControlServer is the control and query surface of the gate.
type ControlServer interface {
	SubmitOrder(context.Context, *SubmitOrderRequest) (*gate.Result, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*Ack, error)
	RecordOutcome(context.Context, *risk.Outcome) (*OutcomeResponse, error)
	GetRiskStatus(context.Context, *StatusRequest) (*risk.State, error)
	SetHalt(context.Context, *SetHaltRequest) (*risk.State, error)
	ResetBreaker(context.Context, *ResetRequest) (*risk.State, error)
	RollDay(context.Context, *RollDayRequest) (*risk.State, error)
	ListOutcomes(context.Context, *ListOutcomesRequest) (*ListOutcomesResponse, error)
	QueryAudit(context.Context, *QueryAuditRequest) (*QueryAuditResponse, error)
	VerifyAudit(context.Context, *VerifyAuditRequest) (*VerifyAuditResponse, error)
	ArchiveAudit(context.Context, *ArchiveAuditRequest) (*audit.Anchor, error)
	GetIdempotency(context.Context, *GetIdempotencyRequest) (*idempotency.Record, error)
	ReapIdempotency(context.Context, *ReapRequest) (*ReapResponse, error)
	ListPending(context.Context, *ListPendingRequest) (*ListPendingResponse, error)
	Resolve(context.Context, *ResolveRequest) (*idempotency.Record, error)
	Propose(context.Context, *ProposeRequest) (*gate.Proposal, error)
	Approve(context.Context, *DecideRequest) (*ApproveResponse, error)
	Reject(context.Context, *DecideRequest) (*gate.Proposal, error)
	ListProposals(context.Context, *ListProposalsRequest) (*ListProposalsResponse, error)
}

// ServiceDeps holds the components the control service exposes.
type ServiceDeps struct {
	Gate        *gate.Gate
	Breaker     *risk.Breaker
	Chain       *audit.Chain
	Idempotency *idempotency.Store
	Reconciler  *gate.Reconciler
}

// Service implements ControlServer. Every method returns domain errors
// converted by toStatus.
type Service struct {
	gate       *gate.Gate
	breaker    *risk.Breaker
	chain      *audit.Chain
	idem       *idempotency.Store
	reconciler *gate.Reconciler
}

var _ ControlServer = (*Service)(nil)

func NewService(deps ServiceDeps) *Service {
	return &Service{
		gate:       deps.Gate,
		breaker:    deps.Breaker,
		chain:      deps.Chain,
		idem:       deps.Idempotency,
		reconciler: deps.Reconciler,
	}
}

func (s *Service) SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*gate.Result, error) {
	res, err := s.gate.Submit(ctx, req.Order, req.IdempotencyKey)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Service) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*Ack, error) {
	if err := s.gate.Cancel(ctx, req.Symbol, req.OrderID, req.Reason, req.Actor); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{OK: true}, nil
}

func (s *Service) RecordOutcome(ctx context.Context, req *risk.Outcome) (*OutcomeResponse, error) {
	res, err := s.gate.RecordOutcome(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &OutcomeResponse{
		Applied: res.Applied,
		Halted:  res.Halted,
		Trigger: res.Trigger,
		State:   res.State,
	}, nil
}

func (s *Service) GetRiskStatus(ctx context.Context, _ *StatusRequest) (*risk.State, error) {
	return stateOrStatus(s.breaker.Status(ctx))
}

func (s *Service) SetHalt(ctx context.Context, req *SetHaltRequest) (*risk.State, error) {
	return stateOrStatus(s.gate.SetHalt(ctx, req.Halt, req.Reason, req.Actor))
}

func (s *Service) ResetBreaker(ctx context.Context, req *ResetRequest) (*risk.State, error) {
	return stateOrStatus(s.gate.Reset(ctx, req.Reason, req.Actor))
}

func (s *Service) RollDay(ctx context.Context, _ *RollDayRequest) (*risk.State, error) {
	return stateOrStatus(s.breaker.RollDay(ctx))
}

func (s *Service) ListOutcomes(ctx context.Context, req *ListOutcomesRequest) (*ListOutcomesResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > audit.MaxQueryLimit {
		limit = audit.DefaultQueryLimit
	}
	outcomes, err := s.breaker.Outcomes(ctx, req.Symbol, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListOutcomesResponse{Outcomes: outcomes}, nil
}

func (s *Service) QueryAudit(ctx context.Context, req *QueryAuditRequest) (*QueryAuditResponse, error) {
	f := audit.Filter{
		Symbol: req.Symbol,
		Since:  req.Since,
		Until:  req.Until,
		Limit:  req.Limit,
	}
	for _, raw := range req.EventTypes {
		t, err := audit.ParseEventType(raw)
		if err != nil {
			return nil, toStatus(err)
		}
		f.EventTypes = append(f.EventTypes, t)
	}
	entries, err := s.chain.Query(ctx, f)
	if err != nil {
		return nil, toStatus(err)
	}
	return &QueryAuditResponse{Entries: entries}, nil
}

func (s *Service) VerifyAudit(ctx context.Context, req *VerifyAuditRequest) (*VerifyAuditResponse, error) {
	err := s.gate.VerifyAudit(ctx)
	if err == nil && req.IncludeArchive {
		err = s.chain.VerifyArchive(ctx)
	}

	resp := &VerifyAuditResponse{Valid: true}
	var tamper *audit.TamperDetected
	switch {
	case errors.As(err, &tamper):
		resp.Valid = false
		resp.TamperedSequence = tamper.Sequence
		resp.Reason = tamper.Reason
	case err != nil:
		return nil, toStatus(err)
	}

	tail, err := s.chain.Tail(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if tail != nil {
		resp.TailSequence = tail.Sequence
		resp.TailHash = tail.EntryHash
	}
	return resp, nil
}

func (s *Service) ArchiveAudit(ctx context.Context, req *ArchiveAuditRequest) (*audit.Anchor, error) {
	anchor, err := s.chain.Archive(ctx, req.ThroughSequence, req.Reason)
	if err != nil {
		return nil, toStatus(err)
	}
	return &anchor, nil
}

func (s *Service) GetIdempotency(ctx context.Context, req *GetIdempotencyRequest) (*idempotency.Record, error) {
	return recordOrStatus(s.idem.Get(ctx, req.Key))
}

func (s *Service) ReapIdempotency(ctx context.Context, _ *ReapRequest) (*ReapResponse, error) {
	n, err := s.idem.Reap(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReapResponse{Reaped: n}, nil
}

func (s *Service) ListPending(ctx context.Context, _ *ListPendingRequest) (*ListPendingResponse, error) {
	recs, err := s.reconciler.Pending(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListPendingResponse{Records: recs}, nil
}

func (s *Service) Resolve(ctx context.Context, req *ResolveRequest) (*idempotency.Record, error) {
	return recordOrStatus(s.reconciler.Resolve(ctx, req.Key, req.Status, req.Response, req.Actor))
}

func (s *Service) Propose(ctx context.Context, req *ProposeRequest) (*gate.Proposal, error) {
	return proposalOrStatus(s.gate.Propose(ctx, req.Order, req.Rationale))
}

func (s *Service) Approve(ctx context.Context, req *DecideRequest) (*ApproveResponse, error) {
	p, res, err := s.gate.Approve(ctx, req.ProposalID, req.Actor)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ApproveResponse{Proposal: p, Result: res}, nil
}

func (s *Service) Reject(ctx context.Context, req *DecideRequest) (*gate.Proposal, error) {
	return proposalOrStatus(s.gate.Reject(ctx, req.ProposalID, req.Reason, req.Actor))
}

func (s *Service) ListProposals(ctx context.Context, req *ListProposalsRequest) (*ListProposalsResponse, error) {
	ps, err := s.gate.Proposals(ctx, req.Status)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListProposalsResponse{Proposals: ps}, nil
}

func stateOrStatus(st risk.State, err error) (*risk.State, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return &st, nil
}

func recordOrStatus(rec idempotency.Record, err error) (*idempotency.Record, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return &rec, nil
}

func proposalOrStatus(p gate.Proposal, err error) (*gate.Proposal, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return &p, nil
}

// ServiceDesc is written by hand in place of protoc output; the JSON codec
// carries the Go types directly.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitOrder", ControlServer.SubmitOrder),
		unary("CancelOrder", ControlServer.CancelOrder),
		unary("RecordOutcome", ControlServer.RecordOutcome),
		unary("GetRiskStatus", ControlServer.GetRiskStatus),
		unary("SetHalt", ControlServer.SetHalt),
		unary("ResetBreaker", ControlServer.ResetBreaker),
		unary("RollDay", ControlServer.RollDay),
		unary("ListOutcomes", ControlServer.ListOutcomes),
		unary("QueryAudit", ControlServer.QueryAudit),
		unary("VerifyAudit", ControlServer.VerifyAudit),
		unary("ArchiveAudit", ControlServer.ArchiveAudit),
		unary("GetIdempotency", ControlServer.GetIdempotency),
		unary("ReapIdempotency", ControlServer.ReapIdempotency),
		unary("ListPending", ControlServer.ListPending),
		unary("Resolve", ControlServer.Resolve),
		unary("Propose", ControlServer.Propose),
		unary("Approve", ControlServer.Approve),
		unary("Reject", ControlServer.Reject),
		unary("ListProposals", ControlServer.ListProposals),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "riskgate/v1/control",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
