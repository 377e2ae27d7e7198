package server

import (
	"context"
	"encoding/json"
	"fmt"

	"RiskGate/internal/audit"
	"RiskGate/internal/gate"
	"RiskGate/internal/idempotency"
	"RiskGate/internal/risk"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the control service over gRPC with the JSON codec.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out, CallOption())
}

func (c *Client) SubmitOrder(ctx context.Context, key string, order gate.Order) (gate.Result, error) {
	var out gate.Result
	err := c.invoke(ctx, "SubmitOrder", &SubmitOrderRequest{IdempotencyKey: key, Order: order}, &out)
	return out, err
}

func (c *Client) CancelOrder(ctx context.Context, req CancelOrderRequest) error {
	return c.invoke(ctx, "CancelOrder", &req, &Ack{})
}

func (c *Client) RecordOutcome(ctx context.Context, o risk.Outcome) (OutcomeResponse, error) {
	var out OutcomeResponse
	err := c.invoke(ctx, "RecordOutcome", &o, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (risk.State, error) {
	var out risk.State
	err := c.invoke(ctx, "GetRiskStatus", &StatusRequest{}, &out)
	return out, err
}

func (c *Client) SetHalt(ctx context.Context, halt bool, reason, actor string) (risk.State, error) {
	var out risk.State
	err := c.invoke(ctx, "SetHalt", &SetHaltRequest{Halt: halt, Reason: reason, Actor: actor}, &out)
	return out, err
}

func (c *Client) Reset(ctx context.Context, reason, actor string) (risk.State, error) {
	var out risk.State
	err := c.invoke(ctx, "ResetBreaker", &ResetRequest{Reason: reason, Actor: actor}, &out)
	return out, err
}

func (c *Client) RollDay(ctx context.Context) (risk.State, error) {
	var out risk.State
	err := c.invoke(ctx, "RollDay", &RollDayRequest{}, &out)
	return out, err
}

func (c *Client) ListOutcomes(ctx context.Context, symbol string, limit int) ([]risk.Outcome, error) {
	var out ListOutcomesResponse
	err := c.invoke(ctx, "ListOutcomes", &ListOutcomesRequest{Symbol: symbol, Limit: limit}, &out)
	return out.Outcomes, err
}

func (c *Client) QueryAudit(ctx context.Context, req QueryAuditRequest) ([]audit.Entry, error) {
	var out QueryAuditResponse
	err := c.invoke(ctx, "QueryAudit", &req, &out)
	return out.Entries, err
}

func (c *Client) VerifyAudit(ctx context.Context, includeArchive bool) (VerifyAuditResponse, error) {
	var out VerifyAuditResponse
	err := c.invoke(ctx, "VerifyAudit", &VerifyAuditRequest{IncludeArchive: includeArchive}, &out)
	return out, err
}

func (c *Client) ArchiveAudit(ctx context.Context, through int64, reason string) (audit.Anchor, error) {
	var out audit.Anchor
	err := c.invoke(ctx, "ArchiveAudit", &ArchiveAuditRequest{ThroughSequence: through, Reason: reason}, &out)
	return out, err
}

func (c *Client) GetIdempotency(ctx context.Context, key string) (idempotency.Record, error) {
	var out idempotency.Record
	err := c.invoke(ctx, "GetIdempotency", &GetIdempotencyRequest{Key: key}, &out)
	return out, err
}

func (c *Client) Reap(ctx context.Context) (int64, error) {
	var out ReapResponse
	err := c.invoke(ctx, "ReapIdempotency", &ReapRequest{}, &out)
	return out.Reaped, err
}

func (c *Client) Pending(ctx context.Context) ([]idempotency.Record, error) {
	var out ListPendingResponse
	err := c.invoke(ctx, "ListPending", &ListPendingRequest{}, &out)
	return out.Records, err
}

func (c *Client) Resolve(ctx context.Context, key string, st idempotency.Status, response json.RawMessage, actor string) (idempotency.Record, error) {
	var out idempotency.Record
	err := c.invoke(ctx, "Resolve", &ResolveRequest{Key: key, Status: st, Response: response, Actor: actor}, &out)
	return out, err
}

func (c *Client) Propose(ctx context.Context, order gate.Order, rationale string) (gate.Proposal, error) {
	var out gate.Proposal
	err := c.invoke(ctx, "Propose", &ProposeRequest{Order: order, Rationale: rationale}, &out)
	return out, err
}

func (c *Client) Approve(ctx context.Context, id, actor string) (ApproveResponse, error) {
	var out ApproveResponse
	err := c.invoke(ctx, "Approve", &DecideRequest{ProposalID: id, Actor: actor}, &out)
	return out, err
}

func (c *Client) Reject(ctx context.Context, id, reason, actor string) (gate.Proposal, error) {
	var out gate.Proposal
	err := c.invoke(ctx, "Reject", &DecideRequest{ProposalID: id, Reason: reason, Actor: actor}, &out)
	return out, err
}

func (c *Client) Proposals(ctx context.Context, st gate.ProposalStatus) ([]gate.Proposal, error) {
	var out ListProposalsResponse
	err := c.invoke(ctx, "ListProposals", &ListProposalsRequest{Status: st}, &out)
	return out.Proposals, err
}
