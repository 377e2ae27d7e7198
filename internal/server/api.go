package server

import (
	"encoding/json"
	"time"

	"RiskGate/internal/audit"
	"RiskGate/internal/gate"
	"RiskGate/internal/idempotency"
	"RiskGate/internal/risk"
)

// Request and response messages of the control service.

type SubmitOrderRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	gate.Order
}

type CancelOrderRequest struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
	Actor   string `json:"actor,omitempty"`
}

type Ack struct {
	OK bool `json:"ok"`
}

type OutcomeResponse struct {
	Applied bool       `json:"applied"`
	Halted  bool       `json:"halted"`
	Trigger string     `json:"trigger,omitempty"`
	State   risk.State `json:"state"`
}

type StatusRequest struct{}

type SetHaltRequest struct {
	Halt   bool   `json:"halt"`
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

type ResetRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

type RollDayRequest struct{}

type ListOutcomesRequest struct {
	Symbol string `json:"symbol,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ListOutcomesResponse struct {
	Outcomes []risk.Outcome `json:"outcomes"`
}

type QueryAuditRequest struct {
	EventTypes []string  `json:"event_types,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	Since      time.Time `json:"since,omitzero"`
	Until      time.Time `json:"until,omitzero"`
	Limit      int       `json:"limit,omitempty"`
}

type QueryAuditResponse struct {
	Entries []audit.Entry `json:"entries"`
}

type VerifyAuditRequest struct {
	IncludeArchive bool `json:"include_archive,omitempty"`
}

// VerifyAuditResponse reports a broken chain as data, not as an RPC error.
type VerifyAuditResponse struct {
	Valid            bool   `json:"valid"`
	TamperedSequence int64  `json:"tampered_sequence,omitempty"`
	Reason           string `json:"reason,omitempty"`
	TailSequence     int64  `json:"tail_sequence"`
	TailHash         string `json:"tail_hash,omitempty"`
}

type ArchiveAuditRequest struct {
	ThroughSequence int64  `json:"through_sequence"`
	Reason          string `json:"reason"`
}

type GetIdempotencyRequest struct {
	Key string `json:"idempotency_key"`
}

type ReapRequest struct{}

type ReapResponse struct {
	Reaped int64 `json:"reaped"`
}

type ListPendingRequest struct{}

type ListPendingResponse struct {
	Records []idempotency.Record `json:"records"`
}

type ResolveRequest struct {
	Key      string             `json:"idempotency_key"`
	Status   idempotency.Status `json:"status"`
	Response json.RawMessage    `json:"response,omitempty"`
	Actor    string             `json:"actor,omitempty"`
}

type ProposeRequest struct {
	Order     gate.Order `json:"order"`
	Rationale string     `json:"rationale,omitempty"`
}

type DecideRequest struct {
	ProposalID string `json:"proposal_id"`
	Reason     string `json:"reason,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

type ApproveResponse struct {
	Proposal gate.Proposal `json:"proposal"`
	Result   gate.Result   `json:"result"`
}

type ListProposalsRequest struct {
	Status gate.ProposalStatus `json:"status,omitempty"`
}

type ListProposalsResponse struct {
	Proposals []gate.Proposal `json:"proposals"`
}
