package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"RiskGate/internal/gate"
	"RiskGate/internal/risk"

	"github.com/nats-io/nats.go"
)

// Requester is the request/reply half of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// brokerReply wraps every broker answer. A non-empty Error is a definite
// rejection; a transport error or timeout is an unknown outcome.
type brokerReply struct {
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// NATSSubmitter forwards orders to a broker adapter listening on
// SubmitSubject. The adapter is expected to deduplicate on client_order_id.
type NATSSubmitter struct {
	nc Requester
}

func NewNATSSubmitter(nc Requester) *NATSSubmitter {
	return &NATSSubmitter{nc: nc}
}

func (s *NATSSubmitter) SubmitOrder(ctx context.Context, req gate.SubmitRequest) (gate.OrderResult, error) {
	var out gate.OrderResult
	if err := s.request(ctx, SubmitSubject, req, &out); err != nil {
		return gate.OrderResult{}, err
	}
	return out, nil
}

func (s *NATSSubmitter) CancelOrder(ctx context.Context, orderID string) error {
	return s.request(ctx, CancelSubject, map[string]string{"client_order_id": orderID}, nil)
}

func (s *NATSSubmitter) request(ctx context.Context, subject string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", subject, err)
	}
	msg, err := s.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("%s: %w", subject, context.DeadlineExceeded)
		}
		return fmt.Errorf("%s: %w", subject, err)
	}

	var reply brokerReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	if out != nil && len(reply.Result) > 0 {
		if err := json.Unmarshal(reply.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", subject, err)
		}
	}
	return nil
}

// NATSAccount asks the account service for equity figures on every call;
// nothing is cached, so a stale equity never feeds the breaker.
type NATSAccount struct {
	nc Requester
}

func NewNATSAccount(nc Requester) *NATSAccount {
	return &NATSAccount{nc: nc}
}

func (a *NATSAccount) AccountMetrics(ctx context.Context) (risk.AccountMetrics, error) {
	msg, err := a.nc.RequestWithContext(ctx, AccountSubject, nil)
	if err != nil {
		return risk.AccountMetrics{}, fmt.Errorf("account metrics: %w", err)
	}
	var m risk.AccountMetrics
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		return risk.AccountMetrics{}, fmt.Errorf("decode account metrics: %w", err)
	}
	if !m.Equity.IsPositive() {
		return risk.AccountMetrics{}, fmt.Errorf("account metrics: equity must be positive, got %s", m.Equity)
	}
	return m, nil
}
