package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"RiskGate/internal/idempotency"

	"github.com/shopspring/decimal"
)

// OrderType is how the broker should price the order.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// PositionEffect says whether an order opens or closes a position. Only
// orders that can produce a realized outcome are sequenced per symbol.
type PositionEffect string

const (
	EffectUnknown PositionEffect = ""
	EffectOpen    PositionEffect = "open"
	EffectClose   PositionEffect = "close"
)

// Order is the caller's intent. Symbol, Action and Quantity are the
// parameters an idempotency key is bound to.
type Order struct {
	Symbol         string          `json:"symbol"`
	Action         string          `json:"action"`
	Quantity       decimal.Decimal `json:"quantity"`
	Type           OrderType       `json:"order_type"`
	LimitPrice     decimal.Decimal `json:"limit_price,omitempty"`
	PositionEffect PositionEffect  `json:"position_effect,omitempty"`
	Actor          string          `json:"actor,omitempty"`
}

func (o Order) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	switch o.Action {
	case "buy", "sell":
	default:
		return fmt.Errorf("%w: action must be buy or sell, got %q", ErrInvalidOrder, o.Action)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidOrder, o.Quantity)
	}
	switch o.Type {
	case Market, "":
	case Limit:
		if !o.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit order needs a positive limit_price", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown order_type %q", ErrInvalidOrder, o.Type)
	}
	switch o.PositionEffect {
	case EffectUnknown, EffectOpen, EffectClose:
	default:
		return fmt.Errorf("%w: unknown position_effect %q", ErrInvalidOrder, o.PositionEffect)
	}
	return nil
}

func (o Order) params() idempotency.Params {
	return idempotency.Params{Symbol: o.Symbol, Action: o.Action, Quantity: o.Quantity}
}

// SubmitRequest is what the gate hands to the broker. ClientOrderID is the
// reservation's order id and is stable across stale take-overs.
type SubmitRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Action        string          `json:"action"`
	Quantity      decimal.Decimal `json:"quantity"`
	Type          OrderType       `json:"order_type"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
}

// OrderResult is the broker's answer. Status is submitted or filled.
type OrderResult struct {
	BrokerOrderID  string             `json:"broker_order_id,omitempty"`
	Status         idempotency.Status `json:"status"`
	FilledQuantity decimal.Decimal    `json:"filled_quantity"`
	FillPrice      decimal.Decimal    `json:"fill_price"`
	Message        string             `json:"message,omitempty"`
}

// Submitter is the external order submission capability.
type Submitter interface {
	SubmitOrder(ctx context.Context, req SubmitRequest) (OrderResult, error)
}

// Canceler is implemented by submitters that can cancel resting orders.
type Canceler interface {
	CancelOrder(ctx context.Context, orderID string) error
}

// Result is what Submit returns to the caller.
type Result struct {
	Key      string             `json:"idempotency_key"`
	OrderID  string             `json:"order_id"`
	Status   idempotency.Status `json:"status"`
	Replayed bool               `json:"replayed"`
	Order    *OrderResult       `json:"order,omitempty"`
	Error    string             `json:"error,omitempty"`
	// NeedsReconciliation is set when the outcome of the submission is unknown.
	NeedsReconciliation bool      `json:"needs_reconciliation,omitempty"`
	At                  time.Time `json:"at"`
}

// failure is the cached response of a failed submission.
type failure struct {
	Error string `json:"error"`
}

// resultFromRecord rebuilds a Result from a terminal idempotency record.
func resultFromRecord(rec idempotency.Record) Result {
	res := Result{
		Key:                 rec.Key,
		OrderID:             rec.OrderID,
		Status:              rec.Status,
		Replayed:            true,
		NeedsReconciliation: rec.NeedsReconciliation,
		At:                  rec.UpdatedAt,
	}
	if len(rec.CachedResponse) == 0 {
		return res
	}
	if rec.Status == idempotency.StatusFailed {
		var f failure
		if json.Unmarshal(rec.CachedResponse, &f) == nil {
			res.Error = f.Error
		}
		return res
	}
	var or OrderResult
	if json.Unmarshal(rec.CachedResponse, &or) == nil {
		res.Order = &or
	}
	return res
}
