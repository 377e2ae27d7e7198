package gate

import (
	"context"
	"fmt"
	"sync"

	"RiskGate/internal/idempotency"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperSubmitter fills market orders at the last set price and never talks
// to an exchange. It counts submissions per client order id so tests and
// dry runs can check that nothing was placed twice.
type PaperSubmitter struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	placed   map[string]int
	canceled map[string]bool
	total    int
}

func NewPaperSubmitter() *PaperSubmitter {
	return &PaperSubmitter{
		prices:   make(map[string]decimal.Decimal),
		placed:   make(map[string]int),
		canceled: make(map[string]bool),
	}
}

// SetPrice sets the fill price for symbol.
func (p *PaperSubmitter) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *PaperSubmitter) SubmitOrder(ctx context.Context, req SubmitRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.placed[req.ClientOrderID]++
	p.total++

	if req.Type == Limit {
		return OrderResult{
			BrokerOrderID:  uuid.NewString(),
			Status:         idempotency.StatusSubmitted,
			FilledQuantity: decimal.Zero,
			Message:        "resting",
		}, nil
	}
	price, ok := p.prices[req.Symbol]
	if !ok {
		return OrderResult{}, fmt.Errorf("paper: no price for %s", req.Symbol)
	}
	return OrderResult{
		BrokerOrderID:  uuid.NewString(),
		Status:         idempotency.StatusFilled,
		FilledQuantity: req.Quantity,
		FillPrice:      price,
	}, nil
}

func (p *PaperSubmitter) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.placed[orderID] == 0 {
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	p.canceled[orderID] = true
	return nil
}

// Placed returns how many times clientOrderID was submitted.
func (p *PaperSubmitter) Placed(clientOrderID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placed[clientOrderID]
}

// Total returns the number of SubmitOrder calls.
func (p *PaperSubmitter) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}
