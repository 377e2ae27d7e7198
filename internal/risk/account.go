package risk

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// AccountMetrics is the equity snapshot the breaker derives percentages from.
// A zero DayStartEquity means "use the day start recorded by RollDay".
type AccountMetrics struct {
	Equity         decimal.Decimal `json:"equity"`
	PeakEquity     decimal.Decimal `json:"peak_equity"`
	DayStartEquity decimal.Decimal `json:"day_start_equity"`
}

// AccountProvider supplies current account metrics.
type AccountProvider interface {
	AccountMetrics(ctx context.Context) (AccountMetrics, error)
}

// PnLRecorder is implemented by providers that derive equity from the
// outcomes themselves, such as PaperAccount.
type PnLRecorder interface {
	RecordPnL(orderID string, pnl decimal.Decimal)
}

// PaperAccount tracks equity from realized PnL. Each order ID counts once.
type PaperAccount struct {
	mu      sync.Mutex
	equity  decimal.Decimal
	peak    decimal.Decimal
	applied map[string]struct{}
}

func NewPaperAccount(initial decimal.Decimal) *PaperAccount {
	return &PaperAccount{
		equity:  initial,
		peak:    initial,
		applied: make(map[string]struct{}),
	}
}

func (p *PaperAccount) RecordPnL(orderID string, pnl decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.applied[orderID]; ok {
		return
	}
	p.applied[orderID] = struct{}{}
	p.equity = p.equity.Add(pnl)
	if p.equity.GreaterThan(p.peak) {
		p.peak = p.equity
	}
}

// SetEquity overrides the current equity, raising the peak if needed.
func (p *PaperAccount) SetEquity(equity decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.equity = equity
	if equity.GreaterThan(p.peak) {
		p.peak = equity
	}
}

func (p *PaperAccount) AccountMetrics(context.Context) (AccountMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return AccountMetrics{Equity: p.equity, PeakEquity: p.peak}, nil
}
