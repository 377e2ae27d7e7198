package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trigger names the condition that halted trading.
const (
	TriggerConsecutiveLosses = "max_consecutive_losses"
	TriggerDailyLoss         = "daily_loss_limit_percent"
	TriggerDrawdown          = "account_drawdown_limit_percent"
	TriggerManual            = "manual"
	TriggerAuditTamper       = "audit_tamper"
)

// Thresholds configure the breaker. Sizing limits are stored for callers
// and never evaluated here.
type Thresholds struct {
	MaxConsecutiveLosses        int             `json:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	DailyLossLimitPercent       decimal.Decimal `json:"daily_loss_limit_percent" yaml:"daily_loss_limit_percent"`
	AccountDrawdownLimitPercent decimal.Decimal `json:"account_drawdown_limit_percent" yaml:"account_drawdown_limit_percent"`
	MaxPositionSize             decimal.Decimal `json:"max_position_size" yaml:"max_position_size"`
	MaxPositionPercent          decimal.Decimal `json:"max_position_percent" yaml:"max_position_percent"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxConsecutiveLosses:        3,
		DailyLossLimitPercent:       decimal.NewFromInt(5),
		AccountDrawdownLimitPercent: decimal.NewFromInt(15),
		MaxPositionSize:             decimal.NewFromInt(1000),
		MaxPositionPercent:          decimal.NewFromInt(10),
	}
}

func (t Thresholds) Validate() error {
	if t.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("max_consecutive_losses must be positive, got %d", t.MaxConsecutiveLosses)
	}
	if !t.DailyLossLimitPercent.IsPositive() {
		return fmt.Errorf("daily_loss_limit_percent must be positive, got %s", t.DailyLossLimitPercent)
	}
	if !t.AccountDrawdownLimitPercent.IsPositive() {
		return fmt.Errorf("account_drawdown_limit_percent must be positive, got %s", t.AccountDrawdownLimitPercent)
	}
	if t.MaxPositionSize.IsNegative() || t.MaxPositionPercent.IsNegative() {
		return fmt.Errorf("sizing limits must not be negative")
	}
	return nil
}

// State is the single versioned risk aggregate. Only the Breaker mutates it.
type State struct {
	Version    int64      `json:"version"`
	Thresholds Thresholds `json:"thresholds"`

	ConsecutiveLosses int             `json:"consecutive_losses"`
	DailyLossPercent  decimal.Decimal `json:"daily_loss_percent"`
	DrawdownPercent   decimal.Decimal `json:"drawdown_percent"`

	DayStartEquity decimal.Decimal `json:"day_start_equity"`
	PeakEquity     decimal.Decimal `json:"peak_equity"`
	CurrentEquity  decimal.Decimal `json:"current_equity"`

	TradingHalted bool       `json:"trading_halted"`
	HaltReason    string     `json:"halt_reason,omitempty"`
	HaltTrigger   string     `json:"halt_trigger,omitempty"`
	HaltedAt      *time.Time `json:"halted_at,omitempty"`

	DayStartedAt time.Time `json:"day_started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewState returns the initial row created once with defaults.
func NewState(t Thresholds, now time.Time) State {
	return State{
		Version:          1,
		Thresholds:       t,
		DailyLossPercent: decimal.Zero,
		DrawdownPercent:  decimal.Zero,
		DayStartEquity:   decimal.Zero,
		PeakEquity:       decimal.Zero,
		CurrentEquity:    decimal.Zero,
		DayStartedAt:     now,
		UpdatedAt:        now,
	}
}

// Breach returns the first threshold the live counters have reached, checked
// in the order consecutive losses, daily loss, drawdown.
func (s State) Breach() (trigger, reason string) {
	t := s.Thresholds
	switch {
	case s.ConsecutiveLosses >= t.MaxConsecutiveLosses:
		return TriggerConsecutiveLosses, fmt.Sprintf("%d consecutive losses", s.ConsecutiveLosses)
	case s.DailyLossPercent.GreaterThanOrEqual(t.DailyLossLimitPercent):
		return TriggerDailyLoss, fmt.Sprintf("daily loss %s%% reached limit %s%%",
			s.DailyLossPercent.StringFixed(2), t.DailyLossLimitPercent.String())
	case s.DrawdownPercent.GreaterThanOrEqual(t.AccountDrawdownLimitPercent):
		return TriggerDrawdown, fmt.Sprintf("drawdown %s%% reached limit %s%%",
			s.DrawdownPercent.StringFixed(2), t.AccountDrawdownLimitPercent.String())
	}
	return "", ""
}

func (s *State) halt(trigger, reason string, at time.Time) {
	s.TradingHalted = true
	s.HaltTrigger = trigger
	s.HaltReason = reason
	s.HaltedAt = &at
}

var hundred = decimal.NewFromInt(100)

// lossPercent returns (base - equity) / base * 100 clamped at zero. A
// non-positive base yields zero.
func lossPercent(base, equity decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	pct := base.Sub(equity).Div(base).Mul(hundred).Round(6)
	if pct.IsNegative() {
		return decimal.Zero
	}
	return pct
}
