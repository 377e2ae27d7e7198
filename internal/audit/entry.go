package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags an audit entry. The set is closed.
type EventType string

const (
	EventTradeExecuted           EventType = "trade_executed"
	EventTradeLogged             EventType = "trade_logged"
	EventPositionOpened          EventType = "position_opened"
	EventPositionClosed          EventType = "position_closed"
	EventStopLossTriggered       EventType = "stop_loss_triggered"
	EventTakeProfitTriggered     EventType = "take_profit_triggered"
	EventCircuitBreakerTriggered EventType = "circuit_breaker_triggered"
	EventRiskCheckFailed         EventType = "risk_check_failed"
	EventOrderSubmitted          EventType = "order_submitted"
	EventOrderCanceled           EventType = "order_canceled"
	EventAgentTradeProposed      EventType = "agent_trade_proposed"
	EventAgentTradeApproved      EventType = "agent_trade_approved"
	EventAgentTradeRejected      EventType = "agent_trade_rejected"
	EventTradingHalted           EventType = "trading_halted"
	EventTradingResumed          EventType = "trading_resumed"
)

var eventTypes = map[EventType]struct{}{
	EventTradeExecuted:           {},
	EventTradeLogged:             {},
	EventPositionOpened:          {},
	EventPositionClosed:          {},
	EventStopLossTriggered:       {},
	EventTakeProfitTriggered:     {},
	EventCircuitBreakerTriggered: {},
	EventRiskCheckFailed:         {},
	EventOrderSubmitted:          {},
	EventOrderCanceled:           {},
	EventAgentTradeProposed:      {},
	EventAgentTradeApproved:      {},
	EventAgentTradeRejected:      {},
	EventTradingHalted:           {},
	EventTradingResumed:          {},
}

// Valid reports whether t belongs to the closed event set.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// ParseEventType converts a wire string into an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, s)
	}
	return t, nil
}

// Well-known actors. Any non-empty identifier (e.g. "operator:alice") is accepted.
const (
	ActorSystem   = "system"
	ActorAgent    = "automated-agent"
	ActorOperator = "human-operator"
)

// Event is the caller-supplied part of an entry.
type Event struct {
	Type    EventType
	Symbol  string
	Action  string
	Details map[string]any
	Actor   string
	OrderID string
}

// Entry is one immutable, hash-linked audit record.
type Entry struct {
	Sequence  int64           `json:"sequence_number"`
	EventType EventType       `json:"event_type"`
	Symbol    string          `json:"symbol,omitempty"`
	Action    string          `json:"action,omitempty"`
	Details   json.RawMessage `json:"details"`
	Actor     string          `json:"actor"`
	OrderID   string          `json:"order_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	EntryHash string          `json:"entry_hash"`
}

// DecodeDetails unmarshals the stored details payload.
func (e Entry) DecodeDetails() (map[string]any, error) {
	out := map[string]any{}
	if len(e.Details) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Details, &out); err != nil {
		return nil, fmt.Errorf("decode details seq=%d: %w", e.Sequence, err)
	}
	return out, nil
}

// CanonicalDetails serializes details with sorted keys at every level.
// A nil map encodes as "{}".
func CanonicalDetails(details map[string]any) (json.RawMessage, error) {
	if details == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("%w: details: %v", ErrInvalidEvent, err)
	}
	return b, nil
}

// Checkpoint is a verified point in the chain that verification can resume from.
type Checkpoint struct {
	Sequence int64  `json:"sequence_number"`
	Hash     string `json:"entry_hash"`
}

// Genesis is the checkpoint before the first entry.
var Genesis = Checkpoint{}

// Anchor records an archival boundary. The first online entry after an
// archive links to Hash at Sequence+1.
type Anchor struct {
	Sequence  int64     `json:"anchor_sequence"`
	Hash      string    `json:"anchor_hash"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint converts the anchor into a verification starting point.
func (a Anchor) Checkpoint() Checkpoint {
	return Checkpoint{Sequence: a.Sequence, Hash: a.Hash}
}

// Filter selects entries for Query. Zero values mean "any".
type Filter struct {
	EventTypes []EventType
	Symbol     string
	Since      time.Time
	Until      time.Time
	Limit      int
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Normalize clamps Limit into [1, MaxQueryLimit].
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	return f
}

// Matches reports whether e passes the filter, ignoring Limit.
func (f Filter) Matches(e Entry) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Symbol != "" && f.Symbol != e.Symbol {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	return true
}
