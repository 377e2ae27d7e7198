package risk

import (
	"sync"
	"time"

	"RiskGate/internal/clock"
	"RiskGate/internal/observability"
)

// Sequencer enforces per-symbol submission order for outcome application.
// Orders are registered at submission time; an outcome for an order is
// admitted only once every earlier registered order on that symbol has been
// applied or released. Heads older than maxHold are dropped so a lost
// outcome cannot block a symbol forever. An order whose outcome arrives
// before it is registered is remembered, so the late Register is skipped.
//
// State is per process and not persisted.
type Sequencer struct {
	mu      sync.Mutex
	clock   clock.Clock
	maxHold time.Duration
	pending map[string][]pendingOrder // symbol -> orders in submission order
	symbols map[string]string         // order_id -> symbol
	done    map[string]time.Time      // order_id -> when it finished
	metrics *observability.Metrics
}

type pendingOrder struct {
	orderID      string
	registeredAt time.Time
}

func NewSequencer(clk clock.Clock, maxHold time.Duration, metrics *observability.Metrics) *Sequencer {
	return &Sequencer{
		clock:   clk,
		maxHold: maxHold,
		pending: make(map[string][]pendingOrder),
		symbols: make(map[string]string),
		done:    make(map[string]time.Time),
		metrics: metrics,
	}
}

// Register appends orderID to the symbol's queue. Re-registering, or
// registering an order that is already done, is a no-op.
func (sq *Sequencer) Register(symbol, orderID string) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	sq.pruneDoneLocked()
	if _, ok := sq.symbols[orderID]; ok {
		return
	}
	if _, ok := sq.done[orderID]; ok {
		return
	}
	sq.symbols[orderID] = symbol
	sq.pending[symbol] = append(sq.pending[symbol], pendingOrder{orderID: orderID, registeredAt: sq.clock.Now()})
}

// Admit returns nil when o may be applied now, or *OutOfOrderError when an
// earlier order on the same symbol is still pending. Outcomes for orders
// that were never registered are always admitted.
func (sq *Sequencer) Admit(o Outcome) error {
	sq.mu.Lock()
	defer sq.mu.Unlock()

	sq.expireLocked(o.Symbol)
	queue := sq.pending[o.Symbol]
	pos := -1
	for i, p := range queue {
		if p.orderID == o.OrderID {
			pos = i
			break
		}
	}
	if pos <= 0 {
		return nil
	}
	if sq.metrics != nil {
		sq.metrics.OutcomesOutOfOrder.WithLabelValues(o.Symbol).Inc()
	}
	return &OutOfOrderError{Symbol: o.Symbol, OrderID: o.OrderID, Waiting: queue[0].orderID}
}

// Done removes orderID after its outcome was applied, or after the order
// failed and will never report one.
func (sq *Sequencer) Done(orderID string) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	sq.removeLocked(orderID)
	sq.done[orderID] = sq.clock.Now()
}

// Pending returns the queued order IDs for symbol, oldest first.
func (sq *Sequencer) Pending(symbol string) []string {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	sq.expireLocked(symbol)
	out := make([]string, 0, len(sq.pending[symbol]))
	for _, p := range sq.pending[symbol] {
		out = append(out, p.orderID)
	}
	return out
}

func (sq *Sequencer) removeLocked(orderID string) {
	symbol, ok := sq.symbols[orderID]
	if !ok {
		return
	}
	delete(sq.symbols, orderID)
	queue := sq.pending[symbol]
	for i, p := range queue {
		if p.orderID == orderID {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(sq.pending, symbol)
		return
	}
	sq.pending[symbol] = queue
}

func (sq *Sequencer) pruneDoneLocked() {
	keep := sq.maxHold
	if keep <= 0 {
		keep = time.Hour
	}
	now := sq.clock.Now()
	for id, at := range sq.done {
		if now.Sub(at) > keep {
			delete(sq.done, id)
		}
	}
}

func (sq *Sequencer) expireLocked(symbol string) {
	if sq.maxHold <= 0 {
		return
	}
	now := sq.clock.Now()
	queue := sq.pending[symbol]
	for len(queue) > 0 && now.Sub(queue[0].registeredAt) > sq.maxHold {
		delete(sq.symbols, queue[0].orderID)
		queue = queue[1:]
	}
	if len(queue) == 0 {
		delete(sq.pending, symbol)
		return
	}
	sq.pending[symbol] = queue
}
