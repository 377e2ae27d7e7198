package risk

import (
	"context"
	"sync"
)

// Store persists the risk aggregate and the outcome log.
type Store interface {
	// Load returns the current state or ErrNotInitialized.
	Load(ctx context.Context) (State, error)
	// Init inserts s if no state exists and returns whichever row is stored.
	Init(ctx context.Context, s State) (State, error)
	// Save writes s if the stored version equals expectedVersion, bumping the
	// version. ErrVersionConflict otherwise.
	Save(ctx context.Context, s State, expectedVersion int64) (State, error)
	// ApplyOutcome records o and saves next in one transaction. If o.OrderID
	// was already recorded nothing is written and applied is false.
	ApplyOutcome(ctx context.Context, o Outcome, next State, expectedVersion int64) (saved State, applied bool, err error)
	// HasOutcome reports whether orderID was already recorded.
	HasOutcome(ctx context.Context, orderID string) (bool, error)
	// ListOutcomes returns outcomes newest first, optionally for one symbol.
	ListOutcomes(ctx context.Context, symbol string, limit int) ([]Outcome, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	state    *State
	outcomes []Outcome
	seen     map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

func (m *MemoryStore) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return State{}, ErrNotInitialized
	}
	return *m.state, nil
}

func (m *MemoryStore) Init(_ context.Context, s State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		m.state = &s
	}
	return *m.state, nil
}

func (m *MemoryStore) Save(_ context.Context, s State, expectedVersion int64) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(s, expectedVersion)
}

func (m *MemoryStore) saveLocked(s State, expectedVersion int64) (State, error) {
	if m.state == nil {
		return State{}, ErrNotInitialized
	}
	if m.state.Version != expectedVersion {
		return State{}, ErrVersionConflict
	}
	s.Version = expectedVersion + 1
	m.state = &s
	return s, nil
}

func (m *MemoryStore) ApplyOutcome(_ context.Context, o Outcome, next State, expectedVersion int64) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[o.OrderID]; dup {
		return State{}, false, nil
	}
	saved, err := m.saveLocked(next, expectedVersion)
	if err != nil {
		return State{}, false, err
	}
	m.seen[o.OrderID] = struct{}{}
	m.outcomes = append(m.outcomes, o)
	return saved, true, nil
}

func (m *MemoryStore) HasOutcome(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[orderID]
	return ok, nil
}

func (m *MemoryStore) ListOutcomes(_ context.Context, symbol string, limit int) ([]Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Outcome
	for i := len(m.outcomes) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if symbol == "" || m.outcomes[i].Symbol == symbol {
			out = append(out, m.outcomes[i])
		}
	}
	return out, nil
}
