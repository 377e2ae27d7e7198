package audit

import (
	"context"
	"sort"
	"sync"
)

// Store persists audit entries. Implementations must reject an Insert whose
// sequence number, prev_hash or entry_hash already exists with ErrSequenceConflict.
type Store interface {
	// Tail returns the highest-sequence online entry, or nil when empty.
	Tail(ctx context.Context) (*Entry, error)
	Insert(ctx context.Context, e Entry) error
	// Range returns online entries with from <= seq <= to ascending.
	// to <= 0 means no upper bound.
	Range(ctx context.Context, from, to int64, limit int) ([]Entry, error)
	// Query returns matching online entries newest first.
	Query(ctx context.Context, f Filter) ([]Entry, error)

	// LatestAnchor returns the most recent archive anchor, or nil.
	LatestAnchor(ctx context.Context) (*Anchor, error)
	Anchors(ctx context.Context) ([]Anchor, error)
	// Archive moves online entries with seq <= a.Sequence to the archive and
	// records a, atomically. It returns the number of entries moved.
	Archive(ctx context.Context, a Anchor) (int64, error)
	// ArchivedRange is Range over the archive.
	ArchivedRange(ctx context.Context, from, to int64, limit int) ([]Entry, error)
}

// MemoryStore is an in-process Store for tests and paper mode.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []Entry
	archived []Entry
	anchors  []Anchor
	hashes   map[string]struct{}
	prevs    map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[string]struct{}),
		prevs:  make(map[string]struct{}),
	}
}

func (m *MemoryStore) Tail(_ context.Context) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return nil, nil
	}
	e := m.entries[len(m.entries)-1]
	return &e, nil
}

func (m *MemoryStore) Insert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.entries); n > 0 && m.entries[n-1].Sequence >= e.Sequence {
		return ErrSequenceConflict
	}
	if _, ok := m.hashes[e.EntryHash]; ok {
		return ErrSequenceConflict
	}
	if _, ok := m.prevs[e.PrevHash]; ok {
		return ErrSequenceConflict
	}
	m.entries = append(m.entries, e)
	m.hashes[e.EntryHash] = struct{}{}
	m.prevs[e.PrevHash] = struct{}{}
	return nil
}

func (m *MemoryStore) Range(_ context.Context, from, to int64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return rangeOf(m.entries, from, to, limit), nil
}

func (m *MemoryStore) ArchivedRange(_ context.Context, from, to int64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return rangeOf(m.archived, from, to, limit), nil
}

func rangeOf(src []Entry, from, to int64, limit int) []Entry {
	start := sort.Search(len(src), func(i int) bool { return src[i].Sequence >= from })
	var out []Entry
	for i := start; i < len(src); i++ {
		if to > 0 && src[i].Sequence > to {
			break
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, src[i])
	}
	return out
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]Entry, error) {
	f = f.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < f.Limit; i-- {
		if f.Matches(m.entries[i]) {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) LatestAnchor(_ context.Context) (*Anchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.anchors) == 0 {
		return nil, nil
	}
	a := m.anchors[len(m.anchors)-1]
	return &a, nil
}

func (m *MemoryStore) Anchors(_ context.Context) ([]Anchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Anchor(nil), m.anchors...), nil
}

func (m *MemoryStore) Archive(_ context.Context, a Anchor) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Sequence > a.Sequence })
	m.archived = append(m.archived, m.entries[:n]...)
	m.entries = append([]Entry(nil), m.entries[n:]...)
	m.anchors = append(m.anchors, a)
	return int64(n), nil
}
