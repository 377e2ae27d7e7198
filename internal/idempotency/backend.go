package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Backend is the durable tier. Each method is atomic with respect to
// concurrent callers on the same key.
type Backend interface {
	// InsertIfAbsent stores rec unless the key exists. It returns the stored
	// record (rec or the existing one) and whether rec was inserted.
	InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
	Get(ctx context.Context, key string) (Record, error)
	// TakeOver bumps Attempts and UpdatedAt of a reserved record whose
	// Attempts still equals expectedAttempts. It reports false when another
	// caller got there first or the record left reserved.
	TakeOver(ctx context.Context, key string, expectedAttempts int, now time.Time) (Record, bool, error)
	// Complete moves a reserved record to a terminal status. ErrNotReserved otherwise.
	Complete(ctx context.Context, key string, c Completion) (Record, error)
	// Resolve settles a record that is reserved or flagged for reconciliation.
	// ErrNotPending otherwise.
	Resolve(ctx context.Context, key string, c Completion) (Record, error)
	// Reap deletes records for which Record.Reapable(now) holds.
	Reap(ctx context.Context, now time.Time) (int64, error)
	// ListReserved returns reserved records last touched before the cutoff, oldest first.
	ListReserved(ctx context.Context, before time.Time) ([]Record, error)
	// ListUnreconciled returns terminal records flagged for reconciliation, oldest first.
	ListUnreconciled(ctx context.Context) ([]Record, error)
}

// MemoryBackend keeps records in a map. It backs tests and single-process paper mode.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Record)}
}

func (m *MemoryBackend) InsertIfAbsent(_ context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.Key]; ok {
		return existing, false, nil
	}
	m.records[rec.Key] = rec
	return rec, true, nil
}

func (m *MemoryBackend) Get(_ context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryBackend) TakeOver(_ context.Context, key string, expectedAttempts int, now time.Time) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, false, ErrNotFound
	}
	if rec.Status != StatusReserved || rec.Attempts != expectedAttempts {
		return rec, false, nil
	}
	rec.Attempts++
	rec.UpdatedAt = now
	m.records[key] = rec
	return rec, true, nil
}

func (m *MemoryBackend) Complete(_ context.Context, key string, c Completion) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusReserved {
		return rec, ErrNotReserved
	}
	rec = applyCompletion(rec, c)
	m.records[key] = rec
	return rec, nil
}

func (m *MemoryBackend) Resolve(_ context.Context, key string, c Completion) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusReserved && !rec.NeedsReconciliation {
		return rec, ErrNotPending
	}
	rec = applyCompletion(rec, c)
	m.records[key] = rec
	return rec, nil
}

func (m *MemoryBackend) Reap(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.records {
		if rec.Reapable(now) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) ListReserved(_ context.Context, before time.Time) ([]Record, error) {
	return m.list(func(r Record) bool {
		return r.Status == StatusReserved && r.UpdatedAt.Before(before)
	}), nil
}

func (m *MemoryBackend) ListUnreconciled(_ context.Context) ([]Record, error) {
	return m.list(func(r Record) bool {
		return r.Status.IsTerminal() && r.NeedsReconciliation
	}), nil
}

func (m *MemoryBackend) list(keep func(Record) bool) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sortOldestFirst(out)
	return out
}

func sortOldestFirst(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].Key < recs[j].Key
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

func applyCompletion(rec Record, c Completion) Record {
	rec.Status = c.Status
	rec.CachedResponse = c.Response
	rec.NeedsReconciliation = c.NeedsReconciliation
	rec.UpdatedAt = c.At
	return rec
}
