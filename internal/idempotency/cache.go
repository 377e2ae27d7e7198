package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"

	"RiskGate/internal/observability"
)

// CachedBackend implements two-tier lookup: an in-memory LRU of immutable
// records in front of the durable backend. Reserved and unreconciled
// records always go to the backend.
type CachedBackend struct {
	Backend
	lru     *RecordLRU
	metrics *observability.Metrics
}

func NewCachedBackend(backend Backend, capacity int, metrics *observability.Metrics) *CachedBackend {
	return &CachedBackend{
		Backend: backend,
		lru:     NewRecordLRU(capacity),
		metrics: metrics,
	}
}

func (c *CachedBackend) InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	// Tier 1: LRU check (hot path)
	if cached, ok := c.lru.Get(rec.Key); ok {
		c.recordHit()
		return cached, false, nil
	}

	// Tier 2: durable backend
	stored, inserted, err := c.Backend.InsertIfAbsent(ctx, rec)
	if err != nil {
		return Record{}, false, err
	}
	if !inserted {
		c.remember(stored)
	}
	return stored, inserted, nil
}

func (c *CachedBackend) Get(ctx context.Context, key string) (Record, error) {
	if cached, ok := c.lru.Get(key); ok {
		c.recordHit()
		return cached, nil
	}
	rec, err := c.Backend.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	c.remember(rec)
	return rec, nil
}

func (c *CachedBackend) Complete(ctx context.Context, key string, comp Completion) (Record, error) {
	rec, err := c.Backend.Complete(ctx, key, comp)
	if err != nil {
		return rec, err
	}
	c.remember(rec)
	return rec, nil
}

func (c *CachedBackend) Resolve(ctx context.Context, key string, comp Completion) (Record, error) {
	c.lru.Remove(key)
	rec, err := c.Backend.Resolve(ctx, key, comp)
	if err != nil {
		return rec, err
	}
	c.remember(rec)
	return rec, nil
}

func (c *CachedBackend) Reap(ctx context.Context, now time.Time) (int64, error) {
	n, err := c.Backend.Reap(ctx, now)
	if err != nil {
		return n, err
	}
	c.lru.PurgeExpired(now)
	c.recordSize()
	return n, nil
}

// Warm loads records into the LRU, e.g. recent terminal records on startup.
func (c *CachedBackend) Warm(recs []Record) {
	for _, rec := range recs {
		c.remember(rec)
	}
}

// Cache exposes the LRU for inspection.
func (c *CachedBackend) Cache() *RecordLRU {
	return c.lru
}

func (c *CachedBackend) remember(rec Record) {
	if !rec.Immutable() {
		return
	}
	c.lru.Add(rec)
	c.recordSize()
}

func (c *CachedBackend) recordHit() {
	if c.metrics != nil {
		c.metrics.IdempotencyCacheHits.Inc()
	}
}

func (c *CachedBackend) recordSize() {
	if c.metrics != nil {
		c.metrics.IdempotencyCacheSize.Set(float64(c.lru.Size()))
	}
}

// --- LRU Implementation ---

// RecordLRU is a thread-safe LRU of records keyed by idempotency key.
type RecordLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewRecordLRU(capacity int) *RecordLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &RecordLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns the record and promotes it to most recently used.
func (lru *RecordLRU) Get(key string) (Record, bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	elem, exists := lru.cache[key]
	if !exists {
		return Record{}, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(Record), true
}

// Add inserts or replaces a record.
func (lru *RecordLRU) Add(rec Record) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, exists := lru.cache[rec.Key]; exists {
		elem.Value = rec
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[rec.Key] = lru.lruList.PushFront(rec)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *RecordLRU) Remove(key string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.Remove(elem)
		delete(lru.cache, key)
	}
}

// PurgeExpired drops records the backend would reap at now.
func (lru *RecordLRU) PurgeExpired(now time.Time) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	for key, elem := range lru.cache {
		if elem.Value.(Record).Reapable(now) {
			lru.lruList.Remove(elem)
			delete(lru.cache, key)
		}
	}
}

func (lru *RecordLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(Record).Key)
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *RecordLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *RecordLRU) Evictions() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.evictions
}
