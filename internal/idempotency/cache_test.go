package idempotency_test

import (
	"context"
	"testing"
	"time"

	"RiskGate/internal/idempotency"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBackend counts durable-tier lookups.
type countingBackend struct {
	*idempotency.MemoryBackend
	inserts int
	gets    int
}

func (c *countingBackend) InsertIfAbsent(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	c.inserts++
	return c.MemoryBackend.InsertIfAbsent(ctx, rec)
}

func (c *countingBackend) Get(ctx context.Context, key string) (idempotency.Record, error) {
	c.gets++
	return c.MemoryBackend.Get(ctx, key)
}

func TestCachedBackend_ServesTerminalRecordsFromLRU(t *testing.T) {
	durable := &countingBackend{MemoryBackend: idempotency.NewMemoryBackend()}
	cached := idempotency.NewCachedBackend(durable, 16, nil)
	s, _ := newStore(t, cached)
	ctx := context.Background()

	_, err := s.Reserve(ctx, "k1", params("1"))
	require.NoError(t, err)
	assert.Zero(t, cached.Cache().Size(), "reserved records are not cached")

	_, err = s.Complete(ctx, "k1", idempotency.StatusFilled, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, cached.Cache().Size())

	before := durable.inserts
	res, err := s.Reserve(ctx, "k1", params("1"))
	require.NoError(t, err)
	assert.Equal(t, idempotency.Hit, res.Outcome)
	assert.Equal(t, before, durable.inserts, "hit served by LRU")

	_, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Zero(t, durable.gets)
}

func TestCachedBackend_UnknownOutcomeNotCachedUntilResolved(t *testing.T) {
	cached := idempotency.NewCachedBackend(idempotency.NewMemoryBackend(), 16, nil)
	s, _ := newStore(t, cached)
	ctx := context.Background()

	_, err := s.Reserve(ctx, "k1", params("1"))
	require.NoError(t, err)
	_, err = s.CompleteUnknown(ctx, "k1", nil)
	require.NoError(t, err)
	assert.Zero(t, cached.Cache().Size())

	_, err = s.Resolve(ctx, "k1", idempotency.StatusFilled, []byte(`{"confirmed":true}`))
	require.NoError(t, err)
	rec, ok := cached.Cache().Get("k1")
	require.True(t, ok)
	assert.Equal(t, idempotency.StatusFilled, rec.Status)
}

func TestCachedBackend_ReapPurgesLRU(t *testing.T) {
	cached := idempotency.NewCachedBackend(idempotency.NewMemoryBackend(), 16, nil)
	s, clk := newStore(t, cached)
	ctx := context.Background()

	_, err := s.Reserve(ctx, "k1", params("1"))
	require.NoError(t, err)
	_, err = s.Complete(ctx, "k1", idempotency.StatusFilled, nil)
	require.NoError(t, err)

	clk.Advance(25 * time.Hour)
	n, err := s.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Zero(t, cached.Cache().Size())

	_, err = s.Get(ctx, "k1")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestRecordLRU_Eviction(t *testing.T) {
	lru := idempotency.NewRecordLRU(2)
	done := func(k string) idempotency.Record {
		return idempotency.Record{Key: k, Status: idempotency.StatusFilled}
	}

	lru.Add(done("a"))
	lru.Add(done("b"))
	_, ok := lru.Get("a") // promote a
	require.True(t, ok)
	lru.Add(done("c"))

	_, ok = lru.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = lru.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, lru.Size())
	assert.Equal(t, int64(1), lru.Evictions())
}
