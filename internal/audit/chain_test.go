package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"RiskGate/internal/audit"
	"RiskGate/internal/clock"
	"RiskGate/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func newChain(t *testing.T) (*audit.Chain, *audit.MemoryStore, *clock.Manual) {
	t.Helper()
	store := audit.NewMemoryStore()
	clk := clock.NewManual(t0)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return audit.NewChain(store, clk, zerolog.Nop(), metrics), store, clk
}

func mustAppend(t *testing.T, c *audit.Chain, ev audit.Event) audit.Entry {
	t.Helper()
	e, err := c.Append(context.Background(), ev)
	require.NoError(t, err)
	return e
}

func orderEvent(symbol string, qty int) audit.Event {
	return audit.Event{
		Type:    audit.EventOrderSubmitted,
		Symbol:  symbol,
		Action:  "buy",
		Actor:   audit.ActorAgent,
		OrderID: "ord-" + symbol,
		Details: map[string]any{"quantity": qty, "status": "filled"},
	}
}

func TestAppend_LinksToPreviousEntry(t *testing.T) {
	c, _, clk := newChain(t)

	first := mustAppend(t, c, orderEvent("BTC", 1))
	clk.Advance(time.Second)
	second := mustAppend(t, c, orderEvent("ETH", 2))

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, "", first.PrevHash)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, first.EntryHash, second.PrevHash)
	assert.Equal(t, t0.Add(time.Second), second.CreatedAt)

	assert.Equal(t, audit.ComputeEntryHash(first), first.EntryHash)
	assert.Equal(t, audit.ComputeEntryHash(second), second.EntryHash)

	tail, err := c.Tail(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.Equal(t, second, *tail)
}

func TestAppend_RejectsInvalidEvents(t *testing.T) {
	c, _, _ := newChain(t)
	ctx := context.Background()

	_, err := c.Append(ctx, audit.Event{Type: "order_exploded", Actor: audit.ActorSystem})
	assert.ErrorIs(t, err, audit.ErrInvalidEvent)

	_, err = c.Append(ctx, audit.Event{Type: audit.EventTradeLogged})
	assert.ErrorIs(t, err, audit.ErrInvalidEvent)

	tail, err := c.Tail(ctx)
	require.NoError(t, err)
	assert.Nil(t, tail)
}

func TestCanonicalDetails_StableKeyOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"z": true, "y": "x"}}
	b := map[string]any{"nested": map[string]any{"y": "x", "z": true}, "a": 1, "b": 2}

	ca, err := audit.CanonicalDetails(a)
	require.NoError(t, err)
	cb, err := audit.CanonicalDetails(b)
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb))
	assert.Equal(t, `{"a":1,"b":2,"nested":{"y":"x","z":true}}`, string(ca))

	empty, err := audit.CanonicalDetails(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(empty))
}

func TestVerify_CleanChain(t *testing.T) {
	c, _, clk := newChain(t)
	for i := 0; i < 25; i++ {
		mustAppend(t, c, orderEvent("BTC", i))
		clk.Advance(time.Millisecond)
	}
	require.NoError(t, c.Verify(context.Background()))

	cp, err := c.VerifyFrom(context.Background(), audit.Genesis, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cp.Sequence)

	// Resume from the returned checkpoint.
	cp, err = c.VerifyFrom(context.Background(), cp, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(25), cp.Sequence)
}

func TestVerifyFrom_BeyondTailIsReported(t *testing.T) {
	c, _, _ := newChain(t)
	mustAppend(t, c, orderEvent("BTC", 1))
	mustAppend(t, c, orderEvent("BTC", 2))

	_, err := c.VerifyFrom(context.Background(), audit.Genesis, 5)
	var td *audit.TamperDetected
	require.ErrorAs(t, err, &td)
	assert.Equal(t, int64(3), td.Sequence)
}

func TestAppend_ConcurrentWritersProduceGapFreeChain(t *testing.T) {
	store := audit.NewMemoryStore()
	clk := clock.NewManual(t0)
	// Two chains over one store model two processes sharing a database.
	chains := []*audit.Chain{
		audit.NewChain(store, clk, zerolog.Nop(), nil),
		audit.NewChain(store, clk, zerolog.Nop(), nil),
	}

	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		c := chains[w%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				for {
					_, err := c.Append(context.Background(), orderEvent("BTC", i))
					var cwe *audit.ChainWriteError
					if errors.As(err, &cwe) {
						continue
					}
					if err != nil {
						t.Errorf("append: %v", err)
					}
					break
				}
			}
		}()
	}
	wg.Wait()

	entries, err := store.Range(context.Background(), 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4*perWriter)

	seen := map[string]bool{}
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.False(t, seen[e.PrevHash], "prev_hash claimed twice at seq %d", e.Sequence)
		seen[e.PrevHash] = true
	}
	require.NoError(t, chains[0].Verify(context.Background()))
}

type failingStore struct {
	*audit.MemoryStore
	err error
}

func (f *failingStore) Insert(context.Context, audit.Entry) error { return f.err }

func TestAppend_StoreRejectionIsChainWriteError(t *testing.T) {
	store := &failingStore{MemoryStore: audit.NewMemoryStore(), err: errors.New("disk full")}
	c := audit.NewChain(store, clock.NewManual(t0), zerolog.Nop(), nil)

	_, err := c.Append(context.Background(), orderEvent("BTC", 1))
	var cwe *audit.ChainWriteError
	require.ErrorAs(t, err, &cwe)
	assert.Equal(t, int64(1), cwe.Sequence)
	assert.EqualError(t, cwe.Err, "disk full")
}

func TestAppend_ExhaustedConflictRetries(t *testing.T) {
	store := &failingStore{MemoryStore: audit.NewMemoryStore(), err: audit.ErrSequenceConflict}
	c := audit.NewChain(store, clock.NewManual(t0), zerolog.Nop(), nil)
	c.SetMaxAttempts(3)

	_, err := c.Append(context.Background(), orderEvent("BTC", 1))
	var cwe *audit.ChainWriteError
	require.ErrorAs(t, err, &cwe)
	assert.Equal(t, 3, cwe.Attempts)
	assert.ErrorIs(t, err, audit.ErrSequenceConflict)
}

func TestQuery_FiltersNewestFirst(t *testing.T) {
	c, _, clk := newChain(t)
	ctx := context.Background()

	mustAppend(t, c, orderEvent("BTC", 1))
	clk.Advance(time.Minute)
	mustAppend(t, c, audit.Event{Type: audit.EventTradingHalted, Actor: audit.ActorSystem})
	clk.Advance(time.Minute)
	mustAppend(t, c, orderEvent("ETH", 2))
	clk.Advance(time.Minute)
	mustAppend(t, c, orderEvent("BTC", 3))

	got, err := c.Query(ctx, audit.Filter{Symbol: "BTC"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Sequence)
	assert.Equal(t, int64(1), got[1].Sequence)

	got, err = c.Query(ctx, audit.Filter{EventTypes: []audit.EventType{audit.EventTradingHalted}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].Sequence)

	got, err = c.Query(ctx, audit.Filter{Since: t0.Add(90 * time.Second), Until: t0.Add(150 * time.Second)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ETH", got[0].Symbol)

	got, err = c.Query(ctx, audit.Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(4), got[0].Sequence)
}

func TestArchive_ReanchorsAndVerifies(t *testing.T) {
	c, store, clk := newChain(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		mustAppend(t, c, orderEvent("BTC", i))
		clk.Advance(time.Second)
	}
	sixth, err := store.Range(ctx, 6, 6, 1)
	require.NoError(t, err)

	anchor, err := c.Archive(ctx, 6, "retention")
	require.NoError(t, err)
	assert.Equal(t, int64(6), anchor.Sequence)
	assert.Equal(t, sixth[0].EntryHash, anchor.Hash)

	online, err := store.Range(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, online, 4)
	assert.Equal(t, int64(7), online[0].Sequence)
	assert.Equal(t, anchor.Hash, online[0].PrevHash)

	require.NoError(t, c.Verify(ctx))
	require.NoError(t, c.VerifyArchive(ctx))

	// Appends continue past the anchor.
	e := mustAppend(t, c, orderEvent("BTC", 99))
	assert.Equal(t, int64(11), e.Sequence)

	// Second archival extends the archive.
	_, err = c.Archive(ctx, 9, "retention")
	require.NoError(t, err)
	require.NoError(t, c.Verify(ctx))
	require.NoError(t, c.VerifyArchive(ctx))
}

func TestArchive_Boundaries(t *testing.T) {
	c, _, _ := newChain(t)
	ctx := context.Background()

	_, err := c.Archive(ctx, 1, "retention")
	assert.ErrorIs(t, err, audit.ErrArchiveBoundary)

	for i := 0; i < 3; i++ {
		mustAppend(t, c, orderEvent("BTC", i))
	}
	_, err = c.Archive(ctx, 3, "retention")
	assert.ErrorIs(t, err, audit.ErrArchiveBoundary, "tail must stay online")

	_, err = c.Archive(ctx, 2, "")
	assert.ErrorIs(t, err, audit.ErrArchiveBoundary)

	_, err = c.Archive(ctx, 2, "retention")
	require.NoError(t, err)
	_, err = c.Archive(ctx, 1, "retention")
	assert.ErrorIs(t, err, audit.ErrArchiveBoundary, "already archived")
}
