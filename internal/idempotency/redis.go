package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisPrefix = "riskgate:idem:"
	redisCASRetries    = 10
	redisScanCount     = 200
)

// RedisBackend shares idempotency records between processes.
//
// Reserved records are written with SETNX and no expiry. Every transition
// is a WATCH/MULTI check-and-set on the record key. Terminal records get a
// key TTL equal to their remaining lifetime, so Redis does the reaping.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisBackend creates a backend using prefix for all keys.
// now is used only to compute key TTLs.
func NewRedisBackend(client redis.UniversalClient, prefix string, now func() time.Time) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix, now: now}
}

func (r *RedisBackend) key(k string) string {
	return r.prefix + k
}

func (r *RedisBackend) InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("encode record: %w", err)
	}

	for i := 0; i < redisCASRetries; i++ {
		ok, err := r.client.SetNX(ctx, r.key(rec.Key), payload, 0).Result()
		if err != nil {
			return Record{}, false, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return rec, true, nil
		}
		existing, err := r.Get(ctx, rec.Key)
		if errors.Is(err, ErrNotFound) {
			// Expired between SETNX and GET.
			continue
		}
		if err != nil {
			return Record{}, false, err
		}
		return existing, false, nil
	}
	return Record{}, false, fmt.Errorf("redis insert %q: too much contention", rec.Key)
}

func (r *RedisBackend) Get(ctx context.Context, key string) (Record, error) {
	return decodeRedis(r.client.Get(ctx, r.key(key)).Bytes())
}

func (r *RedisBackend) TakeOver(ctx context.Context, key string, expectedAttempts int, now time.Time) (Record, bool, error) {
	var (
		out     Record
		swapped bool
	)
	err := r.update(ctx, key, func(rec Record) (Record, bool, error) {
		out = rec
		if rec.Status != StatusReserved || rec.Attempts != expectedAttempts {
			return rec, false, nil
		}
		rec.Attempts++
		rec.UpdatedAt = now
		out, swapped = rec, true
		return rec, true, nil
	})
	return out, swapped, err
}

func (r *RedisBackend) Complete(ctx context.Context, key string, c Completion) (Record, error) {
	var out Record
	err := r.update(ctx, key, func(rec Record) (Record, bool, error) {
		out = rec
		if rec.Status != StatusReserved {
			return rec, false, ErrNotReserved
		}
		out = applyCompletion(rec, c)
		return out, true, nil
	})
	return out, err
}

func (r *RedisBackend) Resolve(ctx context.Context, key string, c Completion) (Record, error) {
	var out Record
	err := r.update(ctx, key, func(rec Record) (Record, bool, error) {
		out = rec
		if rec.Status != StatusReserved && !rec.NeedsReconciliation {
			return rec, false, ErrNotPending
		}
		out = applyCompletion(rec, c)
		return out, true, nil
	})
	return out, err
}

// Reap is a no-op: terminal keys carry a TTL.
func (r *RedisBackend) Reap(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (r *RedisBackend) ListReserved(ctx context.Context, before time.Time) ([]Record, error) {
	return r.scan(ctx, func(rec Record) bool {
		return rec.Status == StatusReserved && rec.UpdatedAt.Before(before)
	})
}

func (r *RedisBackend) ListUnreconciled(ctx context.Context) ([]Record, error) {
	return r.scan(ctx, func(rec Record) bool {
		return rec.Status.IsTerminal() && rec.NeedsReconciliation
	})
}

// update runs fn under WATCH on key and writes the result if fn asks to.
func (r *RedisBackend) update(ctx context.Context, key string, fn func(Record) (Record, bool, error)) error {
	k := r.key(key)
	txf := func(tx *redis.Tx) error {
		current, err := decodeRedis(tx.Get(ctx, k).Bytes())
		if err != nil {
			return err
		}
		next, write, err := fn(current)
		if err != nil || !write {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		ttl := r.ttlFor(next)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, payload, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < redisCASRetries; i++ {
		err := r.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis update %q: %w", key, redis.TxFailedErr)
}

// ttlFor keeps non-immutable records forever.
func (r *RedisBackend) ttlFor(rec Record) time.Duration {
	if !rec.Immutable() {
		return 0
	}
	ttl := rec.ExpiresAt.Sub(r.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (r *RedisBackend) scan(ctx context.Context, keep func(Record) bool) ([]Record, error) {
	var out []Record
	iter := r.client.Scan(ctx, 0, r.prefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		rec, err := decodeRedis(r.client.Get(ctx, iter.Val()).Bytes())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	sortOldestFirst(out)
	return out, nil
}

func decodeRedis(b []byte, err error) (Record, error) {
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
