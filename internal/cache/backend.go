package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trellocore/internal/domain"
)

const keyPrefix = "trellocore:agg:"

// Key is the cache key of one aggregate.
func Key(ref domain.Ref) string {
	return keyPrefix + string(ref.Kind) + ":" + ref.ID
}

// Entry is the stored value. A tombstone carries no snapshot and marks the
// lowest version a later fill must reach.
type Entry struct {
	Kind      domain.Kind     `json:"kind"`
	Version   int64           `json:"version"`
	Tombstone bool            `json:"tombstone,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
}

// accepts reports whether fill may replace e.
func (e Entry) accepts(fill Entry) bool {
	if e.Tombstone {
		return fill.Version >= e.Version
	}
	return fill.Version > e.Version
}

type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	// SetIfNewer stores e unless the current entry forbids it and reports
	// whether it was stored.
	SetIfNewer(ctx context.Context, key string, e Entry, ttl time.Duration) (bool, error)
	// Tombstone replaces any entry older than version with a tombstone.
	Tombstone(ctx context.Context, key string, version int64, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisBackend implements Backend with optimistic WATCH/MULTI transactions.
type RedisBackend struct {
	client     *redis.Client
	maxRetries int
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, maxRetries: 3}
}

func (b *RedisBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	return readEntry(ctx, b.client, key)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readEntry(ctx context.Context, g getter, key string) (Entry, bool, error) {
	data, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return e, true, nil
}

func (b *RedisBackend) SetIfNewer(ctx context.Context, key string, e Entry, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	var stored bool
	err = b.watch(ctx, key, func(tx *redis.Tx) error {
		stored = false
		cur, ok, err := readEntry(ctx, tx, key)
		if err != nil {
			return err
		}
		if ok && !cur.accepts(e) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		// lost to a concurrent writer; leave its value in place
		return false, nil
	}
	return stored, err
}

func (b *RedisBackend) Tombstone(ctx context.Context, key string, version int64, ttl time.Duration) error {
	data, err := json.Marshal(Entry{Version: version, Tombstone: true})
	if err != nil {
		return err
	}
	err = b.watch(ctx, key, func(tx *redis.Tx) error {
		cur, ok, err := readEntry(ctx, tx, key)
		if err == nil && ok && cur.Version >= version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		return b.Delete(ctx, key)
	}
	return err
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBackend) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	var err error
	for range b.maxRetries {
		err = b.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}
