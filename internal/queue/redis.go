package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"trellocore/internal/logger"
)

// RedisQueue is a list-backed queue: producers LPUSH, consumers BLMOVE the
// oldest task into a processing list.
type RedisQueue struct {
	client *redis.Client
	name   string
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{client: client, name: name}
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.IdempotencyKey, err)
	}
	if err := q.client.LPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.IdempotencyKey, err)
	}
	return nil
}

// Len reports how many tasks wait in the queue.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

type ConsumerConfig struct {
	// ID names this consumer's processing list and claims. A restarted
	// consumer with the same ID recovers the tasks it held when it stopped.
	// Defaults to the host name; one running consumer per ID.
	ID string
	// DedupeTTL is how long a processed key is remembered.
	DedupeTTL time.Duration
	// ClaimTTL bounds how long a key stays claimed by a handler that never
	// finishes.
	ClaimTTL    time.Duration
	PollTimeout time.Duration
}

// Consumer moves tasks into its own processing list and removes them only
// once they are handled or requeued, so a crash loses nothing. A key is
// recorded as processed after its handler succeeds; a crash between the two
// lets the task run again.
type Consumer struct {
	client  *redis.Client
	name    string
	handler Handler
	cfg     ConsumerConfig
	log     *logger.Logger
}

func NewConsumer(client *redis.Client, name string, h Handler, cfg ConsumerConfig, log *logger.Logger) *Consumer {
	if cfg.ID == "" {
		cfg.ID, _ = os.Hostname()
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 7 * 24 * time.Hour
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{client: client, name: name, handler: h, cfg: cfg, log: log.With("component", "consumer", "queue", name, "consumer", cfg.ID)}
}

func (c *Consumer) Run(ctx context.Context) error {
	if n, err := c.Recover(ctx); err != nil {
		c.log.Error("recover in-flight tasks failed", "error", err)
	} else if n > 0 {
		c.log.Info("recovered in-flight tasks", "count", n)
	}
	for {
		if _, err := c.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("consume failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// Recover moves the tasks left in this consumer's processing list back onto
// the queue. It reports how many were moved.
func (c *Consumer) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := c.client.LMove(ctx, c.processing(), c.name, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", c.processing(), err)
		}
		n++
	}
}

// ProcessOne waits up to the poll timeout for one task and handles it. It
// reports whether a task was taken.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	raw, err := c.client.BLMove(ctx, c.name, c.processing(), "RIGHT", "LEFT", c.cfg.PollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// settle runs even if ctx ends while the handler is running.
	sctx := context.WithoutCancel(ctx)
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		c.log.Error("dropping undecodable task", "error", err)
		return true, c.ack(sctx, raw)
	}
	if _, err := c.Handle(ctx, t); err != nil {
		c.log.Warn("task failed, requeued", "idempotency_key", t.IdempotencyKey, "type", string(t.Type), "error", err)
		_, perr := c.client.TxPipelined(sctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(sctx, c.name, raw)
			pipe.LRem(sctx, c.processing(), 1, raw)
			return nil
		})
		if perr != nil {
			return true, fmt.Errorf("requeue task %s: %w", t.IdempotencyKey, perr)
		}
		return true, nil
	}
	return true, c.ack(sctx, raw)
}

func (c *Consumer) ack(ctx context.Context, raw string) error {
	if err := c.client.LRem(ctx, c.processing(), 1, raw).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Handle runs the handler unless the task's key was already processed or is
// being processed by another consumer. It reports whether the task was
// skipped as a duplicate. A failed handler releases its claim so a
// redelivery is processed again.
func (c *Consumer) Handle(ctx context.Context, t Task) (bool, error) {
	done := c.dedupeKey(t.IdempotencyKey)
	seen, err := c.client.Exists(ctx, done).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe %s: %w", t.IdempotencyKey, err)
	}
	if seen > 0 {
		c.log.Debug("duplicate task skipped", "idempotency_key", t.IdempotencyKey)
		return true, nil
	}
	claim := c.claimKey(t.IdempotencyKey)
	claimed, err := c.client.SetNX(ctx, claim, c.cfg.ID, c.cfg.ClaimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", t.IdempotencyKey, err)
	}
	if !claimed {
		owner, err := c.client.Get(ctx, claim).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("claim %s: %w", t.IdempotencyKey, err)
		}
		if err == nil && owner != c.cfg.ID {
			c.log.Debug("task in flight elsewhere, skipped", "idempotency_key", t.IdempotencyKey, "owner", owner)
			return true, nil
		}
		// left behind by this consumer before a restart
		if err := c.client.Set(ctx, claim, c.cfg.ID, c.cfg.ClaimTTL).Err(); err != nil {
			return false, fmt.Errorf("claim %s: %w", t.IdempotencyKey, err)
		}
	}

	sctx := context.WithoutCancel(ctx)
	if err := c.handler(ctx, t); err != nil {
		if derr := c.client.Del(sctx, claim).Err(); derr != nil {
			c.log.Warn("release claim failed", "idempotency_key", t.IdempotencyKey, "error", derr)
		}
		return false, err
	}
	_, err = c.client.TxPipelined(sctx, func(pipe redis.Pipeliner) error {
		pipe.Set(sctx, done, 1, c.cfg.DedupeTTL)
		pipe.Del(sctx, claim)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record %s processed: %w", t.IdempotencyKey, err)
	}
	return false, nil
}

func (c *Consumer) processing() string {
	return c.name + ":processing:" + c.cfg.ID
}

func (c *Consumer) dedupeKey(id string) string {
	return "trellocore:processed:" + c.name + ":" + id
}

func (c *Consumer) claimKey(id string) string {
	return "trellocore:claimed:" + c.name + ":" + id
}
