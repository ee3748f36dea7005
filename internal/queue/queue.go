// Package queue carries outbox events to background workers. Delivery is at
// least once: a task may arrive more than once and consumers deduplicate on
// its idempotency key.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"trellocore/internal/domain"
)

// Task is the message a worker receives for one domain event.
// IdempotencyKey is the event id.
type Task struct {
	IdempotencyKey string           `json:"idempotency_key"`
	Type           domain.EventType `json:"type"`
	TenantID       string           `json:"tenant_id"`
	AggregateKind  domain.Kind      `json:"aggregate_kind"`
	AggregateID    string           `json:"aggregate_id"`
	CausalVersion  int64            `json:"causal_version"`
	Payload        json.RawMessage  `json:"payload"`
	OccurredAt     time.Time        `json:"occurred_at"`
	EnqueuedAt     time.Time        `json:"enqueued_at"`
}

// Enqueuer hands a task to the broker. A nil error means the broker
// acknowledged it.
type Enqueuer interface {
	Enqueue(ctx context.Context, t Task) error
}

// Handler processes one task on the worker side.
type Handler func(ctx context.Context, t Task) error
