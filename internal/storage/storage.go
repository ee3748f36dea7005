// Package storage defines the transactional contract the repository and the
// outbox are built on. Adapters live in sqlstore (Postgres and SQLite) and
// memstore (in-process, used by tests).
package storage

import (
	"context"
	"errors"
	"time"

	"trellocore/internal/domain"
)

// ErrLeaseLost is returned when an outbox row is no longer held by the caller.
var ErrLeaseLost = errors.New("outbox lease lost")

// ErrNotCommitted marks a failed Commit that is known to have applied
// nothing. A Commit error that matches domain.ErrStorageUnavailable without
// it may have been applied.
var ErrNotCommitted = errors.New("transaction not committed")

// ErrCommitUnknown is reported when storage became unreachable during commit
// and the transaction may or may not have been applied.
var ErrCommitUnknown = errors.New("commit outcome unknown")

// Record is one stored aggregate row. Payload is the encoded snapshot.
type Record struct {
	Ref       domain.Ref
	TenantID  string
	Version   int64
	Deleted   bool
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

type OutboxStatus string

const (
	StatusPending    OutboxStatus = "pending"
	StatusDispatched OutboxStatus = "dispatched"
	StatusFailed     OutboxStatus = "failed"
)

// OutboxRecord is one outbox row. Everything except the delivery bookkeeping
// is immutable once appended.
type OutboxRecord struct {
	ID            string
	Ref           domain.Ref
	TenantID      string
	EventType     domain.EventType
	CausalVersion int64
	Payload       []byte
	OccurredAt    time.Time

	Status         OutboxStatus
	Attempts       int
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DispatchedAt   *time.Time
}

type OutboxStats struct {
	Pending       int64
	Dispatched    int64
	Failed        int64
	OldestPending *time.Time
}

// Store opens transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a single storage transaction. Get returns domain.ErrNotFound when no
// row exists; soft-deleted rows are returned with Deleted set. Insert and
// CompareAndSwap return an error matching domain.ErrConflict when the row
// already exists or the stored version differs from expected. Errors caused
// by the engine being unreachable or overloaded match
// domain.ErrStorageUnavailable.
type Tx interface {
	Get(ctx context.Context, ref domain.Ref) (Record, error)
	Insert(ctx context.Context, rec Record) error
	CompareAndSwap(ctx context.Context, rec Record, expected int64) error
	AppendOutbox(ctx context.Context, recs ...OutboxRecord) error
	Commit() error
	Rollback() error
}

// Outbox is the relay side of the outbox table.
//
// Claim leases up to limit pending rows that are due, whose lease has
// expired, and that have no earlier undispatched row for the same aggregate.
// The Mark methods only succeed for the lease owner and return ErrLeaseLost
// otherwise.
type Outbox interface {
	Claim(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) ([]OutboxRecord, error)
	MarkDispatched(ctx context.Context, id, owner string, now time.Time) error
	MarkRetry(ctx context.Context, id, owner string, attempts int, next time.Time, lastErr string, now time.Time) error
	MarkFailed(ctx context.Context, id, owner string, attempts int, lastErr string, now time.Time) error
	Requeue(ctx context.Context, id string, now time.Time) error
	Stats(ctx context.Context) (OutboxStats, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}
