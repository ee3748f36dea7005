package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trellocore/internal/domain"
	"trellocore/internal/storage"
)

const outboxColumns = `id, aggregate_kind, aggregate_id, tenant_id, event_type, causal_version, payload, occurred_at,
    status, attempts, next_attempt_at, lease_owner, lease_expires_at, last_error, created_at, updated_at, dispatched_at`

// An earlier causal version of the same aggregate that is not dispatched yet
// holds back every later one.
const claimCandidates = `
select o.id from outbox_events o
where o.status = ? and o.next_attempt_at <= ? and o.lease_expires_at <= ?
and not exists (
    select 1 from outbox_events p
    where p.aggregate_kind = o.aggregate_kind
    and p.aggregate_id = o.aggregate_id
    and p.causal_version < o.causal_version
    and p.status <> ?
)
order by o.created_at, o.causal_version, o.id
limit ?`

func (s *Store) Claim(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) ([]storage.OutboxRecord, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("claim: owner is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("claim: limit must be greater than zero")
	}
	if lease <= 0 {
		return nil, fmt.Errorf("claim: lease must be greater than zero")
	}
	nowMs := toMillis(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim: begin: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.dialect.rebind(claimCandidates),
		string(storage.StatusPending), nowMs, nowMs, string(storage.StatusDispatched), limit)
	if err != nil {
		return nil, fmt.Errorf("claim: select candidates: %w", classify(err))
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("claim: scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("claim: iterate candidates: %w", classify(err))
	}
	_ = rows.Close()

	claimed := make([]storage.OutboxRecord, 0, len(ids))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, s.dialect.rebind(
			`update outbox_events set lease_owner=?, lease_expires_at=?, updated_at=? where id=? and status=? and lease_expires_at<=?`),
			owner, toMillis(now.Add(lease)), nowMs, id, string(storage.StatusPending), nowMs)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, classify(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, classify(err))
		}
		if n == 0 {
			// taken by another relay since the select
			continue
		}
		rec, err := scanOutbox(tx.QueryRowContext(ctx, s.dialect.rebind(`select `+outboxColumns+` from outbox_events where id=?`), id).Scan)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		claimed = append(claimed, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim: commit: %w", classify(err))
	}
	return claimed, nil
}

func (s *Store) MarkDispatched(ctx context.Context, id, owner string, now time.Time) error {
	nowMs := toMillis(now)
	return s.execOwned(ctx, id,
		`update outbox_events set status=?, lease_owner='', lease_expires_at=0, last_error='', dispatched_at=?, updated_at=?
where id=? and status=? and lease_owner=?`,
		string(storage.StatusDispatched), nowMs, nowMs, id, string(storage.StatusPending), owner)
}

func (s *Store) MarkRetry(ctx context.Context, id, owner string, attempts int, next time.Time, lastErr string, now time.Time) error {
	return s.execOwned(ctx, id,
		`update outbox_events set attempts=?, next_attempt_at=?, last_error=?, lease_owner='', lease_expires_at=0, updated_at=?
where id=? and status=? and lease_owner=?`,
		attempts, toMillis(next), lastErr, toMillis(now), id, string(storage.StatusPending), owner)
}

func (s *Store) MarkFailed(ctx context.Context, id, owner string, attempts int, lastErr string, now time.Time) error {
	return s.execOwned(ctx, id,
		`update outbox_events set status=?, attempts=?, last_error=?, lease_owner='', lease_expires_at=0, updated_at=?
where id=? and status=? and lease_owner=?`,
		string(storage.StatusFailed), attempts, lastErr, toMillis(now), id, string(storage.StatusPending), owner)
}

func (s *Store) execOwned(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("outbox %s: %w", id, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox %s: %w", id, classify(err))
	}
	if n == 0 {
		return fmt.Errorf("outbox %s: %w", id, storage.ErrLeaseLost)
	}
	return nil
}

// Requeue moves a failed row back to pending with its attempt count reset.
func (s *Store) Requeue(ctx context.Context, id string, now time.Time) error {
	nowMs := toMillis(now)
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`update outbox_events set status=?, attempts=0, next_attempt_at=?, lease_owner='', lease_expires_at=0, updated_at=? where id=? and status=?`),
		string(storage.StatusPending), nowMs, nowMs, id, string(storage.StatusFailed))
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, classify(err))
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("requeue %s: no failed event: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (storage.OutboxStats, error) {
	var st storage.OutboxStats
	rows, err := s.db.QueryContext(ctx, `select status, count(*) from outbox_events group by status`)
	if err != nil {
		return st, fmt.Errorf("outbox stats: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("outbox stats: %w", err)
		}
		switch storage.OutboxStatus(status) {
		case storage.StatusPending:
			st.Pending = n
		case storage.StatusDispatched:
			st.Dispatched = n
		case storage.StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("outbox stats: %w", classify(err))
	}

	var oldest sql.NullInt64
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`select min(created_at) from outbox_events where status=?`),
		string(storage.StatusPending)).Scan(&oldest)
	if err != nil {
		return st, fmt.Errorf("outbox stats: %w", classify(err))
	}
	if oldest.Valid {
		t := fromMillis(oldest.Int64)
		st.OldestPending = &t
	}
	return st, nil
}

// Prune deletes dispatched rows older than before. Pending and failed rows
// are never removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`delete from outbox_events where status=? and dispatched_at < ?`),
		string(storage.StatusDispatched), toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", classify(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Event returns one outbox row by id.
func (s *Store) Event(ctx context.Context, id string) (storage.OutboxRecord, error) {
	rec, err := scanOutbox(s.db.QueryRowContext(ctx, s.dialect.rebind(`select `+outboxColumns+` from outbox_events where id=?`), id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.OutboxRecord{}, fmt.Errorf("outbox event %s: %w", id, domain.ErrNotFound)
	}
	return rec, err
}

func scanOutbox(scan func(dest ...any) error) (storage.OutboxRecord, error) {
	var (
		r                                      storage.OutboxRecord
		kind, eventType, status, payload       string
		occurredAt, nextAt, leaseAt, createdAt int64
		updatedAt                              int64
		dispatchedAt                           sql.NullInt64
	)
	err := scan(&r.ID, &kind, &r.Ref.ID, &r.TenantID, &eventType, &r.CausalVersion, &payload, &occurredAt,
		&status, &r.Attempts, &nextAt, &r.LeaseOwner, &leaseAt, &r.LastError, &createdAt, &updatedAt, &dispatchedAt)
	if err != nil {
		return storage.OutboxRecord{}, err
	}
	r.Ref.Kind = domain.Kind(kind)
	r.EventType = domain.EventType(eventType)
	r.Status = storage.OutboxStatus(status)
	r.Payload = []byte(payload)
	r.OccurredAt = fromMillis(occurredAt)
	r.NextAttemptAt = fromMillis(nextAt)
	r.LeaseExpiresAt = fromMillis(leaseAt)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	if dispatchedAt.Valid {
		t := fromMillis(dispatchedAt.Int64)
		r.DispatchedAt = &t
	}
	return r, nil
}
