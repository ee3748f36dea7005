package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"trellocore/internal/domain"
	"trellocore/internal/storage"
)

type sqlTx struct {
	tx      *sql.Tx
	dialect dialect
}

func (t *sqlTx) Get(ctx context.Context, ref domain.Ref) (storage.Record, error) {
	var (
		rec       storage.Record
		deleted   int
		payload   string
		createdAt int64
		updatedAt int64
	)
	err := t.tx.QueryRowContext(ctx, t.dialect.rebind(
		`select tenant_id, version, deleted, payload, created_at, updated_at from aggregates where kind=? and id=?`),
		string(ref.Kind), ref.ID).
		Scan(&rec.TenantID, &rec.Version, &deleted, &payload, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, &domain.NotFoundError{Ref: ref}
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("get %s: %w", ref, classify(err))
	}
	rec.Ref = ref
	rec.Deleted = deleted != 0
	rec.Payload = []byte(payload)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func (t *sqlTx) Insert(ctx context.Context, rec storage.Record) error {
	_, err := t.tx.ExecContext(ctx, t.dialect.rebind(
		`insert into aggregates(kind, id, tenant_id, version, deleted, payload, created_at, updated_at) values(?,?,?,?,?,?,?,?)`),
		string(rec.Ref.Kind), rec.Ref.ID, rec.TenantID, rec.Version, boolInt(rec.Deleted), string(rec.Payload),
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt))
	if err != nil {
		err = classify(err)
		if errors.Is(err, domain.ErrConflict) {
			return &domain.ConflictError{Ref: rec.Ref, Expected: 0}
		}
		return fmt.Errorf("insert %s: %w", rec.Ref, err)
	}
	return nil
}

func (t *sqlTx) CompareAndSwap(ctx context.Context, rec storage.Record, expected int64) error {
	res, err := t.tx.ExecContext(ctx, t.dialect.rebind(
		`update aggregates set version=?, deleted=?, payload=?, updated_at=? where kind=? and id=? and version=?`),
		rec.Version, boolInt(rec.Deleted), string(rec.Payload), toMillis(rec.UpdatedAt),
		string(rec.Ref.Kind), rec.Ref.ID, expected)
	if err != nil {
		err = classify(err)
		if errors.Is(err, domain.ErrConflict) {
			return &domain.ConflictError{Ref: rec.Ref, Expected: expected}
		}
		return fmt.Errorf("update %s: %w", rec.Ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.Ref, classify(err))
	}
	if n == 0 {
		return &domain.ConflictError{Ref: rec.Ref, Expected: expected}
	}
	return nil
}

func (t *sqlTx) AppendOutbox(ctx context.Context, recs ...storage.OutboxRecord) error {
	query := t.dialect.rebind(`insert into outbox_events(
    id, aggregate_kind, aggregate_id, tenant_id, event_type, causal_version, payload, occurred_at,
    status, attempts, next_attempt_at, created_at, updated_at
) values(?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	for _, r := range recs {
		_, err := t.tx.ExecContext(ctx, query,
			r.ID, string(r.Ref.Kind), r.Ref.ID, r.TenantID, string(r.EventType), r.CausalVersion, string(r.Payload),
			toMillis(r.OccurredAt), string(storage.StatusPending), r.Attempts, toMillis(r.NextAttemptAt),
			toMillis(r.CreatedAt), toMillis(r.UpdatedAt))
		if err != nil {
			return fmt.Errorf("append outbox %s: %w", r.ID, classify(err))
		}
	}
	return nil
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return t.commitError(err)
	}
	return nil
}

// commitError marks commit failures that cannot have been applied. SQLite
// reports busy before anything is written; pgx only knows when the COMMIT
// never left the client.
func (t *sqlTx) commitError(err error) error {
	cerr := classify(err)
	if errors.Is(cerr, domain.ErrStorageUnavailable) && (t.dialect == dialectSQLite || pgconn.SafeToRetry(err)) {
		return fmt.Errorf("commit: %w: %w", storage.ErrNotCommitted, cerr)
	}
	return fmt.Errorf("commit: %w", cerr)
}

func (t *sqlTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
