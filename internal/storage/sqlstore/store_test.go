package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trellocore/internal/domain"
	"trellocore/internal/storage"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{DSN: "sqlite://" + filepath.Join(t.TempDir(), "core.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// openPostgres runs against a real server when TEST_POSTGRES_DSN is set.
func openPostgres(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), Config{DSN: dsn, PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	_, err = s.db.Exec(`delete from outbox_events`)
	require.NoError(t, err)
	_, err = s.db.Exec(`delete from aggregates`)
	require.NoError(t, err)
	return s
}

func record(ref domain.Ref, version int64, payload string) storage.Record {
	return storage.Record{Ref: ref, TenantID: "t1", Version: version, Payload: []byte(payload), CreatedAt: t0, UpdatedAt: t0}
}

func outboxRow(id string, ref domain.Ref, causal int64, created time.Time) storage.OutboxRecord {
	return storage.OutboxRecord{
		ID: id, Ref: ref, TenantID: "t1", EventType: domain.EventCardUpdated, CausalVersion: causal,
		Payload: []byte(`{}`), OccurredAt: created, NextAttemptAt: created, CreatedAt: created, UpdatedAt: created,
	}
}

func appendRows(t *testing.T, s *Store, rows ...storage.OutboxRecord) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AppendOutbox(ctx, rows...))
	require.NoError(t, tx.Commit())
}

func TestParseDSN(t *testing.T) {
	d, driver, dsn, err := parseDSN("postgres://u:p@localhost:5432/core")
	require.NoError(t, err)
	assert.Equal(t, dialectPostgres, d)
	assert.Equal(t, "pgx", driver)
	assert.Equal(t, "postgres://u:p@localhost:5432/core", dsn)

	d, driver, dsn, err = parseDSN("sqlite:///tmp/core.db")
	require.NoError(t, err)
	assert.Equal(t, dialectSQLite, d)
	assert.Equal(t, "sqlite", driver)
	assert.Contains(t, dsn, "/tmp/core.db?_pragma=busy_timeout(5000)")

	_, _, _, err = parseDSN("mysql://localhost/core")
	assert.Error(t, err)
	_, _, _, err = parseDSN("  ")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	q := `update aggregates set version=? where kind=? and id=?`
	assert.Equal(t, `update aggregates set version=$1 where kind=$2 and id=$3`, dialectPostgres.rebind(q))
	assert.Equal(t, q, dialectSQLite.rebind(q))
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "40001"}), domain.ErrConflict)
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "23505"}), domain.ErrConflict)
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "08006"}), domain.ErrStorageUnavailable)
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "57P01"}), domain.ErrStorageUnavailable)

	plain := &pgconn.PgError{Code: "22001"}
	assert.Same(t, plain, classify(plain))
	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)
	assert.NoError(t, classify(nil))
}

type unsentErr struct{}

func (unsentErr) Error() string      { return "write: broken pipe" }
func (unsentErr) SafeToRetry() bool { return true }

func TestCommitErrorMarksUnappliedCommits(t *testing.T) {
	pg := &sqlTx{dialect: dialectPostgres}

	unsent := pg.commitError(unsentErr{})
	assert.ErrorIs(t, unsent, domain.ErrStorageUnavailable)
	assert.ErrorIs(t, unsent, storage.ErrNotCommitted)

	// the COMMIT was sent; the acknowledgement was lost
	reset := pg.commitError(&net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")})
	assert.ErrorIs(t, reset, domain.ErrStorageUnavailable)
	assert.NotErrorIs(t, reset, storage.ErrNotCommitted)

	serialization := pg.commitError(&pgconn.PgError{Code: "40001"})
	assert.ErrorIs(t, serialization, domain.ErrConflict)
	assert.NotErrorIs(t, serialization, storage.ErrNotCommitted)

	lite := &sqlTx{dialect: dialectSQLite}
	busy := lite.commitError(fmt.Errorf("%w: database is locked", domain.ErrStorageUnavailable))
	assert.ErrorIs(t, busy, storage.ErrNotCommitted)
}

func TestAggregateRowLifecycle(t *testing.T) {
	for name, open := range map[string]func(*testing.T) *Store{"sqlite": openSQLite, "postgres": openPostgres} {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			ref := domain.CardRef("c1")

			tx, err := s.Begin(ctx)
			require.NoError(t, err)
			_, err = tx.Get(ctx, ref)
			assert.ErrorIs(t, err, domain.ErrNotFound)
			require.NoError(t, tx.Insert(ctx, record(ref, 1, `{"title":"a"}`)))
			require.NoError(t, tx.Commit())

			tx, err = s.Begin(ctx)
			require.NoError(t, err)
			got, err := tx.Get(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.Version)
			assert.Equal(t, `{"title":"a"}`, string(got.Payload))
			assert.True(t, t0.Equal(got.CreatedAt))

			next := record(ref, 2, `{"title":"b"}`)
			next.Deleted = true
			require.NoError(t, tx.CompareAndSwap(ctx, next, 1))
			require.NoError(t, tx.Commit())

			tx, err = s.Begin(ctx)
			require.NoError(t, err)
			defer func() { _ = tx.Rollback() }()
			err = tx.CompareAndSwap(ctx, record(ref, 2, `{}`), 1)
			var conflict *domain.ConflictError
			require.ErrorAs(t, err, &conflict)
			assert.Equal(t, int64(1), conflict.Expected)

			got, err = tx.Get(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.Version)
			assert.True(t, got.Deleted)
		})
	}
}

func TestInsertDuplicateIsConflict(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	ref := domain.BoardRef("b1")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, record(ref, 1, `{}`)))
	require.NoError(t, tx.Commit())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	err = tx.Insert(ctx, record(ref, 1, `{}`))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRollbackDiscardsOutbox(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AppendOutbox(ctx, outboxRow("e1", domain.CardRef("c1"), 1, t0)))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
}

func TestClaimHoldsBackLaterVersions(t *testing.T) {
	for name, open := range map[string]func(*testing.T) *Store{"sqlite": openSQLite, "postgres": openPostgres} {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			a := domain.CardRef("a")
			b := domain.CardRef("b")
			appendRows(t, s,
				outboxRow("a1", a, 1, t0),
				outboxRow("a2", a, 2, t0.Add(time.Millisecond)),
				outboxRow("b1", b, 1, t0.Add(2*time.Millisecond)),
			)

			now := t0.Add(time.Second)
			claimed, err := s.Claim(ctx, "relay-1", 10, time.Minute, now)
			require.NoError(t, err)
			require.Len(t, claimed, 2)
			assert.Equal(t, "a1", claimed[0].ID)
			assert.Equal(t, "b1", claimed[1].ID)
			assert.Equal(t, "relay-1", claimed[0].LeaseOwner)

			// leased rows are invisible to other relays
			other, err := s.Claim(ctx, "relay-2", 10, time.Minute, now)
			require.NoError(t, err)
			assert.Empty(t, other)

			require.NoError(t, s.MarkDispatched(ctx, "a1", "relay-1", now))
			assert.ErrorIs(t, s.MarkDispatched(ctx, "b1", "relay-2", now), storage.ErrLeaseLost)

			claimed, err = s.Claim(ctx, "relay-2", 10, time.Minute, now)
			require.NoError(t, err)
			require.Len(t, claimed, 1)
			assert.Equal(t, "a2", claimed[0].ID)
		})
	}
}

func TestClaimAfterLeaseExpiry(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	appendRows(t, s, outboxRow("e1", domain.CardRef("c1"), 1, t0))

	claimed, err := s.Claim(ctx, "relay-1", 1, time.Minute, t0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	claimed, err = s.Claim(ctx, "relay-2", 1, time.Minute, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "relay-2", claimed[0].LeaseOwner)
	assert.ErrorIs(t, s.MarkDispatched(ctx, "e1", "relay-1", t0), storage.ErrLeaseLost)
}

func TestRetryFailRequeue(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	ref := domain.CardRef("c1")
	appendRows(t, s, outboxRow("e1", ref, 1, t0), outboxRow("e2", ref, 2, t0))

	_, err := s.Claim(ctx, "r", 10, time.Minute, t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkRetry(ctx, "e1", "r", 1, t0.Add(time.Minute), "broker down", t0))

	claimed, err := s.Claim(ctx, "r", 10, time.Minute, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, claimed, "not due yet")

	claimed, err = s.Claim(ctx, "r", 10, time.Minute, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "broker down", claimed[0].LastError)

	require.NoError(t, s.MarkFailed(ctx, "e1", "r", 4, "broker down", t0.Add(time.Minute)))
	claimed, err = s.Claim(ctx, "r", 10, time.Minute, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, claimed, "failed event blocks its aggregate")

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(1), st.Pending)
	require.NotNil(t, st.OldestPending)

	require.NoError(t, s.Requeue(ctx, "e1", t0.Add(time.Hour)))
	assert.ErrorIs(t, s.Requeue(ctx, "e1", t0.Add(time.Hour)), domain.ErrNotFound)
	ev, err := s.Event(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, ev.Status)
	assert.Zero(t, ev.Attempts)
}

func TestPruneOnlyDispatched(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	for i := range 3 {
		appendRows(t, s, outboxRow(fmt.Sprintf("e%d", i), domain.CardRef(fmt.Sprintf("c%d", i)), 1, t0))
	}
	_, err := s.Claim(ctx, "r", 10, time.Minute, t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkDispatched(ctx, "e0", "r", t0))
	require.NoError(t, s.MarkFailed(ctx, "e1", "r", 4, "x", t0))

	n, err := s.Prune(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Event(ctx, "e0")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = s.Event(ctx, "e1")
	assert.NoError(t, err)
}
