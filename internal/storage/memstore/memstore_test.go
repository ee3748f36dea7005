package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trellocore/internal/domain"
	"trellocore/internal/storage"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store, ref domain.Ref) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, storage.Record{Ref: ref, TenantID: "t1", Version: 1, Payload: []byte(`{}`), CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, tx.Commit())
}

func TestCommitRevalidatesCompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := domain.ListRef("l1")
	seed(t, s, ref)

	a, err := s.Begin(ctx)
	require.NoError(t, err)
	b, err := s.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, a.CompareAndSwap(ctx, storage.Record{Ref: ref, Version: 2, Payload: []byte(`"a"`)}, 1))
	require.NoError(t, b.CompareAndSwap(ctx, storage.Record{Ref: ref, Version: 2, Payload: []byte(`"b"`)}, 1))
	require.NoError(t, a.AppendOutbox(ctx, storage.OutboxRecord{ID: "ea", Ref: ref, CausalVersion: 2}))
	require.NoError(t, b.AppendOutbox(ctx, storage.OutboxRecord{ID: "eb", Ref: ref, CausalVersion: 2}))

	require.NoError(t, a.Commit())
	assert.ErrorIs(t, b.Commit(), domain.ErrConflict)

	rec, ok := s.Record(ref)
	require.True(t, ok)
	assert.Equal(t, `"a"`, string(rec.Payload))
	assert.Equal(t, "t1", rec.TenantID)

	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "ea", events[0].ID)
}

func TestReadYourWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := domain.CardRef("c1")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, storage.Record{Ref: ref, TenantID: "t1", Version: 1}))
	got, err := tx.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	require.NoError(t, tx.CompareAndSwap(ctx, storage.Record{Ref: ref, Version: 2}, 1))
	assert.ErrorIs(t, tx.CompareAndSwap(ctx, storage.Record{Ref: ref, Version: 3}, 1), domain.ErrConflict)
	require.NoError(t, tx.Rollback())

	_, ok := s.Record(ref)
	assert.False(t, ok)
	_, err = tx.Get(ctx, ref)
	assert.Error(t, err)
}

func TestClaimOrderAndLease(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := domain.CardRef("c1")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AppendOutbox(ctx,
		storage.OutboxRecord{ID: "e2", Ref: ref, CausalVersion: 2, CreatedAt: t0, NextAttemptAt: t0},
		storage.OutboxRecord{ID: "e1", Ref: ref, CausalVersion: 1, CreatedAt: t0, NextAttemptAt: t0},
	))
	require.NoError(t, tx.Commit())

	claimed, err := s.Claim(ctx, "r1", 10, time.Minute, t0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "e1", claimed[0].ID)

	assert.ErrorIs(t, s.MarkDispatched(ctx, "e1", "r2", t0), storage.ErrLeaseLost)
	require.NoError(t, s.MarkDispatched(ctx, "e1", "r1", t0))

	claimed, err = s.Claim(ctx, "r1", 10, time.Minute, t0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "e2", claimed[0].ID)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Dispatched)
	assert.Equal(t, int64(1), st.Pending)
}
