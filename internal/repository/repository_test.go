package repository_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trellocore/internal/domain"
	"trellocore/internal/repository"
	"trellocore/internal/storage"
	"trellocore/internal/storage/memstore"
	"trellocore/internal/storage/sqlstore"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]storage.Store {
	t.Helper()
	sq, err := sqlstore.Open(context.Background(), sqlstore.Config{DSN: filepath.Join(t.TempDir(), "repo.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	require.NoError(t, sq.Migrate(context.Background()))
	return map[string]storage.Store{"sqlite": sq, "memory": memstore.New()}
}

func within(t *testing.T, s storage.Store, fn func(tx storage.Tx)) {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := repository.New()
			due := t0.Add(24 * time.Hour)
			card := domain.Card{
				Meta:    domain.Meta{ID: "c1", TenantID: "t1", CreatedAt: t0, UpdatedAt: t0},
				BoardID: "b1", ListID: "l1", Title: "Write docs", Description: "all of them", DueAt: &due,
			}

			within(t, s, func(tx storage.Tx) {
				v, err := repo.Create(ctx, tx, card)
				require.NoError(t, err)
				assert.Equal(t, int64(1), v)
			})

			var loaded domain.Card
			within(t, s, func(tx storage.Tx) {
				agg, err := repo.Load(ctx, tx, card.Ref())
				require.NoError(t, err)
				loaded = agg.(domain.Card)
			})
			assert.Equal(t, int64(1), loaded.Version)
			assert.Equal(t, card.Title, loaded.Title)
			assert.Equal(t, card.Description, loaded.Description)
			assert.True(t, due.Equal(*loaded.DueAt))

			loaded.Title = "Write more docs"
			within(t, s, func(tx storage.Tx) {
				v, err := repo.Save(ctx, tx, loaded, 1)
				require.NoError(t, err)
				assert.Equal(t, int64(2), v)
				assert.Equal(t, int64(1), loaded.Version, "caller's value untouched")
			})

			within(t, s, func(tx storage.Tx) {
				v, err := repo.Version(ctx, tx, card.Ref())
				require.NoError(t, err)
				assert.Equal(t, int64(2), v)

				agg, err := repo.Load(ctx, tx, card.Ref())
				require.NoError(t, err)
				assert.Equal(t, "Write more docs", agg.(domain.Card).Title)
				assert.Equal(t, int64(2), agg.Header().Version)
			})
		})
	}
}

func TestSaveWithStaleVersionConflicts(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := repository.New()
			b := domain.Board{Meta: domain.Meta{ID: "b1", TenantID: "t1", CreatedAt: t0, UpdatedAt: t0}, Title: "A", ListIDs: []string{}}

			within(t, s, func(tx storage.Tx) {
				_, err := repo.Create(ctx, tx, b)
				require.NoError(t, err)
			})
			within(t, s, func(tx storage.Tx) {
				_, err := repo.Save(ctx, tx, b, 1)
				require.NoError(t, err)
			})

			tx, err := s.Begin(ctx)
			require.NoError(t, err)
			defer func() { _ = tx.Rollback() }()
			_, err = repo.Save(ctx, tx, b, 1)
			assert.ErrorIs(t, err, domain.ErrConflict)
		})
	}
}

func TestDeletedRowsAreNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := repository.New()
			l := domain.List{Meta: domain.Meta{ID: "l1", TenantID: "t1", CreatedAt: t0, UpdatedAt: t0}, BoardID: "b1", Title: "Todo", CardIDs: []string{}}

			within(t, s, func(tx storage.Tx) {
				_, err := repo.Create(ctx, tx, l)
				require.NoError(t, err)
			})
			l.Deleted = true
			within(t, s, func(tx storage.Tx) {
				_, err := repo.Save(ctx, tx, l, 1)
				require.NoError(t, err)
			})

			within(t, s, func(tx storage.Tx) {
				_, err := repo.Load(ctx, tx, l.Ref())
				assert.ErrorIs(t, err, domain.ErrNotFound)

				v, err := repo.Version(ctx, tx, l.Ref())
				require.NoError(t, err)
				assert.Equal(t, int64(2), v)

				v, err = repo.Version(ctx, tx, domain.ListRef("missing"))
				require.NoError(t, err)
				assert.Zero(t, v)
			})
		})
	}
}
