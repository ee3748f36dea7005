package uow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trellocore/internal/access"
	"trellocore/internal/cache"
	"trellocore/internal/domain"
	"trellocore/internal/logger"
	"trellocore/internal/storage"
	"trellocore/internal/storage/memstore"
)

var alice = Actor{By: access.Principal{UserID: "alice", TenantID: "t1"}}

type fixture struct {
	store   *memstore.Store
	backend *cache.RedisBackend
	exec    *Executor
	reader  *Reader
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{store: memstore.New(), backend: cache.NewRedisBackend(client)}
	c := cache.New(f.backend, time.Minute, logger.Nop())
	cfg := DefaultConfig()
	cfg.StorageBackoff = time.Millisecond
	f.exec = NewExecutor(f.store, c, cfg, logger.Nop(), opts...)
	f.reader = NewReader(f.store, c, nil, logger.Nop())
	return f
}

func (f *fixture) run(t *testing.T, cmd Command) Result {
	t.Helper()
	res, err := f.exec.Execute(context.Background(), cmd)
	require.NoError(t, err, cmd.Name())
	return res
}

func (f *fixture) eventsFor(ref domain.Ref) []storage.OutboxRecord {
	var out []storage.OutboxRecord
	for _, ev := range f.store.Events() {
		if ev.Ref == ref {
			out = append(out, ev)
		}
	}
	return out
}

// seed creates a board with lists A, B and C and one card in A.
func (f *fixture) seed(t *testing.T) (board string, lists [3]string, card string) {
	t.Helper()
	board = f.run(t, CreateBoard{Actor: alice, Title: "Roadmap"}).Aggregate.Header().ID
	for i, title := range []string{"A", "B", "C"} {
		lists[i] = f.run(t, CreateList{Actor: alice, BoardID: board, Title: title}).Aggregate.Header().ID
	}
	card = f.run(t, CreateCard{Actor: alice, ListID: lists[0], Title: "Ship it"}).Aggregate.Header().ID
	return board, lists, card
}

func (f *fixture) list(t *testing.T, id string) domain.List {
	t.Helper()
	agg, err := f.reader.GetFresh(context.Background(), alice.By, domain.ListRef(id))
	require.NoError(t, err)
	return agg.(domain.List)
}

func TestCreateBoardStartsAtVersionOne(t *testing.T) {
	f := newFixture(t)
	res := f.run(t, CreateBoard{Actor: alice, Title: "  Roadmap ", Color: "blue"})

	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, 1, res.Attempts)
	b := res.Aggregate.(domain.Board)
	assert.Equal(t, "Roadmap", b.Title)
	assert.Equal(t, "t1", b.TenantID)

	events := f.eventsFor(b.Ref())
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventBoardCreated, events[0].EventType)
	assert.Equal(t, int64(1), events[0].CausalVersion)
	assert.Equal(t, storage.StatusPending, events[0].Status)
}

func TestStatesOfSuccessfulAndAbortedCommands(t *testing.T) {
	var (
		mu     sync.Mutex
		states []State
	)
	f := newFixture(t, WithObserver(func(_ context.Context, cmd string, _ int, st State) {
		if cmd != "rename_board" {
			return
		}
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}))
	board := f.run(t, CreateBoard{Actor: alice, Title: "Roadmap"}).Aggregate.Header().ID

	f.run(t, RenameBoard{Actor: alice, BoardID: board, Title: "Plans"})
	assert.Equal(t, []State{
		StateStarted, StateLoaded, StateMutated, StatePersisted,
		StateEventsRecorded, StateCommitted, StateCacheInvalidated,
	}, states)

	states = nil
	_, err := f.exec.Execute(context.Background(), RenameBoard{Actor: alice, BoardID: board, Title: "  "})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, []State{StateStarted, StateLoaded, StateAborted}, states)
}

func TestConcurrentWritersProduceGapFreeVersions(t *testing.T) {
	f := newFixture(t)
	f.exec.cfg.MaxAttempts = 50
	board := f.run(t, CreateBoard{Actor: alice, Title: "Roadmap"}).Aggregate.Header().ID

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exec.Execute(context.Background(), RenameBoard{Actor: alice, BoardID: board, Title: fmt.Sprintf("title %d", i)})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrConflict)
		}()
	}
	wg.Wait()

	rec, ok := f.store.Record(domain.BoardRef(board))
	require.True(t, ok)
	assert.Equal(t, int64(1+succeeded), rec.Version)

	var versions []int64
	for _, ev := range f.eventsFor(domain.BoardRef(board)) {
		versions = append(versions, ev.CausalVersion)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	require.Len(t, versions, 1+succeeded)
	for i, v := range versions {
		assert.Equal(t, int64(i+1), v)
	}
}

func TestConflictRetriesFromFreshLoad(t *testing.T) {
	var (
		f     *fixture
		fired bool
		lists [3]string
		card  string
	)
	f = newFixture(t, WithObserver(func(ctx context.Context, cmd string, attempt int, st State) {
		if cmd != "move_card" || attempt != 1 || st != StateMutated || fired {
			return
		}
		fired = true
		// a competing move lands between load and save
		_, err := f.exec.Execute(ctx, MoveCard{Actor: alice, CardID: card, ToListID: lists[2]})
		require.NoError(t, err)
	}))
	_, lists, card = f.seed(t)

	res := f.run(t, MoveCard{Actor: alice, CardID: card, ToListID: lists[1]})
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int64(3), res.Version)
	assert.Equal(t, lists[1], res.Aggregate.(domain.Card).ListID)

	assert.Empty(t, f.list(t, lists[0]).CardIDs)
	assert.Equal(t, []string{card}, f.list(t, lists[1]).CardIDs)
	assert.Empty(t, f.list(t, lists[2]).CardIDs, "the retried move started from the competing result")

	moves := f.eventsFor(domain.CardRef(card))
	require.Len(t, moves, 3)
	assert.Equal(t, int64(2), moves[1].CausalVersion)
	assert.Equal(t, int64(3), moves[2].CausalVersion)
}

func TestConcurrentMovesLeaveCardInExactlyOneList(t *testing.T) {
	f := newFixture(t)
	f.exec.cfg.MaxAttempts = 20
	_, lists, card := f.seed(t)

	var wg sync.WaitGroup
	for _, to := range lists[1:] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exec.Execute(context.Background(), MoveCard{Actor: alice, CardID: card, ToListID: to})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	holders := 0
	for _, id := range lists {
		if len(f.list(t, id).CardIDs) > 0 {
			holders++
		}
	}
	assert.Equal(t, 1, holders)

	agg, err := f.reader.GetFresh(context.Background(), alice.By, domain.CardRef(card))
	require.NoError(t, err)
	c := agg.(domain.Card)
	assert.Equal(t, []string{card}, f.list(t, c.ListID).CardIDs)
	assert.Equal(t, int64(3), c.Version)
}

func TestDeleteBoardCascades(t *testing.T) {
	f := newFixture(t)
	board := f.run(t, CreateBoard{Actor: alice, Title: "Roadmap"}).Aggregate.Header().ID
	l1 := f.run(t, CreateList{Actor: alice, BoardID: board, Title: "Todo"}).Aggregate.Header().ID
	l2 := f.run(t, CreateList{Actor: alice, BoardID: board, Title: "Done"}).Aggregate.Header().ID
	c1 := f.run(t, CreateCard{Actor: alice, ListID: l1, Title: "one"}).Aggregate.Header().ID
	c2 := f.run(t, CreateCard{Actor: alice, ListID: l1, Title: "two"}).Aggregate.Header().ID
	before := len(f.store.Events())

	res := f.run(t, DeleteBoard{Actor: alice, BoardID: board})
	assert.Len(t, res.Changed, 5)
	assert.Len(t, res.Events, 5)
	assert.Len(t, f.store.Events(), before+5)

	for _, ref := range []domain.Ref{domain.BoardRef(board), domain.ListRef(l1), domain.ListRef(l2), domain.CardRef(c1), domain.CardRef(c2)} {
		rec, ok := f.store.Record(ref)
		require.True(t, ok, "%s removed", ref)
		assert.True(t, rec.Deleted, "%s soft-deleted", ref)

		_, err := f.reader.Get(context.Background(), alice.By, ref)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
}

func TestCacheCoherenceAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board := f.run(t, CreateBoard{Actor: alice, Title: "Roadmap"}).Aggregate.Header().ID
	ref := domain.BoardRef(board)

	agg, err := f.reader.Get(ctx, alice.By, ref)
	require.NoError(t, err)
	assert.Equal(t, "Roadmap", agg.(domain.Board).Title)

	f.run(t, RenameBoard{Actor: alice, BoardID: board, Title: "Plans"})

	e, ok, err := f.backend.Get(ctx, cache.Key(ref))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Tombstone)
	assert.Equal(t, int64(2), e.Version)

	agg, err = f.reader.Get(ctx, alice.By, ref)
	require.NoError(t, err)
	assert.Equal(t, "Plans", agg.(domain.Board).Title)
	assert.Equal(t, int64(2), agg.Header().Version)
}

func TestInvalidationSurvivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, WithObserver(func(_ context.Context, cmd string, _ int, st State) {
		if cmd == "rename_board" && st == StateCommitted {
			cancel()
		}
	}))
	board := f.run(t, CreateBoard{Actor: alice, Title: "Roadmap"}).Aggregate.Header().ID

	res, err := f.exec.Execute(ctx, RenameBoard{Actor: alice, BoardID: board, Title: "Plans"})
	require.NoError(t, err)
	assert.Zero(t, res.InvalidationFailed)

	e, ok, err := f.backend.Get(context.Background(), cache.Key(domain.BoardRef(board)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), e.Version)
}

func TestCancelBeforeCommitRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, WithObserver(func(_ context.Context, cmd string, _ int, st State) {
		if cmd == "rename_board" && st == StateEventsRecorded {
			cancel()
		}
	}))
	board := f.run(t, CreateBoard{Actor: alice, Title: "Roadmap"}).Aggregate.Header().ID

	_, err := f.exec.Execute(ctx, RenameBoard{Actor: alice, BoardID: board, Title: "Plans"})
	assert.ErrorIs(t, err, context.Canceled)

	rec, _ := f.store.Record(domain.BoardRef(board))
	assert.Equal(t, int64(1), rec.Version)
	assert.Len(t, f.store.Events(), 1)
}

func TestRejectedCommandsLeaveNoTrace(t *testing.T) {
	f := newFixture(t)
	board := f.run(t, CreateBoard{Actor: alice, Title: "Roadmap"}).Aggregate.Header().ID
	mallory := Actor{By: access.Principal{UserID: "mallory", TenantID: "t2"}}

	cases := []struct {
		cmd  Command
		want error
	}{
		{RenameBoard{Actor: mallory, BoardID: board, Title: "Mine"}, domain.ErrUnauthorized},
		{RenameBoard{Actor: alice, BoardID: "missing", Title: "x"}, domain.ErrNotFound},
		{RenameBoard{Actor: alice, BoardID: board, Title: ""}, domain.ErrValidation},
		{ReorderBoard{Actor: alice, BoardID: board, ListIDs: []string{"ghost"}}, domain.ErrValidation},
		{CreateCard{Actor: alice, ListID: "missing", Title: "x"}, domain.ErrNotFound},
	}
	for _, tc := range cases {
		res, err := f.exec.Execute(context.Background(), tc.cmd)
		assert.ErrorIs(t, err, tc.want, tc.cmd.Name())
		assert.Equal(t, 1, res.Attempts, "%s is not retried", tc.cmd.Name())
	}

	rec, _ := f.store.Record(domain.BoardRef(board))
	assert.Equal(t, int64(1), rec.Version)
	assert.Len(t, f.store.Events(), 1)
}

func TestStorageUnavailableIsRetried(t *testing.T) {
	f := newFixture(t)
	failures := 2
	f.store.FailBegin = func() error {
		if failures > 0 {
			failures--
			return fmt.Errorf("dial: %w", domain.ErrStorageUnavailable)
		}
		return nil
	}
	res := f.run(t, CreateBoard{Actor: alice, Title: "Roadmap"})
	assert.Equal(t, int64(1), res.Version)

	f.store.FailBegin = func() error { return domain.ErrStorageUnavailable }
	_, err := f.exec.Execute(context.Background(), CreateBoard{Actor: alice, Title: "Other"})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Len(t, f.store.Events(), 1)
}

func TestListAndCardLifecycle(t *testing.T) {
	f := newFixture(t)
	board, lists, card := f.seed(t)

	second := f.run(t, CreateCard{Actor: alice, ListID: lists[0], Title: "First", Position: new(int)}).Aggregate.Header().ID
	assert.Equal(t, []string{second, card}, f.list(t, lists[0]).CardIDs)

	f.run(t, ReorderList{Actor: alice, ListID: lists[0], CardIDs: []string{card, second}})
	assert.Equal(t, []string{card, second}, f.list(t, lists[0]).CardIDs)

	desc := "details"
	res := f.run(t, UpdateCard{Actor: alice, CardID: card, Patch: domain.CardPatch{Description: &desc}})
	assert.Equal(t, "details", res.Aggregate.(domain.Card).Description)

	f.run(t, ArchiveCard{Actor: alice, CardID: second})
	_, err := f.exec.Execute(context.Background(), MoveCard{Actor: alice, CardID: second, ToListID: lists[1]})
	assert.ErrorIs(t, err, domain.ErrValidation)

	f.run(t, DeleteCard{Actor: alice, CardID: card})
	assert.Equal(t, []string{second}, f.list(t, lists[0]).CardIDs)

	f.run(t, RenameList{Actor: alice, ListID: lists[2], Title: "Later"})
	f.run(t, ArchiveList{Actor: alice, ListID: lists[2]})
	f.run(t, DeleteList{Actor: alice, ListID: lists[1]})

	tree, err := f.reader.BoardTree(context.Background(), alice.By, board)
	require.NoError(t, err)
	require.Len(t, tree.Lists, 2)
	assert.Equal(t, "A", tree.Lists[0].Title)
	assert.Len(t, tree.Lists[0].Cards, 1)
	assert.Equal(t, "Later", tree.Lists[1].Title)
	assert.True(t, tree.Lists[1].Archived)

	f.run(t, ArchiveBoard{Actor: alice, BoardID: board})
	_, err = f.exec.Execute(context.Background(), CreateList{Actor: alice, BoardID: board, Title: "Nope"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestViewerCannotWrite(t *testing.T) {
	f := newFixture(t)
	board := f.run(t, CreateBoard{Actor: alice, Title: "Roadmap"}).Aggregate.Header().ID
	viewer := access.Principal{UserID: "bob", TenantID: "t1", Roles: []string{access.RoleViewer}}

	_, err := f.reader.Get(context.Background(), viewer, domain.BoardRef(board))
	require.NoError(t, err)
	_, err = f.exec.Execute(context.Background(), ArchiveBoard{Actor: Actor{By: viewer}, BoardID: board})
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
}

// flakyCommitStore fails the next commits. With applied set the writes land
// before the error is returned, as when the acknowledgement of a COMMIT is
// lost on the wire.
type flakyCommitStore struct {
	*memstore.Store
	failures int
	applied  bool
}

func (s *flakyCommitStore) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyCommitTx{Tx: tx, s: s}, nil
}

type flakyCommitTx struct {
	storage.Tx
	s *flakyCommitStore
}

func (t *flakyCommitTx) Commit() error {
	if t.s.failures == 0 {
		return t.Tx.Commit()
	}
	t.s.failures--
	if !t.s.applied {
		_ = t.Tx.Rollback()
		return fmt.Errorf("write: broken pipe: %w: %w", storage.ErrNotCommitted, domain.ErrStorageUnavailable)
	}
	if err := t.Tx.Commit(); err != nil {
		return err
	}
	return fmt.Errorf("read: connection reset by peer: %w", domain.ErrStorageUnavailable)
}

func newFlakyExecutor(store storage.Store, opts ...Option) *Executor {
	cfg := DefaultConfig()
	cfg.StorageBackoff = time.Millisecond
	return NewExecutor(store, nil, cfg, logger.Nop(), opts...)
}

func TestCommitWithUnknownOutcomeIsNotRepeated(t *testing.T) {
	store := &flakyCommitStore{Store: memstore.New(), applied: true}
	exec := newFlakyExecutor(store)
	ctx := context.Background()

	res, err := exec.Execute(ctx, CreateBoard{Actor: alice, Title: "Roadmap"})
	require.NoError(t, err)
	board := res.Aggregate.Header().ID

	store.failures = 1
	res, err = exec.Execute(ctx, CreateList{Actor: alice, BoardID: board, Title: "Todo"})
	assert.ErrorIs(t, err, storage.ErrCommitUnknown)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Equal(t, 1, res.Attempts)

	rec, ok := store.Record(domain.BoardRef(board))
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Version, "the board was bumped once")
	b, err := domain.UnmarshalAggregate(domain.KindBoard, rec.Payload)
	require.NoError(t, err)
	assert.Len(t, b.(domain.Board).ListIDs, 1)

	created := 0
	for _, ev := range store.Events() {
		if ev.EventType == domain.EventListCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestUnappliedCommitIsRetriedWithTheSameIDs(t *testing.T) {
	store := &flakyCommitStore{Store: memstore.New()}
	calls := 0
	exec := newFlakyExecutor(store, WithIDs(func() string {
		calls++
		return fmt.Sprintf("id-%d", calls)
	}))
	ctx := context.Background()

	_, err := exec.Execute(ctx, CreateBoard{Actor: alice, Title: "Roadmap"})
	require.NoError(t, err)

	store.failures = 1
	res, err := exec.Execute(ctx, CreateList{Actor: alice, BoardID: "id-1", Title: "Todo"})
	require.NoError(t, err)
	assert.Equal(t, "id-2", res.Aggregate.Header().ID)
	assert.Equal(t, 2, calls)

	rec, _ := store.Record(domain.BoardRef("id-1"))
	assert.Equal(t, int64(2), rec.Version)
	assert.Len(t, store.Events(), 2)
}
