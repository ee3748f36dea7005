package uow

import (
	"context"
	"errors"
	"fmt"

	"trellocore/internal/access"
	"trellocore/internal/cache"
	"trellocore/internal/domain"
	"trellocore/internal/logger"
	"trellocore/internal/repository"
	"trellocore/internal/storage"
)

// Reader serves queries through the cache. Nothing read here is ever used as
// the basis of a write.
type Reader struct {
	store   storage.Store
	repo    *repository.Repository
	cache   *cache.Coordinator
	checker access.Checker
	log     *logger.Logger
}

func NewReader(store storage.Store, c *cache.Coordinator, checker access.Checker, log *logger.Logger) *Reader {
	if log == nil {
		log = logger.Nop()
	}
	if c == nil {
		c = cache.New(nil, 0, log)
	}
	if checker == nil {
		checker = access.TenantChecker{}
	}
	return &Reader{store: store, repo: repository.New(), cache: c, checker: checker, log: log}
}

// Get returns ref, from the cache when it holds a live entry.
func (r *Reader) Get(ctx context.Context, p access.Principal, ref domain.Ref) (domain.Aggregate, error) {
	agg, err := r.cache.GetOrLoad(ctx, ref, r.loader(ref))
	if err != nil {
		return nil, err
	}
	return r.authorize(ctx, p, agg)
}

// GetFresh is Get for callers that must not see a stale entry. A cache hit is
// compared against the stored version before it is served.
func (r *Reader) GetFresh(ctx context.Context, p access.Principal, ref domain.Ref) (domain.Aggregate, error) {
	agg, err := r.cache.GetOrLoadValidated(ctx, ref, r.loader(ref), r.probe(ref))
	if err != nil {
		return nil, err
	}
	return r.authorize(ctx, p, agg)
}

func (r *Reader) authorize(ctx context.Context, p access.Principal, agg domain.Aggregate) (domain.Aggregate, error) {
	if err := r.checker.Check(ctx, p, access.ActionRead, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

func (r *Reader) loader(ref domain.Ref) cache.Loader {
	return func(ctx context.Context) (agg domain.Aggregate, err error) {
		err = r.inTx(ctx, func(tx storage.Tx) error {
			agg, err = r.repo.Load(ctx, tx, ref)
			return err
		})
		return agg, err
	}
}

func (r *Reader) probe(ref domain.Ref) cache.Probe {
	return func(ctx context.Context) (v int64, err error) {
		err = r.inTx(ctx, func(tx storage.Tx) error {
			v, err = r.repo.Version(ctx, tx, ref)
			return err
		})
		return v, err
	}
}

func (r *Reader) inTx(ctx context.Context, fn func(storage.Tx) error) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type ListTree struct {
	domain.List
	Cards []domain.Card `json:"cards"`
}

type BoardTree struct {
	domain.Board
	Lists []ListTree `json:"lists"`
}

// BoardTree assembles a board with its lists and cards in display order.
// Children that disappeared since the board was cached are skipped.
func (r *Reader) BoardTree(ctx context.Context, p access.Principal, boardID string) (BoardTree, error) {
	agg, err := r.Get(ctx, p, domain.BoardRef(boardID))
	if err != nil {
		return BoardTree{}, err
	}
	tree := BoardTree{Board: agg.(domain.Board), Lists: []ListTree{}}
	for _, listID := range tree.ListIDs {
		agg, err := r.Get(ctx, p, domain.ListRef(listID))
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return BoardTree{}, err
		}
		lt := ListTree{List: agg.(domain.List), Cards: []domain.Card{}}
		for _, cardID := range lt.CardIDs {
			agg, err := r.Get(ctx, p, domain.CardRef(cardID))
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return BoardTree{}, err
			}
			lt.Cards = append(lt.Cards, agg.(domain.Card))
		}
		tree.Lists = append(tree.Lists, lt)
	}
	return tree, nil
}
