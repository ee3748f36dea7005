package uow

import (
	"context"

	"trellocore/internal/access"
	"trellocore/internal/domain"
)

// Actor carries the principal a command runs as.
type Actor struct {
	By access.Principal
}

func (a Actor) Principal() access.Principal { return a.By }

func position(p *int, n int) int {
	if p == nil {
		return n
	}
	return *p
}

type CreateBoard struct {
	Actor
	Title string
	Color string
}

func (CreateBoard) Name() string { return "create_board" }

func (c CreateBoard) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	b, events, err := domain.NewBoard(s.NewID(), c.By.TenantID, c.Title, c.Color, s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	return b.Ref(), s.Apply(ctx, []domain.Change{{Aggregate: b, Created: true}}, events)
}

type RenameBoard struct {
	Actor
	BoardID string
	Title   string
}

func (RenameBoard) Name() string { return "rename_board" }

func (c RenameBoard) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	b, err := s.Board(ctx, c.BoardID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	b, events, err := domain.RenameBoard(b, c.Title, s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	return b.Ref(), s.Apply(ctx, []domain.Change{{Aggregate: b}}, events)
}

// ReorderBoard replaces the list order; ListIDs must be a permutation of the
// board's lists.
type ReorderBoard struct {
	Actor
	BoardID string
	ListIDs []string
}

func (ReorderBoard) Name() string { return "reorder_board" }

func (c ReorderBoard) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	b, err := s.Board(ctx, c.BoardID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	b, events, err := domain.ReorderBoard(b, c.ListIDs, s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	return b.Ref(), s.Apply(ctx, []domain.Change{{Aggregate: b}}, events)
}

type ArchiveBoard struct {
	Actor
	BoardID string
}

func (ArchiveBoard) Name() string { return "archive_board" }

func (c ArchiveBoard) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	b, err := s.Board(ctx, c.BoardID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	b, events, err := domain.ArchiveBoard(b, s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	return b.Ref(), s.Apply(ctx, []domain.Change{{Aggregate: b}}, events)
}

// DeleteBoard soft-deletes the board and everything under it in one
// transaction. Lists or cards already gone are skipped.
type DeleteBoard struct {
	Actor
	BoardID string
}

func (DeleteBoard) Name() string { return "delete_board" }

func (c DeleteBoard) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	b, err := s.Board(ctx, c.BoardID, access.ActionDelete)
	if err != nil {
		return domain.Ref{}, err
	}
	var (
		lists []domain.List
		cards []domain.Card
	)
	for _, id := range b.ListIDs {
		agg, ok, err := s.LoadIfPresent(ctx, domain.ListRef(id), access.ActionDelete)
		if err != nil {
			return domain.Ref{}, err
		}
		if !ok {
			continue
		}
		l := agg.(domain.List)
		lists = append(lists, l)
		more, err := loadCards(ctx, s, l, access.ActionDelete)
		if err != nil {
			return domain.Ref{}, err
		}
		cards = append(cards, more...)
	}
	changes, events, err := domain.DeleteBoard(b, lists, cards, s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	return b.Ref(), s.Apply(ctx, changes, events)
}

// loadCards loads the cards of l that still exist and still belong to it.
func loadCards(ctx context.Context, s *Session, l domain.List, action access.Action) ([]domain.Card, error) {
	var cards []domain.Card
	for _, id := range l.CardIDs {
		agg, ok, err := s.LoadIfPresent(ctx, domain.CardRef(id), action)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if c := agg.(domain.Card); c.ListID == l.ID {
			cards = append(cards, c)
		}
	}
	return cards, nil
}
