package uow

import (
	"context"

	"trellocore/internal/access"
	"trellocore/internal/domain"
)

// CreateList adds a list to a board. A nil Position appends it.
type CreateList struct {
	Actor
	BoardID  string
	Title    string
	Position *int
}

func (CreateList) Name() string { return "create_list" }

func (c CreateList) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	b, err := s.Board(ctx, c.BoardID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	b, l, events, err := domain.NewList(b, s.NewID(), c.Title, position(c.Position, len(b.ListIDs)), s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	changes := []domain.Change{{Aggregate: l, Created: true}, {Aggregate: b}}
	return l.Ref(), s.Apply(ctx, changes, events)
}

type RenameList struct {
	Actor
	ListID string
	Title  string
}

func (RenameList) Name() string { return "rename_list" }

func (c RenameList) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	l, err := s.List(ctx, c.ListID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	l, events, err := domain.RenameList(l, c.Title, s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	return l.Ref(), s.Apply(ctx, []domain.Change{{Aggregate: l}}, events)
}

type ReorderList struct {
	Actor
	ListID  string
	CardIDs []string
}

func (ReorderList) Name() string { return "reorder_list" }

func (c ReorderList) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	l, err := s.List(ctx, c.ListID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	l, events, err := domain.ReorderList(l, c.CardIDs, s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	return l.Ref(), s.Apply(ctx, []domain.Change{{Aggregate: l}}, events)
}

type ArchiveList struct {
	Actor
	ListID string
}

func (ArchiveList) Name() string { return "archive_list" }

func (c ArchiveList) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	l, err := s.List(ctx, c.ListID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	l, events, err := domain.ArchiveList(l, s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	return l.Ref(), s.Apply(ctx, []domain.Change{{Aggregate: l}}, events)
}

// DeleteList soft-deletes the list and its cards and drops it from the board.
type DeleteList struct {
	Actor
	ListID string
}

func (DeleteList) Name() string { return "delete_list" }

func (c DeleteList) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	l, err := s.List(ctx, c.ListID, access.ActionDelete)
	if err != nil {
		return domain.Ref{}, err
	}
	b, err := s.Board(ctx, l.BoardID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	cards, err := loadCards(ctx, s, l, access.ActionDelete)
	if err != nil {
		return domain.Ref{}, err
	}
	changes, events, err := domain.DeleteList(b, l, cards, s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	return l.Ref(), s.Apply(ctx, changes, events)
}
