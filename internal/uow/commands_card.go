package uow

import (
	"context"

	"trellocore/internal/access"
	"trellocore/internal/domain"
)

// CreateCard adds a card to a list. A nil Position appends it.
type CreateCard struct {
	Actor
	ListID      string
	Title       string
	Description string
	Position    *int
}

func (CreateCard) Name() string { return "create_card" }

func (c CreateCard) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	l, err := s.List(ctx, c.ListID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	l, card, events, err := domain.NewCard(l, s.NewID(), c.Title, c.Description, position(c.Position, len(l.CardIDs)), s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	changes := []domain.Change{{Aggregate: card, Created: true}, {Aggregate: l}}
	return card.Ref(), s.Apply(ctx, changes, events)
}

type UpdateCard struct {
	Actor
	CardID string
	Patch  domain.CardPatch
}

func (UpdateCard) Name() string { return "update_card" }

func (c UpdateCard) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	card, err := s.Card(ctx, c.CardID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	card, events, err := domain.UpdateCard(card, c.Patch, s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	return card.Ref(), s.Apply(ctx, []domain.Change{{Aggregate: card}}, events)
}

// MoveCard moves a card to ToListID, possibly on another board of the same
// tenant. The card and both lists are saved in one transaction.
type MoveCard struct {
	Actor
	CardID   string
	ToListID string
	Position *int
}

func (MoveCard) Name() string { return "move_card" }

func (c MoveCard) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	card, err := s.Card(ctx, c.CardID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	from, err := s.List(ctx, card.ListID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	to := from
	if c.ToListID != from.ID {
		if to, err = s.List(ctx, c.ToListID, access.ActionWrite); err != nil {
			return domain.Ref{}, err
		}
	}
	n := len(to.CardIDs)
	if to.ID == from.ID {
		n--
	}
	card, lists, events, err := domain.MoveCard(card, from, to, position(c.Position, n), s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	changes := []domain.Change{{Aggregate: card}}
	for _, l := range lists {
		changes = append(changes, domain.Change{Aggregate: l})
	}
	return card.Ref(), s.Apply(ctx, changes, events)
}

type ArchiveCard struct {
	Actor
	CardID string
}

func (ArchiveCard) Name() string { return "archive_card" }

func (c ArchiveCard) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	card, err := s.Card(ctx, c.CardID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	card, events, err := domain.ArchiveCard(card, s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	return card.Ref(), s.Apply(ctx, []domain.Change{{Aggregate: card}}, events)
}

type DeleteCard struct {
	Actor
	CardID string
}

func (DeleteCard) Name() string { return "delete_card" }

func (c DeleteCard) Run(ctx context.Context, s *Session) (domain.Ref, error) {
	card, err := s.Card(ctx, c.CardID, access.ActionDelete)
	if err != nil {
		return domain.Ref{}, err
	}
	l, err := s.List(ctx, card.ListID, access.ActionWrite)
	if err != nil {
		return domain.Ref{}, err
	}
	changes, events, err := domain.DeleteCard(l, card, s.Now())
	if err != nil {
		return domain.Ref{}, err
	}
	return card.Ref(), s.Apply(ctx, changes, events)
}
