package domain

import (
	"slices"
	"time"
)

// NewList creates a list on b at position index of the board's list order.
// The returned board carries the new order; it changes without an event of
// its own.
func NewList(b Board, id, title string, index int, now time.Time) (Board, List, []Event, error) {
	if b.Archived || b.Deleted {
		return Board{}, List{}, nil, invalid("board", "cannot add lists to an archived board")
	}
	title, err := cleanTitle("title", title)
	if err != nil {
		return Board{}, List{}, nil, err
	}
	meta, err := newMeta(id, b.TenantID, now)
	if err != nil {
		return Board{}, List{}, nil, err
	}
	if slices.Contains(b.ListIDs, id) {
		return Board{}, List{}, nil, invalid("id", "list already on board")
	}
	l := List{Meta: meta, BoardID: b.ID, Title: title, CardIDs: []string{}}
	b.ListIDs = insertAt(b.ListIDs, id, index)
	b.Meta = touch(b.Meta, now)
	return b, l, []Event{newEvent(l, EventListCreated, map[string]any{"position": slices.Index(b.ListIDs, id)}, now)}, nil
}

func RenameList(l List, title string, now time.Time) (List, []Event, error) {
	if l.Archived {
		return List{}, nil, invalid("list", "archived")
	}
	title, err := cleanTitle("title", title)
	if err != nil {
		return List{}, nil, err
	}
	old := l.Title
	l.Title = title
	l.Meta = touch(l.Meta, now)
	return l, []Event{newEvent(l, EventListRenamed, map[string]any{"previous_title": old}, now)}, nil
}

// ReorderList sets the order of the cards in l.
func ReorderList(l List, cardIDs []string, now time.Time) (List, []Event, error) {
	if l.Archived {
		return List{}, nil, invalid("list", "archived")
	}
	if !isPermutation(l.CardIDs, cardIDs) {
		return List{}, nil, invalid("card_ids", "must be a permutation of the list's cards")
	}
	l.CardIDs = slices.Clone(cardIDs)
	l.Meta = touch(l.Meta, now)
	return l, []Event{newEvent(l, EventListReordered, nil, now)}, nil
}

func ArchiveList(l List, now time.Time) (List, []Event, error) {
	if l.Archived {
		return List{}, nil, invalid("list", "already archived")
	}
	l.Archived = true
	l.Meta = touch(l.Meta, now)
	return l, []Event{newEvent(l, EventListArchived, nil, now)}, nil
}

// DeleteList soft-deletes l and its cards and drops l from the board order.
func DeleteList(b Board, l List, cards []Card, now time.Time) ([]Change, []Event, error) {
	if l.BoardID != b.ID {
		return nil, nil, invalid("list", "does not belong to board")
	}
	for _, c := range cards {
		if c.ListID != l.ID {
			return nil, nil, invalid("cards", "card "+c.ID+" does not belong to list")
		}
	}

	changes := make([]Change, 0, 2+len(cards))
	events := make([]Event, 0, 1+len(cards))

	l.Deleted = true
	l.Meta = touch(l.Meta, now)
	changes = append(changes, Change{Aggregate: l})
	events = append(events, newEvent(l, EventListDeleted, nil, now))

	for _, c := range cards {
		c.Deleted = true
		c.Meta = touch(c.Meta, now)
		changes = append(changes, Change{Aggregate: c})
		events = append(events, newEvent(c, EventCardDeleted, map[string]any{"cascade_from": l.Ref()}, now))
	}

	if slices.Contains(b.ListIDs, l.ID) {
		b.ListIDs = removeID(b.ListIDs, l.ID)
		b.Meta = touch(b.Meta, now)
		changes = append(changes, Change{Aggregate: b})
	}
	return changes, events, nil
}
