package domain

import (
	"slices"
	"time"
)

func NewBoard(id, tenantID, title, color string, now time.Time) (Board, []Event, error) {
	title, err := cleanTitle("title", title)
	if err != nil {
		return Board{}, nil, err
	}
	meta, err := newMeta(id, tenantID, now)
	if err != nil {
		return Board{}, nil, err
	}
	b := Board{Meta: meta, Title: title, Color: color, ListIDs: []string{}}
	return b, []Event{newEvent(b, EventBoardCreated, nil, now)}, nil
}

func RenameBoard(b Board, title string, now time.Time) (Board, []Event, error) {
	if b.Archived {
		return Board{}, nil, invalid("board", "archived")
	}
	title, err := cleanTitle("title", title)
	if err != nil {
		return Board{}, nil, err
	}
	old := b.Title
	b.Title = title
	b.Meta = touch(b.Meta, now)
	return b, []Event{newEvent(b, EventBoardRenamed, map[string]any{"previous_title": old}, now)}, nil
}

// ReorderBoard sets the order of the board's lists. listIDs must contain
// exactly the lists the board already owns.
func ReorderBoard(b Board, listIDs []string, now time.Time) (Board, []Event, error) {
	if b.Archived {
		return Board{}, nil, invalid("board", "archived")
	}
	if !isPermutation(b.ListIDs, listIDs) {
		return Board{}, nil, invalid("list_ids", "must be a permutation of the board's lists")
	}
	b.ListIDs = slices.Clone(listIDs)
	b.Meta = touch(b.Meta, now)
	return b, []Event{newEvent(b, EventBoardReordered, nil, now)}, nil
}

func ArchiveBoard(b Board, now time.Time) (Board, []Event, error) {
	if b.Archived {
		return Board{}, nil, invalid("board", "already archived")
	}
	b.Archived = true
	b.Meta = touch(b.Meta, now)
	return b, []Event{newEvent(b, EventBoardArchived, nil, now)}, nil
}

// DeleteBoard soft-deletes the board together with the given lists and cards.
// The result is a flat set of changes, one per aggregate, each with its own
// deleted event.
func DeleteBoard(b Board, lists []List, cards []Card, now time.Time) ([]Change, []Event, error) {
	owned := make(map[string]bool, len(lists))
	for _, l := range lists {
		if l.BoardID != b.ID {
			return nil, nil, invalid("lists", "list "+l.ID+" does not belong to board")
		}
		owned[l.ID] = true
	}
	for _, c := range cards {
		if !owned[c.ListID] {
			return nil, nil, invalid("cards", "card "+c.ID+" does not belong to a deleted list")
		}
	}

	changes := make([]Change, 0, 1+len(lists)+len(cards))
	events := make([]Event, 0, cap(changes))

	b.Deleted = true
	b.Meta = touch(b.Meta, now)
	changes = append(changes, Change{Aggregate: b})
	events = append(events, newEvent(b, EventBoardDeleted, nil, now))

	for _, l := range lists {
		l.Deleted = true
		l.Meta = touch(l.Meta, now)
		changes = append(changes, Change{Aggregate: l})
		events = append(events, newEvent(l, EventListDeleted, map[string]any{"cascade_from": b.Ref()}, now))
	}
	for _, c := range cards {
		c.Deleted = true
		c.Meta = touch(c.Meta, now)
		changes = append(changes, Change{Aggregate: c})
		events = append(events, newEvent(c, EventCardDeleted, map[string]any{"cascade_from": b.Ref()}, now))
	}
	return changes, events, nil
}
