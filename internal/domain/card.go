package domain

import (
	"slices"
	"strings"
	"time"
)

const maxDescriptionLen = 16 << 10

// NewCard creates a card in l at position index.
func NewCard(l List, id, title, description string, index int, now time.Time) (List, Card, []Event, error) {
	if l.Archived || l.Deleted {
		return List{}, Card{}, nil, invalid("list", "cannot add cards to an archived list")
	}
	title, err := cleanTitle("title", title)
	if err != nil {
		return List{}, Card{}, nil, err
	}
	if len(description) > maxDescriptionLen {
		return List{}, Card{}, nil, invalid("description", "too long")
	}
	meta, err := newMeta(id, l.TenantID, now)
	if err != nil {
		return List{}, Card{}, nil, err
	}
	if slices.Contains(l.CardIDs, id) {
		return List{}, Card{}, nil, invalid("id", "card already in list")
	}
	c := Card{Meta: meta, BoardID: l.BoardID, ListID: l.ID, Title: title, Description: description}
	l.CardIDs = insertAt(l.CardIDs, id, index)
	l.Meta = touch(l.Meta, now)
	return l, c, []Event{newEvent(c, EventCardCreated, map[string]any{"position": slices.Index(l.CardIDs, id)}, now)}, nil
}

// CardPatch lists the card fields to change. Nil fields are left as they are.
// ClearDue removes the due date and wins over DueAt.
type CardPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	ClearDue    bool       `json:"clear_due,omitempty"`
}

func (p CardPatch) empty() bool {
	return p.Title == nil && p.Description == nil && p.DueAt == nil && !p.ClearDue
}

func UpdateCard(c Card, p CardPatch, now time.Time) (Card, []Event, error) {
	if c.Archived {
		return Card{}, nil, invalid("card", "archived")
	}
	if p.empty() {
		return Card{}, nil, invalid("patch", "no fields to update")
	}
	var fields []string
	if p.Title != nil {
		title, err := cleanTitle("title", *p.Title)
		if err != nil {
			return Card{}, nil, err
		}
		c.Title = title
		fields = append(fields, "title")
	}
	if p.Description != nil {
		if len(*p.Description) > maxDescriptionLen {
			return Card{}, nil, invalid("description", "too long")
		}
		c.Description = strings.TrimSpace(*p.Description)
		fields = append(fields, "description")
	}
	switch {
	case p.ClearDue:
		c.DueAt = nil
		fields = append(fields, "due_at")
	case p.DueAt != nil:
		due := p.DueAt.UTC()
		c.DueAt = &due
		fields = append(fields, "due_at")
	}
	c.Meta = touch(c.Meta, now)
	return c, []Event{newEvent(c, EventCardUpdated, map[string]any{"fields": fields}, now)}, nil
}

// MoveCard moves c from list from to list to at position index. When from and
// to are the same list the card is repositioned and one list is returned;
// otherwise both lists are returned, source first. Moving across boards is
// allowed inside one tenant.
func MoveCard(c Card, from, to List, index int, now time.Time) (Card, []List, []Event, error) {
	if c.Archived {
		return Card{}, nil, nil, invalid("card", "archived")
	}
	if c.ListID != from.ID || !slices.Contains(from.CardIDs, c.ID) {
		return Card{}, nil, nil, invalid("from_list_id", "card is not in the source list")
	}
	if to.Archived || to.Deleted {
		return Card{}, nil, nil, invalid("to_list_id", "target list is archived")
	}
	if to.TenantID != c.TenantID {
		return Card{}, nil, nil, invalid("to_list_id", "target list belongs to another tenant")
	}

	details := map[string]any{
		"from_list_id":  from.ID,
		"to_list_id":    to.ID,
		"from_board_id": c.BoardID,
		"to_board_id":   to.BoardID,
	}

	if from.ID == to.ID {
		ids := removeID(from.CardIDs, c.ID)
		from.CardIDs = insertAt(ids, c.ID, index)
		from.Meta = touch(from.Meta, now)
		c.Meta = touch(c.Meta, now)
		details["position"] = slices.Index(from.CardIDs, c.ID)
		return c, []List{from}, []Event{newEvent(c, EventCardMoved, details, now)}, nil
	}

	from.CardIDs = removeID(from.CardIDs, c.ID)
	from.Meta = touch(from.Meta, now)
	to.CardIDs = insertAt(to.CardIDs, c.ID, index)
	to.Meta = touch(to.Meta, now)

	c.ListID = to.ID
	c.BoardID = to.BoardID
	c.Meta = touch(c.Meta, now)
	details["position"] = slices.Index(to.CardIDs, c.ID)
	return c, []List{from, to}, []Event{newEvent(c, EventCardMoved, details, now)}, nil
}

func ArchiveCard(c Card, now time.Time) (Card, []Event, error) {
	if c.Archived {
		return Card{}, nil, invalid("card", "already archived")
	}
	c.Archived = true
	c.Meta = touch(c.Meta, now)
	return c, []Event{newEvent(c, EventCardArchived, nil, now)}, nil
}

// DeleteCard soft-deletes c and drops it from its list.
func DeleteCard(l List, c Card, now time.Time) ([]Change, []Event, error) {
	if c.ListID != l.ID {
		return nil, nil, invalid("card", "does not belong to list")
	}
	c.Deleted = true
	c.Meta = touch(c.Meta, now)
	changes := []Change{{Aggregate: c}}
	events := []Event{newEvent(c, EventCardDeleted, nil, now)}
	if slices.Contains(l.CardIDs, c.ID) {
		l.CardIDs = removeID(l.CardIDs, c.ID)
		l.Meta = touch(l.Meta, now)
		changes = append(changes, Change{Aggregate: l})
	}
	return changes, events, nil
}
