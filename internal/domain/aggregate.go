// Package domain holds the board, list and card aggregates and the pure
// mutation functions that transform them. Nothing here touches storage: every
// function takes the current state, the clock and any new ids as inputs and
// returns the next state plus the events it implies.
package domain

import (
	"slices"
	"strings"
	"time"
)

type Kind string

const (
	KindBoard Kind = "board"
	KindList  Kind = "list"
	KindCard  Kind = "card"
)

func (k Kind) Valid() bool {
	switch k {
	case KindBoard, KindList, KindCard:
		return true
	}
	return false
}

// Ref identifies one aggregate. It is the storage key and the cache key.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) String() string { return string(r.Kind) + ":" + r.ID }

func BoardRef(id string) Ref { return Ref{Kind: KindBoard, ID: id} }
func ListRef(id string) Ref  { return Ref{Kind: KindList, ID: id} }
func CardRef(id string) Ref  { return Ref{Kind: KindCard, ID: id} }

// Meta is the part shared by every aggregate. Version is only ever changed by
// the repository after a successful conditional write.
type Meta struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Version   int64     `json:"version"`
	Archived  bool      `json:"archived,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Aggregate is implemented by Board, List and Card only.
type Aggregate interface {
	Ref() Ref
	Header() Meta
	withHeader(Meta) Aggregate
}

type Board struct {
	Meta
	Title   string   `json:"title"`
	Color   string   `json:"color,omitempty"`
	ListIDs []string `json:"list_ids"`
}

func (b Board) Ref() Ref                    { return BoardRef(b.ID) }
func (b Board) Header() Meta                { return b.Meta }
func (b Board) withHeader(m Meta) Aggregate { b.Meta = m; return b }

type List struct {
	Meta
	BoardID string   `json:"board_id"`
	Title   string   `json:"title"`
	CardIDs []string `json:"card_ids"`
}

func (l List) Ref() Ref                    { return ListRef(l.ID) }
func (l List) Header() Meta                { return l.Meta }
func (l List) withHeader(m Meta) Aggregate { l.Meta = m; return l }

type Card struct {
	Meta
	BoardID     string     `json:"board_id"`
	ListID      string     `json:"list_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	DueAt       *time.Time `json:"due_at,omitempty"`
}

func (c Card) Ref() Ref                    { return CardRef(c.ID) }
func (c Card) Header() Meta                { return c.Meta }
func (c Card) withHeader(m Meta) Aggregate { c.Meta = m; return c }

// WithVersion returns a copy of agg stamped with version.
func WithVersion(agg Aggregate, version int64) Aggregate {
	m := agg.Header()
	m.Version = version
	return agg.withHeader(m)
}

// WithDeleted returns a copy of agg with the soft-delete flag set as given.
func WithDeleted(agg Aggregate, deleted bool) Aggregate {
	m := agg.Header()
	m.Deleted = deleted
	return agg.withHeader(m)
}

// Change is one aggregate state produced by a mutation. Created marks
// aggregates that do not exist in storage yet.
type Change struct {
	Aggregate Aggregate
	Created   bool
}

const maxTitleLen = 512

func cleanTitle(field, title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", invalid(field, "must not be empty")
	}
	if len(title) > maxTitleLen {
		return "", invalid(field, "too long")
	}
	return title, nil
}

func touch(m Meta, now time.Time) Meta {
	m.UpdatedAt = now.UTC()
	return m
}

func newMeta(id, tenantID string, now time.Time) (Meta, error) {
	if strings.TrimSpace(id) == "" {
		return Meta{}, invalid("id", "must not be empty")
	}
	if strings.TrimSpace(tenantID) == "" {
		return Meta{}, invalid("tenant_id", "must not be empty")
	}
	now = now.UTC()
	return Meta{ID: id, TenantID: tenantID, CreatedAt: now, UpdatedAt: now}, nil
}

func clampIndex(index, n int) int {
	if index < 0 {
		return 0
	}
	if index > n {
		return n
	}
	return index
}

func insertAt(ids []string, id string, index int) []string {
	out := slices.Clone(ids)
	return slices.Insert(out, clampIndex(index, len(out)), id)
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func isPermutation(current, proposed []string) bool {
	if len(current) != len(proposed) {
		return false
	}
	seen := make(map[string]int, len(current))
	for _, id := range current {
		seen[id]++
	}
	for _, id := range proposed {
		if seen[id] == 0 {
			return false
		}
		seen[id]--
	}
	return true
}
