package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventBoardCreated   EventType = "board.created"
	EventBoardRenamed   EventType = "board.renamed"
	EventBoardReordered EventType = "board.reordered"
	EventBoardArchived  EventType = "board.archived"
	EventBoardDeleted   EventType = "board.deleted"

	EventListCreated   EventType = "list.created"
	EventListRenamed   EventType = "list.renamed"
	EventListReordered EventType = "list.reordered"
	EventListArchived  EventType = "list.archived"
	EventListDeleted   EventType = "list.deleted"

	EventCardCreated  EventType = "card.created"
	EventCardUpdated  EventType = "card.updated"
	EventCardMoved    EventType = "card.moved"
	EventCardArchived EventType = "card.archived"
	EventCardDeleted  EventType = "card.deleted"
)

var eventTypes = map[EventType]Kind{
	EventBoardCreated:   KindBoard,
	EventBoardRenamed:   KindBoard,
	EventBoardReordered: KindBoard,
	EventBoardArchived:  KindBoard,
	EventBoardDeleted:   KindBoard,
	EventListCreated:    KindList,
	EventListRenamed:    KindList,
	EventListReordered:  KindList,
	EventListArchived:   KindList,
	EventListDeleted:    KindList,
	EventCardCreated:    KindCard,
	EventCardUpdated:    KindCard,
	EventCardMoved:      KindCard,
	EventCardArchived:   KindCard,
	EventCardDeleted:    KindCard,
}

// Valid reports whether t belongs to the closed event set.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// Kind returns the aggregate kind the event type is emitted for.
func (t EventType) Kind() Kind { return eventTypes[t] }

// Event is a fact produced by a mutation. CausalVersion is the aggregate
// version the mutation results in once persisted.
type Event struct {
	ID            string          `json:"id"`
	Ref           Ref             `json:"ref"`
	TenantID      string          `json:"tenant_id"`
	Type          EventType       `json:"type"`
	CausalVersion int64           `json:"causal_version"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

var eventNamespace = uuid.MustParse("5b0c1a38-2d7e-4f7c-9a55-3e1f0b6d8c21")

// EventID derives the event id from the aggregate, the causal version and the
// type, so a retried mutation that reaches the same version yields the same id.
func EventID(ref Ref, causalVersion int64, typ EventType) string {
	name := ref.String() + "@" + strconv.FormatInt(causalVersion, 10) + "#" + string(typ)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

type eventPayload struct {
	Snapshot Aggregate      `json:"snapshot"`
	Details  map[string]any `json:"details,omitempty"`
}

func newEvent(agg Aggregate, typ EventType, details map[string]any, now time.Time) Event {
	m := agg.Header()
	causal := m.Version + 1
	snapshot := WithVersion(agg, causal)
	data, _ := json.Marshal(eventPayload{Snapshot: snapshot, Details: details})
	return Event{
		ID:            EventID(agg.Ref(), causal, typ),
		Ref:           agg.Ref(),
		TenantID:      m.TenantID,
		Type:          typ,
		CausalVersion: causal,
		Payload:       data,
		OccurredAt:    now.UTC(),
	}
}
