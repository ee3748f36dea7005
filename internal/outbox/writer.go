// Package outbox records domain events in the mutating transaction and relays
// them to the task queue afterwards.
//
// Delivery is at least once. An event is enqueued before it is marked
// dispatched, so a crash between the two re-sends it and consumers must
// deduplicate on the event id.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trellocore/internal/domain"
	"trellocore/internal/storage"
)

// Writer appends events to the outbox inside the caller's transaction.
type Writer struct {
	now func() time.Time
}

func NewWriter(now func() time.Time) *Writer {
	if now == nil {
		now = time.Now
	}
	return &Writer{now: now}
}

// Record validates events and appends them as pending rows. Nothing is
// written if any event is invalid.
func (w *Writer) Record(ctx context.Context, tx storage.Tx, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := w.now().UTC()
	recs := make([]storage.OutboxRecord, 0, len(events))
	for _, ev := range events {
		if err := validate(ev); err != nil {
			return err
		}
		recs = append(recs, storage.OutboxRecord{
			ID:            ev.ID,
			Ref:           ev.Ref,
			TenantID:      ev.TenantID,
			EventType:     ev.Type,
			CausalVersion: ev.CausalVersion,
			Payload:       ev.Payload,
			OccurredAt:    ev.OccurredAt,
			Status:        storage.StatusPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return tx.AppendOutbox(ctx, recs...)
}

func validate(ev domain.Event) error {
	switch {
	case ev.ID == "":
		return fmt.Errorf("outbox: event without id: %w", domain.ErrValidation)
	case !ev.Type.Valid():
		return fmt.Errorf("outbox: unknown event type %q: %w", ev.Type, domain.ErrValidation)
	case ev.Type.Kind() != ev.Ref.Kind:
		return fmt.Errorf("outbox: %s emitted for %s: %w", ev.Type, ev.Ref, domain.ErrValidation)
	case ev.CausalVersion < 1:
		return fmt.Errorf("outbox: %s has causal version %d: %w", ev.ID, ev.CausalVersion, domain.ErrValidation)
	case ev.TenantID == "":
		return fmt.Errorf("outbox: %s has no tenant: %w", ev.ID, domain.ErrValidation)
	case !json.Valid(ev.Payload):
		return fmt.Errorf("outbox: %s payload is not valid json: %w", ev.ID, domain.ErrValidation)
	}
	return nil
}
