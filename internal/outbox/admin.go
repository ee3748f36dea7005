package outbox

import (
	"context"
	"errors"
	"time"

	"trellocore/internal/logger"
	"trellocore/internal/storage"
)

// Admin is the operator surface of the outbox. It works on the store alone,
// so an API process serves it whether or not it runs the relay.
type Admin struct {
	store     storage.Outbox
	retention time.Duration
	now       func() time.Time
	log       *logger.Logger
}

// NewAdmin returns an Admin over store. Prune keeps dispatched events for
// retention; zero keeps them forever.
func NewAdmin(store storage.Outbox, retention time.Duration, log *logger.Logger) (*Admin, error) {
	if store == nil {
		return nil, errors.New("outbox admin: store is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Admin{store: store, retention: retention, now: time.Now, log: log.With("component", "outbox_admin")}, nil
}

func (a *Admin) Stats(ctx context.Context) (storage.OutboxStats, error) {
	return a.store.Stats(ctx)
}

// Requeue makes a failed event pending again with its attempt count reset.
func (a *Admin) Requeue(ctx context.Context, id string) error {
	if err := a.store.Requeue(ctx, id, a.now().UTC()); err != nil {
		return err
	}
	a.log.Info("failed event requeued", "event_id", id)
	return nil
}

// Prune removes dispatched events older than the retention. It does nothing
// when retention is zero.
func (a *Admin) Prune(ctx context.Context) (int64, error) {
	if a.retention <= 0 {
		return 0, nil
	}
	n, err := a.store.Prune(ctx, a.now().UTC().Add(-a.retention))
	if err != nil {
		a.log.Warn("prune outbox failed", "error", err)
		return 0, err
	}
	if n > 0 {
		a.log.Info("pruned dispatched events", "count", n)
	}
	return n, nil
}
