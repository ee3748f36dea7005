package uow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trellocore/internal/access"
	"trellocore/internal/domain"
	"trellocore/internal/storage"
)

// Session is what a command sees of the running attempt. It is not safe for
// concurrent use.
type Session struct {
	exec      *Executor
	tx        storage.Tx
	command   string
	attempt   int
	principal access.Principal
	now       time.Time

	// loaded holds the version each aggregate was read at; saves are
	// conditional on it.
	loaded     map[domain.Ref]int64
	staged     map[domain.Ref]domain.Change
	order      []domain.Ref
	events     []domain.Event
	loadedSeen bool
	ids        *idSource
}

func newSession(e *Executor, tx storage.Tx, cmd Command, attempt int, ids *idSource) *Session {
	return &Session{
		exec:      e,
		ids:       ids,
		tx:        tx,
		command:   cmd.Name(),
		attempt:   attempt,
		principal: cmd.Principal(),
		now:       e.now().UTC(),
		loaded:    make(map[domain.Ref]int64),
		staged:    make(map[domain.Ref]domain.Change),
	}
}

func (s *Session) Principal() access.Principal { return s.principal }

// Now is fixed for the whole attempt.
func (s *Session) Now() time.Time { return s.now }

// NewID returns the next new aggregate id. Retried attempts get the same ids
// in the same order.
func (s *Session) NewID() string { return s.ids.take() }

// Load reads ref from storage, never from the cache, and checks that the
// principal may perform action on it. Aggregates already staged in this
// session are returned as staged.
func (s *Session) Load(ctx context.Context, ref domain.Ref, action access.Action) (domain.Aggregate, error) {
	if ch, ok := s.staged[ref]; ok {
		return ch.Aggregate, nil
	}
	agg, err := s.exec.repo.Load(ctx, s.tx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.exec.checker.Check(ctx, s.principal, action, agg); err != nil {
		return nil, err
	}
	if _, ok := s.loaded[ref]; !ok {
		s.loaded[ref] = agg.Header().Version
	}
	if !s.loadedSeen {
		s.loadedSeen = true
		s.observe(ctx, StateLoaded)
	}
	return agg, nil
}

// LoadIfPresent is Load that reports a missing or deleted aggregate as
// ok=false instead of an error.
func (s *Session) LoadIfPresent(ctx context.Context, ref domain.Ref, action access.Action) (domain.Aggregate, bool, error) {
	agg, err := s.Load(ctx, ref, action)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return agg, true, nil
}

func (s *Session) Board(ctx context.Context, id string, action access.Action) (domain.Board, error) {
	agg, err := s.Load(ctx, domain.BoardRef(id), action)
	if err != nil {
		return domain.Board{}, err
	}
	return agg.(domain.Board), nil
}

func (s *Session) List(ctx context.Context, id string, action access.Action) (domain.List, error) {
	agg, err := s.Load(ctx, domain.ListRef(id), action)
	if err != nil {
		return domain.List{}, err
	}
	return agg.(domain.List), nil
}

func (s *Session) Card(ctx context.Context, id string, action access.Action) (domain.Card, error) {
	agg, err := s.Load(ctx, domain.CardRef(id), action)
	if err != nil {
		return domain.Card{}, err
	}
	return agg.(domain.Card), nil
}

// Stage records changes to be saved at commit. Existing aggregates must have
// been loaded in this session; new ones are access checked here.
func (s *Session) Stage(ctx context.Context, changes ...domain.Change) error {
	for _, ch := range changes {
		ref := ch.Aggregate.Ref()
		if ch.Created {
			if err := s.exec.checker.Check(ctx, s.principal, access.ActionWrite, ch.Aggregate); err != nil {
				return err
			}
		} else if _, ok := s.loaded[ref]; !ok {
			return fmt.Errorf("%s staged without being loaded", ref)
		}
		if _, ok := s.staged[ref]; !ok {
			s.order = append(s.order, ref)
		}
		if prev, ok := s.staged[ref]; ok && prev.Created {
			ch.Created = true
		}
		s.staged[ref] = ch
	}
	return nil
}

// Emit queues events for the outbox.
func (s *Session) Emit(events ...domain.Event) {
	s.events = append(s.events, events...)
}

// Apply stages changes and emits events in one step.
func (s *Session) Apply(ctx context.Context, changes []domain.Change, events []domain.Event) error {
	if err := s.Stage(ctx, changes...); err != nil {
		return err
	}
	s.Emit(events...)
	return nil
}

func (s *Session) persist(ctx context.Context) ([]Saved, error) {
	saved := make([]Saved, 0, len(s.order))
	for _, ref := range s.order {
		ch := s.staged[ref]
		var (
			v   int64
			err error
		)
		if ch.Created {
			v, err = s.exec.repo.Create(ctx, s.tx, ch.Aggregate)
		} else {
			v, err = s.exec.repo.Save(ctx, s.tx, ch.Aggregate, s.loaded[ref])
		}
		if err != nil {
			return nil, err
		}
		saved = append(saved, Saved{Ref: ref, Version: v})
	}
	return saved, nil
}

func (s *Session) observe(ctx context.Context, st State) {
	if s.exec.observer != nil {
		s.exec.observer(ctx, s.command, s.attempt, st)
	}
}
