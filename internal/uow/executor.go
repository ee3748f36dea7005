// Package uow runs board, list and card commands as units of work.
//
// One attempt loads every aggregate it touches from storage inside a single
// transaction, applies the pure domain mutation, saves each touched aggregate
// conditionally on the version it loaded, records the resulting events in the
// outbox and commits. Cache entries are invalidated after the commit. A
// version conflict rolls the attempt back and re-runs the command from a
// fresh load.
package uow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trellocore/internal/access"
	"trellocore/internal/cache"
	"trellocore/internal/domain"
	"trellocore/internal/logger"
	"trellocore/internal/outbox"
	"trellocore/internal/repository"
	"trellocore/internal/storage"
)

var tracer = otel.Tracer("trellocore/internal/uow")

type Config struct {
	// MaxAttempts bounds the number of attempts after version conflicts.
	MaxAttempts int
	// StorageRetries bounds the tries of one attempt while storage is
	// unavailable.
	StorageRetries    int
	StorageBackoff    time.Duration
	InvalidateTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		StorageRetries:    3,
		StorageBackoff:    100 * time.Millisecond,
		InvalidateTimeout: 2 * time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.StorageRetries < 1 {
		c.StorageRetries = d.StorageRetries
	}
	if c.StorageBackoff <= 0 {
		c.StorageBackoff = d.StorageBackoff
	}
	if c.InvalidateTimeout <= 0 {
		c.InvalidateTimeout = d.InvalidateTimeout
	}
}

// Command is one mutation request. Run loads what it needs through the
// session, stages the changed aggregates and emits their events, and returns
// the aggregate the caller asked about.
type Command interface {
	Name() string
	Principal() access.Principal
	Run(ctx context.Context, s *Session) (domain.Ref, error)
}

// Saved is an aggregate as committed.
type Saved struct {
	Ref     domain.Ref
	Version int64
}

type Result struct {
	// Aggregate is the command's target at its committed version.
	Aggregate domain.Aggregate
	Version   int64
	Changed   []Saved
	Events    []domain.Event
	Attempts  int
	// InvalidationFailed counts cache entries that could not be invalidated.
	InvalidationFailed int
}

type Executor struct {
	store    storage.Store
	repo     *repository.Repository
	writer   *outbox.Writer
	cache    *cache.Coordinator
	checker  access.Checker
	cfg      Config
	log      *logger.Logger
	observer Observer
	now      func() time.Time
	newID    func() string
}

type Option func(*Executor)

func WithChecker(c access.Checker) Option { return func(e *Executor) { e.checker = c } }

func WithObserver(o Observer) Option { return func(e *Executor) { e.observer = o } }

func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// WithIDs replaces the uuid generator used for new aggregates.
func WithIDs(fn func() string) Option { return func(e *Executor) { e.newID = fn } }

// NewExecutor builds an executor. A nil cache coordinator disables
// invalidation; a nil checker means access.TenantChecker.
func NewExecutor(store storage.Store, c *cache.Coordinator, cfg Config, log *logger.Logger, opts ...Option) *Executor {
	cfg.normalize()
	if log == nil {
		log = logger.Nop()
	}
	if c == nil {
		c = cache.New(nil, 0, log)
	}
	e := &Executor{
		store:   store,
		repo:    repository.New(),
		cache:   c,
		checker: access.TenantChecker{},
		cfg:     cfg,
		log:     log.With("component", "uow"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.writer = outbox.NewWriter(e.now)
	return e
}

// Execute runs cmd to completion. Conflicts are retried with a fresh load up
// to MaxAttempts; unavailable storage is retried with exponential backoff.
// Every other error aborts at once, leaving storage, outbox and cache as they
// were.
func (e *Executor) Execute(ctx context.Context, cmd Command) (Result, error) {
	ctx, span := tracer.Start(ctx, "uow.Execute", trace.WithAttributes(attribute.String("command", cmd.Name())))
	defer span.End()

	var (
		res Result
		err error
	)
	ids := &idSource{gen: e.newID}
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		res, err = e.runWithStorageRetry(ctx, cmd, attempt, ids)
		res.Attempts = attempt
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return res, nil
		}
		if !errors.Is(err, domain.ErrConflict) || ctx.Err() != nil {
			break
		}
		e.log.Debug("version conflict, retrying", "command", cmd.Name(), "attempt", attempt, "error", err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, domain.ErrConflict) {
		e.log.Warn("command gave up after conflicts", "command", cmd.Name(), "attempts", res.Attempts)
	}
	return res, err
}

// runWithStorageRetry repeats an attempt while storage is unavailable. A
// commit whose outcome is unknown is never repeated.
func (e *Executor) runWithStorageRetry(ctx context.Context, cmd Command, attempt int, ids *idSource) (Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.StorageBackoff
	op := func() (Result, error) {
		ids.rewind()
		res, err := e.attempt(ctx, cmd, attempt, ids)
		if err != nil && (!errors.Is(err, domain.ErrStorageUnavailable) || errors.Is(err, storage.ErrCommitUnknown)) {
			return res, backoff.Permanent(err)
		}
		if err != nil {
			e.log.Warn("storage unavailable", "command", cmd.Name(), "attempt", attempt, "error", err)
		}
		return res, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.StorageRetries)),
	)
}

func (e *Executor) attempt(ctx context.Context, cmd Command, attempt int, ids *idSource) (res Result, err error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin: %w", err)
	}
	s := newSession(e, tx, cmd, attempt, ids)
	s.observe(ctx, StateStarted)

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			e.log.Warn("rollback failed", "command", cmd.Name(), "error", rbErr)
		}
		s.observe(ctx, StateAborted)
	}()

	target, err := cmd.Run(ctx, s)
	if err != nil {
		return Result{}, err
	}
	if !s.loadedSeen {
		s.observe(ctx, StateLoaded)
	}
	if len(s.order) == 0 {
		return Result{}, fmt.Errorf("%s changed nothing: %w", cmd.Name(), domain.ErrValidation)
	}
	s.observe(ctx, StateMutated)

	saved, err := s.persist(ctx)
	if err != nil {
		return Result{}, err
	}
	s.observe(ctx, StatePersisted)

	if err := e.writer.Record(ctx, tx, s.events); err != nil {
		return Result{}, err
	}
	s.observe(ctx, StateEventsRecorded)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		if errors.Is(err, domain.ErrStorageUnavailable) && !errors.Is(err, storage.ErrNotCommitted) {
			e.forget(ctx, s.order)
			e.log.Error("commit outcome unknown", "command", cmd.Name(), "error", err)
			return Result{}, fmt.Errorf("%s: %w: %w", cmd.Name(), storage.ErrCommitUnknown, err)
		}
		return Result{}, fmt.Errorf("commit: %w", err)
	}
	committed = true
	s.observe(ctx, StateCommitted)

	res = Result{Changed: saved, Events: s.events}
	res.InvalidationFailed = e.invalidate(ctx, saved)
	s.observe(ctx, StateCacheInvalidated)

	for _, sv := range saved {
		if sv.Ref == target {
			res.Aggregate = domain.WithVersion(s.staged[target].Aggregate, sv.Version)
			res.Version = sv.Version
		}
	}
	return res, nil
}

// forget drops the cached entries of refs whose commit may or may not have
// been applied.
func (e *Executor) forget(ctx context.Context, refs []domain.Ref) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.InvalidateTimeout)
	defer cancel()
	for _, ref := range refs {
		_ = e.cache.Invalidate(ctx, ref)
	}
}

// idSource hands out new aggregate ids. Every attempt of one execution sees
// the same sequence.
type idSource struct {
	gen  func() string
	ids  []string
	next int
}

func (s *idSource) rewind() { s.next = 0 }

func (s *idSource) take() string {
	if s.next == len(s.ids) {
		s.ids = append(s.ids, s.gen())
	}
	id := s.ids[s.next]
	s.next++
	return id
}

// invalidate runs detached from the caller's cancellation so a client that
// goes away after the commit cannot leave a stale entry behind.
func (e *Executor) invalidate(ctx context.Context, saved []Saved) int {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.InvalidateTimeout)
	defer cancel()
	failed := 0
	for _, sv := range saved {
		if err := e.cache.InvalidateAt(ctx, sv.Ref, sv.Version); err != nil {
			failed++
		}
	}
	if failed > 0 {
		e.log.Error("cache invalidation incomplete", "failed", failed, "total", len(saved))
	}
	return failed
}
