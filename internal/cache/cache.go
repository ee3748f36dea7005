// Package cache is a read-through aggregate cache in front of storage.
//
// Fills carry the version they were read at and never replace a newer entry.
// Invalidation after a commit writes a tombstone carrying the committed
// version, so a reader that loaded an older version before the commit cannot
// put it back. Every backend failure is logged and treated as a miss.
package cache

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"trellocore/internal/domain"
	"trellocore/internal/logger"
)

var tracer = otel.Tracer("trellocore/internal/cache")

// Loader reads the committed aggregate from storage.
type Loader func(ctx context.Context) (domain.Aggregate, error)

// Probe returns the committed version of an aggregate, or 0 if it is gone.
type Probe func(ctx context.Context) (int64, error)

type Coordinator struct {
	backend Backend
	ttl     time.Duration
	log     *logger.Logger
	group   singleflight.Group

	loadTimeout time.Duration
}

// DefaultLoadTimeout bounds a shared load once it is detached from its caller.
const DefaultLoadTimeout = 10 * time.Second

// New returns a coordinator over backend. A nil backend disables caching and
// every read goes to the loader.
func New(backend Backend, ttl time.Duration, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{backend: backend, ttl: ttl, log: log.With("component", "cache"), loadTimeout: DefaultLoadTimeout}
}

func (c *Coordinator) GetOrLoad(ctx context.Context, ref domain.Ref, load Loader) (domain.Aggregate, error) {
	ctx, span := tracer.Start(ctx, "cache.GetOrLoad", trace.WithAttributes(attribute.String("aggregate", ref.String())))
	defer span.End()

	if agg, ok := c.lookup(ctx, ref); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return agg, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))
	return c.loadAndFill(ctx, ref, load)
}

// GetOrLoadValidated is GetOrLoad for callers that suspect the cached entry
// may be stale: a hit is only served when probe reports the same version.
func (c *Coordinator) GetOrLoadValidated(ctx context.Context, ref domain.Ref, load Loader, probe Probe) (domain.Aggregate, error) {
	if agg, ok := c.lookup(ctx, ref); ok {
		current, err := probe(ctx)
		if err != nil {
			return nil, err
		}
		if current == agg.Header().Version {
			return agg, nil
		}
		c.log.Debug("stale cache entry", "aggregate", ref.String(), "cached", agg.Header().Version, "stored", current)
		if current > 0 {
			c.tombstone(ctx, ref, current)
		}
	}
	return c.loadAndFill(ctx, ref, load)
}

// Invalidate drops the cached entry for ref.
func (c *Coordinator) Invalidate(ctx context.Context, ref domain.Ref) error {
	if c.backend == nil {
		return nil
	}
	if err := c.backend.Delete(ctx, Key(ref)); err != nil {
		c.log.Warn("cache invalidate failed", "aggregate", ref.String(), "error", err)
		return err
	}
	return nil
}

// InvalidateAt marks every cached version of ref below version as stale.
func (c *Coordinator) InvalidateAt(ctx context.Context, ref domain.Ref, version int64) error {
	if c.backend == nil {
		return nil
	}
	return c.tombstone(ctx, ref, version)
}

func (c *Coordinator) tombstone(ctx context.Context, ref domain.Ref, version int64) error {
	if err := c.backend.Tombstone(ctx, Key(ref), version, c.ttl); err != nil {
		c.log.Warn("cache invalidate failed", "aggregate", ref.String(), "version", version, "error", err)
		return err
	}
	return nil
}

func (c *Coordinator) lookup(ctx context.Context, ref domain.Ref) (domain.Aggregate, bool) {
	if c.backend == nil {
		return nil, false
	}
	e, ok, err := c.backend.Get(ctx, Key(ref))
	if err != nil {
		c.log.Warn("cache read failed", "aggregate", ref.String(), "error", err)
		return nil, false
	}
	if !ok || e.Tombstone || e.Kind != ref.Kind {
		return nil, false
	}
	agg, err := domain.UnmarshalAggregate(e.Kind, e.Snapshot)
	if err != nil {
		c.log.Warn("cache entry unreadable", "aggregate", ref.String(), "error", err)
		return nil, false
	}
	return domain.WithVersion(agg, e.Version), true
}

// loadAndFill shares one load per key between concurrent readers. The load
// is detached from the caller that started it, so a cancelled request does
// not fail the readers that joined it.
func (c *Coordinator) loadAndFill(ctx context.Context, ref domain.Ref, load Loader) (domain.Aggregate, error) {
	ch := c.group.DoChan(Key(ref), func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		agg, err := load(lctx)
		if err != nil {
			return nil, err
		}
		c.fill(lctx, agg)
		return agg, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(domain.Aggregate), nil
	}
}

func (c *Coordinator) fill(ctx context.Context, agg domain.Aggregate) {
	if c.backend == nil || c.ttl <= 0 {
		return
	}
	ref := agg.Ref()
	data, err := domain.MarshalAggregate(agg)
	if err != nil {
		c.log.Warn("cache fill encode failed", "aggregate", ref.String(), "error", err)
		return
	}
	e := Entry{Kind: ref.Kind, Version: agg.Header().Version, Snapshot: data}
	stored, err := c.backend.SetIfNewer(ctx, Key(ref), e, c.ttl)
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		c.log.Warn("cache fill failed", "aggregate", ref.String(), "error", err)
	case err == nil && !stored:
		c.log.Debug("cache fill skipped", "aggregate", ref.String(), "version", e.Version)
	}
}
