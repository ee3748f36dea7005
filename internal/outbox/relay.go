package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"trellocore/internal/logger"
	"trellocore/internal/queue"
	"trellocore/internal/storage"
)

// ErrDispatchFailure wraps every error returned by the task queue.
var ErrDispatchFailure = errors.New("outbox dispatch failed")

var tracer = otel.Tracer("trellocore/internal/outbox")

// AlertFunc is called once for every event that exhausts its retries.
type AlertFunc func(ctx context.Context, rec storage.OutboxRecord, err error)

type DispatchResult struct {
	Claimed           int
	Dispatched        int
	Retried           int
	Failed            int
	StateUpdateFailed int
}

type Relay struct {
	store   storage.Outbox
	queue   queue.Enqueuer
	cfg     Config
	log     *logger.Logger
	alert   AlertFunc
	now     func() time.Time
	meter   metric.MeterProvider
	metrics relayMetrics
	admin   *Admin
}

type Option func(*Relay)

func WithAlert(fn AlertFunc) Option { return func(r *Relay) { r.alert = fn } }

func WithClock(now func() time.Time) Option { return func(r *Relay) { r.now = now } }

func WithMeterProvider(p metric.MeterProvider) Option { return func(r *Relay) { r.meter = p } }

func NewRelay(store storage.Outbox, q queue.Enqueuer, cfg Config, log *logger.Logger, opts ...Option) (*Relay, error) {
	if store == nil || q == nil {
		return nil, errors.New("outbox relay: store and queue are required")
	}
	cfg.normalize()
	if log == nil {
		log = logger.Nop()
	}
	r := &Relay{store: store, queue: q, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.log = log.With("component", "outbox_relay", "owner", cfg.Owner)
	r.admin = &Admin{store: store, retention: cfg.Retention, now: r.now, log: r.log}
	m, err := newRelayMetrics(r.meter)
	if err != nil {
		return nil, err
	}
	r.metrics = m
	return r, nil
}

// Run dispatches until ctx is cancelled. A full batch starts the next cycle
// immediately; otherwise the relay waits for the interval.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("outbox relay started", "batch_size", r.cfg.BatchSize, "interval", r.cfg.Interval.String())
	defer r.log.Info("outbox relay stopped")

	var lastPrune time.Time
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		res := r.DispatchOnce(ctx)
		if r.cfg.Retention > 0 && r.now().Sub(lastPrune) >= r.cfg.PruneEvery {
			if _, err := r.Prune(ctx); err == nil {
				lastPrune = r.now()
			}
		}

		wait := r.cfg.Interval
		if res.Claimed >= r.cfg.BatchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// DispatchOnce claims one batch and tries to enqueue each event.
func (r *Relay) DispatchOnce(ctx context.Context) DispatchResult {
	ctx, span := tracer.Start(ctx, "outbox.dispatch")
	defer span.End()
	start := time.Now()

	var res DispatchResult
	recs, err := r.store.Claim(ctx, r.cfg.Owner, r.cfg.BatchSize, r.cfg.Lease, r.now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error("claim outbox events failed", "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "claim failed")
		}
		return res
	}
	res.Claimed = len(recs)

	for _, rec := range recs {
		if ctx.Err() != nil {
			// unprocessed leases expire and the events are claimed again
			break
		}
		r.dispatch(ctx, rec, &res)
	}

	span.SetAttributes(
		attribute.Int("outbox.claimed", res.Claimed),
		attribute.Int("outbox.dispatched", res.Dispatched),
		attribute.Int("outbox.failed", res.Failed),
	)
	r.metrics.dispatched.Add(ctx, int64(res.Dispatched))
	r.metrics.retried.Add(ctx, int64(res.Retried))
	r.metrics.failed.Add(ctx, int64(res.Failed))
	r.metrics.stateUpdateFailed.Add(ctx, int64(res.StateUpdateFailed))
	r.metrics.cycleLatency.Record(ctx, time.Since(start).Seconds())
	return res
}

func (r *Relay) dispatch(ctx context.Context, rec storage.OutboxRecord, res *DispatchResult) {
	log := r.log.With("event_id", rec.ID, "event_type", string(rec.EventType), "aggregate", rec.Ref.String(), "causal_version", rec.CausalVersion)

	err := r.queue.Enqueue(ctx, taskFor(rec, r.now().UTC()))
	if err == nil {
		if merr := r.store.MarkDispatched(ctx, rec.ID, r.cfg.Owner, r.now().UTC()); merr != nil {
			log.Error("event enqueued but not marked dispatched; it will be sent again", "error", merr)
			res.StateUpdateFailed++
			return
		}
		res.Dispatched++
		return
	}
	err = fmt.Errorf("%w: %w", ErrDispatchFailure, err)

	attempts := rec.Attempts + 1
	now := r.now().UTC()
	if attempts > r.cfg.MaxRetries {
		if merr := r.store.MarkFailed(ctx, rec.ID, r.cfg.Owner, attempts, err.Error(), now); merr != nil {
			log.Error("mark event failed", "error", merr)
			return
		}
		res.Failed++
		log.Error("event dispatch failed permanently", "attempts", attempts, "error", err)
		if r.alert != nil {
			rec.Status = storage.StatusFailed
			rec.Attempts = attempts
			rec.LastError = err.Error()
			r.alert(ctx, rec, err)
		}
		return
	}

	next := now.Add(r.Backoff(attempts))
	if merr := r.store.MarkRetry(ctx, rec.ID, r.cfg.Owner, attempts, next, err.Error(), now); merr != nil {
		log.Error("reschedule event", "error", merr)
		return
	}
	res.Retried++
	log.Warn("event dispatch failed, rescheduled", "attempts", attempts, "next_attempt_at", next, "error", err)
}

// Backoff returns the delay before the given attempt number is retried.
func (r *Relay) Backoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BackoffInitial
	b.MaxInterval = r.cfg.BackoffMax
	b.Multiplier = r.cfg.BackoffMultiplier
	b.RandomizationFactor = r.cfg.Jitter
	b.Reset()
	var d time.Duration
	for range max(attempt, 1) {
		d = b.NextBackOff()
	}
	return d
}

// Requeue makes a failed event pending again with its attempt count reset.
func (r *Relay) Requeue(ctx context.Context, id string) error { return r.admin.Requeue(ctx, id) }

func (r *Relay) Stats(ctx context.Context) (storage.OutboxStats, error) { return r.admin.Stats(ctx) }

// Prune removes dispatched events older than the retention.
func (r *Relay) Prune(ctx context.Context) (int64, error) { return r.admin.Prune(ctx) }

func taskFor(rec storage.OutboxRecord, now time.Time) queue.Task {
	return queue.Task{
		IdempotencyKey: rec.ID,
		Type:           rec.EventType,
		TenantID:       rec.TenantID,
		AggregateKind:  rec.Ref.Kind,
		AggregateID:    rec.Ref.ID,
		CausalVersion:  rec.CausalVersion,
		Payload:        rec.Payload,
		OccurredAt:     rec.OccurredAt,
		EnqueuedAt:     now,
	}
}
