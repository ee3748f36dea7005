// Package memstore is an in-process storage.Store and storage.Outbox. A
// transaction stages its writes and validates every compare-and-swap again
// at commit, so it exhibits the same conflicts a SQL engine would.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"trellocore/internal/domain"
	"trellocore/internal/storage"
)

type Store struct {
	mu     sync.Mutex
	rows   map[domain.Ref]storage.Record
	outbox map[string]*storage.OutboxRecord

	// FailBegin, when set, is returned by the next calls to Begin.
	FailBegin func() error
	// AfterCommit, when set, runs after a commit is applied and its error
	// is returned from Commit.
	AfterCommit func() error
}

var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Outbox = (*Store)(nil)
)

func New() *Store {
	return &Store{
		rows:   make(map[domain.Ref]storage.Record),
		outbox: make(map[string]*storage.OutboxRecord),
	}
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	fail := s.FailBegin
	s.mu.Unlock()
	if fail != nil {
		if err := fail(); err != nil {
			return nil, err
		}
	}
	return &tx{s: s, writes: make(map[domain.Ref]write)}, nil
}

// Record returns the committed row for ref.
func (s *Store) Record(ref domain.Ref) (storage.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[ref]
	return r, ok
}

// Events returns a copy of every outbox row ordered by creation.
func (s *Store) Events() []storage.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.OutboxRecord, 0, len(s.outbox))
	for _, r := range s.outbox {
		out = append(out, *r)
	}
	sortOutbox(out)
	return out
}

type write struct {
	rec      storage.Record
	insert   bool
	expected int64
}

type tx struct {
	s      *Store
	writes map[domain.Ref]write
	order  []domain.Ref
	events []storage.OutboxRecord
	done   bool
}

func (t *tx) Get(ctx context.Context, ref domain.Ref) (storage.Record, error) {
	if err := t.check(ctx); err != nil {
		return storage.Record{}, err
	}
	if w, ok := t.writes[ref]; ok {
		return w.rec, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	r, ok := t.s.rows[ref]
	if !ok {
		return storage.Record{}, &domain.NotFoundError{Ref: ref}
	}
	r.Payload = slices.Clone(r.Payload)
	return r, nil
}

func (t *tx) Insert(ctx context.Context, rec storage.Record) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, ok := t.writes[rec.Ref]; ok {
		return &domain.ConflictError{Ref: rec.Ref}
	}
	t.s.mu.Lock()
	_, exists := t.s.rows[rec.Ref]
	t.s.mu.Unlock()
	if exists {
		return &domain.ConflictError{Ref: rec.Ref}
	}
	t.stage(write{rec: rec, insert: true})
	return nil
}

func (t *tx) CompareAndSwap(ctx context.Context, rec storage.Record, expected int64) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if w, ok := t.writes[rec.Ref]; ok {
		if w.rec.Version != expected {
			return &domain.ConflictError{Ref: rec.Ref, Expected: expected}
		}
		w.rec.Version = rec.Version
		w.rec.Deleted = rec.Deleted
		w.rec.Payload = rec.Payload
		w.rec.UpdatedAt = rec.UpdatedAt
		t.writes[rec.Ref] = w
		return nil
	}
	t.s.mu.Lock()
	cur, ok := t.s.rows[rec.Ref]
	t.s.mu.Unlock()
	if !ok || cur.Version != expected {
		return &domain.ConflictError{Ref: rec.Ref, Expected: expected}
	}
	rec.TenantID = cur.TenantID
	rec.CreatedAt = cur.CreatedAt
	t.stage(write{rec: rec, expected: expected})
	return nil
}

func (t *tx) stage(w write) {
	if _, ok := t.writes[w.rec.Ref]; !ok {
		t.order = append(t.order, w.rec.Ref)
	}
	t.writes[w.rec.Ref] = w
}

func (t *tx) AppendOutbox(ctx context.Context, recs ...storage.OutboxRecord) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	for _, r := range recs {
		r.Status = storage.StatusPending
		t.events = append(t.events, r)
	}
	return nil
}

// Commit re-checks every staged write against the committed rows and applies
// all of them or none.
func (t *tx) Commit() error {
	if t.done {
		return fmt.Errorf("commit: transaction already finished")
	}
	t.done = true
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for _, ref := range t.order {
		w := t.writes[ref]
		cur, exists := t.s.rows[ref]
		switch {
		case w.insert && exists:
			return &domain.ConflictError{Ref: ref}
		case !w.insert && (!exists || cur.Version != w.expected):
			return &domain.ConflictError{Ref: ref, Expected: w.expected}
		}
	}
	for _, e := range t.events {
		if _, dup := t.s.outbox[e.ID]; dup {
			return fmt.Errorf("commit: duplicate outbox event %s: %w", e.ID, domain.ErrConflict)
		}
	}
	for _, ref := range t.order {
		t.s.rows[ref] = t.writes[ref].rec
	}
	for i := range t.events {
		e := t.events[i]
		t.s.outbox[e.ID] = &e
	}
	if t.s.AfterCommit != nil {
		return t.s.AfterCommit()
	}
	return nil
}

func (t *tx) Rollback() error {
	t.done = true
	return nil
}

func (t *tx) check(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	return ctx.Err()
}

func (s *Store) Claim(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) ([]storage.OutboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if owner == "" || limit <= 0 || lease <= 0 {
		return nil, fmt.Errorf("claim: owner, limit and lease are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]storage.OutboxRecord, 0, len(s.outbox))
	for _, r := range s.outbox {
		all = append(all, *r)
	}
	sortOutbox(all)

	var out []storage.OutboxRecord
	for _, r := range all {
		if len(out) == limit {
			break
		}
		if r.Status != storage.StatusPending || r.NextAttemptAt.After(now) || r.LeaseExpiresAt.After(now) {
			continue
		}
		if s.blocked(r) {
			continue
		}
		row := s.outbox[r.ID]
		row.LeaseOwner = owner
		row.LeaseExpiresAt = now.Add(lease)
		row.UpdatedAt = now
		out = append(out, *row)
	}
	return out, nil
}

func (s *Store) blocked(r storage.OutboxRecord) bool {
	for _, p := range s.outbox {
		if p.Ref == r.Ref && p.CausalVersion < r.CausalVersion && p.Status != storage.StatusDispatched {
			return true
		}
	}
	return false
}

func (s *Store) owned(id, owner string) (*storage.OutboxRecord, error) {
	r, ok := s.outbox[id]
	if !ok || r.Status != storage.StatusPending || r.LeaseOwner != owner {
		return nil, fmt.Errorf("outbox %s: %w", id, storage.ErrLeaseLost)
	}
	return r, nil
}

func (s *Store) MarkDispatched(ctx context.Context, id, owner string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.owned(id, owner)
	if err != nil {
		return err
	}
	r.Status = storage.StatusDispatched
	r.LeaseOwner, r.LeaseExpiresAt, r.LastError = "", time.Time{}, ""
	r.DispatchedAt = &now
	r.UpdatedAt = now
	return nil
}

func (s *Store) MarkRetry(ctx context.Context, id, owner string, attempts int, next time.Time, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.owned(id, owner)
	if err != nil {
		return err
	}
	r.Attempts = attempts
	r.NextAttemptAt = next
	r.LastError = lastErr
	r.LeaseOwner, r.LeaseExpiresAt = "", time.Time{}
	r.UpdatedAt = now
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id, owner string, attempts int, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.owned(id, owner)
	if err != nil {
		return err
	}
	r.Status = storage.StatusFailed
	r.Attempts = attempts
	r.LastError = lastErr
	r.LeaseOwner, r.LeaseExpiresAt = "", time.Time{}
	r.UpdatedAt = now
	return nil
}

func (s *Store) Requeue(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.outbox[id]
	if !ok || r.Status != storage.StatusFailed {
		return fmt.Errorf("requeue %s: no failed event: %w", id, domain.ErrNotFound)
	}
	r.Status = storage.StatusPending
	r.Attempts = 0
	r.NextAttemptAt = now
	r.UpdatedAt = now
	return nil
}

func (s *Store) Stats(ctx context.Context) (storage.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st storage.OutboxStats
	for _, r := range s.outbox {
		switch r.Status {
		case storage.StatusPending:
			st.Pending++
			if st.OldestPending == nil || r.CreatedAt.Before(*st.OldestPending) {
				t := r.CreatedAt
				st.OldestPending = &t
			}
		case storage.StatusDispatched:
			st.Dispatched++
		case storage.StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.outbox {
		if r.Status == storage.StatusDispatched && r.DispatchedAt != nil && r.DispatchedAt.Before(before) {
			delete(s.outbox, id)
			n++
		}
	}
	return n, nil
}

func sortOutbox(rs []storage.OutboxRecord) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.CausalVersion != b.CausalVersion {
			return a.CausalVersion < b.CausalVersion
		}
		return a.ID < b.ID
	})
}
