// Package repository loads and saves aggregates inside a storage transaction.
// Saves are conditional on the version the caller loaded; the repository is
// the only place versions are advanced.
package repository

import (
	"context"
	"errors"
	"fmt"

	"trellocore/internal/domain"
	"trellocore/internal/storage"
)

type Repository struct{}

func New() *Repository { return &Repository{} }

// Load reads ref from tx. Soft-deleted rows are reported as not found.
func (r *Repository) Load(ctx context.Context, tx storage.Tx, ref domain.Ref) (domain.Aggregate, error) {
	rec, err := tx.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, &domain.NotFoundError{Ref: ref}
	}
	return decode(rec)
}

// Version returns the stored version of ref, including soft-deleted rows.
// It returns 0 and no error when the row does not exist.
func (r *Repository) Version(ctx context.Context, tx storage.Tx, ref domain.Ref) (int64, error) {
	rec, err := tx.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return rec.Version, nil
}

// Create inserts agg at version 1.
func (r *Repository) Create(ctx context.Context, tx storage.Tx, agg domain.Aggregate) (int64, error) {
	agg = domain.WithVersion(agg, 1)
	rec, err := encode(agg)
	if err != nil {
		return 0, err
	}
	if err := tx.Insert(ctx, rec); err != nil {
		return 0, err
	}
	return 1, nil
}

// Save writes agg if the stored version still equals expected and returns the
// new version, expected+1. Otherwise the error matches domain.ErrConflict.
func (r *Repository) Save(ctx context.Context, tx storage.Tx, agg domain.Aggregate, expected int64) (int64, error) {
	if expected < 1 {
		return 0, fmt.Errorf("save %s: expected version %d: %w", agg.Ref(), expected, domain.ErrValidation)
	}
	next := expected + 1
	agg = domain.WithVersion(agg, next)
	rec, err := encode(agg)
	if err != nil {
		return 0, err
	}
	if err := tx.CompareAndSwap(ctx, rec, expected); err != nil {
		return 0, err
	}
	return next, nil
}

func encode(agg domain.Aggregate) (storage.Record, error) {
	data, err := domain.MarshalAggregate(agg)
	if err != nil {
		return storage.Record{}, err
	}
	m := agg.Header()
	return storage.Record{
		Ref:       agg.Ref(),
		TenantID:  m.TenantID,
		Version:   m.Version,
		Deleted:   m.Deleted,
		Payload:   data,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

// decode trusts the row columns over the snapshot for version and the
// soft-delete flag.
func decode(rec storage.Record) (domain.Aggregate, error) {
	agg, err := domain.UnmarshalAggregate(rec.Ref.Kind, rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", rec.Ref, err)
	}
	agg = domain.WithVersion(agg, rec.Version)
	return domain.WithDeleted(agg, rec.Deleted), nil
}
