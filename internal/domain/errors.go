package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("version conflict")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrUnauthorized       = errors.New("unauthorized")
)

// ValidationError reports a violated business rule. It matches ErrValidation
// under errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError is returned when a conditional write observes a stored
// version different from the expected one.
type ConflictError struct {
	Ref      Ref
	Expected int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected version %d", e.Ref, e.Expected)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError names the missing aggregate. It matches ErrNotFound.
type NotFoundError struct {
	Ref Ref
}

func (e *NotFoundError) Error() string { return e.Ref.String() + " not found" }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
