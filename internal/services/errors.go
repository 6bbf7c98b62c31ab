// Package services defines the business logic for identity reconciliation.
// This file centralizes service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned when neither an email nor a phone number
	// survives normalization.
	ErrInvalidRequest = errors.New("at least one of email or phone number is required")

	// ErrContactNotFound indicates that the requested contact does not exist.
	ErrContactNotFound = errors.New("contact not found")

	// ErrBrokenLink is returned when a secondary's linked id does not resolve
	// to an existing primary. The store is corrupt; the call is not retried.
	ErrBrokenLink = errors.New("secondary contact links to a missing or non-primary contact")

	// ErrClusterInconsistent is returned when the first member of a freshly
	// read cluster is not the primary it was read for.
	ErrClusterInconsistent = errors.New("cluster members are not rooted at the expected primary")

	// ErrIdempotencyConflict is returned when an Idempotency-Key is reused
	// with a different request payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different payload")
)

// StorageError wraps a failure of the underlying store. Op names the store
// operation that failed; Err is the raw driver/GORM error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// storageErr wraps err unless it already is a service-level error.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) ||
		errors.Is(err, ErrBrokenLink) ||
		errors.Is(err, ErrClusterInconsistent) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrContactNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
