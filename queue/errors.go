package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for a message id.
	ErrNotFound = errors.New("message not found")

	// ErrTerminal is returned when a terminal recipient result would be
	// overwritten.
	ErrTerminal = errors.New("terminal status is immutable")
)

// DataError reports a malformed or missing persisted record. The record is
// skipped; the cycle continues.
type DataError struct {
	ID   string
	Path string
	Err  error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data error: message %s (%s): %v", e.ID, e.Path, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// StoreError reports that the backing storage itself is unusable. It aborts
// the current daemon cycle.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err is or wraps a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// IsDataError reports whether err is or wraps a DataError.
func IsDataError(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}
