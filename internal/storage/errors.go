package storage

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrVersionMismatch means the file was written by a newer schema.
	ErrVersionMismatch = errors.New("schema version mismatch")

	// ErrIntegrity means SQLite's consistency check failed.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrHandleClosed is returned by operations on a torn-down handle.
	ErrHandleClosed = errors.New("storage handle closed")

	// ErrResetDeferred is returned when teardown was requested while
	// transactions were still in flight.
	ErrResetDeferred = errors.New("storage reset deferred: transactions in flight")
)

// InitializationError reports that the shared handle could not be opened,
// including after the corruption retry protocol ran.
type InitializationError struct {
	Path     string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize storage %s after %d attempt(s): %v", e.Path, e.Attempts, e.Err)
}

// Unwrap returns the last open failure.
func (e *InitializationError) Unwrap() error { return e.Err }

// IsInitializationError returns true if err wraps an *InitializationError.
func IsInitializationError(err error) bool {
	var ie *InitializationError
	return errors.As(err, &ie)
}

// IsCorruption reports whether err indicates the store is unusable and must
// be reopened: a damaged or non-database file, a failed integrity check, or
// a schema version mismatch.
func IsCorruption(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrIntegrity) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB
	}
	return false
}
