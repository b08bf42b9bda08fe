package engine

import (
	"errors"
	"fmt"
)

// ErrOffline is returned by SyncAll and Drain while the network monitor
// reports no connectivity.
var ErrOffline = errors.New("engine: offline")

// SyncError reports the table whose pull failed during SyncAll.
type SyncError struct {
	// Table is the table being pulled.
	Table string

	// Phase is the failing step: "cursor", "pull", "upsert" or "resolve".
	Phase string

	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %s: %v", e.Table, e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsSyncError returns true if err wraps a SyncError.
// Uses errors.As to handle wrapped errors.
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}
