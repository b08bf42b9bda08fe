package replica

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteUnavailable means the row is not cached and the remote source
	// could not be reached.
	ErrRemoteUnavailable = errors.New("remote unavailable and no cached copy")

	// ErrNotFound means the row does not exist, or has a pending local
	// delete.
	ErrNotFound = errors.New("record not found")

	// ErrNotReady is returned by table operations before Init succeeds.
	ErrNotReady = errors.New("table not initialized")

	// ErrCrossTenant is returned when an operation names a tenant other
	// than the active one.
	ErrCrossTenant = errors.New("cross-tenant access rejected")
)

// TenantError reports a rejected cross-tenant call.
type TenantError struct {
	Active    string
	Requested string
}

// Error implements the error interface.
func (e *TenantError) Error() string {
	return fmt.Sprintf("tenant %q requested while %q is active: %v", e.Requested, e.Active, ErrCrossTenant)
}

// Unwrap lets errors.Is match ErrCrossTenant.
func (e *TenantError) Unwrap() error { return ErrCrossTenant }
