// Package remote defines the boundary to the authoritative backend.
//
// The replication engine never talks to a transport directly. It calls a
// Source, and classifies failures with the helpers in this package:
// ErrUnavailable is transient and retried, Terminal errors are surfaced
// immediately.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/replica/internal/ir"
)

// Source is the authoritative data source.
type Source interface {
	// Fetch reads one record. Returns ErrNotFound if the key does not exist
	// or was deleted.
	Fetch(ctx context.Context, tenant, table, key string) (ir.Record, error)

	// Pull returns records of table changed after cursor, including
	// deletions, and the cursor to resume from. A zero cursor pulls
	// everything.
	Pull(ctx context.Context, tenant, table string, cursor int64) ([]ir.Record, int64, error)

	// Apply submits one local mutation.
	Apply(ctx context.Context, m ir.Mutation) error

	// Changes subscribes to the change feed. Delivery stops when ctx ends.
	Changes(ctx context.Context) (<-chan ir.ChangeEvent, error)
}

var (
	// ErrUnavailable means the source could not be reached. Transient.
	ErrUnavailable = errors.New("remote unavailable")

	// ErrNotFound means the record does not exist at the source.
	ErrNotFound = errors.New("remote record not found")
)

// TerminalError marks a failure that retrying cannot fix, such as an auth
// rejection or a malformed payload.
type TerminalError struct {
	Err error
}

// Error implements the error interface.
func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err as a TerminalError. Nil stays nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal returns true if err wraps a *TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// IsUnavailable reports whether err means the source could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
