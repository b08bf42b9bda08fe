package txn

import (
	"errors"
	"fmt"
)

// TransactionError reports a failed transaction. The transaction has
// already been removed from the in-flight set when this error is returned.
type TransactionError struct {
	ID    string
	Store string
	Mode  Mode
	// Op is the phase that failed: begin, execute or commit.
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s transaction on %s failed at %s: %v", e.Mode, e.Store, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransactionError) Unwrap() error { return e.Err }

// IsTransactionError returns true if err wraps a *TransactionError.
func IsTransactionError(err error) bool {
	var te *TransactionError
	return errors.As(err, &te)
}
