// Package txn implements the transaction coordinator: the process-wide
// registry of in-flight storage transactions.
//
// Every transaction is registered on creation and removed on settlement,
// regardless of outcome. Removal is done by a deferred call so that success,
// error, cancellation and panic all take the same exit path.
//
// The registry exists so that table initialization can wait for a snapshot
// of the transactions that were in flight when it started, instead of
// sleeping for a fixed duration. SQLite admits one writer at a time; when
// many tables initialize simultaneously, waiting for the snapshot orders
// their schema writes behind work that was already running.
//
// CRITICAL: WaitForInFlight must never be called from inside a Run callback.
// The caller's own transaction would be part of the snapshot and the wait
// could never complete.
package txn
