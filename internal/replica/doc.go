// Package replica implements the per-table local cache and the replication
// context that every table shares.
//
// A Context owns the process-wide pieces (the shared storage handle, its
// transaction coordinator, the outbox, the remote source, the connectivity
// monitor and the active tenant). It is built once and passed to every Table
// at construction; nothing in this package is global.
//
// Table lifecycle:
//
//	Uninitialized → Initializing → Ready
//	                             ↘ Failed (Init may be called again)
//
// Reads are served locally when the row is fresh or carries an unsynced
// local change; otherwise the remote source is consulted. Writes update the
// cache and the outbox in one transaction and return without network I/O.
package replica
