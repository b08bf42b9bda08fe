// Package outbox is the durable queue of local writes awaiting remote
// confirmation.
//
// Every entry is persisted before the write that produced it returns. Drain
// submits entries to the remote source:
//
//	pending → syncing → (removed)          on success
//	                  → pending            transient failure, retried with backoff
//	                  → failed             terminal failure, or retries exhausted
//
// Ordering is per row: entries for one (tenant, table, key) are submitted
// strictly in enqueue order, and a key whose oldest entry is failed is held
// until that entry is retried or cleared. Different keys drain concurrently.
//
// A crash or cancellation never leaves an entry syncing: Recover
// reclassifies leftovers at startup, and an interrupted submission is
// written back as pending before Drain returns.
package outbox
