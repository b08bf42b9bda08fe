// Package engine implements the sync engine of the replica cache.
//
// The engine reconciles the local cache with the remote source. It has
// three inputs:
//
//   - the remote change feed, applied event by event
//   - connectivity transitions, where going online triggers a full pull of
//     every table followed by an outbox drain
//   - the outbox signal and a periodic ticker, which drain queued local
//     writes while online
//
// ARCHITECTURE:
//
// Single event loop:
// Run processes feed events in one goroutine, in the order the feed
// delivered them. Pulls and drains are blocking and may take long, so the
// loop hands them to a worker goroutine through coalescing request
// channels. A burst of transitions or outbox signals results in at most one
// queued pull and one queued drain.
//
// Conflicts:
// A remote version that arrives for a row with unsynced local changes goes
// through conflict.Resolve using the table's policy. The decision, the
// outbox cleanup and the history entry are written in the same transaction
// as the row itself.
//
// Redelivery:
// The feed is at-least-once. Events already applied are recognised by a
// bounded LRU keyed on the record identity and content, and dropped.
package engine
