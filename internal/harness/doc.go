// Package harness runs replication scenarios against a real runtime.
//
// A scenario opens a fresh cache with an in-memory backend and a virtual
// clock, executes a list of steps (local writes, connectivity changes,
// backend changes, sync and drain cycles) and then checks assertions on
// the cache, the outbox and the backend.
//
// # Scenario Format
//
//	name: offline_drain
//	description: "Writes made offline reach the backend in order"
//	catalog: |
//	  tables: tasks: {}
//	remote:
//	  - table: tasks
//	    key: t1
//	    payload: { title: "draft" }
//	steps:
//	  - op: sync
//	  - op: offline
//	  - op: put
//	    table: tasks
//	    key: t1
//	    payload: { title: "final" }
//	  - op: online
//	  - op: drain
//	assertions:
//	  - type: remote
//	    table: tasks
//	    key: t1
//	    payload: { title: "final" }
//	  - type: outbox
//	    status: pending
//	    count: 0
//
// # Assertion Types
//
//   - row: the cached row matches payload, is a tombstone, is absent or has
//     the given dirty flag
//   - remote: the backend row matches payload, is deleted or is absent
//   - outbox: the number of entries with status
//   - applied: the number of mutations the backend accepted
//   - conflicts: the number of resolutions recorded for a table
//
// # Deterministic Testing
//
// The runtime's background loop is not started. Steps call the engine
// directly, the clock starts at Start and only moves on advance steps and
// retry backoff, and traces leave out timestamps and mutation IDs. The
// same scenario therefore always produces the same trace, which
// RunWithGolden compares against testdata/golden.
package harness
