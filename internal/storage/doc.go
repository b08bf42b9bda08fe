// Package storage provides the SQLite-backed local store and the shared
// storage handle every table replica acquires.
//
// The local store holds:
//   - One keyed table per logical table (rows_<name>): cached rows with
//     payload, updated_at, dirty flag, tombstone flag and last access time
//   - mutations: the durable offline outbox, ordered by seq
//   - replica_tables: registry of initialized logical tables
//   - sync_cursors: incremental pull watermarks per (tenant, table)
//   - conflict_log: history of conflict resolutions
//
// # Shared Handle
//
// Handle owns the single connection. It is a tagged state machine:
//
//	Closed ──Acquire──▶ Opening ──ok──▶ Open
//	                       │               │ ReportCorruption
//	                       ▼ fail          ▼
//	                    Reopening ◀───────┘
//	                       │ ok: swap current      │ fail
//	                       ▼                       ▼
//	                     Open                   Corrupted
//
// The swap from Reopening to Open is the only point where the current
// reference changes. Waiters of an open that failed are redirected to the
// retry instead of receiving the failure.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - One open connection: SQLite admits a single writer
//
// All times are stored as Unix milliseconds.
package storage
