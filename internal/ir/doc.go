// Package ir provides the record and mutation types shared by every layer of
// the replication engine.
//
// This package contains type definitions and canonical encoding only. All
// other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Payloads are opaque JSON; they are stored in canonical form (sorted
//     keys, NFC strings) so equal payloads compare byte-for-byte
//   - Timestamps are stored as Unix milliseconds, UTC
//   - Every row and mutation belongs to exactly one tenant scope
package ir
