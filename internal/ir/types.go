package ir

import (
	"encoding/json"
	"time"
)

// Record is one row of a server-authoritative table as seen by the cache.
type Record struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// CachedRow is a Record plus local bookkeeping.
//
// A Dirty row carries an unsynced local change. It is never evicted and never
// overwritten by a remote version without going through conflict resolution.
//
// CachedAt is when this copy was written to the cache. UpdatedAt is the
// source's version timestamp and only orders versions.
type CachedRow struct {
	Record
	Dirty        bool      `json:"dirty"`
	CachedAt     time.Time `json:"cached_at"`
	LastAccessed time.Time `json:"last_accessed"`
	Size         int64     `json:"size"`
}

// Fresh reports whether the cached copy is younger than ttl at now.
func (r CachedRow) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.CachedAt) < ttl
}

// MutationType classifies a queued local write.
type MutationType string

const (
	MutationStatusUpdate  MutationType = "status-update"
	MutationScoreSubmit   MutationType = "score-submit"
	MutationScoreReset    MutationType = "score-reset"
	MutationGenericUpdate MutationType = "generic-update"
	// MutationDelete is the tombstone mutation written by Table.Delete.
	MutationDelete MutationType = "delete"
)

// Valid reports whether t is a known mutation type.
func (t MutationType) Valid() bool {
	switch t {
	case MutationStatusUpdate, MutationScoreSubmit, MutationScoreReset, MutationGenericUpdate, MutationDelete:
		return true
	}
	return false
}

// MutationStatus is the lifecycle state of a Mutation.
//
//	pending → syncing → success (removed)
//	                  ↘ failed (retained until retried or cleared)
type MutationStatus string

const (
	StatusPending MutationStatus = "pending"
	StatusSyncing MutationStatus = "syncing"
	StatusFailed  MutationStatus = "failed"
	StatusSuccess MutationStatus = "success"
)

// Mutation is a durable outbox entry: a local write not yet confirmed by the
// remote source.
type Mutation struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"` // enqueue order, assigned by the store
	Tenant     string          `json:"tenant"`
	Table      string          `json:"table"`
	Key        string          `json:"key"`
	Type       MutationType    `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	Status     MutationStatus  `json:"status"`
	LastError  string          `json:"last_error,omitempty"`
}

// RowKey identifies the cached row a mutation targets.
func (m Mutation) RowKey() RowKey {
	return RowKey{Tenant: m.Tenant, Table: m.Table, Key: m.Key}
}

// RowKey is the (tenant, table, key) triple that orders mutations.
type RowKey struct {
	Tenant string
	Table  string
	Key    string
}

// String renders the key for logs.
func (k RowKey) String() string {
	return k.Tenant + "/" + k.Table + "/" + k.Key
}

// ChangeEvent is one entry of the remote change-notification feed.
type ChangeEvent struct {
	Tenant string `json:"tenant"`
	Table  string `json:"table"`
	Record Record `json:"record"`
}
