package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/replica/internal/ir"
)

// Queryer is satisfied by *sql.Tx and *sql.DB.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RowOverhead approximates per-row bookkeeping bytes (columns, index entry)
// on top of key and payload when estimating usage.
const RowOverhead = 64

// RowSize estimates the storage footprint of one cached row.
func RowSize(key string, payload []byte) int64 {
	return int64(len(key) + len(payload) + RowOverhead)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// rowTable returns the quoted SQL identifier of a logical table's store.
// Callers validate the name with ir.ValidateTableName first.
func rowTable(table string) string {
	return `"rows_` + table + `"`
}

// CreateRowTable creates the keyed store of a logical table. Idempotent.
func CreateRowTable(ctx context.Context, q Queryer, table string) error {
	if err := ir.ValidateTableName(table); err != nil {
		return err
	}
	t := rowTable(table)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant        TEXT NOT NULL,
			row_key       TEXT NOT NULL,
			payload       BLOB,
			updated_at    INTEGER NOT NULL,
			cached_at     INTEGER NOT NULL DEFAULT 0,
			dirty         INTEGER NOT NULL DEFAULT 0,
			deleted       INTEGER NOT NULL DEFAULT 0,
			last_accessed INTEGER NOT NULL,
			size          INTEGER NOT NULL,
			PRIMARY KEY (tenant, row_key)
		)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "idx_rows_%s_access" ON %s (dirty, last_accessed)`, table, t),
	}
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create row table %s: %w", table, err)
		}
	}
	return addCachedAt(ctx, q, table)
}

// addCachedAt upgrades a row table created before cached_at existed.
// Such rows read back with cached_at = updated_at.
func addCachedAt(ctx context.Context, q Queryer, table string) error {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, rowTable(table)))
	if err != nil {
		return fmt.Errorf("inspect row table %s: %w", table, err)
	}
	var found bool
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("inspect row table %s: %w", table, err)
		}
		if name == "cached_at" {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("inspect row table %s: %w", table, err)
	}
	rows.Close()
	if found {
		return nil
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN cached_at INTEGER NOT NULL DEFAULT 0`, rowTable(table))); err != nil {
		return fmt.Errorf("upgrade row table %s: %w", table, err)
	}
	return nil
}

// GetRow reads one cached row. Returns found=false if the key is absent.
func GetRow(ctx context.Context, q Queryer, table, tenant, key string) (ir.CachedRow, bool, error) {
	var (
		row                 ir.CachedRow
		payload             []byte
		updatedAt, cachedAt int64
		lastAccessed        int64
		dirty, deleted      bool
	)
	err := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT payload, updated_at, cached_at, dirty, deleted, last_accessed, size
		FROM %s WHERE tenant = ? AND row_key = ?
	`, rowTable(table)), tenant, key).Scan(&payload, &updatedAt, &cachedAt, &dirty, &deleted, &lastAccessed, &row.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.CachedRow{}, false, nil
	}
	if err != nil {
		return ir.CachedRow{}, false, fmt.Errorf("get row %s/%s: %w", table, key, err)
	}

	row.Key = key
	row.Payload = payload
	row.UpdatedAt = fromMillis(updatedAt)
	row.CachedAt = row.UpdatedAt
	if cachedAt != 0 {
		row.CachedAt = fromMillis(cachedAt)
	}
	row.Dirty = dirty
	row.Deleted = deleted
	row.LastAccessed = fromMillis(lastAccessed)
	return row, true, nil
}

// PutRow inserts or replaces a cached row. Size is recomputed from key and
// payload. A zero CachedAt is stored as UpdatedAt.
func PutRow(ctx context.Context, q Queryer, table, tenant string, row ir.CachedRow) error {
	size := RowSize(row.Key, row.Payload)
	cachedAt := row.CachedAt
	if cachedAt.IsZero() {
		cachedAt = row.UpdatedAt
	}
	_, err := q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (tenant, row_key, payload, updated_at, cached_at, dirty, deleted, last_accessed, size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, row_key) DO UPDATE SET
			payload       = excluded.payload,
			updated_at    = excluded.updated_at,
			cached_at     = excluded.cached_at,
			dirty         = excluded.dirty,
			deleted       = excluded.deleted,
			last_accessed = excluded.last_accessed,
			size          = excluded.size
	`, rowTable(table)),
		tenant,
		row.Key,
		[]byte(row.Payload),
		millis(row.UpdatedAt),
		millis(cachedAt),
		row.Dirty,
		row.Deleted,
		millis(row.LastAccessed),
		size,
	)
	if err != nil {
		return fmt.Errorf("put row %s/%s: %w", table, row.Key, err)
	}
	return nil
}

// TouchRow records a read access.
func TouchRow(ctx context.Context, q Queryer, table, tenant, key string, at time.Time) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET last_accessed = ? WHERE tenant = ? AND row_key = ?
	`, rowTable(table)), millis(at), tenant, key)
	if err != nil {
		return fmt.Errorf("touch row %s/%s: %w", table, key, err)
	}
	return nil
}

// ClearRowDirty marks a row as synced. A synced tombstone is removed
// entirely. Returns whether the row still exists.
func ClearRowDirty(ctx context.Context, q Queryer, table, tenant, key string) (bool, error) {
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE tenant = ? AND row_key = ? AND deleted = 1
	`, rowTable(table)), tenant, key); err != nil {
		return false, fmt.Errorf("clear tombstone %s/%s: %w", table, key, err)
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET dirty = 0 WHERE tenant = ? AND row_key = ?
	`, rowTable(table)), tenant, key)
	if err != nil {
		return false, fmt.Errorf("clear dirty %s/%s: %w", table, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear dirty %s/%s: rows affected: %w", table, key, err)
	}
	return n > 0, nil
}

// DeleteRow removes a row regardless of its flags.
func DeleteRow(ctx context.Context, q Queryer, table, tenant, key string) (bool, error) {
	res, err := q.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE tenant = ? AND row_key = ?
	`, rowTable(table)), tenant, key)
	if err != nil {
		return false, fmt.Errorf("delete row %s/%s: %w", table, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete row %s/%s: rows affected: %w", table, key, err)
	}
	return n > 0, nil
}

// EvictRow deletes a row only if it is still clean. Returns whether a row
// was removed.
func EvictRow(ctx context.Context, q Queryer, table, tenant, key string) (bool, error) {
	res, err := q.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE tenant = ? AND row_key = ? AND dirty = 0
	`, rowTable(table)), tenant, key)
	if err != nil {
		return false, fmt.Errorf("evict row %s/%s: %w", table, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("evict row %s/%s: rows affected: %w", table, key, err)
	}
	return n > 0, nil
}

// TableUsage summarizes one logical table.
type TableUsage struct {
	Rows       int
	Dirty      int
	Tombstones int
	Bytes      int64
}

// RowUsage counts rows of table. An empty tenant counts every tenant.
func RowUsage(ctx context.Context, q Queryer, table, tenant string) (TableUsage, error) {
	var u TableUsage
	err := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*),
		       COALESCE(SUM(dirty), 0),
		       COALESCE(SUM(deleted), 0),
		       COALESCE(SUM(size), 0)
		FROM %s WHERE (? = '' OR tenant = ?)
	`, rowTable(table)), tenant, tenant).Scan(&u.Rows, &u.Dirty, &u.Tombstones, &u.Bytes)
	if err != nil {
		return TableUsage{}, fmt.Errorf("row usage %s: %w", table, err)
	}
	return u, nil
}

// Candidate is a row eligible for eviction.
type Candidate struct {
	Table        string
	Tenant       string
	Key          string
	LastAccessed time.Time
	Size         int64
}

// EvictionCandidates returns clean rows of table, across tenants, last
// modified before modifiedBefore and last accessed before accessedBefore,
// oldest access first.
func EvictionCandidates(ctx context.Context, q Queryer, table string, modifiedBefore, accessedBefore time.Time) ([]Candidate, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT tenant, row_key, last_accessed, size
		FROM %s
		WHERE dirty = 0 AND updated_at < ? AND last_accessed < ?
		ORDER BY last_accessed ASC, row_key ASC COLLATE BINARY
	`, rowTable(table)), millis(modifiedBefore), millis(accessedBefore))
	if err != nil {
		return nil, fmt.Errorf("eviction candidates %s: %w", table, err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			c  = Candidate{Table: table}
			la int64
		)
		if err := rows.Scan(&c.Tenant, &c.Key, &la, &c.Size); err != nil {
			return nil, fmt.Errorf("eviction candidates %s: scan: %w", table, err)
		}
		c.LastAccessed = fromMillis(la)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eviction candidates %s: %w", table, err)
	}
	return out, nil
}

// ClearRows removes every row of tenant from table.
func ClearRows(ctx context.Context, q Queryer, table, tenant string) (int64, error) {
	res, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tenant = ?`, rowTable(table)), tenant)
	if err != nil {
		return 0, fmt.Errorf("clear rows %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear rows %s: rows affected: %w", table, err)
	}
	return n, nil
}
