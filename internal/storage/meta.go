package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TableInfo is a registry entry for an initialized logical table.
type TableInfo struct {
	Name         string
	Category     string
	TTL          time.Duration
	Policy       string
	RegisteredAt time.Time
}

// RegisterTable records (or refreshes) a logical table in the registry.
func RegisterTable(ctx context.Context, q Queryer, info TableInfo) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO replica_tables (name, category, ttl_ms, policy, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			category = excluded.category,
			ttl_ms   = excluded.ttl_ms,
			policy   = excluded.policy
	`, info.Name, info.Category, info.TTL.Milliseconds(), info.Policy, millis(info.RegisteredAt))
	if err != nil {
		return fmt.Errorf("register table %s: %w", info.Name, err)
	}
	return nil
}

// RegisteredTables lists the registry ordered by name.
func RegisteredTables(ctx context.Context, q Queryer) ([]TableInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, category, ttl_ms, policy, registered_at
		FROM replica_tables
		ORDER BY name COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []TableInfo
	for rows.Next() {
		var (
			info       TableInfo
			ttl, regAt int64
		)
		if err := rows.Scan(&info.Name, &info.Category, &ttl, &info.Policy, &regAt); err != nil {
			return nil, fmt.Errorf("list tables: scan: %w", err)
		}
		info.TTL = time.Duration(ttl) * time.Millisecond
		info.RegisteredAt = fromMillis(regAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

// GetCursor returns the pull watermark of (tenant, table). Zero means
// nothing has been pulled yet.
func GetCursor(ctx context.Context, q Queryer, tenant, table string) (int64, error) {
	var cursor int64
	err := q.QueryRowContext(ctx, `
		SELECT cursor FROM sync_cursors WHERE tenant = ? AND table_name = ?
	`, tenant, table).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor %s/%s: %w", tenant, table, err)
	}
	return cursor, nil
}

// SetCursor stores the pull watermark of (tenant, table).
func SetCursor(ctx context.Context, q Queryer, tenant, table string, cursor int64, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_cursors (tenant, table_name, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant, table_name) DO UPDATE SET
			cursor     = excluded.cursor,
			updated_at = excluded.updated_at
	`, tenant, table, cursor, millis(at))
	if err != nil {
		return fmt.Errorf("set cursor %s/%s: %w", tenant, table, err)
	}
	return nil
}

// ClearCursors forgets every watermark of tenant.
func ClearCursors(ctx context.Context, q Queryer, tenant string) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM sync_cursors WHERE tenant = ?`, tenant)
	if err != nil {
		return 0, fmt.Errorf("clear cursors: %w", err)
	}
	return res.RowsAffected()
}

// ConflictRecord is one entry of the resolution history.
type ConflictRecord struct {
	ID              int64
	Tenant          string
	Table           string
	Key             string
	Policy          string
	Winner          string
	LocalUpdatedAt  time.Time
	RemoteUpdatedAt time.Time
	RemotePayload   []byte
	ResolvedAt      time.Time
}

// AppendConflict appends rec to the resolution history.
func AppendConflict(ctx context.Context, q Queryer, rec ConflictRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO conflict_log
		(tenant, table_name, row_key, policy, winner, local_updated_at, remote_updated_at, remote_payload, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Tenant,
		rec.Table,
		rec.Key,
		rec.Policy,
		rec.Winner,
		millis(rec.LocalUpdatedAt),
		millis(rec.RemoteUpdatedAt),
		rec.RemotePayload,
		millis(rec.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("append conflict %s/%s/%s: %w", rec.Tenant, rec.Table, rec.Key, err)
	}
	return nil
}

// ConflictHistory lists resolutions of tenant in the order they happened.
// An empty table lists every table.
func ConflictHistory(ctx context.Context, q Queryer, tenant, table string) ([]ConflictRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, tenant, table_name, row_key, policy, winner,
		       local_updated_at, remote_updated_at, remote_payload, resolved_at
		FROM conflict_log
		WHERE tenant = ? AND (? = '' OR table_name = ?)
		ORDER BY id ASC
	`, tenant, table, table)
	if err != nil {
		return nil, fmt.Errorf("conflict history: %w", err)
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		var (
			rec                  ConflictRecord
			local, remote, rslvd int64
		)
		if err := rows.Scan(&rec.ID, &rec.Tenant, &rec.Table, &rec.Key, &rec.Policy, &rec.Winner,
			&local, &remote, &rec.RemotePayload, &rslvd); err != nil {
			return nil, fmt.Errorf("conflict history: scan: %w", err)
		}
		rec.LocalUpdatedAt = fromMillis(local)
		rec.RemoteUpdatedAt = fromMillis(remote)
		rec.ResolvedAt = fromMillis(rslvd)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClearResult counts what ClearTenant removed.
type ClearResult struct {
	Rows      int64
	Mutations int64
	Cursors   int64
	Conflicts int64
}

// ClearTenant removes every row, outbox entry, cursor and conflict record of
// tenant. Run it inside one write transaction.
func ClearTenant(ctx context.Context, q Queryer, tenant string, tables []string) (ClearResult, error) {
	var (
		res ClearResult
		err error
	)
	for _, table := range tables {
		n, err := ClearRows(ctx, q, table, tenant)
		if err != nil {
			return ClearResult{}, err
		}
		res.Rows += n
	}
	if res.Mutations, err = ClearMutations(ctx, q, tenant); err != nil {
		return ClearResult{}, err
	}
	if res.Cursors, err = ClearCursors(ctx, q, tenant); err != nil {
		return ClearResult{}, err
	}
	r, err := q.ExecContext(ctx, `DELETE FROM conflict_log WHERE tenant = ?`, tenant)
	if err != nil {
		return ClearResult{}, fmt.Errorf("clear conflicts: %w", err)
	}
	if res.Conflicts, err = r.RowsAffected(); err != nil {
		return ClearResult{}, fmt.Errorf("clear conflicts: rows affected: %w", err)
	}
	return res, nil
}
