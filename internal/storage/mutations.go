package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/replica/internal/ir"
)

const mutationColumns = `seq, id, tenant, table_name, row_key, type, payload, enqueued_at, retry_count, status, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanMutation(s scanner) (ir.Mutation, error) {
	var (
		m          ir.Mutation
		payload    []byte
		enqueuedAt int64
		mtype      string
		status     string
	)
	if err := s.Scan(&m.Seq, &m.ID, &m.Tenant, &m.Table, &m.Key, &mtype, &payload,
		&enqueuedAt, &m.RetryCount, &status, &m.LastError); err != nil {
		return ir.Mutation{}, err
	}
	m.Type = ir.MutationType(mtype)
	m.Status = ir.MutationStatus(status)
	m.Payload = payload
	m.EnqueuedAt = fromMillis(enqueuedAt)
	return m, nil
}

func queryMutations(ctx context.Context, q Queryer, query string, args ...any) ([]ir.Mutation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ir.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMutation appends m to the outbox and sets m.Seq.
// Status defaults to pending.
func InsertMutation(ctx context.Context, q Queryer, m *ir.Mutation) error {
	if m.Status == "" {
		m.Status = ir.StatusPending
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO mutations
		(id, tenant, table_name, row_key, type, payload, enqueued_at, retry_count, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID,
		m.Tenant,
		m.Table,
		m.Key,
		string(m.Type),
		[]byte(m.Payload),
		millis(m.EnqueuedAt),
		m.RetryCount,
		string(m.Status),
		m.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert mutation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert mutation: last insert id: %w", err)
	}
	m.Seq = seq
	return nil
}

// GetMutation reads one outbox entry by id.
func GetMutation(ctx context.Context, q Queryer, id string) (ir.Mutation, bool, error) {
	m, err := scanMutation(q.QueryRowContext(ctx,
		`SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Mutation{}, false, nil
	}
	if err != nil {
		return ir.Mutation{}, false, fmt.Errorf("get mutation %s: %w", id, err)
	}
	return m, true, nil
}

// MutationsByStatus lists entries with the given status in enqueue order.
// An empty tenant lists every tenant; an empty status lists every status.
func MutationsByStatus(ctx context.Context, q Queryer, tenant string, status ir.MutationStatus) ([]ir.Mutation, error) {
	out, err := queryMutations(ctx, q, `
		SELECT `+mutationColumns+`
		FROM mutations
		WHERE (? = '' OR tenant = ?) AND (? = '' OR status = ?)
		ORDER BY seq ASC
	`, tenant, tenant, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	return out, nil
}

// MutationsForRow lists every entry targeting key in enqueue order.
func MutationsForRow(ctx context.Context, q Queryer, key ir.RowKey) ([]ir.Mutation, error) {
	out, err := queryMutations(ctx, q, `
		SELECT `+mutationColumns+`
		FROM mutations
		WHERE tenant = ? AND table_name = ? AND row_key = ?
		ORDER BY seq ASC
	`, key.Tenant, key.Table, key.Key)
	if err != nil {
		return nil, fmt.Errorf("list mutations for %s: %w", key, err)
	}
	return out, nil
}

// UpdateMutation sets status, retry count and last error. Returns false if
// the entry no longer exists (it may have been discarded or cleared).
func UpdateMutation(ctx context.Context, q Queryer, id string, status ir.MutationStatus, retryCount int, lastErr string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE mutations SET status = ?, retry_count = ?, last_error = ? WHERE id = ?
	`, string(status), retryCount, lastErr, id)
	if err != nil {
		return false, fmt.Errorf("update mutation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update mutation %s: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// DeleteMutation removes one entry.
func DeleteMutation(ctx context.Context, q Queryer, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete mutation %s: %w", id, err)
	}
	return nil
}

// CountForRow returns how many entries still target key.
func CountForRow(ctx context.Context, q Queryer, key ir.RowKey) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mutations WHERE tenant = ? AND table_name = ? AND row_key = ?
	`, key.Tenant, key.Table, key.Key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mutations for %s: %w", key, err)
	}
	return n, nil
}

// ResetSyncing reclassifies every syncing entry as pending.
func ResetSyncing(ctx context.Context, q Queryer) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE mutations SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("reset syncing mutations: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed moves failed entries back to pending with a fresh retry
// budget. An empty id retries every failed entry of tenant.
func RetryFailed(ctx context.Context, q Queryer, tenant, id string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE mutations SET status = 'pending', retry_count = 0, last_error = ''
		WHERE status = 'failed' AND tenant = ? AND (? = '' OR id = ?)
	`, tenant, id, id)
	if err != nil {
		return 0, fmt.Errorf("retry failed mutations: %w", err)
	}
	return res.RowsAffected()
}

// ClearFailed deletes failed entries of tenant. An empty id clears all.
func ClearFailed(ctx context.Context, q Queryer, tenant, id string) ([]ir.Mutation, error) {
	cleared, err := queryMutations(ctx, q, `
		SELECT `+mutationColumns+`
		FROM mutations
		WHERE status = 'failed' AND tenant = ? AND (? = '' OR id = ?)
		ORDER BY seq ASC
	`, tenant, id, id)
	if err != nil {
		return nil, fmt.Errorf("clear failed mutations: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		DELETE FROM mutations WHERE status = 'failed' AND tenant = ? AND (? = '' OR id = ?)
	`, tenant, id, id); err != nil {
		return nil, fmt.Errorf("clear failed mutations: %w", err)
	}
	return cleared, nil
}

// DiscardForRow deletes pending and failed entries targeting key. Entries
// currently syncing are left to finish.
func DiscardForRow(ctx context.Context, q Queryer, key ir.RowKey) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM mutations
		WHERE tenant = ? AND table_name = ? AND row_key = ? AND status IN ('pending', 'failed')
	`, key.Tenant, key.Table, key.Key)
	if err != nil {
		return 0, fmt.Errorf("discard mutations for %s: %w", key, err)
	}
	return res.RowsAffected()
}

// CountMutations groups entries of tenant by status. An empty tenant counts
// every tenant.
func CountMutations(ctx context.Context, q Queryer, tenant string) (map[ir.MutationStatus]int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM mutations WHERE (? = '' OR tenant = ?) GROUP BY status
	`, tenant, tenant)
	if err != nil {
		return nil, fmt.Errorf("count mutations: %w", err)
	}
	defer rows.Close()

	out := make(map[ir.MutationStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count mutations: scan: %w", err)
		}
		out[ir.MutationStatus(status)] = n
	}
	return out, rows.Err()
}

// MutationBytes estimates the outbox footprint.
func MutationBytes(ctx context.Context, q Queryer) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(COALESCE(length(payload), 0) + length(row_key) + ?), 0) FROM mutations
	`, RowOverhead).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("mutation bytes: %w", err)
	}
	return n, nil
}

// ClearMutations deletes every entry of tenant.
func ClearMutations(ctx context.Context, q Queryer, tenant string) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM mutations WHERE tenant = ?`, tenant)
	if err != nil {
		return 0, fmt.Errorf("clear mutations: %w", err)
	}
	return res.RowsAffected()
}
