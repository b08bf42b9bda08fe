package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/replica/internal/conflict"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/remote"
	"github.com/roach88/replica/internal/storage"
	"github.com/roach88/replica/internal/txn"
)

// Category selects a table's default TTL.
type Category string

const (
	// CategoryShort is for frequently changing operational data.
	CategoryShort Category = "short"
	// CategoryLong is for largely static reference data.
	CategoryLong Category = "long"
)

const (
	ShortTTL = 7 * 24 * time.Hour
	LongTTL  = 30 * 24 * time.Hour
)

// ParseCategory validates a category name. The empty string yields
// CategoryShort.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case "":
		return CategoryShort, nil
	case CategoryShort, CategoryLong:
		return c, nil
	default:
		return "", fmt.Errorf("unknown table category %q", s)
	}
}

// DefaultTTL returns the TTL of the category.
func (c Category) DefaultTTL() time.Duration {
	if c == CategoryLong {
		return LongTTL
	}
	return ShortTTL
}

// TableConfig describes one logical table.
type TableConfig struct {
	Name     string
	Category Category
	// TTL overrides the category default when non-zero.
	TTL    time.Duration
	Policy conflict.Policy
}

// State is the initialization state of a Table.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Table is the local cache of one logical table. It owns no storage: every
// read and write goes through the context's shared handle.
//
// Thread-safety: all methods are safe for concurrent use.
type Table struct {
	rc       *Context
	name     string
	category Category
	ttl      time.Duration
	policy   conflict.Policy

	mu       sync.Mutex
	state    State
	initDone chan struct{}
	initErr  error

	// flight collapses concurrent misses on one key into one remote fetch.
	flight singleflight.Group

	subMu   sync.RWMutex
	subs    map[uint64]func(Change)
	nextSub uint64
}

// NewTable creates an uninitialized table bound to rc.
func NewTable(rc *Context, cfg TableConfig) (*Table, error) {
	if err := ir.ValidateTableName(cfg.Name); err != nil {
		return nil, err
	}
	category, err := ParseCategory(string(cfg.Category))
	if err != nil {
		return nil, err
	}
	policy, err := conflict.ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = category.DefaultTTL()
	}
	return &Table{
		rc:       rc,
		name:     cfg.Name,
		category: category,
		ttl:      ttl,
		policy:   policy,
		state:    StateUninitialized,
		subs:     make(map[uint64]func(Change)),
	}, nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Category returns the TTL category.
func (t *Table) Category() Category { return t.category }

// TTL returns the freshness window.
func (t *Table) TTL() time.Duration { return t.ttl }

// Policy returns the conflict policy.
func (t *Table) Policy() conflict.Policy { return t.policy }

// State returns the initialization state.
func (t *Table) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Init prepares the table's store. Concurrent calls share one
// initialization; a failed initialization can be retried.
func (t *Table) Init(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateReady:
		t.mu.Unlock()
		return nil
	case StateInitializing:
		done := t.initDone
		t.mu.Unlock()
		select {
		case <-ctx.Done():
			return fmt.Errorf("init table %s: %w", t.name, ctx.Err())
		case <-done:
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.initErr
	}
	done := make(chan struct{})
	t.initDone = done
	t.state = StateInitializing
	t.mu.Unlock()

	err := t.initialize(ctx)

	t.mu.Lock()
	if err != nil {
		t.state = StateFailed
		t.initErr = err
	} else {
		t.state = StateReady
		t.initErr = nil
	}
	close(done)
	t.mu.Unlock()

	if err != nil {
		t.rc.logger.Error("table initialization failed", zap.String("table", t.name), zap.Error(err))
	}
	return err
}

func (t *Table) initialize(ctx context.Context) error {
	if _, err := t.rc.handle.Acquire(ctx); err != nil {
		return fmt.Errorf("init table %s: %w", t.name, err)
	}

	// Wait for every transaction in flight right now, not a fixed delay.
	// Many tables initializing together would otherwise contend on the
	// store's single writer.
	if err := t.rc.Coordinator().WaitForInFlight(ctx); err != nil {
		return fmt.Errorf("init table %s: %w", t.name, err)
	}

	err := t.rc.handle.Run(ctx, t.name, txn.ModeWrite, func(tx *sql.Tx) error {
		if err := storage.CreateRowTable(ctx, tx, t.name); err != nil {
			return err
		}
		return storage.RegisterTable(ctx, tx, storage.TableInfo{
			Name:         t.name,
			Category:     string(t.category),
			TTL:          t.ttl,
			Policy:       string(t.policy),
			RegisteredAt: t.rc.clock.Now(),
		})
	})
	if err != nil {
		return fmt.Errorf("init table %s: %w", t.name, err)
	}

	t.rc.logger.Debug("table ready",
		zap.String("table", t.name),
		zap.Duration("ttl", t.ttl),
		zap.String("policy", string(t.policy)))
	return nil
}

func (t *Table) ready(tenant string) error {
	if t.State() != StateReady {
		return fmt.Errorf("%s: %w", t.name, ErrNotReady)
	}
	return t.rc.CheckTenant(tenant)
}

// Get returns the record for key.
//
// A fresh row, or one with an unsynced local change, is served locally.
// Otherwise the remote source is asked; if it cannot be reached the cached
// row is served even though it expired. Without a cached row the call fails
// with ErrRemoteUnavailable.
func (t *Table) Get(ctx context.Context, tenant, key string) (ir.Record, error) {
	if err := t.ready(tenant); err != nil {
		return ir.Record{}, err
	}
	key = ir.NormalizeKey(key)
	now := t.rc.clock.Now()

	var (
		row    ir.CachedRow
		found  bool
		served bool
	)
	err := t.rc.handle.Run(ctx, t.name, txn.ModeWrite, func(tx *sql.Tx) error {
		var err error
		row, found, err = storage.GetRow(ctx, tx, t.name, tenant, key)
		if err != nil || !found {
			return err
		}
		if row.Dirty || row.Fresh(now, t.ttl) {
			served = true
			return storage.TouchRow(ctx, tx, t.name, tenant, key, now)
		}
		return nil
	})
	if err != nil {
		return ir.Record{}, fmt.Errorf("get %s/%s: %w", t.name, key, err)
	}

	if served {
		t.rc.metrics.CacheHits.WithLabelValues(t.name).Inc()
		if row.Deleted {
			return ir.Record{}, fmt.Errorf("get %s/%s: %w", t.name, key, ErrNotFound)
		}
		return row.Record, nil
	}
	t.rc.metrics.CacheMisses.WithLabelValues(t.name).Inc()

	if !t.rc.network.Online() {
		return t.serveStale(key, row, found, remote.ErrUnavailable)
	}
	return t.fetch(ctx, tenant, key, row, found)
}

func (t *Table) serveStale(key string, row ir.CachedRow, found bool, cause error) (ir.Record, error) {
	if found && !row.Deleted {
		t.rc.metrics.StaleServes.WithLabelValues(t.name).Inc()
		t.rc.logger.Debug("serving stale row",
			zap.String("table", t.name),
			zap.String("key", key),
			zap.Time("updated_at", row.UpdatedAt),
			zap.Error(cause))
		return row.Record, nil
	}
	return ir.Record{}, fmt.Errorf("get %s/%s: %w: %w", t.name, key, ErrRemoteUnavailable, cause)
}

func (t *Table) fetch(ctx context.Context, tenant, key string, cached ir.CachedRow, found bool) (ir.Record, error) {
	ch := t.flight.DoChan(tenant+"\x00"+key, func() (any, error) {
		// Shared by every waiter on key; one of them giving up must not
		// cancel the fetch for the rest.
		return t.fetchAndStore(context.WithoutCancel(ctx), tenant, key)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return ir.Record{}, fmt.Errorf("get %s/%s: %w", t.name, key, ctx.Err())
	case res = <-ch:
	}
	v, err := res.Val, res.Err
	switch {
	case err == nil:
		rec := v.(ir.Record)
		if rec.Deleted {
			return ir.Record{}, fmt.Errorf("get %s/%s: %w", t.name, key, ErrNotFound)
		}
		return rec, nil
	case errors.Is(err, remote.ErrNotFound):
		return ir.Record{}, fmt.Errorf("get %s/%s: %w", t.name, key, ErrNotFound)
	case remote.IsUnavailable(err):
		return t.serveStale(key, cached, found, err)
	default:
		return ir.Record{}, fmt.Errorf("get %s/%s: %w", t.name, key, err)
	}
}

// fetchAndStore reads key from the remote source and caches it. A row that
// picked up a local change while the fetch was running is kept and returned
// instead.
func (t *Table) fetchAndStore(ctx context.Context, tenant, key string) (ir.Record, error) {
	rec, err := t.rc.source.Fetch(ctx, tenant, t.name, key)
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, remote.ErrNotFound):
			outcome = "not_found"
			// The source no longer has it; drop a clean cached copy.
			if evErr := t.evictFetched(ctx, tenant, key); evErr != nil {
				return ir.Record{}, evErr
			}
		case remote.IsUnavailable(err):
			outcome = "unavailable"
		}
		t.rc.metrics.RemoteFetches.WithLabelValues(t.name, outcome).Inc()
		return ir.Record{}, err
	}
	t.rc.metrics.RemoteFetches.WithLabelValues(t.name, "ok").Inc()

	rec.Key = key
	if rec.Deleted {
		if err := t.evictFetched(ctx, tenant, key); err != nil {
			return ir.Record{}, err
		}
		return rec, nil
	}
	if rec.Payload, err = ir.CanonicalPayload(rec.Payload); err != nil {
		return ir.Record{}, fmt.Errorf("fetched %s/%s: %w", t.name, key, err)
	}

	now := t.rc.clock.Now()
	out := rec
	stored := false
	err = t.rc.handle.Run(ctx, t.name, txn.ModeWrite, func(tx *sql.Tx) error {
		cur, found, err := storage.GetRow(ctx, tx, t.name, tenant, key)
		if err != nil {
			return err
		}
		if found && cur.Dirty {
			out = cur.Record
			return nil
		}
		stored = true
		return storage.PutRow(ctx, tx, t.name, tenant, ir.CachedRow{Record: rec, CachedAt: now, LastAccessed: now})
	})
	if err != nil {
		return ir.Record{}, err
	}
	if stored {
		t.Publish(Change{Table: t.name, Tenant: tenant, Record: rec, Origin: OriginRemote})
	}
	return out, nil
}

// evictFetched drops a clean cached copy of a key the source reports gone.
func (t *Table) evictFetched(ctx context.Context, tenant, key string) error {
	var removed bool
	err := t.rc.handle.Run(ctx, t.name, txn.ModeWrite, func(tx *sql.Tx) error {
		var err error
		removed, err = storage.EvictRow(ctx, tx, t.name, tenant, key)
		return err
	})
	if err != nil {
		return err
	}
	if removed {
		t.Publish(Change{
			Table:  t.name,
			Tenant: tenant,
			Record: ir.Record{Key: key, UpdatedAt: t.rc.clock.Now(), Deleted: true},
			Origin: OriginRemote,
		})
	}
	return nil
}

type writeOptions struct {
	mutationType ir.MutationType
}

// WriteOption configures Put.
type WriteOption func(*writeOptions)

// WithMutationType classifies the queued mutation. The default is
// generic-update.
func WithMutationType(mt ir.MutationType) WriteOption {
	return func(o *writeOptions) { o.mutationType = mt }
}

// Put writes payload for key locally, marks the row dirty and queues the
// mutation. It never waits on the network.
func (t *Table) Put(ctx context.Context, tenant, key string, payload json.RawMessage, opts ...WriteOption) (ir.Record, error) {
	if err := t.ready(tenant); err != nil {
		return ir.Record{}, err
	}
	key = ir.NormalizeKey(key)
	if key == "" {
		return ir.Record{}, fmt.Errorf("put %s: empty key", t.name)
	}

	wo := writeOptions{mutationType: ir.MutationGenericUpdate}
	for _, opt := range opts {
		opt(&wo)
	}
	if !wo.mutationType.Valid() || wo.mutationType == ir.MutationDelete {
		return ir.Record{}, fmt.Errorf("put %s/%s: invalid mutation type %q", t.name, key, wo.mutationType)
	}

	canonical, err := ir.CanonicalPayload(payload)
	if err != nil {
		return ir.Record{}, fmt.Errorf("put %s/%s: %w", t.name, key, err)
	}
	if canonical == nil {
		return ir.Record{}, fmt.Errorf("put %s/%s: empty payload", t.name, key)
	}
	return t.write(ctx, "put", tenant, key, canonical, wo.mutationType)
}

// Delete writes a tombstone for key and queues a delete mutation. The
// tombstone is protected like any dirty row until the delete is confirmed.
func (t *Table) Delete(ctx context.Context, tenant, key string) error {
	if err := t.ready(tenant); err != nil {
		return err
	}
	key = ir.NormalizeKey(key)
	if key == "" {
		return fmt.Errorf("delete %s: empty key", t.name)
	}
	_, err := t.write(ctx, "delete", tenant, key, nil, ir.MutationDelete)
	return err
}

func (t *Table) write(ctx context.Context, op, tenant, key string, payload json.RawMessage, mt ir.MutationType) (ir.Record, error) {
	now := t.rc.clock.Now()
	rec := ir.Record{
		Key:       key,
		Payload:   payload,
		UpdatedAt: now,
		Deleted:   mt == ir.MutationDelete,
	}
	m := &ir.Mutation{
		Tenant:     tenant,
		Table:      t.name,
		Key:        key,
		Type:       mt,
		Payload:    payload,
		EnqueuedAt: now,
	}

	err := t.rc.handle.Run(ctx, t.name, txn.ModeWrite, func(tx *sql.Tx) error {
		row := ir.CachedRow{Record: rec, Dirty: true, CachedAt: now, LastAccessed: now}
		if err := storage.PutRow(ctx, tx, t.name, tenant, row); err != nil {
			return err
		}
		return t.rc.outbox.EnqueueTx(ctx, tx, m)
	})
	if err != nil {
		return ir.Record{}, fmt.Errorf("%s %s/%s: %w", op, t.name, key, err)
	}

	t.rc.outbox.Notify()
	t.Publish(Change{Table: t.name, Tenant: tenant, Record: rec, Origin: OriginLocal})
	t.rc.runAfterWrite(ctx)
	return rec, nil
}

// differs reports whether b changes what a reader of a would see.
func differs(a, b ir.Record) bool {
	if a.Deleted != b.Deleted {
		return true
	}
	return ir.PayloadHash(a.Payload) != ir.PayloadHash(b.Payload)
}

// BulkResult reports what BulkUpsert did. Unchanged rows were rewritten
// with a payload and tombstone state readers already saw.
type BulkResult struct {
	Applied   int
	Removed   int
	Unchanged int
	// Conflicts are remote versions of rows that carry unsynced local
	// changes. They were not written; the caller resolves them.
	Conflicts []ir.Record
}

// BulkUpsert writes remote records in one transaction. Rows are stored
// clean and no mutations are queued. Deleted records remove the cached row.
// Dirty rows are skipped and their remote versions returned as conflicts.
func (t *Table) BulkUpsert(ctx context.Context, tenant string, records []ir.Record) (BulkResult, error) {
	if err := t.ready(tenant); err != nil {
		return BulkResult{}, err
	}
	now := t.rc.clock.Now()

	var (
		res     BulkResult
		changes []Change
	)
	err := t.rc.handle.Run(ctx, t.name, txn.ModeWrite, func(tx *sql.Tx) error {
		res = BulkResult{}
		changes = changes[:0]
		for _, raw := range records {
			rec, err := normalizeRecord(raw)
			if err != nil {
				return fmt.Errorf("record %q: %w", raw.Key, err)
			}
			cur, found, err := storage.GetRow(ctx, tx, t.name, tenant, rec.Key)
			if err != nil {
				return err
			}
			if found && cur.Dirty {
				res.Conflicts = append(res.Conflicts, rec)
				continue
			}
			w, err := t.applyRemote(ctx, tx, tenant, cur, found, rec, now)
			if err != nil {
				return err
			}
			switch {
			case !w.Changed:
				res.Unchanged++
			case rec.Deleted:
				res.Removed++
			default:
				res.Applied++
			}
			if w.Written {
				changes = append(changes, Change{Table: t.name, Tenant: tenant, Record: rec, Origin: OriginRemote})
			}
		}
		return nil
	})
	if err != nil {
		return BulkResult{}, fmt.Errorf("bulk upsert %s: %w", t.name, err)
	}

	for _, c := range changes {
		t.Publish(c)
	}
	if res.Applied > 0 {
		t.rc.runAfterWrite(ctx)
	}
	return res, nil
}

func normalizeRecord(rec ir.Record) (ir.Record, error) {
	rec.Key = ir.NormalizeKey(rec.Key)
	if rec.Key == "" {
		return rec, fmt.Errorf("empty key")
	}
	if rec.Deleted {
		rec.Payload = nil
		return rec, nil
	}
	payload, err := ir.CanonicalPayload(rec.Payload)
	if err != nil {
		return rec, err
	}
	rec.Payload = payload
	return rec, nil
}

// RemoteWrite says what applying one remote record did to the cache.
type RemoteWrite struct {
	// Written: the row was stored or removed.
	Written bool
	// Changed: readers see a different payload or tombstone state.
	Changed bool
}

// applyRemote stores rec as a clean row, or removes the row for a deleted
// record. The previous access time is kept so a sync does not make every
// row look recently used.
func (t *Table) applyRemote(ctx context.Context, tx *sql.Tx, tenant string, cur ir.CachedRow, found bool, rec ir.Record, now time.Time) (RemoteWrite, error) {
	if rec.Deleted {
		if !found {
			return RemoteWrite{}, nil
		}
		if _, err := storage.DeleteRow(ctx, tx, t.name, tenant, rec.Key); err != nil {
			return RemoteWrite{}, err
		}
		return RemoteWrite{Written: true, Changed: !cur.Deleted}, nil
	}

	accessed := now
	if found && !cur.LastAccessed.IsZero() {
		accessed = cur.LastAccessed
	}
	row := ir.CachedRow{Record: rec, CachedAt: now, LastAccessed: accessed}
	if err := storage.PutRow(ctx, tx, t.name, tenant, row); err != nil {
		return RemoteWrite{}, err
	}
	return RemoteWrite{Written: true, Changed: !found || differs(cur.Record, rec)}, nil
}

// LocalRowTx reads the cached row of key inside tx.
func (t *Table) LocalRowTx(ctx context.Context, tx *sql.Tx, tenant, key string) (ir.CachedRow, bool, error) {
	return storage.GetRow(ctx, tx, t.name, tenant, ir.NormalizeKey(key))
}

// ApplyRemoteTx overwrites the cached row with rec inside tx, clearing any
// dirty flag. The caller has already decided that rec wins and publishes
// the change after commit when the row was written.
func (t *Table) ApplyRemoteTx(ctx context.Context, tx *sql.Tx, tenant string, rec ir.Record) (ir.Record, RemoteWrite, error) {
	rec, err := normalizeRecord(rec)
	if err != nil {
		return rec, RemoteWrite{}, fmt.Errorf("apply remote %s/%s: %w", t.name, rec.Key, err)
	}
	cur, found, err := storage.GetRow(ctx, tx, t.name, tenant, rec.Key)
	if err != nil {
		return rec, RemoteWrite{}, err
	}
	w, err := t.applyRemote(ctx, tx, tenant, cur, found, rec, t.rc.clock.Now())
	return rec, w, err
}

// ClearDirtyTx marks the row of key as synced inside tx.
func (t *Table) ClearDirtyTx(ctx context.Context, tx *sql.Tx, tenant, key string) error {
	_, err := storage.ClearRowDirty(ctx, tx, t.name, tenant, ir.NormalizeKey(key))
	return err
}

// Usage summarizes the rows of tenant ("" for every tenant).
func (t *Table) Usage(ctx context.Context, tenant string) (storage.TableUsage, error) {
	var u storage.TableUsage
	err := t.rc.handle.Run(ctx, t.name, txn.ModeRead, func(tx *sql.Tx) error {
		var err error
		u, err = storage.RowUsage(ctx, tx, t.name, tenant)
		return err
	})
	return u, err
}
