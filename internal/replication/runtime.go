// Package replication assembles the replica cache: shared storage handle,
// outbox, tables, sync engine and eviction manager, behind one Runtime.
//
// Typical use:
//
//	rt, err := replication.Open(ctx, cfg, cat, source, replication.WithLogger(logger))
//	if err != nil { ... }
//	defer rt.Close(ctx)
//	go rt.Run(ctx)
//
//	tasks, _ := rt.Table("scores")
//	tasks.Put(ctx, rt.Tenant(), "k1", payload)
package replication

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/replica/internal/catalog"
	"github.com/roach88/replica/internal/clock"
	"github.com/roach88/replica/internal/config"
	"github.com/roach88/replica/internal/engine"
	"github.com/roach88/replica/internal/eviction"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/network"
	"github.com/roach88/replica/internal/outbox"
	"github.com/roach88/replica/internal/remote"
	"github.com/roach88/replica/internal/replica"
	"github.com/roach88/replica/internal/storage"
	"github.com/roach88/replica/internal/txn"
)

var (
	// ErrUnknownTable is returned for a table name missing from the catalog.
	ErrUnknownTable = errors.New("unknown table")

	// ErrRunning is returned by Run when the runtime is already running.
	ErrRunning = errors.New("runtime already running")

	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("runtime closed")
)

// clearStore is the coordinator store name of scope clearing.
const clearStore = "clear_scope"

// Runtime owns every component of one replica cache.
//
// Thread-safety: all methods are safe for concurrent use.
type Runtime struct {
	cfg      *config.Config
	rc       *replica.Context
	handle   *storage.Handle
	outbox   *outbox.Queue
	tables   []*replica.Table
	byName   map[string]*replica.Table
	engine   *engine.Engine
	eviction *eviction.Manager
	logger   *zap.Logger
	metrics  *metrics.Metrics

	initErrs map[string]error

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
	running bool
}

type options struct {
	clock   clock.Clock
	logger  *zap.Logger
	reg     prometheus.Registerer
	monitor *network.Monitor
	opener  storage.Opener
}

// Option configures Open.
type Option func(*options)

// WithClock sets the time source of every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger of every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegisterer registers the metrics on reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.reg = reg
	}
}

// WithMonitor supplies the connectivity monitor. Defaults to a monitor
// that starts online.
func WithMonitor(m *network.Monitor) Option {
	return func(o *options) {
		o.monitor = m
	}
}

// WithOpener replaces the SQLite opener of the storage handle.
func WithOpener(op storage.Opener) Option {
	return func(o *options) {
		o.opener = op
	}
}

// Open builds a runtime from cfg and cat and initializes every table
// concurrently. A table that fails to initialize stays in the Failed state
// without affecting its siblings; Open only fails when no table could be
// initialized.
func Open(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, source remote.Source, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("open runtime: %w", err)
	}
	if cat == nil || len(cat.Tables) == 0 {
		return nil, fmt.Errorf("open runtime: empty catalog")
	}
	if source == nil {
		return nil, fmt.Errorf("open runtime: nil remote source")
	}

	o := options{clock: clock.Real{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.monitor == nil {
		o.monitor = network.NewMonitor(true)
	}
	if o.opener == nil {
		o.opener = storage.SQLiteOpener(cfg.Database.Path, o.logger)
	}

	m := metrics.New(o.reg)
	coord := txn.New(o.logger)
	m.RegisterInFlight(coord.InFlight)
	handle := storage.NewHandle(o.opener, coord, o.logger,
		storage.WithMaxOpenAttempts(cfg.Database.MaxOpenAttempts),
		storage.WithMetrics(m))

	queue := outbox.New(handle, source,
		outbox.WithConfig(outbox.Config{
			BackoffUnit: cfg.Outbox.BackoffUnit,
			MaxRetries:  cfg.Outbox.MaxRetries,
			MaxBackoff:  cfg.Outbox.MaxBackoff,
			Concurrency: cfg.Outbox.Concurrency,
		}),
		outbox.WithClock(o.clock),
		outbox.WithLogger(o.logger),
		outbox.WithMetrics(m))

	rc, err := replica.NewContext(cfg.Tenant, handle, queue, source, o.monitor,
		replica.WithClock(o.clock),
		replica.WithLogger(o.logger),
		replica.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("open runtime: %w", err)
	}

	r := &Runtime{
		cfg:      cfg,
		rc:       rc,
		handle:   handle,
		outbox:   queue,
		byName:   make(map[string]*replica.Table, len(cat.Tables)),
		logger:   o.logger.Named("runtime"),
		metrics:  m,
		initErrs: make(map[string]error),
	}

	for _, tc := range cat.Tables {
		if tc.TTL <= 0 {
			tc.TTL = cfg.TTL.Short
			if tc.Category == replica.CategoryLong {
				tc.TTL = cfg.TTL.Long
			}
		}
		t, err := replica.NewTable(rc, tc)
		if err != nil {
			return nil, fmt.Errorf("open runtime: table %s: %w", tc.Name, err)
		}
		r.tables = append(r.tables, t)
		r.byName[t.Name()] = t
	}

	r.initTables(ctx)
	if len(r.initErrs) == len(r.tables) {
		_ = handle.Close(ctx)
		return nil, fmt.Errorf("open runtime: no table initialized: %w", errors.Join(r.initErrorList()...))
	}

	r.eviction = eviction.New(handle, o.monitor, r.readyNames(),
		eviction.WithConfig(eviction.Config{
			SoftQuotaBytes: cfg.Eviction.SoftQuotaBytes,
			ModifiedWindow: cfg.Eviction.ModifiedWindow,
			AccessedWindow: cfg.Eviction.AccessedWindow,
		}),
		eviction.WithClock(o.clock),
		eviction.WithLogger(o.logger),
		eviction.WithMetrics(m))
	rc.SetAfterWrite(func(context.Context) { r.eviction.Trigger() })

	r.engine, err = engine.New(rc, r.tables,
		engine.WithDrainInterval(cfg.Outbox.DrainInterval),
		engine.WithLogger(o.logger),
		engine.WithMetrics(m))
	if err != nil {
		_ = handle.Close(ctx)
		return nil, fmt.Errorf("open runtime: %w", err)
	}

	r.logger.Info("runtime opened",
		zap.String("tenant", cfg.Tenant),
		zap.String("path", cfg.Database.Path),
		zap.Int("tables", len(r.tables)),
		zap.Int("failed", len(r.initErrs)))
	return r, nil
}

// initTables initializes every table concurrently. Failures are recorded
// per table and never cancel siblings.
func (r *Runtime) initTables(ctx context.Context) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for _, t := range r.tables {
		g.Go(func() error {
			if err := t.Init(ctx); err != nil {
				r.logger.Error("table initialization failed",
					zap.String("table", t.Name()), zap.Error(err))
				mu.Lock()
				r.initErrs[t.Name()] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runtime) initErrorList() []error {
	errs := make([]error, 0, len(r.initErrs))
	for _, t := range r.tables {
		if err, ok := r.initErrs[t.Name()]; ok {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errs
}

// readyNames lists the tables that finished initialization.
func (r *Runtime) readyNames() []string {
	names := make([]string, 0, len(r.tables))
	for _, t := range r.tables {
		if t.State() == replica.StateReady {
			names = append(names, t.Name())
		}
	}
	return names
}

// InitErrors returns the initialization failure of every failed table.
func (r *Runtime) InitErrors() map[string]error {
	out := make(map[string]error, len(r.initErrs))
	for name, err := range r.initErrs {
		out[name] = err
	}
	return out
}

// Tenant returns the active tenant.
func (r *Runtime) Tenant() string { return r.rc.Tenant() }

// Table returns the table called name.
func (r *Runtime) Table(name string) (*replica.Table, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

// Tables returns every table in catalog order.
func (r *Runtime) Tables() []*replica.Table {
	return append([]*replica.Table(nil), r.tables...)
}

// Engine returns the sync engine.
func (r *Runtime) Engine() *engine.Engine { return r.engine }

// Outbox returns the mutation queue.
func (r *Runtime) Outbox() *outbox.Queue { return r.outbox }

// Eviction returns the eviction manager.
func (r *Runtime) Eviction() *eviction.Manager { return r.eviction }

// Network returns the connectivity monitor.
func (r *Runtime) Network() *network.Monitor { return r.rc.Network() }

// Metrics returns the runtime metrics.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// Handle returns the shared storage handle.
func (r *Runtime) Handle() *storage.Handle { return r.handle }

// Run starts the sync engine and the eviction manager and blocks until ctx
// is cancelled or Close is called. Returns nil after Close.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.running {
		r.mu.Unlock()
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.running, r.cancel, r.done = true, cancel, done
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(done)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.engine.Run(gctx) })
	g.Go(func() error { return r.eviction.Run(gctx) })
	err := g.Wait()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SyncAll forces a full resync of every table and drains the outbox. It
// blocks until done.
func (r *Runtime) SyncAll(ctx context.Context) (engine.SyncReport, error) {
	return r.engine.SyncAll(ctx, engine.SyncOptions{FullResync: true})
}

// TableStats summarizes one table of the active tenant.
type TableStats struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Rows       int    `json:"rows"`
	Dirty      int    `json:"dirty"`
	Tombstones int    `json:"tombstones"`
	Bytes      int64  `json:"bytes"`
}

// Stats is the cache summary returned by GetCacheStats.
type Stats struct {
	Tenant      string       `json:"tenant"`
	TotalRows   int          `json:"total_rows"`
	ApproxBytes int64        `json:"approx_bytes"`
	Tables      []TableStats `json:"tables"`
	Pending     int          `json:"pending"`
	Syncing     int          `json:"syncing"`
	Failed      int          `json:"failed"`
	Online      bool         `json:"online"`
	Degraded    bool         `json:"degraded"`
}

// GetCacheStats summarizes the active tenant's cache in one read
// transaction. ApproxBytes includes queued mutations.
func (r *Runtime) GetCacheStats(ctx context.Context) (Stats, error) {
	tenant := r.rc.Tenant()
	stats := Stats{
		Tenant:   tenant,
		Tables:   make([]TableStats, 0, len(r.tables)),
		Online:   r.rc.Network().Online(),
		Degraded: r.eviction.Degraded(),
	}

	err := r.handle.Run(ctx, "stats", txn.ModeRead, func(tx *sql.Tx) error {
		stats.TotalRows, stats.ApproxBytes = 0, 0
		stats.Tables = stats.Tables[:0]
		for _, t := range r.tables {
			ts := TableStats{Name: t.Name(), State: t.State().String()}
			if t.State() == replica.StateReady {
				u, err := storage.RowUsage(ctx, tx, t.Name(), tenant)
				if err != nil {
					return err
				}
				ts.Rows, ts.Dirty, ts.Tombstones, ts.Bytes = u.Rows, u.Dirty, u.Tombstones, u.Bytes
			}
			stats.Tables = append(stats.Tables, ts)
			stats.TotalRows += ts.Rows
			stats.ApproxBytes += ts.Bytes
		}

		counts, err := storage.CountMutations(ctx, tx, tenant)
		if err != nil {
			return err
		}
		stats.Pending = counts[ir.StatusPending]
		stats.Syncing = counts[ir.StatusSyncing]
		stats.Failed = counts[ir.StatusFailed]

		mb, err := storage.MutationBytes(ctx, tx)
		if err != nil {
			return err
		}
		stats.ApproxBytes += mb
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}

// ClearScope cancels pulls and drains in progress and then removes every
// cached row, queued mutation, sync cursor and conflict entry of tenant in
// one transaction.
func (r *Runtime) ClearScope(ctx context.Context, tenant string) (storage.ClearResult, error) {
	if err := ir.ValidateTenant(tenant); err != nil {
		return storage.ClearResult{}, err
	}
	if _, err := r.engine.CancelActive(ctx); err != nil {
		return storage.ClearResult{}, fmt.Errorf("clear scope %s: %w", tenant, err)
	}

	names := r.readyNames()

	var res storage.ClearResult
	err := r.handle.Run(ctx, clearStore, txn.ModeWrite, func(tx *sql.Tx) error {
		var err error
		res, err = storage.ClearTenant(ctx, tx, tenant, names)
		return err
	})
	if err != nil {
		return storage.ClearResult{}, fmt.Errorf("clear scope %s: %w", tenant, err)
	}
	r.engine.ResetDedupe()

	r.logger.Info("scope cleared",
		zap.String("tenant", tenant),
		zap.Int64("rows", res.Rows),
		zap.Int64("mutations", res.Mutations))
	return res, nil
}

// SwitchTenant makes tenant the active scope. With clearPrevious the
// previous tenant's data is cleared first. A full resync is requested for
// the running engine.
func (r *Runtime) SwitchTenant(ctx context.Context, tenant string, clearPrevious bool) error {
	if err := ir.ValidateTenant(tenant); err != nil {
		return err
	}
	prev := r.rc.Tenant()
	if prev == tenant {
		return nil
	}

	if clearPrevious {
		if _, err := r.ClearScope(ctx, prev); err != nil {
			return err
		}
	} else if _, err := r.engine.CancelActive(ctx); err != nil {
		return fmt.Errorf("switch tenant: %w", err)
	}

	if err := r.rc.SetTenant(tenant); err != nil {
		return err
	}
	r.engine.ResetDedupe()
	r.engine.RequestSync(true)
	return nil
}

// Close stops Run, waits for it and closes the storage handle once every
// transaction has settled.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel, done, running := r.cancel, r.done, r.running
	r.mu.Unlock()

	r.engine.Stop()
	if running {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := r.rc.Close(ctx); err != nil {
		return err
	}
	r.logger.Info("runtime closed")
	return nil
}
