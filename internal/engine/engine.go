package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/replica/internal/conflict"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/outbox"
	"github.com/roach88/replica/internal/replica"
	"github.com/roach88/replica/internal/storage"
	"github.com/roach88/replica/internal/txn"
)

const (
	// DefaultDrainInterval is how often Run drains the outbox while online
	// even without a new enqueue, so entries waiting out a failure of the
	// previous drain are picked up again.
	DefaultDrainInterval = 30 * time.Second

	// DefaultDedupeSize bounds the redelivery cache.
	DefaultDedupeSize = 4096

	// DefaultPullConcurrency bounds the tables pulled at once by SyncAll.
	DefaultPullConcurrency = 4

	// cursorStore is the coordinator store name used for cursor access.
	cursorStore = "sync_cursors"
)

// Engine reconciles the tables of one replication context with the remote
// source.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - ApplyChange(), SyncAll(), Drain(): safe from any goroutine; SyncAll
//     calls are serialized
//   - Stop(), CancelActive(): safe from any goroutine
//
// INVARIANTS:
//   - tables order NEVER changes after construction
//   - a dirty row is only overwritten through conflict.Resolve
type Engine struct {
	rc     *replica.Context
	tables []*replica.Table
	byName map[string]*replica.Table
	outbox *outbox.Queue
	events *eventQueue
	seen   *lru.Cache

	drainInterval   time.Duration
	dedupeSize      int
	pullConcurrency int

	logger  *zap.Logger
	metrics *metrics.Metrics

	syncMu sync.Mutex

	opsMu  sync.Mutex
	ops    map[uint64]context.CancelFunc
	nextOp uint64
	idle   chan struct{} // closed and replaced whenever ops drains to empty

	syncReq  chan bool // value: full resync
	drainReq chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithDrainInterval sets the periodic drain interval of Run.
func WithDrainInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.drainInterval = d
		}
	}
}

// WithDedupeSize sets how many applied events are remembered for
// redelivery detection.
func WithDedupeSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.dedupeSize = n
		}
	}
}

// WithPullConcurrency bounds the tables pulled concurrently.
func WithPullConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pullConcurrency = n
		}
	}
}

// WithLogger sets the engine logger. Defaults to the context logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the engine metrics. Defaults to the context metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an Engine for tables, which must all belong to rc.
//
// The tables slice is copied; SyncAll pulls in this order when the pull
// concurrency is 1.
func New(rc *replica.Context, tables []*replica.Table, opts ...Option) (*Engine, error) {
	if rc == nil {
		return nil, fmt.Errorf("new engine: nil replication context")
	}

	e := &Engine{
		rc:              rc,
		tables:          make([]*replica.Table, len(tables)),
		byName:          make(map[string]*replica.Table, len(tables)),
		outbox:          rc.Outbox(),
		events:          newEventQueue(),
		drainInterval:   DefaultDrainInterval,
		dedupeSize:      DefaultDedupeSize,
		pullConcurrency: DefaultPullConcurrency,
		logger:          rc.Logger(),
		metrics:         rc.Metrics(),
		ops:             make(map[uint64]context.CancelFunc),
		idle:            make(chan struct{}),
		syncReq:         make(chan bool, 1),
		drainReq:        make(chan struct{}, 1),
	}
	copy(e.tables, tables)
	for _, t := range e.tables {
		if _, dup := e.byName[t.Name()]; dup {
			return nil, fmt.Errorf("new engine: duplicate table %q", t.Name())
		}
		e.byName[t.Name()] = t
	}

	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("engine")

	seen, err := lru.New(e.dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	e.seen = seen

	return e, nil
}

// Table returns the table registered under name.
func (e *Engine) Table(name string) (*replica.Table, bool) {
	t, ok := e.byName[name]
	return t, ok
}

// Run starts the event loop. It blocks until ctx is cancelled or Stop is
// called.
//
// On start the outbox is recovered (entries left syncing by a previous
// process become pending), the change feed is subscribed, and if online a
// full sync is requested.
//
// Returns nil after Stop once every queued event has been applied, or
// ctx.Err() on cancellation.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started",
		zap.String("tenant", e.rc.Tenant()),
		zap.Int("tables", len(e.tables)))

	if _, err := e.outbox.Recover(ctx); err != nil {
		return fmt.Errorf("run engine: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	feed, err := e.rc.Source().Changes(ctx)
	if err != nil {
		return fmt.Errorf("run engine: subscribe change feed: %w", err)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		e.forward(ctx, feed)
	}()
	go func() {
		defer wg.Done()
		e.work(ctx)
	}()

	net := e.rc.Network()
	if net.Online() {
		e.RequestSync(false)
	}

	ticker := time.NewTicker(e.drainInterval)
	defer ticker.Stop()

	for {
		for {
			ev, ok := e.events.TryDequeue()
			if !ok {
				break
			}
			if err := e.ApplyChange(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Warn("remote change not applied",
					zap.String("table", ev.Table),
					zap.String("key", ev.Record.Key),
					zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			e.events.Close()
			e.logger.Info("engine stopped", zap.Error(ctx.Err()))
			return ctx.Err()

		case _, ok := <-e.events.Wait():
			if !ok && e.events.Len() == 0 {
				e.logger.Info("engine stopped")
				return nil
			}

		case online := <-net.Transitions():
			e.logger.Info("connectivity changed", zap.Bool("online", online))
			if online {
				e.RequestSync(false)
			}

		case <-e.outbox.Pending():
			if net.Online() {
				e.requestDrain()
			}

		case <-ticker.C:
			if net.Online() {
				e.requestDrain()
			}
		}
	}
}

// Stop signals Run to return after applying the events already queued.
// Safe to call multiple times.
func (e *Engine) Stop() {
	e.events.Close()
}

// Enqueue hands a change event to the Run loop. Returns false after Stop.
func (e *Engine) Enqueue(ev ir.ChangeEvent) bool {
	return e.events.Enqueue(ev)
}

// forward copies the change feed into the event queue.
func (e *Engine) forward(ctx context.Context, feed <-chan ir.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				e.logger.Warn("change feed closed")
				return
			}
			if !e.events.Enqueue(ev) {
				return
			}
		}
	}
}

// RequestSync asks the worker for a SyncAll. Requests made while one is
// queued coalesce; a full resync request upgrades a queued incremental one.
func (e *Engine) RequestSync(full bool) {
	select {
	case e.syncReq <- full:
	default:
		if full {
			select {
			case <-e.syncReq:
			default:
			}
			select {
			case e.syncReq <- true:
			default:
			}
		}
	}
}

func (e *Engine) requestDrain() {
	select {
	case e.drainReq <- struct{}{}:
	default:
	}
}

// work runs the blocking pulls and drains requested by the loop.
func (e *Engine) work(ctx context.Context) {
	for {
		// Prefer a queued sync: it drains as well.
		select {
		case full := <-e.syncReq:
			e.backgroundSync(ctx, full)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case full := <-e.syncReq:
			e.backgroundSync(ctx, full)
		case <-e.drainReq:
			if _, err := e.Drain(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("background drain failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) backgroundSync(ctx context.Context, full bool) {
	if _, err := e.SyncAll(ctx, SyncOptions{FullResync: full}); err != nil && ctx.Err() == nil {
		e.logger.Warn("background sync failed", zap.Error(err))
	}
}

// track registers ctx for CancelActive. The returned func must be called
// when the operation ends.
func (e *Engine) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	e.opsMu.Lock()
	id := e.nextOp
	e.nextOp++
	e.ops[id] = cancel
	e.opsMu.Unlock()

	return ctx, func() {
		cancel()
		e.opsMu.Lock()
		delete(e.ops, id)
		if len(e.ops) == 0 {
			close(e.idle)
			e.idle = make(chan struct{})
		}
		e.opsMu.Unlock()
	}
}

// CancelActive cancels every pull and drain in progress and waits until
// they have returned. Drains put their in-flight entries back to pending.
// Returns the number of operations cancelled.
func (e *Engine) CancelActive(ctx context.Context) (int, error) {
	e.opsMu.Lock()
	n := len(e.ops)
	for _, cancel := range e.ops {
		cancel()
	}
	e.opsMu.Unlock()

	if n > 0 {
		e.logger.Info("active operations cancelled", zap.Int("count", n))
	}

	for {
		e.opsMu.Lock()
		empty := len(e.ops) == 0
		idle := e.idle
		e.opsMu.Unlock()

		if empty {
			return n, nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
}

// ResetDedupe forgets every applied event, so redeliveries are applied
// again. Used after cached rows were cleared.
func (e *Engine) ResetDedupe() {
	e.seen.Purge()
}

// Drain submits the active tenant's outbox once.
func (e *Engine) Drain(ctx context.Context) (outbox.DrainResult, error) {
	if !e.rc.Network().Online() {
		return outbox.DrainResult{}, ErrOffline
	}
	ctx, done := e.track(ctx)
	defer done()
	return e.outbox.Drain(ctx, e.rc.Tenant())
}

// ApplyChange applies one remote change event.
//
// Events for another tenant or for an unknown or uninitialized table are
// ignored. A row without local changes takes the remote version. A dirty
// row is resolved with the table's conflict policy.
func (e *Engine) ApplyChange(ctx context.Context, ev ir.ChangeEvent) error {
	if ev.Tenant != e.rc.Tenant() {
		e.logger.Debug("change for inactive tenant ignored",
			zap.String("tenant", ev.Tenant), zap.String("table", ev.Table))
		return nil
	}
	t, ok := e.byName[ev.Table]
	if !ok || t.State() != replica.StateReady {
		e.logger.Debug("change for unavailable table ignored", zap.String("table", ev.Table))
		return nil
	}

	id := eventID(ev)
	if e.seen.Contains(id) {
		if e.metrics != nil {
			e.metrics.RemoteEventsDuplicate.Inc()
		}
		return nil
	}

	if _, err := e.apply(ctx, t, ev.Tenant, ev.Record); err != nil {
		return err
	}

	e.seen.Add(id, struct{}{})
	if e.metrics != nil {
		e.metrics.RemoteEventsApplied.WithLabelValues(t.Name()).Inc()
	}
	return nil
}

// eventID identifies an event by row and content. A redelivery of the
// same version maps to the same ID.
func eventID(ev ir.ChangeEvent) string {
	payload := ev.Record.Payload
	if canonical, err := ir.CanonicalPayload(payload); err == nil {
		payload = canonical
	}
	return ev.Tenant + "\x00" +
		ev.Table + "\x00" +
		ir.NormalizeKey(ev.Record.Key) + "\x00" +
		strconv.FormatInt(ev.Record.UpdatedAt.UnixMilli(), 10) + "\x00" +
		strconv.FormatBool(ev.Record.Deleted) + "\x00" +
		ir.PayloadHash(payload)
}

// applyResult says what apply did with one remote record.
type applyResult struct {
	Record   ir.Record
	Write    replica.RemoteWrite
	Conflict *conflict.Decision
}

// apply writes rec into t in one transaction, resolving against a dirty
// local row. Subscribers are notified after commit.
func (e *Engine) apply(ctx context.Context, t *replica.Table, tenant string, rec ir.Record) (applyResult, error) {
	var res applyResult
	err := e.rc.Handle().Run(ctx, t.Name(), txn.ModeWrite, func(tx *sql.Tx) error {
		res = applyResult{Record: rec}

		local, found, err := t.LocalRowTx(ctx, tx, tenant, rec.Key)
		if err != nil {
			return err
		}
		if !found || !local.Dirty {
			res.Record, res.Write, err = t.ApplyRemoteTx(ctx, tx, tenant, rec)
			return err
		}

		d, applied, w, err := e.resolveTx(ctx, tx, t, tenant, local, rec)
		if err != nil {
			return err
		}
		res.Record, res.Write, res.Conflict = applied, w, &d
		return nil
	})
	if err != nil {
		return applyResult{}, fmt.Errorf("apply %s/%s: %w", t.Name(), rec.Key, err)
	}

	if d := res.Conflict; d != nil {
		if e.metrics != nil {
			e.metrics.Conflicts.WithLabelValues(string(d.Policy), string(d.Winner)).Inc()
		}
		e.logger.Info("conflict resolved",
			zap.String("table", t.Name()),
			zap.String("key", res.Record.Key),
			zap.String("policy", string(d.Policy)),
			zap.String("winner", string(d.Winner)))
		if d.KeepPending {
			// The local version won; its queued mutations carry it upstream.
			e.outbox.Notify()
		}
	}
	if res.Write.Written {
		t.Publish(replica.Change{Table: t.Name(), Tenant: tenant, Record: res.Record, Origin: replica.OriginRemote})
	}
	return res, nil
}

// resolveTx applies the table policy to a dirty local row and a remote
// version inside tx and appends the resolution to the conflict history.
func (e *Engine) resolveTx(ctx context.Context, tx *sql.Tx, t *replica.Table, tenant string, local ir.CachedRow, remote ir.Record) (conflict.Decision, ir.Record, replica.RemoteWrite, error) {
	d := conflict.Resolve(t.Policy(), local, remote)
	key := ir.NormalizeKey(remote.Key)

	applied, w := local.Record, replica.RemoteWrite{}
	if d.ApplyRemote {
		var err error
		applied, w, err = t.ApplyRemoteTx(ctx, tx, tenant, remote)
		if err != nil {
			return d, applied, w, err
		}
	} else if d.ClearDirty {
		if err := t.ClearDirtyTx(ctx, tx, tenant, key); err != nil {
			return d, applied, w, err
		}
	}

	if d.DiscardPending {
		n, err := e.outbox.DiscardKey(ctx, tx, ir.RowKey{Tenant: tenant, Table: t.Name(), Key: key})
		if err != nil {
			return d, applied, w, err
		}
		if n > 0 {
			e.logger.Info("pending mutations discarded",
				zap.String("table", t.Name()),
				zap.String("key", key),
				zap.Int64("count", n))
		}
	}

	payload := remote.Payload
	if remote.Deleted {
		payload = nil
	}
	err := storage.AppendConflict(ctx, tx, storage.ConflictRecord{
		Tenant:          tenant,
		Table:           t.Name(),
		Key:             key,
		Policy:          string(d.Policy),
		Winner:          string(d.Winner),
		LocalUpdatedAt:  local.UpdatedAt,
		RemoteUpdatedAt: remote.UpdatedAt,
		RemotePayload:   payload,
		ResolvedAt:      e.rc.Clock().Now(),
	})
	return d, applied, w, err
}

// SyncOptions configures SyncAll.
type SyncOptions struct {
	// FullResync pulls every table from the beginning, ignoring stored
	// cursors.
	FullResync bool
}

// TableReport summarizes the pull of one table.
type TableReport struct {
	Pulled    int
	Applied   int
	Removed   int
	Unchanged int
	Conflicts int
	Cursor    int64
}

// SyncReport summarizes one SyncAll.
type SyncReport struct {
	Tables map[string]TableReport
	Drain  outbox.DrainResult
}

// SyncAll pulls every ready table since its stored cursor and then drains
// the outbox of the active tenant. Calls are serialized.
//
// Remote versions of dirty rows are resolved through the table policy.
// A table's cursor only advances after its records are stored, so a
// failed or cancelled pull is repeated in full by the next SyncAll.
func (e *Engine) SyncAll(ctx context.Context, opts SyncOptions) (SyncReport, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	report := SyncReport{Tables: make(map[string]TableReport, len(e.tables))}
	if !e.rc.Network().Online() {
		e.observeSync("offline")
		return report, ErrOffline
	}

	ctx, done := e.track(ctx)
	defer done()

	tenant := e.rc.Tenant()
	log := e.logger.With(zap.String("tenant", tenant), zap.Bool("full", opts.FullResync))
	log.Debug("sync started")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.pullConcurrency)
	for _, t := range e.tables {
		if t.State() != replica.StateReady {
			continue
		}
		g.Go(func() error {
			tr, err := e.pullTable(gctx, t, tenant, opts.FullResync)
			if err != nil {
				return err
			}
			mu.Lock()
			report.Tables[t.Name()] = tr
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.observeSync("error")
		return report, err
	}

	dr, err := e.outbox.Drain(ctx, tenant)
	report.Drain = dr
	if err != nil {
		e.observeSync("error")
		return report, fmt.Errorf("sync drain: %w", err)
	}

	e.observeSync("ok")
	log.Info("sync completed",
		zap.Int("tables", len(report.Tables)),
		zap.Int("drained", dr.Succeeded),
		zap.Int("failed", dr.Failed))
	return report, nil
}

func (e *Engine) observeSync(outcome string) {
	if e.metrics != nil {
		e.metrics.SyncRuns.WithLabelValues(outcome).Inc()
	}
}

// pullTable fetches the changes of one table since its cursor and stores
// them.
func (e *Engine) pullTable(ctx context.Context, t *replica.Table, tenant string, full bool) (TableReport, error) {
	handle := e.rc.Handle()

	var cursor int64
	if !full {
		err := handle.Run(ctx, cursorStore, txn.ModeRead, func(tx *sql.Tx) error {
			var err error
			cursor, err = storage.GetCursor(ctx, tx, tenant, t.Name())
			return err
		})
		if err != nil {
			return TableReport{}, &SyncError{Table: t.Name(), Phase: "cursor", Err: err}
		}
	}

	records, next, err := e.rc.Source().Pull(ctx, tenant, t.Name(), cursor)
	if err != nil {
		return TableReport{}, &SyncError{Table: t.Name(), Phase: "pull", Err: err}
	}

	res, err := t.BulkUpsert(ctx, tenant, records)
	if err != nil {
		return TableReport{}, &SyncError{Table: t.Name(), Phase: "upsert", Err: err}
	}
	tr := TableReport{
		Pulled:    len(records),
		Applied:   res.Applied,
		Removed:   res.Removed,
		Unchanged: res.Unchanged,
		Cursor:    next,
	}

	for _, rec := range res.Conflicts {
		ar, err := e.apply(ctx, t, tenant, rec)
		if err != nil {
			return tr, &SyncError{Table: t.Name(), Phase: "resolve", Err: err}
		}
		if ar.Conflict != nil {
			tr.Conflicts++
		} else if ar.Write.Changed {
			// The row was synced between the upsert and the resolution.
			tr.Applied++
		}
	}

	err = handle.Run(ctx, cursorStore, txn.ModeWrite, func(tx *sql.Tx) error {
		return storage.SetCursor(ctx, tx, tenant, t.Name(), next, e.rc.Clock().Now())
	})
	if err != nil {
		return tr, &SyncError{Table: t.Name(), Phase: "cursor", Err: err}
	}

	e.logger.Debug("table pulled",
		zap.String("table", t.Name()),
		zap.Int("pulled", tr.Pulled),
		zap.Int("applied", tr.Applied),
		zap.Int("conflicts", tr.Conflicts),
		zap.Int64("cursor", next))
	return tr, nil
}

// ConflictHistory lists the resolutions of the active tenant for table,
// or for every table when table is empty.
func (e *Engine) ConflictHistory(ctx context.Context, table string) ([]storage.ConflictRecord, error) {
	var out []storage.ConflictRecord
	err := e.rc.Handle().Run(ctx, "conflict_log", txn.ModeRead, func(tx *sql.Tx) error {
		var err error
		out, err = storage.ConflictHistory(ctx, tx, e.rc.Tenant(), table)
		return err
	})
	return out, err
}
