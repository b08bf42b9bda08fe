package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/replica/internal/clock"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/remote"
	"github.com/roach88/replica/internal/storage"
	"github.com/roach88/replica/internal/txn"
)

const storeName = "mutations"

// Config tunes submission.
type Config struct {
	// BackoffUnit is the base delay. The n-th retry waits BackoffUnit·2^(n-1).
	BackoffUnit time.Duration
	// MaxRetries is how many resubmissions follow the first attempt before
	// an entry is marked failed.
	MaxRetries int
	// MaxBackoff caps a single delay. Zero means uncapped.
	MaxBackoff time.Duration
	// Concurrency bounds how many keys drain at once.
	Concurrency int
}

// DefaultConfig returns the contractual retry policy: delays of 1, 2 and 4
// seconds, then failed.
func DefaultConfig() Config {
	return Config{
		BackoffUnit: time.Second,
		MaxRetries:  3,
		MaxBackoff:  time.Minute,
		Concurrency: 4,
	}
}

// Backoff returns the delay before retry n (1-based).
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.BackoffUnit << (n - 1)
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// Queue is the mutation outbox of one replication context.
//
// Thread-safety: all methods are safe for concurrent use. Drain cycles are
// serialized.
type Queue struct {
	handle  *storage.Handle
	source  remote.Source
	clock   clock.Clock
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	drainMu sync.Mutex
	signal  chan struct{} // buffered, size 1
}

// Option configures a Queue.
type Option func(*Queue)

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(q *Queue) { q.cfg = cfg }
}

// WithClock sets the time source used for timestamps and backoff.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a queue persisting to handle and submitting to source.
func New(handle *storage.Handle, source remote.Source, opts ...Option) *Queue {
	q := &Queue{
		handle: handle,
		source: source,
		clock:  clock.Real{},
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		signal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics == nil {
		q.metrics = metrics.New(nil)
	}
	if q.cfg.Concurrency < 1 {
		q.cfg.Concurrency = 1
	}
	return q
}

// Config returns the active retry policy.
func (q *Queue) Config() Config {
	return q.cfg
}

// Pending is signalled whenever new work may be available. Multiple
// notifications coalesce into one.
func (q *Queue) Pending() <-chan struct{} {
	return q.signal
}

// Notify signals Pending without blocking.
func (q *Queue) Notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// EnqueueTx persists m inside tx. It assigns ID and EnqueuedAt when unset.
// The caller must call Notify after tx commits.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, m *ir.Mutation) error {
	if !m.Type.Valid() {
		return fmt.Errorf("enqueue mutation: unknown type %q", m.Type)
	}
	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("enqueue mutation: generate id: %w", err)
		}
		m.ID = id.String()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.clock.Now()
	}
	m.Status = ir.StatusPending
	m.RetryCount = 0
	m.LastError = ""

	if err := storage.InsertMutation(ctx, tx, m); err != nil {
		return err
	}
	q.metrics.MutationsEnqueued.WithLabelValues(string(m.Type)).Inc()
	return nil
}

// Enqueue persists m in its own transaction and signals Pending.
func (q *Queue) Enqueue(ctx context.Context, m *ir.Mutation) error {
	err := q.handle.Run(ctx, storeName, txn.ModeWrite, func(tx *sql.Tx) error {
		return q.EnqueueTx(ctx, tx, m)
	})
	if err != nil {
		return err
	}
	q.Notify()
	return nil
}

// Recover reclassifies entries left syncing by a crash as pending.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	var n int64
	err := q.handle.Run(ctx, storeName, txn.ModeWrite, func(tx *sql.Tx) error {
		var err error
		n, err = storage.ResetSyncing(ctx, tx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recover outbox: %w", err)
	}
	if n > 0 {
		q.metrics.MutationsRecovered.Add(float64(n))
		q.logger.Info("recovered interrupted mutations", zap.Int64("count", n))
		q.Notify()
	}
	return n, nil
}

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Succeeded int
	Failed    int
	Held      int // keys skipped because their oldest entry is failed
	Skipped   int // entries discarded while the cycle ran
}

func (r *DrainResult) add(o DrainResult) {
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Held += o.Held
	r.Skipped += o.Skipped
}

// Drain submits every pending entry of tenant. Keys drain concurrently,
// entries of one key in enqueue order. Blocks until the cycle ends.
//
// On cancellation the interrupted entries are written back as pending and
// ctx.Err() is returned.
func (q *Queue) Drain(ctx context.Context, tenant string) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var all []ir.Mutation
	err := q.handle.Run(ctx, storeName, txn.ModeRead, func(tx *sql.Tx) error {
		var err error
		all, err = storage.MutationsByStatus(ctx, tx, tenant, "")
		return err
	})
	if err != nil {
		return DrainResult{}, fmt.Errorf("drain outbox: %w", err)
	}

	groups, order := groupByRow(all)

	var (
		mu     sync.Mutex
		result DrainResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Concurrency)
	for _, key := range order {
		entries := groups[key]
		if entries[0].Status == ir.StatusFailed {
			result.Held++
			continue
		}
		g.Go(func() error {
			r, err := q.drainKey(gctx, entries)
			mu.Lock()
			result.add(r)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()

	q.logger.Debug("outbox drained",
		zap.String("tenant", tenant),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("held", result.Held))

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return result, err
}

// groupByRow splits entries (already in seq order) per row key, keeping
// the order in which keys first appear.
func groupByRow(all []ir.Mutation) (map[ir.RowKey][]ir.Mutation, []ir.RowKey) {
	groups := make(map[ir.RowKey][]ir.Mutation)
	var order []ir.RowKey
	for _, m := range all {
		k := m.RowKey()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], m)
	}
	return groups, order
}

// drainKey submits the entries of one key in order, stopping at the first
// entry that ends failed.
func (q *Queue) drainKey(ctx context.Context, entries []ir.Mutation) (DrainResult, error) {
	var r DrainResult
	for _, m := range entries {
		if m.Status != ir.StatusPending {
			// A failed entry keeps its place; later entries must not
			// overtake it.
			r.Held++
			return r, nil
		}
		outcome, err := q.submit(ctx, m)
		switch outcome {
		case outcomeSucceeded:
			r.Succeeded++
		case outcomeFailed:
			r.Failed++
			return r, err
		case outcomeSkipped:
			r.Skipped++
		}
		if err != nil {
			return r, err
		}
	}
	return r, nil
}

type outcome int

const (
	outcomeInterrupted outcome = iota
	outcomeSucceeded
	outcomeFailed
	outcomeSkipped
)

// submit runs the attempt/backoff loop of one entry.
func (q *Queue) submit(ctx context.Context, m ir.Mutation) (outcome, error) {
	log := q.logger.With(
		zap.String("mutation_id", m.ID),
		zap.Stringer("row", m.RowKey()),
		zap.String("type", string(m.Type)))

	for {
		ok, err := q.update(ctx, m.ID, ir.StatusSyncing, m.RetryCount, m.LastError)
		if err != nil {
			return outcomeInterrupted, err
		}
		if !ok {
			log.Debug("mutation discarded before submission")
			return outcomeSkipped, nil
		}

		applyErr := q.source.Apply(ctx, m)
		if applyErr == nil {
			if err := q.complete(ctx, m); err != nil {
				q.requeue(ctx, m, log)
				return outcomeInterrupted, err
			}
			q.metrics.MutationsSucceeded.Inc()
			return outcomeSucceeded, nil
		}

		if ctx.Err() != nil {
			q.requeue(ctx, m, log)
			return outcomeInterrupted, ctx.Err()
		}

		m.LastError = applyErr.Error()
		if remote.IsTerminal(applyErr) || m.RetryCount >= q.cfg.MaxRetries {
			if err := q.fail(ctx, m); err != nil {
				return outcomeInterrupted, err
			}
			log.Warn("mutation failed",
				zap.Int("retry_count", m.RetryCount),
				zap.Bool("terminal", remote.IsTerminal(applyErr)),
				zap.Error(applyErr))
			return outcomeFailed, nil
		}

		m.RetryCount++
		q.metrics.MutationRetries.Inc()
		if _, err := q.update(context.WithoutCancel(ctx), m.ID, ir.StatusPending, m.RetryCount, m.LastError); err != nil {
			return outcomeInterrupted, err
		}

		delay := q.cfg.Backoff(m.RetryCount)
		log.Debug("mutation submission failed, backing off",
			zap.Int("retry", m.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(applyErr))
		if err := q.clock.Sleep(ctx, delay); err != nil {
			return outcomeInterrupted, err
		}
	}
}

func (q *Queue) update(ctx context.Context, id string, status ir.MutationStatus, retry int, lastErr string) (bool, error) {
	var ok bool
	err := q.handle.Run(ctx, storeName, txn.ModeWrite, func(tx *sql.Tx) error {
		var err error
		ok, err = storage.UpdateMutation(ctx, tx, id, status, retry, lastErr)
		return err
	})
	return ok, err
}

// complete removes a confirmed entry. When it was the last entry for its
// row, the row stops being dirty (a confirmed tombstone disappears).
func (q *Queue) complete(ctx context.Context, m ir.Mutation) error {
	ctx = context.WithoutCancel(ctx)
	return q.handle.Run(ctx, storeName, txn.ModeWrite, func(tx *sql.Tx) error {
		if err := storage.DeleteMutation(ctx, tx, m.ID); err != nil {
			return err
		}
		n, err := storage.CountForRow(ctx, tx, m.RowKey())
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = storage.ClearRowDirty(ctx, tx, m.Table, m.Tenant, m.Key)
		return err
	})
}

func (q *Queue) fail(ctx context.Context, m ir.Mutation) error {
	q.metrics.MutationsFailed.Inc()
	_, err := q.update(context.WithoutCancel(ctx), m.ID, ir.StatusFailed, m.RetryCount, m.LastError)
	return err
}

// requeue writes an interrupted entry back as pending.
func (q *Queue) requeue(ctx context.Context, m ir.Mutation, log *zap.Logger) {
	if _, err := q.update(context.WithoutCancel(ctx), m.ID, ir.StatusPending, m.RetryCount, m.LastError); err != nil {
		log.Error("could not requeue interrupted mutation", zap.Error(err))
	}
}

// List returns entries of tenant with status ("" for all) in enqueue order.
func (q *Queue) List(ctx context.Context, tenant string, status ir.MutationStatus) ([]ir.Mutation, error) {
	var out []ir.Mutation
	err := q.handle.Run(ctx, storeName, txn.ModeRead, func(tx *sql.Tx) error {
		var err error
		out, err = storage.MutationsByStatus(ctx, tx, tenant, status)
		return err
	})
	return out, err
}

// Counts groups entries of tenant by status.
func (q *Queue) Counts(ctx context.Context, tenant string) (map[ir.MutationStatus]int, error) {
	var out map[ir.MutationStatus]int
	err := q.handle.Run(ctx, storeName, txn.ModeRead, func(tx *sql.Tx) error {
		var err error
		out, err = storage.CountMutations(ctx, tx, tenant)
		return err
	})
	return out, err
}

// ErrNotFailed is returned by Retry when the entry does not exist or is not
// failed.
var ErrNotFailed = errors.New("mutation is not failed")

// Retry moves one failed entry back to pending with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, tenant, id string) error {
	n, err := q.retry(ctx, tenant, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("retry %s: %w", id, ErrNotFailed)
	}
	return nil
}

// RetryFailed moves every failed entry of tenant back to pending.
func (q *Queue) RetryFailed(ctx context.Context, tenant string) (int64, error) {
	return q.retry(ctx, tenant, "")
}

func (q *Queue) retry(ctx context.Context, tenant, id string) (int64, error) {
	var n int64
	err := q.handle.Run(ctx, storeName, txn.ModeWrite, func(tx *sql.Tx) error {
		var err error
		n, err = storage.RetryFailed(ctx, tx, tenant, id)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("retry failed mutations: %w", err)
	}
	if n > 0 {
		q.Notify()
	}
	return n, nil
}

// ClearFailed deletes failed entries of tenant (id "" for all) and returns
// them. The user gave up those local changes: a row left with no queued
// entry is dropped from the cache so the next read fetches the remote
// version.
func (q *Queue) ClearFailed(ctx context.Context, tenant, id string) ([]ir.Mutation, error) {
	var cleared []ir.Mutation
	err := q.handle.Run(ctx, storeName, txn.ModeWrite, func(tx *sql.Tx) error {
		var err error
		cleared, err = storage.ClearFailed(ctx, tx, tenant, id)
		if err != nil {
			return err
		}
		seen := make(map[ir.RowKey]bool)
		for _, m := range cleared {
			k := m.RowKey()
			if seen[k] {
				continue
			}
			seen[k] = true
			n, err := storage.CountForRow(ctx, tx, k)
			if err != nil {
				return err
			}
			if n == 0 {
				if _, err := storage.DeleteRow(ctx, tx, k.Table, k.Tenant, k.Key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clear failed mutations: %w", err)
	}
	if len(cleared) > 0 {
		q.logger.Info("cleared failed mutations",
			zap.String("tenant", tenant),
			zap.Int("count", len(cleared)))
		// Keys held behind a failed head can drain now.
		q.Notify()
	}
	return cleared, nil
}

// DiscardKey drops pending and failed entries of key inside tx. Used when
// the remote version wins a conflict.
func (q *Queue) DiscardKey(ctx context.Context, tx *sql.Tx, key ir.RowKey) (int64, error) {
	return storage.DiscardForRow(ctx, tx, key)
}
