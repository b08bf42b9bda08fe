package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/txn"
)

// State is the lifecycle state of the shared handle.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateCorrupted
	StateReopening
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateCorrupted:
		return "corrupted"
	case StateReopening:
		return "reopening"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultMaxOpenAttempts bounds the corruption retry protocol.
const DefaultMaxOpenAttempts = 3

// Opener performs one physical open. attempt is 0 for the initial open and
// 1.. for retries; cause is the failure that triggered the retry (nil on the
// initial open).
type Opener func(ctx context.Context, attempt int, cause error) (*DB, error)

// SQLiteOpener opens path with Open. On a retry caused by corruption it
// first quarantines the damaged file so the store is recreated empty.
func SQLiteOpener(path string, logger *zap.Logger) Opener {
	return func(ctx context.Context, attempt int, cause error) (*DB, error) {
		if attempt > 0 && IsCorruption(cause) {
			moved, err := quarantine(path, time.Now())
			if err != nil {
				return nil, err
			}
			if moved != "" {
				logger.Warn("quarantined corrupted store",
					zap.String("path", path),
					zap.String("moved_to", moved),
					zap.Error(cause))
			}
		}
		return Open(path)
	}
}

// pendingOpen is a one-shot result shared by every caller waiting on the
// same physical open. It is resolved exactly once and never redirected.
type pendingOpen struct {
	done chan struct{}
	db   *DB
	err  error

	// redirect tells waiters that this open failed and a retry took over.
	// They must re-read the handle state instead of returning an error.
	redirect bool
}

func newPendingOpen() *pendingOpen {
	return &pendingOpen{done: make(chan struct{})}
}

// Handle is the shared storage handle. Exactly one logical instance exists
// per replication context; all table replicas acquire it lazily.
//
// Thread-safety: all methods are safe for concurrent use. The state fields
// are only mutated under mu, and the current reference only changes on a
// successful open or retry.
type Handle struct {
	mu       sync.Mutex
	state    State
	current  *DB
	previous *DB // last good connection while a retry is running
	opening  *pendingOpen
	retry    *pendingOpen
	torn     bool // set by Close; Acquire fails from then on

	open        Opener
	name        string
	coord       *txn.Coordinator
	maxAttempts int
	logger      *zap.Logger
	metrics     *metrics.Metrics

	opens          atomic.Int64
	deferredResets atomic.Int64
	retired        sync.WaitGroup

	// onWait is a test hook called right before a caller blocks on an open.
	onWait func(State)
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithMaxOpenAttempts sets how many retries the corruption protocol makes.
func WithMaxOpenAttempts(n int) HandleOption {
	return func(h *Handle) {
		if n > 0 {
			h.maxAttempts = n
		}
	}
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) HandleOption {
	return func(h *Handle) { h.metrics = m }
}

// WithName sets the name used in errors and logs (typically the file path).
func WithName(name string) HandleOption {
	return func(h *Handle) { h.name = name }
}

// NewHandle creates a closed handle. Nothing is opened until Acquire.
func NewHandle(open Opener, coord *txn.Coordinator, logger *zap.Logger, opts ...HandleOption) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handle{
		state:       StateClosed,
		open:        open,
		name:        "store",
		coord:       coord,
		maxAttempts: DefaultMaxOpenAttempts,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = metrics.New(nil)
	}
	return h
}

// Acquire returns the open connection, opening it on first use.
//
// Concurrent callers during Opening all wait on the same in-flight open.
// If that open fails, they are moved to the retry rather than failed; only
// a failed retry is reported, as *InitializationError. After Close every
// call fails with ErrHandleClosed.
func (h *Handle) Acquire(ctx context.Context) (*DB, error) {
	for {
		h.mu.Lock()
		if h.torn {
			h.mu.Unlock()
			return nil, fmt.Errorf("acquire storage handle %s: %w", h.name, ErrHandleClosed)
		}
		var p *pendingOpen
		switch h.state {
		case StateOpen:
			db := h.current
			h.mu.Unlock()
			return db, nil
		case StateOpening:
			p = h.opening
		case StateReopening:
			p = h.retry
		case StateClosed:
			p = h.startOpenLocked()
		case StateCorrupted:
			p = h.startRetryLocked(nil)
		}
		state := h.state
		h.mu.Unlock()

		if h.onWait != nil {
			h.onWait(state)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire storage handle: %w", ctx.Err())
		case <-p.done:
		}

		if p.redirect {
			continue
		}
		return p.db, p.err
	}
}

// startOpenLocked begins the initial open. Caller holds mu.
func (h *Handle) startOpenLocked() *pendingOpen {
	p := newPendingOpen()
	h.opening = p
	h.state = StateOpening
	go h.runOpen(p)
	return p
}

func (h *Handle) runOpen(p *pendingOpen) {
	h.opens.Add(1)
	h.metrics.HandleOpens.Inc()

	db, err := h.open(context.Background(), 0, nil)

	h.mu.Lock()
	h.opening = nil
	if err == nil {
		h.current = db
		h.state = StateOpen
		h.mu.Unlock()

		h.logger.Info("storage handle open", zap.String("name", h.name))
		p.db = db
		close(p.done)
		return
	}

	h.logger.Warn("storage open failed, starting retry",
		zap.String("name", h.name),
		zap.Bool("corruption", IsCorruption(err)),
		zap.Error(err))
	h.startRetryLocked(err)
	h.mu.Unlock()

	p.redirect = true
	close(p.done)
}

// startRetryLocked enters Reopening with a fresh retry promise. The current
// connection, if any, is kept as previous until the retry succeeds.
// Caller holds mu.
func (h *Handle) startRetryLocked(cause error) *pendingOpen {
	r := newPendingOpen()
	h.retry = r
	if h.current != nil {
		h.previous = h.current
	}
	h.current = nil
	h.state = StateReopening
	h.metrics.HandleReopens.Inc()
	go h.runRetry(r, cause)
	return r
}

func (h *Handle) runRetry(r *pendingOpen, cause error) {
	var (
		db  *DB
		err = cause
	)
	attempts := 0
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		attempts = attempt
		h.opens.Add(1)
		h.metrics.HandleOpens.Inc()

		db, err = h.open(context.Background(), attempt, err)
		if err == nil {
			break
		}
		h.logger.Warn("storage retry attempt failed",
			zap.String("name", h.name),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	h.mu.Lock()
	h.retry = nil
	if err != nil {
		h.state = StateCorrupted
		h.mu.Unlock()

		h.logger.Error("storage retry exhausted",
			zap.String("name", h.name),
			zap.Int("attempts", attempts),
			zap.Error(err))
		r.err = &InitializationError{Path: h.name, Attempts: attempts, Err: err}
		close(r.done)
		return
	}

	// The only point where the current reference changes after a failure.
	prev := h.previous
	h.previous = nil
	h.current = db
	h.state = StateOpen
	h.mu.Unlock()

	h.logger.Info("storage handle reopened",
		zap.String("name", h.name),
		zap.Int("attempts", attempts))
	r.db = db
	close(r.done)

	if prev != nil && prev != db {
		h.retire(prev)
	}
}

// retire closes a replaced connection once every transaction that was in
// flight at the swap has settled. Holders of prev keep working until then.
func (h *Handle) retire(prev *DB) {
	snapshot := h.coord.Snapshot()
	h.retired.Add(1)
	go func() {
		defer h.retired.Done()
		for _, t := range snapshot {
			<-t.Done()
		}
		if err := prev.Close(); err != nil {
			h.logger.Warn("closing retired storage connection", zap.Error(err))
		}
	}()
}

// ReportCorruption tells the handle that db returned an error indicating
// inconsistency. If db is still the current connection the handle starts
// the retry protocol; stale or duplicate reports are ignored.
//
// Holders of db keep using it until their transactions settle, and the
// retry moves the damaged file aside before opening a new one. Writes those
// holders commit after the report land in the quarantined file, not in the
// recreated store.
func (h *Handle) ReportCorruption(db *DB, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateOpen || h.current != db {
		return
	}
	h.logger.Warn("storage corruption reported, reopening",
		zap.String("name", h.name),
		zap.Error(cause))
	h.startRetryLocked(cause)
}

// Reset clears the current reference so the next Acquire opens afresh.
//
// Reset only proceeds when the transaction coordinator reports zero
// in-flight transactions and no open is running. Otherwise it is a no-op
// that records a deferred reset and returns false.
func (h *Handle) Reset() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resetLocked()
}

// resetLocked implements Reset. Caller holds mu.
func (h *Handle) resetLocked() bool {
	if n := h.coord.InFlight(); n > 0 || h.state == StateOpening || h.state == StateReopening {
		h.deferredResets.Add(1)
		h.metrics.DeferredResets.Inc()
		h.logger.Warn("storage reset deferred",
			zap.String("name", h.name),
			zap.Int("in_flight", n),
			zap.Stringer("state", h.state))
		return false
	}

	for _, db := range []*DB{h.current, h.previous} {
		if db != nil {
			if err := db.Close(); err != nil {
				h.logger.Warn("closing storage connection", zap.Error(err))
			}
		}
	}
	h.current = nil
	h.previous = nil
	h.state = StateClosed
	return true
}

// Close waits for in-flight transactions and any pending retirement, then
// tears the handle down for good. Unlike Reset, the handle cannot be
// reopened afterwards. Closing a closed handle is a no-op.
func (h *Handle) Close(ctx context.Context) error {
	if err := h.coord.WaitForInFlight(ctx); err != nil {
		return err
	}
	h.retired.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.torn {
		return nil
	}
	if !h.resetLocked() {
		return ErrResetDeferred
	}
	h.torn = true
	h.logger.Info("storage handle closed", zap.String("name", h.name))
	return nil
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Opens returns the number of physical open attempts made so far.
func (h *Handle) Opens() int64 {
	return h.opens.Load()
}

// DeferredResets returns how many resets were refused because work was in
// flight.
func (h *Handle) DeferredResets() int64 {
	return h.deferredResets.Load()
}

// Coordinator returns the transaction coordinator the handle gates on.
func (h *Handle) Coordinator() *txn.Coordinator {
	return h.coord
}

// Run acquires the handle and runs op in a coordinated transaction. Errors
// classified as corruption are reported to the handle before returning.
func (h *Handle) Run(ctx context.Context, store string, mode txn.Mode, op func(*sql.Tx) error) error {
	db, err := h.Acquire(ctx)
	if err != nil {
		return err
	}
	err = h.coord.Run(ctx, db, store, mode, op)
	if IsCorruption(err) {
		h.ReportCorruption(db, err)
	}
	return err
}
