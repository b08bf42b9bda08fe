package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mode is the access mode of a transaction.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// Beginner starts SQL transactions. *sql.DB satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Handle is one tracked transaction. Done is closed exactly once, when the
// transaction settles.
type Handle struct {
	ID      string
	Store   string
	Mode    Mode
	Started time.Time

	done chan struct{}
	err  error
}

// Done returns a channel closed on settlement.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the settlement error. Only meaningful after Done is closed.
func (h *Handle) Err() error { return h.err }

// Coordinator tracks every in-flight transaction.
//
// Thread-safety: all methods are safe for concurrent use.
type Coordinator struct {
	mu       sync.Mutex
	inflight map[string]*Handle
	logger   *zap.Logger
}

// New creates an empty coordinator.
func New(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		inflight: make(map[string]*Handle),
		logger:   logger,
	}
}

// Track registers a new in-flight transaction. The caller must call Settle
// exactly once on every exit path, typically via defer.
func (c *Coordinator) Track(store string, mode Mode) *Handle {
	h := &Handle{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Store:   store,
		Mode:    mode,
		Started: time.Now(),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.inflight[h.ID] = h
	c.mu.Unlock()

	return h
}

// Settle removes h from the in-flight set and signals its completion.
// Settling an already settled handle is a no-op.
func (c *Coordinator) Settle(h *Handle, err error) {
	c.mu.Lock()
	_, ok := c.inflight[h.ID]
	delete(c.inflight, h.ID)
	c.mu.Unlock()

	if !ok {
		return
	}
	h.err = err
	close(h.done)
}

// Run executes op inside a transaction on db and returns once the
// transaction has committed (or failed).
//
// The transaction is in the in-flight set from before BeginTx until after
// Commit/Rollback. Failures are returned as *TransactionError and surface to
// this caller only.
func (c *Coordinator) Run(ctx context.Context, db Beginner, store string, mode Mode, op func(tx *sql.Tx) error) (err error) {
	h := c.Track(store, mode)
	defer func() { c.Settle(h, err) }()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &TransactionError{ID: h.ID, Store: store, Mode: mode, Op: "begin", Err: err}
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := op(tx); err != nil {
		return &TransactionError{ID: h.ID, Store: store, Mode: mode, Op: "execute", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &TransactionError{ID: h.ID, Store: store, Mode: mode, Op: "commit", Err: err}
	}
	committed = true

	return nil
}

// InFlight returns the number of unsettled transactions.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Snapshot returns the handles in flight right now.
func (c *Coordinator) Snapshot() []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Handle, 0, len(c.inflight))
	for _, h := range c.inflight {
		out = append(out, h)
	}
	return out
}

// WaitForInFlight waits until every transaction that is in flight at the
// moment of the call has settled. Transactions registered afterwards are not
// waited for. Returns ctx.Err() if the context ends first.
func (c *Coordinator) WaitForInFlight(ctx context.Context) error {
	return c.waitFor(ctx, c.Snapshot())
}

func (c *Coordinator) waitFor(ctx context.Context, snapshot []*Handle) error {
	if len(snapshot) == 0 {
		return nil
	}

	c.logger.Debug("waiting for in-flight transactions", zap.Int("count", len(snapshot)))

	for _, h := range snapshot {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for in-flight transactions: %w", ctx.Err())
		case <-h.done:
		}
	}
	return nil
}
