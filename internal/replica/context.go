package replica

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/replica/internal/clock"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/network"
	"github.com/roach88/replica/internal/outbox"
	"github.com/roach88/replica/internal/remote"
	"github.com/roach88/replica/internal/storage"
	"github.com/roach88/replica/internal/txn"
)

// Context is the replication context shared by every Table.
//
// Thread-safety: all methods are safe for concurrent use.
type Context struct {
	handle  *storage.Handle
	outbox  *outbox.Queue
	source  remote.Source
	network *network.Monitor
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	tenant     string
	afterWrite func(context.Context)
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithClock sets the time source.
func WithClock(c clock.Clock) ContextOption {
	return func(rc *Context) { rc.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ContextOption {
	return func(rc *Context) { rc.logger = l }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) ContextOption {
	return func(rc *Context) { rc.metrics = m }
}

// WithAfterWrite sets the hook run after every committed local write. The
// runtime uses it to trigger the quota check.
func WithAfterWrite(fn func(context.Context)) ContextOption {
	return func(rc *Context) { rc.afterWrite = fn }
}

// NewContext builds a context for tenant.
func NewContext(tenant string, handle *storage.Handle, queue *outbox.Queue, source remote.Source, monitor *network.Monitor, opts ...ContextOption) (*Context, error) {
	if err := ir.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	rc := &Context{
		handle:  handle,
		outbox:  queue,
		source:  source,
		network: monitor,
		clock:   clock.Real{},
		logger:  zap.NewNop(),
		tenant:  tenant,
	}
	for _, opt := range opts {
		opt(rc)
	}
	if rc.metrics == nil {
		rc.metrics = metrics.New(nil)
	}
	return rc, nil
}

// Tenant returns the active tenant scope key.
func (rc *Context) Tenant() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.tenant
}

// SetTenant switches the active tenant. Cached data of the previous tenant
// is not touched; callers clear it explicitly.
func (rc *Context) SetTenant(tenant string) error {
	if err := ir.ValidateTenant(tenant); err != nil {
		return err
	}
	rc.mu.Lock()
	prev := rc.tenant
	rc.tenant = tenant
	rc.mu.Unlock()

	rc.logger.Info("tenant switched", zap.String("from", prev), zap.String("to", tenant))
	return nil
}

// CheckTenant rejects any tenant other than the active one.
func (rc *Context) CheckTenant(tenant string) error {
	active := rc.Tenant()
	if tenant != active {
		return &TenantError{Active: active, Requested: tenant}
	}
	return nil
}

// SetAfterWrite replaces the post-write hook.
func (rc *Context) SetAfterWrite(fn func(context.Context)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.afterWrite = fn
}

func (rc *Context) runAfterWrite(ctx context.Context) {
	rc.mu.RLock()
	fn := rc.afterWrite
	rc.mu.RUnlock()
	if fn != nil {
		fn(ctx)
	}
}

// Handle returns the shared storage handle.
func (rc *Context) Handle() *storage.Handle { return rc.handle }

// Coordinator returns the transaction coordinator.
func (rc *Context) Coordinator() *txn.Coordinator { return rc.handle.Coordinator() }

// Outbox returns the mutation queue.
func (rc *Context) Outbox() *outbox.Queue { return rc.outbox }

// Source returns the remote source.
func (rc *Context) Source() remote.Source { return rc.source }

// Network returns the connectivity monitor.
func (rc *Context) Network() *network.Monitor { return rc.network }

// Clock returns the time source.
func (rc *Context) Clock() clock.Clock { return rc.clock }

// Logger returns the logger.
func (rc *Context) Logger() *zap.Logger { return rc.logger }

// Metrics returns the Prometheus instruments.
func (rc *Context) Metrics() *metrics.Metrics { return rc.metrics }

// Close tears down the storage handle once in-flight transactions settle.
func (rc *Context) Close(ctx context.Context) error {
	if err := rc.handle.Close(ctx); err != nil {
		return fmt.Errorf("close replication context: %w", err)
	}
	return nil
}
