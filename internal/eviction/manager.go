// Package eviction reclaims cache space when storage usage crosses a soft
// quota.
//
// Selection rules, applied to every cached table at once:
//
//   - a dirty row is never a candidate
//   - a row modified within ModifiedWindow is not a candidate
//   - a row accessed within AccessedWindow is not a candidate
//   - nothing is evicted while offline
//
// Remaining candidates are evicted oldest access first until usage drops
// below the quota. When candidates run out the pass is deferred and the
// manager reports degraded capacity; writes keep succeeding locally.
package eviction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/replica/internal/clock"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/network"
	"github.com/roach88/replica/internal/storage"
	"github.com/roach88/replica/internal/txn"
)

// ErrQuotaExceeded is reported through Report.Err when a pass could not
// bring usage under the quota.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// storeName is the coordinator store name of eviction transactions.
const storeName = "eviction"

// Config holds the eviction parameters.
type Config struct {
	SoftQuotaBytes int64
	ModifiedWindow time.Duration
	AccessedWindow time.Duration
}

// DefaultConfig returns the default parameters: a 4.5 MiB soft quota, a
// one hour modification window and a five minute access window.
func DefaultConfig() Config {
	return Config{
		SoftQuotaBytes: 4718592,
		ModifiedWindow: time.Hour,
		AccessedWindow: 5 * time.Minute,
	}
}

// Reason explains the outcome of a pass.
type Reason string

const (
	ReasonUnderQuota Reason = "under-quota"
	ReasonOffline    Reason = "offline"
	ReasonEvicted    Reason = "evicted"
	ReasonExhausted  Reason = "candidates-exhausted"
)

// Report describes one eviction pass.
type Report struct {
	// Usage is the estimated usage in bytes after the pass.
	Usage int64
	Quota int64

	Evicted int
	Freed   int64

	// Deferred is set when usage is still at or above the quota.
	Deferred bool
	Reason   Reason

	// Degraded mirrors Manager.Degraded after the pass.
	Degraded bool
}

// Err returns ErrQuotaExceeded for a deferred pass.
func (r Report) Err() error {
	if r.Deferred {
		return fmt.Errorf("usage %d of %d bytes: %w", r.Usage, r.Quota, ErrQuotaExceeded)
	}
	return nil
}

// Manager runs eviction passes over a fixed set of cached tables.
//
// Thread-safety: all methods are safe for concurrent use. Passes are
// serialized.
type Manager struct {
	handle  *storage.Handle
	network *network.Monitor
	tables  []string
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex // serializes passes
	degraded atomic.Bool
	last     atomic.Pointer[Report]
	trigger  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the eviction parameters.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics sets the metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// New creates a Manager for the row tables named in tables.
func New(handle *storage.Handle, monitor *network.Monitor, tables []string, opts ...Option) *Manager {
	m := &Manager{
		handle:  handle,
		network: monitor,
		tables:  append([]string(nil), tables...),
		cfg:     DefaultConfig(),
		clock:   clock.Real{},
		logger:  zap.NewNop(),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("eviction")
	return m
}

// Config returns the active parameters.
func (m *Manager) Config() Config {
	return m.cfg
}

// Degraded reports whether the last pass left usage above the quota.
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

// LastReport returns the report of the most recent pass, if any.
func (m *Manager) LastReport() (Report, bool) {
	r := m.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// Usage estimates the bytes held by cached rows of every tenant plus
// queued mutations.
func (m *Manager) Usage(ctx context.Context) (int64, error) {
	var usage int64
	err := m.handle.Run(ctx, storeName, txn.ModeRead, func(tx *sql.Tx) error {
		var err error
		usage, err = m.usageTx(ctx, tx)
		return err
	})
	return usage, err
}

func (m *Manager) usageTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var total int64
	for _, table := range m.tables {
		u, err := storage.RowUsage(ctx, tx, table, "")
		if err != nil {
			return 0, err
		}
		total += u.Bytes
	}
	mb, err := storage.MutationBytes(ctx, tx)
	if err != nil {
		return 0, err
	}
	return total + mb, nil
}

// Trigger requests a pass from Run. Requests coalesce while one is queued.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run performs a pass for every Trigger until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.trigger:
			if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("eviction pass failed", zap.Error(err))
			}
		}
	}
}

// Check runs one eviction pass. Usage and eviction happen in a single
// write transaction, so a row dirtied concurrently is never removed.
func (m *Manager) Check(ctx context.Context) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := Report{Quota: m.cfg.SoftQuotaBytes}
	online := m.network == nil || m.network.Online()

	err := m.handle.Run(ctx, storeName, txn.ModeWrite, func(tx *sql.Tx) error {
		report = Report{Quota: m.cfg.SoftQuotaBytes}

		usage, err := m.usageTx(ctx, tx)
		if err != nil {
			return err
		}
		report.Usage = usage

		if usage < m.cfg.SoftQuotaBytes {
			report.Reason = ReasonUnderQuota
			return nil
		}
		if !online {
			report.Reason = ReasonOffline
			report.Deferred = true
			return nil
		}

		candidates, err := m.candidates(ctx, tx)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			if report.Usage < m.cfg.SoftQuotaBytes {
				break
			}
			removed, err := storage.EvictRow(ctx, tx, c.Table, c.Tenant, c.Key)
			if err != nil {
				return err
			}
			if !removed {
				continue
			}
			report.Evicted++
			report.Freed += c.Size
			report.Usage -= c.Size
		}

		if report.Usage < m.cfg.SoftQuotaBytes {
			report.Reason = ReasonEvicted
		} else {
			report.Reason = ReasonExhausted
			report.Deferred = true
		}
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("eviction pass: %w", err)
	}

	report.Degraded = report.Deferred
	m.degraded.Store(report.Degraded)
	m.last.Store(&report)
	m.observe(report)
	return report, nil
}

// candidates merges the eligible rows of every table, oldest access first.
func (m *Manager) candidates(ctx context.Context, tx *sql.Tx) ([]storage.Candidate, error) {
	now := m.clock.Now()
	modifiedBefore := now.Add(-m.cfg.ModifiedWindow)
	accessedBefore := now.Add(-m.cfg.AccessedWindow)

	var all []storage.Candidate
	for _, table := range m.tables {
		cs, err := storage.EvictionCandidates(ctx, tx, table, modifiedBefore, accessedBefore)
		if err != nil {
			return nil, err
		}
		all = append(all, cs...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		if a.Tenant != b.Tenant {
			return a.Tenant < b.Tenant
		}
		return a.Key < b.Key
	})
	return all, nil
}

func (m *Manager) observe(r Report) {
	log := m.logger.With(
		zap.Int64("usage", r.Usage),
		zap.Int64("quota", r.Quota),
		zap.String("reason", string(r.Reason)))

	if m.metrics != nil {
		m.metrics.StorageUsageBytes.Set(float64(r.Usage))
		m.metrics.RowsEvicted.Add(float64(r.Evicted))
		if r.Deferred {
			m.metrics.EvictionsDeferred.WithLabelValues(string(r.Reason)).Inc()
		}
	}

	switch {
	case r.Deferred:
		log.Warn("eviction deferred", zap.Int("evicted", r.Evicted))
	case r.Evicted > 0:
		log.Info("rows evicted", zap.Int("evicted", r.Evicted), zap.Int64("freed", r.Freed))
	default:
		log.Debug("eviction pass")
	}
}
