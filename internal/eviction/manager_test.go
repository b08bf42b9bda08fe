package eviction

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/network"
	"github.com/roach88/replica/internal/storage"
	fakeclock "github.com/roach88/replica/internal/testutil"
	"github.com/roach88/replica/internal/txn"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// rowBytes is the estimated size of every row written by put: one byte
// key, seven byte payload.
const rowBytes = 1 + 7 + storage.RowOverhead

type fixture struct {
	handle  *storage.Handle
	monitor *network.Monitor
	metrics *metrics.Metrics
	clock   *fakeclock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replica.db")
	h := storage.NewHandle(storage.SQLiteOpener(path, zap.NewNop()), txn.New(zap.NewNop()), zap.NewNop())
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	err := h.Run(context.Background(), "setup", txn.ModeWrite, func(tx *sql.Tx) error {
		for _, table := range []string{"tasks", "scores"} {
			if err := storage.CreateRowTable(context.Background(), tx, table); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	return &fixture{
		handle:  h,
		monitor: network.NewMonitor(true),
		metrics: metrics.New(nil),
		clock:   fakeclock.NewFakeClock(now),
	}
}

func (f *fixture) manager(quota int64) *Manager {
	cfg := DefaultConfig()
	cfg.SoftQuotaBytes = quota
	return New(f.handle, f.monitor, []string{"tasks", "scores"},
		WithConfig(cfg), WithClock(f.clock), WithMetrics(f.metrics))
}

// put stores a row with a one byte key, modified and accessed the given
// durations ago.
func (f *fixture) put(t *testing.T, table, key string, modifiedAgo, accessedAgo time.Duration, dirty bool) {
	t.Helper()
	require.Len(t, key, 1)
	err := f.handle.Run(context.Background(), table, txn.ModeWrite, func(tx *sql.Tx) error {
		return storage.PutRow(context.Background(), tx, table, "acme", ir.CachedRow{
			Record: ir.Record{
				Key:       key,
				Payload:   json.RawMessage(`{"v":1}`),
				UpdatedAt: now.Add(-modifiedAgo),
			},
			Dirty:        dirty,
			LastAccessed: now.Add(-accessedAgo),
		})
	})
	require.NoError(t, err)
}

func (f *fixture) has(t *testing.T, table, key string) bool {
	t.Helper()
	var found bool
	err := f.handle.Run(context.Background(), table, txn.ModeRead, func(tx *sql.Tx) error {
		var err error
		_, found, err = storage.GetRow(context.Background(), tx, table, "acme", key)
		return err
	})
	require.NoError(t, err)
	return found
}

func TestCheck_UnderQuota(t *testing.T) {
	f := newFixture(t)
	f.put(t, "tasks", "a", 5*time.Hour, 5*time.Hour, false)

	m := f.manager(DefaultConfig().SoftQuotaBytes)
	report, err := m.Check(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReasonUnderQuota, report.Reason)
	assert.Equal(t, int64(rowBytes), report.Usage)
	assert.Zero(t, report.Evicted)
	assert.False(t, m.Degraded())
	assert.NoError(t, report.Err())
	assert.Equal(t, float64(rowBytes), testutil.ToFloat64(f.metrics.StorageUsageBytes))
}

func TestCheck_EvictsOldestAccessedFirstAcrossTables(t *testing.T) {
	f := newFixture(t)
	f.put(t, "tasks", "a", 5*time.Hour, 3*time.Hour, false)
	f.put(t, "tasks", "b", 5*time.Hour, 2*time.Hour, false)
	f.put(t, "scores", "c", 5*time.Hour, 4*time.Hour, false)

	// Three rows; only one fits under the quota.
	m := f.manager(2*rowBytes - 1)
	report, err := m.Check(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReasonEvicted, report.Reason)
	assert.Equal(t, 2, report.Evicted)
	assert.Equal(t, int64(2*rowBytes), report.Freed)
	assert.Equal(t, int64(rowBytes), report.Usage)
	assert.False(t, report.Deferred)

	assert.False(t, f.has(t, "scores", "c"), "oldest access goes first")
	assert.False(t, f.has(t, "tasks", "a"))
	assert.True(t, f.has(t, "tasks", "b"), "eviction stops once under quota")

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RowsEvicted))

	last, ok := m.LastReport()
	require.True(t, ok)
	assert.Equal(t, report, last)
}

func TestCheck_ProtectedRowsDeferEviction(t *testing.T) {
	f := newFixture(t)
	f.put(t, "tasks", "d", 48*time.Hour, 48*time.Hour, true)   // dirty
	f.put(t, "tasks", "m", 30*time.Minute, 2*time.Hour, false) // recently modified
	f.put(t, "scores", "r", 5*time.Hour, time.Minute, false)   // recently accessed

	m := f.manager(1)
	report, err := m.Check(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Evicted)
	assert.True(t, report.Deferred)
	assert.True(t, report.Degraded)
	assert.Equal(t, ReasonExhausted, report.Reason)
	assert.ErrorIs(t, report.Err(), ErrQuotaExceeded)
	assert.True(t, m.Degraded())

	for _, r := range []struct{ table, key string }{{"tasks", "d"}, {"tasks", "m"}, {"scores", "r"}} {
		assert.True(t, f.has(t, r.table, r.key), r.key)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EvictionsDeferred.WithLabelValues(string(ReasonExhausted))))

	// Under a larger quota the condition clears.
	m.cfg.SoftQuotaBytes = DefaultConfig().SoftQuotaBytes
	report, err = m.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Degraded)
	assert.False(t, m.Degraded())
}

func TestCheck_DirtyRowNeverEvicted(t *testing.T) {
	f := newFixture(t)
	f.put(t, "tasks", "d", 1000*time.Hour, 1000*time.Hour, true)
	f.put(t, "tasks", "a", 5*time.Hour, 5*time.Hour, false)

	m := f.manager(1)
	report, err := m.Check(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Evicted)
	assert.True(t, f.has(t, "tasks", "d"))
	assert.False(t, f.has(t, "tasks", "a"))
}

func TestCheck_OfflineSkips(t *testing.T) {
	f := newFixture(t)
	f.put(t, "tasks", "a", 5*time.Hour, 5*time.Hour, false)
	f.monitor.SetOnline(false)

	m := f.manager(1)
	report, err := m.Check(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReasonOffline, report.Reason)
	assert.True(t, report.Deferred)
	assert.Zero(t, report.Evicted)
	assert.True(t, f.has(t, "tasks", "a"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EvictionsDeferred.WithLabelValues(string(ReasonOffline))))
}

func TestUsage_CountsQueuedMutations(t *testing.T) {
	f := newFixture(t)
	f.put(t, "tasks", "a", time.Hour, time.Hour, false)

	err := f.handle.Run(context.Background(), "mutations", txn.ModeWrite, func(tx *sql.Tx) error {
		return storage.InsertMutation(context.Background(), tx, &ir.Mutation{
			ID:         "m1",
			Tenant:     "acme",
			Table:      "tasks",
			Key:        "a",
			Type:       ir.MutationGenericUpdate,
			Payload:    json.RawMessage(`{"v":1}`),
			EnqueuedAt: now,
		})
	})
	require.NoError(t, err)

	m := f.manager(DefaultConfig().SoftQuotaBytes)
	usage, err := m.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2*rowBytes), usage)
}

func TestRun_TriggerCoalesces(t *testing.T) {
	f := newFixture(t)
	f.put(t, "tasks", "a", 5*time.Hour, 5*time.Hour, false)
	m := f.manager(1)

	m.Trigger()
	m.Trigger()
	m.Trigger()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := m.LastReport()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, f.has(t, "tasks", "a"))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
