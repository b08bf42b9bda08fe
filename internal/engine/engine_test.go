package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roach88/replica/internal/conflict"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/network"
	"github.com/roach88/replica/internal/outbox"
	"github.com/roach88/replica/internal/remote"
	"github.com/roach88/replica/internal/replica"
	"github.com/roach88/replica/internal/storage"
	fakeclock "github.com/roach88/replica/internal/testutil"
	"github.com/roach88/replica/internal/txn"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	rc      *replica.Context
	queue   *outbox.Queue
	source  *remote.Memory
	monitor *network.Monitor
	clock   *fakeclock.FakeClock
	metrics *metrics.Metrics
	tasks   *replica.Table
	engine  *Engine
}

// newFixture builds an engine over one "tasks" table with policy. src
// overrides the source seen by the engine; f.source is always the
// in-memory source.
func newFixture(t *testing.T, policy conflict.Policy, src remote.Source) *fixture {
	t.Helper()
	clk := fakeclock.NewFakeClock(start)
	mem := remote.NewMemory(clk)
	if src == nil {
		src = mem
	}
	m := metrics.New(nil)

	path := filepath.Join(t.TempDir(), "replica.db")
	h := storage.NewHandle(storage.SQLiteOpener(path, zap.NewNop()), txn.New(zap.NewNop()), zap.NewNop())
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	q := outbox.New(h, src, outbox.WithClock(clk), outbox.WithMetrics(m))
	mon := network.NewMonitor(true)
	rc, err := replica.NewContext("acme", h, q, src, mon, replica.WithClock(clk), replica.WithMetrics(m))
	require.NoError(t, err)

	tasks, err := replica.NewTable(rc, replica.TableConfig{Name: "tasks", Category: replica.CategoryShort, Policy: policy})
	require.NoError(t, err)
	require.NoError(t, tasks.Init(context.Background()))

	e, err := New(rc, []*replica.Table{tasks}, WithLogger(zap.NewNop()))
	require.NoError(t, err)

	return &fixture{rc: rc, queue: q, source: mem, monitor: mon, clock: clk, metrics: m, tasks: tasks, engine: e}
}

func (f *fixture) localRow(t *testing.T, key string) (ir.CachedRow, bool) {
	t.Helper()
	var (
		row   ir.CachedRow
		found bool
	)
	err := f.rc.Handle().Run(context.Background(), "tasks", txn.ModeRead, func(tx *sql.Tx) error {
		var err error
		row, found, err = f.tasks.LocalRowTx(context.Background(), tx, "acme", key)
		return err
	})
	require.NoError(t, err)
	return row, found
}

func (f *fixture) pending(t *testing.T) []ir.Mutation {
	t.Helper()
	out, err := f.queue.List(context.Background(), "acme", ir.StatusPending)
	require.NoError(t, err)
	return out
}

func event(key, payload string, at time.Time) ir.ChangeEvent {
	return ir.ChangeEvent{
		Tenant: "acme",
		Table:  "tasks",
		Record: ir.Record{Key: key, Payload: json.RawMessage(payload), UpdatedAt: at},
	}
}

func TestApplyChange_CleanRowTakesRemote(t *testing.T) {
	f := newFixture(t, conflict.LastWriteWins, nil)
	ctx := context.Background()

	var changes []replica.Change
	sub := f.tasks.Subscribe(func(c replica.Change) { changes = append(changes, c) })
	defer sub.Unsubscribe()

	require.NoError(t, f.engine.ApplyChange(ctx, event("k1", `{"b":1,"a":2}`, start)))

	row, found := f.localRow(t, "k1")
	require.True(t, found)
	assert.False(t, row.Dirty)
	assert.JSONEq(t, `{"a":2,"b":1}`, string(row.Payload))

	require.Len(t, changes, 1)
	assert.Equal(t, replica.OriginRemote, changes[0].Origin)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RemoteEventsApplied.WithLabelValues("tasks")))
}

func TestApplyChange_DuplicateIgnored(t *testing.T) {
	f := newFixture(t, conflict.LastWriteWins, nil)
	ctx := context.Background()

	var changes int
	sub := f.tasks.Subscribe(func(replica.Change) { changes++ })
	defer sub.Unsubscribe()

	ev := event("k1", `{"a":1}`, start)
	require.NoError(t, f.engine.ApplyChange(ctx, ev))

	// Same content with different key order is the same version.
	dup := event("k1", `{ "a" : 1 }`, start)
	require.NoError(t, f.engine.ApplyChange(ctx, dup))

	assert.Equal(t, 1, changes)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RemoteEventsDuplicate))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RemoteEventsApplied.WithLabelValues("tasks")))

	// A new version of the same row is applied.
	require.NoError(t, f.engine.ApplyChange(ctx, event("k1", `{"a":2}`, start.Add(time.Second))))
	assert.Equal(t, 2, changes)
}

func TestApplyChange_IgnoresOtherTenantAndUnknownTable(t *testing.T) {
	f := newFixture(t, conflict.LastWriteWins, nil)
	ctx := context.Background()

	other := event("k1", `{"a":1}`, start)
	other.Tenant = "globex"
	require.NoError(t, f.engine.ApplyChange(ctx, other))

	unknown := event("k1", `{"a":1}`, start)
	unknown.Table = "scores"
	require.NoError(t, f.engine.ApplyChange(ctx, unknown))

	_, found := f.localRow(t, "k1")
	assert.False(t, found)
}

func TestApplyChange_DeletedRemovesCleanRow(t *testing.T) {
	f := newFixture(t, conflict.LastWriteWins, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.ApplyChange(ctx, event("k1", `{"a":1}`, start)))

	del := ir.ChangeEvent{Tenant: "acme", Table: "tasks", Record: ir.Record{Key: "k1", UpdatedAt: start.Add(time.Minute), Deleted: true}}
	require.NoError(t, f.engine.ApplyChange(ctx, del))

	_, found := f.localRow(t, "k1")
	assert.False(t, found)
}

func TestApplyChange_ConflictPolicies(t *testing.T) {
	tests := []struct {
		name       string
		policy     conflict.Policy
		remoteAt   time.Duration // relative to the local write
		wantWinner conflict.Winner
	}{
		{"lww remote newer", conflict.LastWriteWins, time.Minute, conflict.WinnerRemote},
		{"lww local newer", conflict.LastWriteWins, -time.Minute, conflict.WinnerLocal},
		{"lww tie goes remote", conflict.LastWriteWins, 0, conflict.WinnerRemote},
		{"server authoritative", conflict.ServerAuthoritative, -time.Minute, conflict.WinnerRemote},
		{"client authoritative", conflict.ClientAuthoritative, time.Minute, conflict.WinnerLocal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.policy, nil)
			ctx := context.Background()

			local, err := f.tasks.Put(ctx, "acme", "k1", json.RawMessage(`{"v":"local"}`))
			require.NoError(t, err)

			ev := event("k1", `{"v":"remote"}`, local.UpdatedAt.Add(tt.remoteAt))
			require.NoError(t, f.engine.ApplyChange(ctx, ev))

			row, found := f.localRow(t, "k1")
			require.True(t, found)

			history, err := f.engine.ConflictHistory(ctx, "tasks")
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, string(tt.policy), history[0].Policy)
			assert.Equal(t, string(tt.wantWinner), history[0].Winner)
			assert.JSONEq(t, `{"v":"remote"}`, string(history[0].RemotePayload))

			if tt.wantWinner == conflict.WinnerRemote {
				assert.False(t, row.Dirty, "remote win clears the dirty flag")
				assert.JSONEq(t, `{"v":"remote"}`, string(row.Payload))
				assert.Empty(t, f.pending(t), "remote win discards pending mutations")
			} else {
				assert.True(t, row.Dirty, "local win keeps the row dirty")
				assert.JSONEq(t, `{"v":"local"}`, string(row.Payload))
				assert.Len(t, f.pending(t), 1, "local win keeps the pending mutation")
			}

			assert.Equal(t, 1.0, testutil.ToFloat64(
				f.metrics.Conflicts.WithLabelValues(string(tt.policy), string(tt.wantWinner))))
		})
	}
}

func TestApplyChange_LocalWinSignalsOutbox(t *testing.T) {
	f := newFixture(t, conflict.ClientAuthoritative, nil)
	ctx := context.Background()

	_, err := f.tasks.Put(ctx, "acme", "k1", json.RawMessage(`{"v":"local"}`))
	require.NoError(t, err)
	select {
	case <-f.queue.Pending():
	default:
	}

	var changes int
	sub := f.tasks.Subscribe(func(replica.Change) { changes++ })
	defer sub.Unsubscribe()

	require.NoError(t, f.engine.ApplyChange(ctx, event("k1", `{"v":"remote"}`, start.Add(time.Hour))))

	select {
	case <-f.queue.Pending():
	default:
		t.Fatal("a kept local version must wake the outbox")
	}
	assert.Len(t, f.pending(t), 1)
	assert.Zero(t, changes, "the cached row was not written")
}

func TestApplyChange_NotifiesEveryWrite(t *testing.T) {
	f := newFixture(t, conflict.LastWriteWins, nil)
	ctx := context.Background()

	var changes []replica.Change
	sub := f.tasks.Subscribe(func(c replica.Change) { changes = append(changes, c) })
	defer sub.Unsubscribe()

	require.NoError(t, f.engine.ApplyChange(ctx, event("k1", `{"a":1}`, start)))
	// Same payload, newer version: the row is rewritten.
	require.NoError(t, f.engine.ApplyChange(ctx, event("k1", `{"a":1}`, start.Add(time.Second))))

	require.Len(t, changes, 2)
	assert.True(t, changes[1].Record.UpdatedAt.Equal(start.Add(time.Second)))

	row, found := f.localRow(t, "k1")
	require.True(t, found)
	assert.True(t, row.UpdatedAt.Equal(start.Add(time.Second)))
}

func TestSyncAll_PullsSinceCursor(t *testing.T) {
	f := newFixture(t, conflict.LastWriteWins, nil)
	ctx := context.Background()

	f.source.Seed("acme", "tasks",
		ir.Record{Key: "k1", Payload: json.RawMessage(`{"a":1}`), UpdatedAt: start},
		ir.Record{Key: "k2", Payload: json.RawMessage(`{"a":2}`), UpdatedAt: start},
	)
	f.source.Seed("globex", "tasks", ir.Record{Key: "x", Payload: json.RawMessage(`{"a":3}`), UpdatedAt: start})

	report, err := f.engine.SyncAll(ctx, SyncOptions{})
	require.NoError(t, err)
	tr := report.Tables["tasks"]
	assert.Equal(t, 2, tr.Pulled)
	assert.Equal(t, 2, tr.Applied)
	assert.Equal(t, int64(2), tr.Cursor)

	_, found := f.localRow(t, "k2")
	assert.True(t, found)

	report, err = f.engine.SyncAll(ctx, SyncOptions{})
	require.NoError(t, err)
	assert.Zero(t, report.Tables["tasks"].Pulled, "cursor advanced past seen records")

	f.source.Seed("acme", "tasks", ir.Record{Key: "k3", Payload: json.RawMessage(`{"a":4}`), UpdatedAt: start})
	report, err = f.engine.SyncAll(ctx, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tables["tasks"].Pulled)

	report, err = f.engine.SyncAll(ctx, SyncOptions{FullResync: true})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Tables["tasks"].Pulled)
	assert.Equal(t, 3, report.Tables["tasks"].Unchanged)

	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.SyncRuns.WithLabelValues("ok")))
}

func TestSyncAll_Offline(t *testing.T) {
	f := newFixture(t, conflict.LastWriteWins, nil)
	f.monitor.SetOnline(false)

	_, err := f.engine.SyncAll(context.Background(), SyncOptions{})
	assert.ErrorIs(t, err, ErrOffline)

	_, err = f.engine.Drain(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
}

func TestSyncAll_OfflineWritesDrainInOrderOnReconnect(t *testing.T) {
	f := newFixture(t, conflict.LastWriteWins, nil)
	ctx := context.Background()

	f.monitor.SetOnline(false)
	f.source.SetOnline(false)
	for _, v := range []string{`{"v":1}`, `{"v":2}`, `{"v":3}`} {
		_, err := f.tasks.Put(ctx, "acme", "k1", json.RawMessage(v))
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
	require.Len(t, f.pending(t), 3)

	f.source.SetOnline(true)
	f.monitor.SetOnline(true)

	report, err := f.engine.SyncAll(ctx, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Drain.Succeeded)

	applied := f.source.Applied()
	require.Len(t, applied, 3)
	for i, want := range []string{`{"v":1}`, `{"v":2}`, `{"v":3}`} {
		assert.JSONEq(t, want, string(applied[i].Payload))
	}

	row, found := f.localRow(t, "k1")
	require.True(t, found)
	assert.False(t, row.Dirty, "row is clean once its last mutation is confirmed")
	assert.Empty(t, f.pending(t))
}

func TestSyncAll_ResolvesDirtyRows(t *testing.T) {
	f := newFixture(t, conflict.LastWriteWins, nil)
	ctx := context.Background()

	f.monitor.SetOnline(false)
	_, err := f.tasks.Put(ctx, "acme", "k1", json.RawMessage(`{"v":"local"}`))
	require.NoError(t, err)
	f.monitor.SetOnline(true)

	f.source.Seed("acme", "tasks", ir.Record{Key: "k1", Payload: json.RawMessage(`{"v":"remote"}`), UpdatedAt: start.Add(time.Hour)})

	report, err := f.engine.SyncAll(ctx, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tables["tasks"].Conflicts)
	assert.Zero(t, report.Drain.Succeeded, "the discarded mutation is never submitted")

	row, found := f.localRow(t, "k1")
	require.True(t, found)
	assert.False(t, row.Dirty)
	assert.JSONEq(t, `{"v":"remote"}`, string(row.Payload))
	assert.Empty(t, f.source.Applied())
}

// blockingSource blocks Pull until the caller's context ends.
type blockingSource struct {
	*remote.Memory
	pulling chan struct{}
}

func (b *blockingSource) Pull(ctx context.Context, tenant, table string, cursor int64) ([]ir.Record, int64, error) {
	close(b.pulling)
	<-ctx.Done()
	return nil, cursor, ctx.Err()
}

func TestCancelActive_AbortsPull(t *testing.T) {
	clk := fakeclock.NewFakeClock(start)
	src := &blockingSource{Memory: remote.NewMemory(clk), pulling: make(chan struct{})}
	f := newFixture(t, conflict.LastWriteWins, src)

	n, err := f.engine.CancelActive(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing to cancel while idle")

	errs := make(chan error, 1)
	go func() {
		_, err := f.engine.SyncAll(context.Background(), SyncOptions{})
		errs <- err
	}()

	<-src.pulling
	n, err = f.engine.CancelActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.True(t, IsSyncError(err))
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("SyncAll did not return after CancelActive")
	}
}

func TestRun_AppliesFeedAndDrainsOnReconnect(t *testing.T) {
	f := newFixture(t, conflict.LastWriteWins, nil)
	f.monitor.SetOnline(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	// Feed subscription happens inside Run; publish until it lands.
	require.Eventually(t, func() bool {
		f.source.Publish(ctx, "acme", "tasks", ir.Record{Key: "r1", Payload: json.RawMessage(`{"a":1}`), UpdatedAt: start})
		_, found := f.localRow(t, "r1")
		return found
	}, 5*time.Second, 10*time.Millisecond)

	_, err := f.tasks.Put(ctx, "acme", "k1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	assert.Empty(t, f.source.Applied(), "nothing is submitted while offline")

	f.monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		return len(f.source.Applied()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_StopAppliesQueuedEvents(t *testing.T) {
	f := newFixture(t, conflict.LastWriteWins, nil)
	f.monitor.SetOnline(false)

	require.True(t, f.engine.Enqueue(event("k1", `{"a":1}`, start)))
	require.True(t, f.engine.Enqueue(event("k2", `{"a":2}`, start)))
	f.engine.Stop()
	assert.False(t, f.engine.Enqueue(event("k3", `{"a":3}`, start)))

	require.NoError(t, f.engine.Run(context.Background()))

	for _, key := range []string{"k1", "k2"} {
		_, found := f.localRow(t, key)
		assert.True(t, found, key)
	}
}

func TestRun_RecoversSyncingEntries(t *testing.T) {
	f := newFixture(t, conflict.LastWriteWins, nil)
	ctx := context.Background()
	f.monitor.SetOnline(false)

	_, err := f.tasks.Put(ctx, "acme", "k1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	m := f.pending(t)[0]
	err = f.rc.Handle().Run(ctx, "mutations", txn.ModeWrite, func(tx *sql.Tx) error {
		_, err := storage.UpdateMutation(ctx, tx, m.ID, ir.StatusSyncing, 0, "")
		return err
	})
	require.NoError(t, err)

	f.engine.Stop()
	require.NoError(t, f.engine.Run(ctx))

	assert.Len(t, f.pending(t), 1, "an entry left syncing is pending again after start")
}

func TestNew_RejectsDuplicateTables(t *testing.T) {
	f := newFixture(t, conflict.LastWriteWins, nil)

	_, err := New(f.rc, []*replica.Table{f.tasks, f.tasks})
	require.Error(t, err)

	_, err = New(nil, nil)
	require.Error(t, err)
}

func TestSyncError(t *testing.T) {
	err := &SyncError{Table: "tasks", Phase: "pull", Err: remote.ErrUnavailable}
	assert.Equal(t, "sync tasks: pull: "+remote.ErrUnavailable.Error(), err.Error())
	assert.True(t, errors.Is(err, remote.ErrUnavailable))
	assert.False(t, IsSyncError(errors.New("other")))
}
