package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roach88/replica/internal/txn"
)

// countingOpener opens path on every call and counts calls.
func countingOpener(path string, calls *atomic.Int64) Opener {
	return func(ctx context.Context, attempt int, cause error) (*DB, error) {
		calls.Add(1)
		return Open(path)
	}
}

func newTestHandle(t *testing.T, open Opener, opts ...HandleOption) *Handle {
	t.Helper()
	h := NewHandle(open, txn.New(zap.NewNop()), zap.NewNop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h
}

func TestHandle_ConcurrentAcquireOpensOnce(t *testing.T) {
	var calls atomic.Int64
	h := newTestHandle(t, countingOpener(filepath.Join(t.TempDir(), "h.db"), &calls))

	const n = 16
	var (
		wg  sync.WaitGroup
		dbs = make([]*DB, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db, err := h.Acquire(context.Background())
			assert.NoError(t, err)
			dbs[i] = db
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), h.Opens())
	assert.Equal(t, int64(1), calls.Load())
	for i := 1; i < n; i++ {
		assert.Same(t, dbs[0], dbs[i], "every caller must share one connection")
	}
	assert.Equal(t, StateOpen, h.State())
}

func TestHandle_CorruptionDuringOpenRedirectsWaiters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.db")
	release := make(chan struct{})

	h := newTestHandle(t, func(ctx context.Context, attempt int, cause error) (*DB, error) {
		if attempt == 0 {
			<-release
			return nil, fmt.Errorf("open: %w", ErrIntegrity)
		}
		if !IsCorruption(cause) {
			return nil, fmt.Errorf("retry without corruption cause: %v", cause)
		}
		return Open(path)
	})

	// Both callers must be blocked on the original open before it fails.
	var waitingOnOpen sync.WaitGroup
	waitingOnOpen.Add(2)
	h.onWait = func(s State) {
		if s == StateOpening {
			waitingOnOpen.Done()
		}
	}

	var (
		wg      sync.WaitGroup
		results [2]*DB
		errs    [2]error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.Acquire(context.Background())
		}(i)
	}

	waitingOnOpen.Wait()
	close(release)
	wg.Wait()

	require.NoError(t, errs[0], "caller A must be moved to the retry, not failed")
	require.NoError(t, errs[1], "caller B must be moved to the retry, not failed")
	require.NotNil(t, results[0])
	assert.Same(t, results[0], results[1])
	assert.Equal(t, int64(2), h.Opens())
	assert.Equal(t, StateOpen, h.State())
}

func TestHandle_RetryExhaustion(t *testing.T) {
	var calls atomic.Int64
	h := newTestHandle(t, func(ctx context.Context, attempt int, cause error) (*DB, error) {
		calls.Add(1)
		return nil, fmt.Errorf("open: %w", ErrIntegrity)
	}, WithMaxOpenAttempts(3), WithName("broken.db"))

	_, err := h.Acquire(context.Background())
	require.Error(t, err)
	require.True(t, IsInitializationError(err))

	var ie *InitializationError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, 3, ie.Attempts)
	assert.Equal(t, "broken.db", ie.Path)
	assert.ErrorIs(t, err, ErrIntegrity)

	assert.Equal(t, StateCorrupted, h.State())
	assert.Equal(t, int64(4), calls.Load(), "initial open plus three retries")

	// A later acquire starts a fresh retry.
	_, err = h.Acquire(context.Background())
	require.True(t, IsInitializationError(err))
	assert.Equal(t, int64(7), calls.Load())
}

func TestHandle_QuarantinesGarbageFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "h.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("garbage!"), 1024), 0o600))

	h := newTestHandle(t, SQLiteOpener(path, zap.NewNop()), WithName(path))

	db, err := h.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, db.SQL().Ping())
	assert.Equal(t, int64(2), h.Opens())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	quarantined := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "h.db.corrupt-") {
			quarantined = true
		}
	}
	assert.True(t, quarantined, "damaged file should be moved aside")
}

func TestHandle_ResetDeferredWhileInFlight(t *testing.T) {
	var calls atomic.Int64
	h := newTestHandle(t, countingOpener(filepath.Join(t.TempDir(), "h.db"), &calls))

	_, err := h.Acquire(context.Background())
	require.NoError(t, err)

	tracked := h.Coordinator().Track("tasks", txn.ModeWrite)
	assert.False(t, h.Reset(), "reset must be refused while a transaction is in flight")
	assert.Equal(t, int64(1), h.DeferredResets())
	assert.Equal(t, StateOpen, h.State())

	h.Coordinator().Settle(tracked, nil)
	assert.True(t, h.Reset())
	assert.Equal(t, StateClosed, h.State())

	_, err = h.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.Opens())
}

func TestHandle_ReportCorruptionSwapsAfterRetry(t *testing.T) {
	var calls atomic.Int64
	h := newTestHandle(t, countingOpener(filepath.Join(t.TempDir(), "h.db"), &calls))

	old, err := h.Acquire(context.Background())
	require.NoError(t, err)

	tracked := h.Coordinator().Track("tasks", txn.ModeRead)
	h.ReportCorruption(old, ErrIntegrity)

	fresh, err := h.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, StateOpen, h.State())

	// Stale reports against the retired connection are ignored.
	h.ReportCorruption(old, ErrIntegrity)
	assert.Equal(t, StateOpen, h.State())
	assert.Equal(t, int64(2), h.Opens())

	// The holder of the old connection keeps working until it settles.
	require.NoError(t, old.SQL().Ping())

	h.Coordinator().Settle(tracked, nil)
	require.Eventually(t, func() bool {
		return old.SQL().Ping() != nil
	}, 5*time.Second, 10*time.Millisecond, "old connection should be closed once its transaction settled")
}

func TestHandle_RunReportsCorruption(t *testing.T) {
	var calls atomic.Int64
	h := newTestHandle(t, countingOpener(filepath.Join(t.TempDir(), "h.db"), &calls))

	first, err := h.Acquire(context.Background())
	require.NoError(t, err)

	err = h.Run(context.Background(), "tasks", txn.ModeRead, func(tx *sql.Tx) error {
		return fmt.Errorf("read: %w", ErrIntegrity)
	})
	require.Error(t, err)
	assert.True(t, txn.IsTransactionError(err))

	second, err := h.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestHandle_RunCommits(t *testing.T) {
	var calls atomic.Int64
	h := newTestHandle(t, countingOpener(filepath.Join(t.TempDir(), "h.db"), &calls))

	ctx := context.Background()
	err := h.Run(ctx, "tasks", txn.ModeWrite, func(tx *sql.Tx) error {
		return CreateRowTable(ctx, tx, "tasks")
	})
	require.NoError(t, err)
	assert.Equal(t, 0, h.Coordinator().InFlight())
}

func TestHandle_AcquireHonorsContext(t *testing.T) {
	release := make(chan struct{})
	path := filepath.Join(t.TempDir(), "h.db")
	h := newTestHandle(t, func(ctx context.Context, attempt int, cause error) (*DB, error) {
		<-release
		return Open(path)
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandle_CloseWaitsForInFlight(t *testing.T) {
	var calls atomic.Int64
	h := newTestHandle(t, countingOpener(filepath.Join(t.TempDir(), "h.db"), &calls))

	_, err := h.Acquire(context.Background())
	require.NoError(t, err)

	tracked := h.Coordinator().Track("tasks", txn.ModeWrite)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Close(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateOpen, h.State())

	h.Coordinator().Settle(tracked, nil)
	require.NoError(t, h.Close(context.Background()))
	assert.Equal(t, StateClosed, h.State())
}

func TestHandle_AcquireAfterCloseFails(t *testing.T) {
	var calls atomic.Int64
	h := newTestHandle(t, countingOpener(filepath.Join(t.TempDir(), "h.db"), &calls))
	ctx := context.Background()

	_, err := h.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))

	_, err = h.Acquire(ctx)
	assert.ErrorIs(t, err, ErrHandleClosed)
	err = h.Run(ctx, "tasks", txn.ModeWrite, func(tx *sql.Tx) error { return nil })
	assert.ErrorIs(t, err, ErrHandleClosed)

	assert.Equal(t, StateClosed, h.State())
	assert.Equal(t, int64(1), h.Opens(), "a closed handle never reopens")
	assert.NoError(t, h.Close(ctx), "Close is idempotent")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "reopening", StateReopening.String())
	assert.Equal(t, "state(42)", State(42).String())
}
