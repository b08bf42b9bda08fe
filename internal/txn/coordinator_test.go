package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "txn.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	return db
}

func TestRun_CommitsAndSettles(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	db := openTestDB(t)

	err := c.Run(context.Background(), db, "kv", ModeWrite, func(tx *sql.Tx) error {
		assert.Equal(t, 1, c.InFlight(), "transaction must be tracked while running")
		_, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('a', '1')`)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, c.InFlight())

	var v string
	require.NoError(t, db.QueryRow(`SELECT v FROM kv WHERE k = 'a'`).Scan(&v))
	assert.Equal(t, "1", v)
}

func TestRun_FailureRollsBackAndSettles(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	db := openTestDB(t)
	boom := errors.New("boom")

	err := c.Run(context.Background(), db, "kv", ModeWrite, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('a', '1')`); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsTransactionError(err))
	assert.Equal(t, 0, c.InFlight(), "failed transactions are removed from the set")

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestRun_CancelledContextSettles(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Run(ctx, db, "kv", ModeRead, func(tx *sql.Tx) error { return nil })
	require.Error(t, err)
	assert.Equal(t, 0, c.InFlight())
}

func TestRun_PanicStillSettles(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	db := openTestDB(t)

	assert.Panics(t, func() {
		_ = c.Run(context.Background(), db, "kv", ModeWrite, func(tx *sql.Tx) error {
			panic("op exploded")
		})
	})
	assert.Equal(t, 0, c.InFlight())
}

func TestRun_ConcurrentTransactionsAllComplete(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	db := openTestDB(t)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- c.Run(context.Background(), db, "kv", ModeWrite, func(tx *sql.Tx) error {
				_, err := tx.Exec(`INSERT INTO kv (k, v) VALUES (?, ?)`, fmt.Sprintf("k%d", i), "v")
				return err
			})
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent transactions did not complete")
	}
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, c.InFlight())
}

func TestSettle_Idempotent(t *testing.T) {
	c := New(nil)
	h := c.Track("kv", ModeWrite)

	c.Settle(h, nil)
	assert.NotPanics(t, func() { c.Settle(h, errors.New("late")) })
	assert.NoError(t, h.Err(), "first settlement wins")

	select {
	case <-h.Done():
	default:
		t.Fatal("handle should be done")
	}
}

func TestWaitForInFlight_Empty(t *testing.T) {
	c := New(nil)
	assert.NoError(t, c.WaitForInFlight(context.Background()))
}

func TestWaitForInFlight_WaitsForEverySnapshotMember(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	h1 := c.Track("a", ModeWrite)
	h2 := c.Track("b", ModeWrite)

	done := make(chan error, 1)
	go func() { done <- c.WaitForInFlight(context.Background()) }()

	c.Settle(h1, nil)
	select {
	case <-done:
		t.Fatal("wait returned before every snapshot member settled")
	case <-time.After(20 * time.Millisecond):
	}

	c.Settle(h2, nil)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after snapshot settled")
	}
}

func TestWaitFor_IgnoresLaterTransactions(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	h1 := c.Track("a", ModeWrite)
	snapshot := c.Snapshot()

	later := c.Track("b", ModeWrite)
	defer c.Settle(later, nil)

	done := make(chan error, 1)
	go func() { done <- c.waitFor(context.Background(), snapshot) }()

	c.Settle(h1, nil)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait must not include transactions started after the snapshot")
	}
	assert.Equal(t, 1, c.InFlight())
}

func TestWaitForInFlight_ContextCancelled(t *testing.T) {
	c := New(nil)
	h := c.Track("a", ModeWrite)
	defer c.Settle(h, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := c.WaitForInFlight(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
