package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/testutil"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemory_FetchAndOffline(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testutil.NewFakeClock(start))
	m.Seed("acme", "tasks", ir.Record{Key: "k1", Payload: []byte(`{"v":1}`), UpdatedAt: start})

	rec, err := m.Fetch(ctx, "acme", "tasks", "k1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(rec.Payload))

	_, err = m.Fetch(ctx, "acme", "tasks", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Fetch(ctx, "beta", "tasks", "k1")
	assert.ErrorIs(t, err, ErrNotFound, "tenants are isolated")

	m.SetOnline(false)
	_, err = m.Fetch(ctx, "acme", "tasks", "k1")
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, 4, m.Fetches())
}

func TestMemory_PullCursor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testutil.NewFakeClock(start))
	m.Seed("acme", "tasks",
		ir.Record{Key: "a", UpdatedAt: start},
		ir.Record{Key: "b", UpdatedAt: start},
	)

	recs, cursor, err := m.Pull(ctx, "acme", "tasks", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Key)

	recs, next, err := m.Pull(ctx, "acme", "tasks", cursor)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, cursor, next)

	m.Seed("acme", "tasks", ir.Record{Key: "a", UpdatedAt: start.Add(time.Minute), Deleted: true})
	recs, _, err = m.Pull(ctx, "acme", "tasks", cursor)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Deleted)
}

func TestMemory_ApplyHookAndLog(t *testing.T) {
	ctx := context.Background()
	clk := testutil.NewFakeClock(start)
	m := NewMemory(clk)

	m.OnApply(func(mut ir.Mutation, attempt int) error {
		if attempt == 1 {
			return ErrUnavailable
		}
		if mut.Key == "bad" {
			return Terminal(errors.New("malformed payload"))
		}
		return nil
	})

	mut := ir.Mutation{ID: "m1", Tenant: "acme", Table: "tasks", Key: "k1", Type: ir.MutationGenericUpdate, Payload: []byte(`{"v":2}`)}
	assert.True(t, IsUnavailable(m.Apply(ctx, mut)))
	require.NoError(t, m.Apply(ctx, mut))
	assert.Equal(t, 2, m.Attempts("m1"))

	rec, ok := m.Record("acme", "tasks", "k1")
	require.True(t, ok)
	assert.True(t, rec.UpdatedAt.Equal(start))

	bad := ir.Mutation{ID: "m2", Tenant: "acme", Table: "tasks", Key: "bad", Type: ir.MutationGenericUpdate}
	_ = m.Apply(ctx, bad)
	err := m.Apply(ctx, bad)
	assert.True(t, IsTerminal(err))
	assert.False(t, IsUnavailable(err))

	del := ir.Mutation{ID: "m3", Tenant: "acme", Table: "tasks", Key: "k1", Type: ir.MutationDelete}
	_ = m.Apply(ctx, del)
	require.NoError(t, m.Apply(ctx, del))
	_, err = m.Fetch(ctx, "acme", "tasks", "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	applied := m.Applied()
	require.Len(t, applied, 2)
	assert.Equal(t, "m1", applied[0].ID)
	assert.Equal(t, "m3", applied[1].ID)
}

func TestMemory_Changes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory(testutil.NewFakeClock(start))

	feed, err := m.Changes(ctx)
	require.NoError(t, err)

	m.Publish(ctx, "acme", "tasks", ir.Record{Key: "k1", UpdatedAt: start})

	select {
	case ev := <-feed:
		assert.Equal(t, "acme", ev.Tenant)
		assert.Equal(t, "tasks", ev.Table)
		assert.Equal(t, "k1", ev.Record.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("no change event delivered")
	}

	_, ok := m.Record("acme", "tasks", "k1")
	assert.True(t, ok)
}

func TestTerminal(t *testing.T) {
	assert.Nil(t, Terminal(nil))
	err := Terminal(errors.New("auth rejected"))
	assert.True(t, IsTerminal(err))
	assert.Contains(t, err.Error(), "auth rejected")
	assert.False(t, IsTerminal(ErrUnavailable))
}
