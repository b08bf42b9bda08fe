package cli

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/remote"
	"github.com/roach88/replica/internal/replication"
)

// newOutboxCache leaves tasks/k1 failed (rejected by the backend) and
// tasks/k3 pending.
func newOutboxCache(t *testing.T) cache {
	src := remote.NewMemory(nil)
	src.OnApply(func(mut ir.Mutation, attempt int) error {
		if mut.Key == "k1" {
			return remote.Terminal(errors.New("rejected"))
		}
		return nil
	})

	return newCache(t, src, func(ctx context.Context, rt *replication.Runtime) {
		tasks, err := rt.Table("tasks")
		require.NoError(t, err)
		for _, key := range []string{"k1", "k2"} {
			_, err := tasks.Put(ctx, "acme", key, json.RawMessage(`{"a":1}`))
			require.NoError(t, err)
		}
		res, err := rt.Outbox().Drain(ctx, "acme")
		require.NoError(t, err)
		require.Equal(t, 1, res.Failed)
		require.Equal(t, 1, res.Succeeded)

		_, err = tasks.Put(ctx, "acme", "k3", json.RawMessage(`{"a":2}`))
		require.NoError(t, err)
	})
}

func listOutbox(t *testing.T, c cache, extra ...string) outboxList {
	t.Helper()
	out, err := execute(t, c.args(append([]string{"outbox", "list", "--format", "json"}, extra...)...)...)
	require.NoError(t, err)
	return decode[outboxList](t, out)
}

func TestOutboxList(t *testing.T) {
	c := newOutboxCache(t)

	all := listOutbox(t, c)
	assert.Equal(t, "acme", all.Tenant)
	require.Len(t, all.Mutations, 2)
	assert.Equal(t, "k1", all.Mutations[0].Key)
	assert.Equal(t, ir.StatusFailed, all.Mutations[0].Status)
	assert.Contains(t, all.Mutations[0].LastError, "rejected")
	assert.Equal(t, "k3", all.Mutations[1].Key)
	assert.Equal(t, ir.StatusPending, all.Mutations[1].Status)

	failed := listOutbox(t, c, "--status", "failed")
	require.Len(t, failed.Mutations, 1)
	assert.Equal(t, "k1", failed.Mutations[0].Key)
}

func TestOutboxList_Text(t *testing.T) {
	c := newOutboxCache(t)

	out, err := execute(t, c.args("outbox", "list")...)
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "rejected")

	out, err = execute(t, append(c.args("outbox", "list"), "--tenant", "globex")...)
	require.NoError(t, err)
	assert.Equal(t, "No queued mutations for tenant globex\n", out)
}

func TestOutboxList_InvalidStatus(t *testing.T) {
	c := newOutboxCache(t)

	out, err := execute(t, c.args("outbox", "list", "--status", "done")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E007]")
}

func TestOutboxRetry(t *testing.T) {
	c := newOutboxCache(t)
	failedID := listOutbox(t, c, "--status", "failed").Mutations[0].ID

	out, err := execute(t, c.args("outbox", "retry", failedID)...)
	require.NoError(t, err)
	assert.Equal(t, "Retried 1 mutation(s)\n", out)

	assert.Empty(t, listOutbox(t, c, "--status", "failed").Mutations)
	assert.Len(t, listOutbox(t, c, "--status", "pending").Mutations, 2)

	// No longer failed.
	out, err = execute(t, c.args("outbox", "retry", failedID)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")
}

func TestOutboxRetry_All(t *testing.T) {
	c := newOutboxCache(t)

	out, err := execute(t, c.args("outbox", "retry", "--all", "--format", "json")...)
	require.NoError(t, err)
	change := decode[outboxChange](t, out)
	assert.Equal(t, int64(1), change.Count)
}

func TestOutboxTargetRequired(t *testing.T) {
	c := newOutboxCache(t)

	for _, sub := range []string{"retry", "clear"} {
		t.Run(sub, func(t *testing.T) {
			_, err := execute(t, c.args("outbox", sub)...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))

			_, err = execute(t, c.args("outbox", sub, "some-id", "--all")...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestOutboxClear(t *testing.T) {
	c := newOutboxCache(t)
	failedID := listOutbox(t, c, "--status", "failed").Mutations[0].ID

	out, err := execute(t, c.args("outbox", "clear", "--all", "--format", "json")...)
	require.NoError(t, err)
	change := decode[outboxChange](t, out)
	assert.Equal(t, "Cleared", change.Action)
	assert.Equal(t, []string{failedID}, change.IDs)

	remaining := listOutbox(t, c)
	require.Len(t, remaining.Mutations, 1)
	assert.Equal(t, "k3", remaining.Mutations[0].Key)

	// The row lost its only queued change and left the cache.
	out, err = execute(t, c.args("stats", "--format", "json")...)
	require.NoError(t, err)
	stats := decode[replication.Stats](t, out)
	assert.Equal(t, 2, stats.Tables[0].Rows)

	_, err = execute(t, c.args("outbox", "clear", failedID)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
