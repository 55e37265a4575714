package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/broadcastd/internal/registry"
)

func newTestRegistry(t *testing.T) (*registry.Registry, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return registry.New(client, time.Minute), client
}

func TestRegisterAndLookup(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "recipient-1", "conn-1", "node-1", "cluster-1"))
	require.NoError(t, r.Register(ctx, "recipient-1", "conn-2", "node-2", "cluster-1"))

	sessions, err := r.Lookup(ctx, "recipient-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	total, err := r.CountTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	n1, err := r.CountByNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n1)
}

func TestRemovePrunesSessionAndRecipientIndex(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "recipient-1", "conn-1", "node-1", "cluster-1"))
	require.NoError(t, r.Remove(ctx, []string{"conn-1"}))

	sessions, err := r.Lookup(ctx, "recipient-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	total, err := r.CountTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestHeartbeatRefreshesIndex(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "recipient-1", "conn-1", "node-1", "cluster-1"))
	require.NoError(t, r.Heartbeat(ctx, "node-1", []string{"conn-1"}))

	stale, err := r.StaleBefore(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.NotContains(t, stale, "conn-1")
}

func TestStaleBeforeFindsOldConnections(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "recipient-1", "conn-1", "node-1", "cluster-1"))

	stale, err := r.StaleBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Contains(t, stale, "conn-1")
}

func TestLookupPrunesExpiredRows(t *testing.T) {
	r, client := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "recipient-1", "conn-1", "node-1", "cluster-1"))
	// Simulate TTL expiry of the session hash without cleaning the
	// recipient set, the scenario Lookup's opportunistic-prune exists for.
	require.NoError(t, client.Del(ctx, "session:conn-1").Err())

	sessions, err := r.Lookup(ctx, "recipient-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	members, err := client.SMembers(ctx, "session:recipient:recipient-1").Result()
	require.NoError(t, err)
	assert.Empty(t, members, "stale membership should be pruned by Lookup")
}
