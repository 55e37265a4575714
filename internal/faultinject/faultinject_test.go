package faultinject_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/broadcastd/internal/faultinject"
)

func newTestHarness(t *testing.T) *faultinject.Harness {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return faultinject.New(client)
}

func TestConsumeArmedIsOneShot(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	armed, err := h.ConsumeArmed(ctx)
	require.NoError(t, err)
	require.False(t, armed, "nothing armed yet")

	require.NoError(t, h.Arm(ctx))

	armed, err = h.ConsumeArmed(ctx)
	require.NoError(t, err)
	require.True(t, armed)

	armed, err = h.ConsumeArmed(ctx)
	require.NoError(t, err)
	require.False(t, armed, "armed flag must be consumed exactly once")
}

func TestMarkShouldFailUnmark(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	fail, err := h.ShouldFail(ctx, "broadcast-1")
	require.NoError(t, err)
	require.False(t, fail)

	require.NoError(t, h.MarkBroadcastForFailure(ctx, "broadcast-1"))

	fail, err = h.ShouldFail(ctx, "broadcast-1")
	require.NoError(t, err)
	require.True(t, fail)

	// Persistent: repeated checks keep failing until explicitly unmarked.
	fail, err = h.ShouldFail(ctx, "broadcast-1")
	require.NoError(t, err)
	require.True(t, fail)

	require.NoError(t, h.Unmark(ctx, "broadcast-1"))

	fail, err = h.ShouldFail(ctx, "broadcast-1")
	require.NoError(t, err)
	require.False(t, fail)
}
