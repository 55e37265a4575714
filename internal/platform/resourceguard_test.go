package platform

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, cfg GuardConfig) (*ResourceGuard, func() int) {
	t.Helper()
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = time.Hour // effectively disable the sampler during the test
	}
	goroutineCount := 0
	g := NewResourceGuard(cfg, zerolog.Nop(), &ContainerCPU{}, func() int { return goroutineCount })
	t.Cleanup(g.Stop)
	return g, func() int { return goroutineCount }
}

func TestShouldAcceptConnectionMaxConnections(t *testing.T) {
	g, _ := newTestGuard(t, GuardConfig{MaxConnections: 2, MaxGoroutines: 100, CPURejectThreshold: 90})

	ok, reason := g.ShouldAcceptConnection()
	assert.True(t, ok)
	assert.Empty(t, reason)

	g.ConnectionOpened()
	g.ConnectionOpened()
	ok, reason = g.ShouldAcceptConnection()
	assert.False(t, ok)
	assert.Equal(t, "max_connections", reason)

	g.ConnectionClosed()
	ok, _ = g.ShouldAcceptConnection()
	assert.True(t, ok)
}

func TestShouldAcceptConnectionCPUReject(t *testing.T) {
	g, _ := newTestGuard(t, GuardConfig{MaxConnections: 100, MaxGoroutines: 100, CPURejectThreshold: 50})
	g.cpu.setPercent(75)

	ok, reason := g.ShouldAcceptConnection()
	assert.False(t, ok)
	assert.Equal(t, "cpu_reject_threshold", reason)
}

func TestShouldPauseBus(t *testing.T) {
	g, _ := newTestGuard(t, GuardConfig{MaxConnections: 100, MaxGoroutines: 100, CPUPauseThreshold: 60})
	assert.False(t, g.ShouldPauseBus())

	g.cpu.setPercent(70)
	assert.True(t, g.ShouldPauseBus())
}

func TestAllowBusEventRateLimited(t *testing.T) {
	g, _ := newTestGuard(t, GuardConfig{MaxConnections: 100, MaxGoroutines: 100, MaxBusRate: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.NoError(t, g.AllowBusEvent(context.Background()))
	err := g.AllowBusEvent(ctx)
	assert.Error(t, err) // second token not replenished within the deadline
}

func TestAllowBroadcastIsNonBlocking(t *testing.T) {
	g, _ := newTestGuard(t, GuardConfig{MaxConnections: 100, MaxGoroutines: 100, MaxBroadcastRate: 1})
	assert.True(t, g.AllowBroadcast())
	assert.False(t, g.AllowBroadcast())
}

func TestGoroutineLimiter(t *testing.T) {
	l := NewGoroutineLimiter(2)
	assert.True(t, l.Acquire())
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire())

	l.Release()
	assert.True(t, l.Acquire())
}
