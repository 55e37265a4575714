package platform

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"
)

func pid() int { return os.Getpid() }

// GuardConfig configures admission thresholds for ResourceGuard.
type GuardConfig struct {
	MaxConnections     int64
	MaxGoroutines      int
	CPURejectThreshold float64 // percent; reject new connections above this
	CPUPauseThreshold  float64 // percent; pause bus consumption above this
	MaxBusRate         int     // events/sec admitted into the orchestrator
	MaxBroadcastRate   int     // pushes/sec admitted into the session layer
	SampleInterval     time.Duration
}

// GoroutineLimiter is a counting semaphore bounding concurrent goroutines
// spawned for per-recipient fan-out work.
type GoroutineLimiter struct {
	sem chan struct{}
}

func NewGoroutineLimiter(max int) *GoroutineLimiter {
	return &GoroutineLimiter{sem: make(chan struct{}, max)}
}

func (g *GoroutineLimiter) Acquire() bool {
	select {
	case g.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (g *GoroutineLimiter) Release() {
	select {
	case <-g.sem:
	default:
	}
}

// ResourceGuard is the single admission-control point for the process:
// connection acceptance (C5), bus consumption pacing (C3), and fan-out
// goroutine budget (C5/C8), all gated on the same CPU sample.
type ResourceGuard struct {
	cfg    GuardConfig
	log    zerolog.Logger
	cpu    *ContainerCPU
	proc   *process.Process
	ngo    func() int

	busLimiter       *rate.Limiter
	broadcastLimiter *rate.Limiter
	goroutines       *GoroutineLimiter

	currentConns atomic.Int64

	stopCh chan struct{}
}

// NewResourceGuard builds a guard and starts its CPU sampling loop.
// ngo reports current goroutine count (normally runtime.NumGoroutine).
func NewResourceGuard(cfg GuardConfig, log zerolog.Logger, cpu *ContainerCPU, ngo func() int) *ResourceGuard {
	proc, _ := process.NewProcess(int32(pid()))
	g := &ResourceGuard{
		cfg:              cfg,
		log:              log.With().Str("component", "resource_guard").Logger(),
		cpu:              cpu,
		proc:             proc,
		ngo:              ngo,
		busLimiter:       rate.NewLimiter(rate.Limit(cfg.MaxBusRate), cfg.MaxBusRate),
		broadcastLimiter: rate.NewLimiter(rate.Limit(cfg.MaxBroadcastRate), cfg.MaxBroadcastRate),
		goroutines:       NewGoroutineLimiter(cfg.MaxGoroutines),
		stopCh:           make(chan struct{}),
	}
	go g.sampleLoop()
	return g
}

func (g *ResourceGuard) sampleLoop() {
	interval := g.cfg.SampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			if g.proc == nil {
				continue
			}
			pct, err := g.proc.CPUPercent()
			if err != nil {
				continue
			}
			if alloc := g.cpu.AllocatedCPUs(); alloc > 0 {
				pct = pct / alloc
			}
			g.cpu.setPercent(pct)
		}
	}
}

func (g *ResourceGuard) Stop() { close(g.stopCh) }

// ShouldAcceptConnection applies the ordered admission checks from the
// push layer: hard connection cap, CPU brake, goroutine budget.
func (g *ResourceGuard) ShouldAcceptConnection() (bool, string) {
	if g.currentConns.Load() >= g.cfg.MaxConnections {
		return false, "max_connections"
	}
	if g.cpu.GetPercent() >= g.cfg.CPURejectThreshold {
		return false, "cpu_reject_threshold"
	}
	if g.ngo() >= g.cfg.MaxGoroutines {
		return false, "max_goroutines"
	}
	return true, ""
}

// ShouldPauseBus reports whether the orchestration consumer should
// stop polling this tick because CPU is over the pause threshold.
func (g *ResourceGuard) ShouldPauseBus() bool {
	return g.cpu.GetPercent() >= g.cfg.CPUPauseThreshold
}

// AllowBusEvent token-gates ingestion of one bus event.
func (g *ResourceGuard) AllowBusEvent(ctx context.Context) error {
	return g.busLimiter.Wait(ctx)
}

// AllowBroadcast token-gates one push-fan-out attempt.
func (g *ResourceGuard) AllowBroadcast() bool {
	return g.broadcastLimiter.Allow()
}

func (g *ResourceGuard) AcquireGoroutine() bool { return g.goroutines.Acquire() }
func (g *ResourceGuard) ReleaseGoroutine()      { g.goroutines.Release() }

func (g *ResourceGuard) ConnectionOpened() { g.currentConns.Add(1) }
func (g *ResourceGuard) ConnectionClosed() { g.currentConns.Add(-1) }
func (g *ResourceGuard) ConnectionCount() int64 { return g.currentConns.Load() }
