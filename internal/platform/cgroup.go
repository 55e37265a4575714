// Package platform provides container-aware resource detection and
// admission control: reading the cgroup CPU quota so rate limits and
// connection-admission thresholds reflect the CPUs actually allocated
// to this container, not the host's full core count.
package platform

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ThrottleStats reports cumulative cgroup CPU throttling, for metrics.
type ThrottleStats struct {
	NrPeriods     int64
	NrThrottled   int64
	ThrottledTime int64 // nanoseconds
}

// ContainerCPU tracks the fraction of allocated CPU this process is
// using, normalized against the cgroup quota rather than NumCPU().
type ContainerCPU struct {
	allocatedCPUs float64
	cgroupVersion int // 1 or 2, 0 if undetectable

	lastUsageNanos int64
	lastSampleAt   time.Time

	currentPercent atomic.Uint64 // percent*100, for lock-free reads
}

const (
	cgroupV2CPUMax   = "/sys/fs/cgroup/cpu.max"
	cgroupV1Quota    = "/sys/fs/cgroup/cpu/cpu.cfs_quota_us"
	cgroupV1Period   = "/sys/fs/cgroup/cpu/cpu.cfs_period_us"
	cgroupV2CPUStat  = "/sys/fs/cgroup/cpu.stat"
	cgroupV1Usage    = "/sys/fs/cgroup/cpuacct/cpuacct.usage"
	cgroupV2CPUStat2 = "/sys/fs/cgroup/cpu.stat"
)

// NewContainerCPU detects the cgroup version and CPU quota available
// to this process. Falls back to runtime.NumCPU-equivalent behavior
// (allocatedCPUs=0, meaning "unknown, do not gate on CPU%") when
// cgroup files are absent — e.g. running outside a container.
func NewContainerCPU() *ContainerCPU {
	c := &ContainerCPU{lastSampleAt: time.Now()}

	if data, err := os.ReadFile(cgroupV2CPUMax); err == nil {
		fields := strings.Fields(strings.TrimSpace(string(data)))
		if len(fields) == 2 && fields[0] != "max" {
			quota, qerr := strconv.ParseFloat(fields[0], 64)
			period, perr := strconv.ParseFloat(fields[1], 64)
			if qerr == nil && perr == nil && period > 0 {
				c.allocatedCPUs = quota / period
				c.cgroupVersion = 2
			}
		}
		return c
	}

	quotaData, qerr := os.ReadFile(cgroupV1Quota)
	periodData, perr := os.ReadFile(cgroupV1Period)
	if qerr == nil && perr == nil {
		quota, qferr := strconv.ParseFloat(strings.TrimSpace(string(quotaData)), 64)
		period, pferr := strconv.ParseFloat(strings.TrimSpace(string(periodData)), 64)
		if qferr == nil && pferr == nil && quota > 0 && period > 0 {
			c.allocatedCPUs = quota / period
			c.cgroupVersion = 1
		}
	}
	return c
}

// AllocatedCPUs returns the number of CPUs the container quota allows,
// or 0 if undetectable.
func (c *ContainerCPU) AllocatedCPUs() float64 {
	return c.allocatedCPUs
}

// GetPercent returns the last-sampled CPU usage normalized to the
// allocated CPU count (0-100+, can exceed 100 briefly under burst).
func (c *ContainerCPU) GetPercent() float64 {
	return float64(c.currentPercent.Load()) / 100.0
}

// setPercent is used by the sampler goroutine (wired in resourceguard.go).
func (c *ContainerCPU) setPercent(pct float64) {
	c.currentPercent.Store(uint64(pct * 100))
}

// ReadThrottleStats reads cumulative throttling counters, best-effort.
func (c *ContainerCPU) ReadThrottleStats() ThrottleStats {
	var path string
	switch c.cgroupVersion {
	case 2:
		path = cgroupV2CPUStat
	default:
		return ThrottleStats{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ThrottleStats{}
	}
	var stats ThrottleStats
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "nr_periods":
			stats.NrPeriods = v
		case "nr_throttled":
			stats.NrThrottled = v
		case "throttled_usec":
			stats.ThrottledTime = v * 1000
		}
	}
	return stats
}
