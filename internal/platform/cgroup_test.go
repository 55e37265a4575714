package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerCPUGetSetPercent(t *testing.T) {
	c := &ContainerCPU{}
	assert.Zero(t, c.GetPercent())

	c.setPercent(42.5)
	assert.InDelta(t, 42.5, c.GetPercent(), 0.01)

	c.setPercent(0)
	assert.Zero(t, c.GetPercent())
}

func TestContainerCPUAllocatedCPUsDefaultsToZero(t *testing.T) {
	c := &ContainerCPU{}
	assert.Zero(t, c.AllocatedCPUs())
}

func TestNewContainerCPUDoesNotPanic(t *testing.T) {
	// Whatever cgroup files (if any) exist in the test environment,
	// detection must never error out — absence just means
	// allocatedCPUs stays 0 (CPU gating disabled).
	c := NewContainerCPU()
	assert.GreaterOrEqual(t, c.AllocatedCPUs(), float64(0))
}
