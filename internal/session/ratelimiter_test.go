package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiterAllowsBurstThenThrottles(t *testing.T) {
	l := NewClientRateLimiter(1, 2)

	assert.True(t, l.CheckLimit())
	assert.True(t, l.CheckLimit())
	assert.False(t, l.CheckLimit(), "burst of 2 exhausted, sustained rate of 1/s not yet replenished")
}
