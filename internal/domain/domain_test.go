package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adred-codev/broadcastd/internal/domain"
)

func TestBroadcastStatusTerminal(t *testing.T) {
	assert.False(t, domain.BroadcastScheduled.Terminal())
	assert.False(t, domain.BroadcastActive.Terminal())
	assert.True(t, domain.BroadcastExpired.Terminal())
	assert.True(t, domain.BroadcastCancelled.Terminal())
}

func TestDeliveryStatusSticky(t *testing.T) {
	assert.True(t, domain.DeliveryDelivered.Sticky())
	assert.False(t, domain.DeliveryPending.Sticky())
	assert.False(t, domain.DeliveryFailed.Sticky())
	assert.False(t, domain.DeliverySuperseded.Sticky())
}

func TestStatisticsRates(t *testing.T) {
	s := domain.Statistics{TotalTargeted: 100, TotalDelivered: 80, TotalRead: 40}
	assert.InDelta(t, 0.8, s.DeliveryRate(), 0.0001)
	assert.InDelta(t, 0.5, s.ReadRate(), 0.0001)

	empty := domain.Statistics{}
	assert.Zero(t, empty.DeliveryRate())
	assert.Zero(t, empty.ReadRate())
}
