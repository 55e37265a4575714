// Package faultinject implements the failure-injection harness (C10):
// cluster-visible flags, stored in Redis so every node observes the
// same state, used by tests to drive DLT and redrive coverage.
package faultinject

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const (
	armedKey        = "faultinject:armed"
	failBroadcastSet = "faultinject:fail_broadcasts"
)

// Harness exposes the two C10 flags: a one-shot "armed" switch
// consumed atomically on the next broadcast creation, and a
// persistent set of broadcast ids marked for forced consumer failure.
type Harness struct {
	client *redis.Client
}

func New(client *redis.Client) *Harness {
	return &Harness{client: client}
}

// Arm sets the armed flag. The next call to ConsumeArmed returns true
// exactly once.
func (h *Harness) Arm(ctx context.Context) error {
	return h.client.Set(ctx, armedKey, "1", 0).Err()
}

// ConsumeArmed atomically reads and clears the armed flag, so exactly
// one broadcast creation observes it set even under concurrent callers.
func (h *Harness) ConsumeArmed(ctx context.Context) (bool, error) {
	val, err := h.client.GetDel(ctx, armedKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

// MarkBroadcastForFailure adds broadcastID to the set of broadcasts
// whose consumer processing should be force-failed.
func (h *Harness) MarkBroadcastForFailure(ctx context.Context, broadcastID string) error {
	return h.client.SAdd(ctx, failBroadcastSet, broadcastID).Err()
}

// ShouldFail reports whether broadcastID is currently marked for
// forced consumer failure. Non-destructive: a marked id keeps failing
// until explicitly unmarked, so a single test can exercise bounded
// retry exhaustion into the DLT across several attempts.
func (h *Harness) ShouldFail(ctx context.Context, broadcastID string) (bool, error) {
	return h.client.SIsMember(ctx, failBroadcastSet, broadcastID).Result()
}

// Unmark removes broadcastID from the forced-failure set.
func (h *Harness) Unmark(ctx context.Context, broadcastID string) error {
	return h.client.SRem(ctx, failBroadcastSet, broadcastID).Err()
}
