package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/broadcastd/internal/domain"
)

type fakeBroadcasts struct {
	scheduled  []domain.Broadcast
	expired    []domain.Broadcast
	activated  []string
	activateErr error
}

func (f *fakeBroadcasts) ScheduledBefore(ctx context.Context, cutoff time.Time) ([]domain.Broadcast, error) {
	return f.scheduled, nil
}

func (f *fakeBroadcasts) ActiveExpiredBefore(ctx context.Context, cutoff time.Time) ([]domain.Broadcast, error) {
	return f.expired, nil
}

func (f *fakeBroadcasts) Activate(ctx context.Context, broadcastID string) error {
	if f.activateErr != nil {
		return f.activateErr
	}
	f.activated = append(f.activated, broadcastID)
	return nil
}

type fakeTargeting struct {
	calls []string
}

func (f *fakeTargeting) PrecomputeAndStore(ctx context.Context, broadcastID string, targetType domain.TargetType, targetIDs []string) (int, error) {
	f.calls = append(f.calls, broadcastID)
	return len(targetIDs), nil
}

type fakeOutbox struct {
	events []domain.OutboxEvent
}

func (f *fakeOutbox) AppendEvent(ctx context.Context, ev domain.OutboxEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type fakeInboxCache struct {
	size    int64
	evicted int
}

func (f *fakeInboxCache) CacheSize(ctx context.Context) (int64, error) {
	return f.size, nil
}

func (f *fakeInboxCache) EvictRandom(ctx context.Context, n int) (int, error) {
	f.evicted = n
	return n, nil
}

type fakeSessionPurger struct {
	purged int64
}

func (f *fakeSessionPurger) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return f.purged, nil
}

func newTestScheduler(t *testing.T, broadcasts *fakeBroadcasts, targeting *fakeTargeting, outbox *fakeOutbox, inboxCache *fakeInboxCache, purger *fakeSessionPurger) *Scheduler {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})

	return New(Config{
		PrefetchWindow:      30 * time.Minute,
		InboxCacheThreshold: 220,
		SessionRetention:    72 * time.Hour,
	}, client, broadcasts, targeting, outbox, inboxCache, purger, zerolog.Nop())
}

func TestRunScheduledActivatorPrecomputesDueBroadcasts(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	broadcasts := &fakeBroadcasts{scheduled: []domain.Broadcast{
		{ID: "b1", TargetType: domain.TargetAll, ScheduledAt: &past},
		{ID: "b2", TargetType: domain.TargetSelected, TargetIDs: []string{"r1"}, ScheduledAt: &past},
	}}
	targeting := &fakeTargeting{}
	sched := newTestScheduler(t, broadcasts, targeting, &fakeOutbox{}, &fakeInboxCache{}, &fakeSessionPurger{})

	require.NoError(t, sched.runScheduledActivator(context.Background()))
	require.Equal(t, []string{"b1", "b2"}, targeting.calls)
}

func TestRunScheduledActivatorActivatesOnlyPastDueBroadcasts(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	broadcasts := &fakeBroadcasts{scheduled: []domain.Broadcast{
		{ID: "past-due", ScheduledAt: &past},
		{ID: "not-yet", ScheduledAt: &future},
	}}
	sched := newTestScheduler(t, broadcasts, &fakeTargeting{}, &fakeOutbox{}, &fakeInboxCache{}, &fakeSessionPurger{})

	require.NoError(t, sched.runScheduledActivator(context.Background()))
	require.Equal(t, []string{"past-due"}, broadcasts.activated)
}

func TestRunExpirationSweeperEmitsExpiredEvents(t *testing.T) {
	broadcasts := &fakeBroadcasts{expired: []domain.Broadcast{
		{ID: "b1", CorrelationID: "corr-1"},
	}}
	outbox := &fakeOutbox{}
	sched := newTestScheduler(t, broadcasts, &fakeTargeting{}, outbox, &fakeInboxCache{}, &fakeSessionPurger{})

	require.NoError(t, sched.runExpirationSweeper(context.Background()))
	require.Len(t, outbox.events, 1)
	require.Equal(t, domain.AggregateBroadcast, outbox.events[0].AggregateType)
	require.Equal(t, domain.EventBroadcastExpired, outbox.events[0].EventType)
	require.Equal(t, "b1", outbox.events[0].AggregateID)
	require.Equal(t, "corr-1", outbox.events[0].CorrelationID)
}

func TestRunInboxCacheCleanerSkipsUnderThreshold(t *testing.T) {
	inboxCache := &fakeInboxCache{size: 100}
	sched := newTestScheduler(t, &fakeBroadcasts{}, &fakeTargeting{}, &fakeOutbox{}, inboxCache, &fakeSessionPurger{})

	require.NoError(t, sched.runInboxCacheCleaner(context.Background()))
	require.Equal(t, 0, inboxCache.evicted)
}

func TestRunInboxCacheCleanerEvictsExcess(t *testing.T) {
	inboxCache := &fakeInboxCache{size: 250}
	sched := newTestScheduler(t, &fakeBroadcasts{}, &fakeTargeting{}, &fakeOutbox{}, inboxCache, &fakeSessionPurger{})
	sched.cfg.InboxCacheThreshold = 220

	require.NoError(t, sched.runInboxCacheCleaner(context.Background()))
	require.Equal(t, 30, inboxCache.evicted)
}

func TestRunSessionPurgeDelegatesToPurger(t *testing.T) {
	purger := &fakeSessionPurger{purged: 7}
	sched := newTestScheduler(t, &fakeBroadcasts{}, &fakeTargeting{}, &fakeOutbox{}, &fakeInboxCache{}, purger)

	require.NoError(t, sched.runSessionPurge(context.Background()))
}

