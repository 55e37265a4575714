// Package scheduler implements the lifecycle scheduler (C7): a set of
// periodic jobs, each guarded by the cluster-wide single-winner lock,
// so exactly one node runs each job's body per tick regardless of
// cluster size.
package scheduler

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/broadcastd/internal/domain"
	"github.com/adred-codev/broadcastd/internal/lock"
)

// BroadcastStore is the subset of broadcast state the scheduler jobs need.
type BroadcastStore interface {
	ScheduledBefore(ctx context.Context, cutoff time.Time) ([]domain.Broadcast, error)
	ActiveExpiredBefore(ctx context.Context, cutoff time.Time) ([]domain.Broadcast, error)
	Activate(ctx context.Context, broadcastID string) error
}

// Targeting precomputes recipient rows ahead of activation.
type Targeting interface {
	PrecomputeAndStore(ctx context.Context, broadcastID string, targetType domain.TargetType, targetIDs []string) (int, error)
}

// OutboxAppender appends a lifecycle event.
type OutboxAppender interface {
	AppendEvent(ctx context.Context, ev domain.OutboxEvent) error
}

// InboxCache is the subset of C6 the cleaner job needs.
type InboxCache interface {
	CacheSize(ctx context.Context) (int64, error)
	EvictRandom(ctx context.Context, n int) (int, error)
}

// SessionPurger deletes disconnected session rows past retention.
type SessionPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds every job's tick and lock timing.
type Config struct {
	PrefetchWindow time.Duration

	ScheduledActivatorTick time.Duration
	ExpirationSweeperTick  time.Duration
	InboxCleanupTick       time.Duration
	SessionPurgeTick       time.Duration

	LockAtLeast time.Duration
	LockAtMost  time.Duration

	InboxCacheThreshold int
	SessionRetention    time.Duration
}

// Scheduler owns the four periodic jobs; the fire-and-forget expire
// trigger is not one of them and runs in the orchestration consumer.
type Scheduler struct {
	cfg        Config
	redis      *redis.Client
	broadcasts BroadcastStore
	targeting  Targeting
	outbox     OutboxAppender
	inboxCache InboxCache
	sessions   SessionPurger
	log        zerolog.Logger
}

func New(cfg Config, redisClient *redis.Client, broadcasts BroadcastStore, targeting Targeting, outbox OutboxAppender, inboxCache InboxCache, sessions SessionPurger, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		redis:      redisClient,
		broadcasts: broadcasts,
		targeting:  targeting,
		outbox:     outbox,
		inboxCache: inboxCache,
		sessions:   sessions,
		log:        log.With().Str("component", "scheduler").Logger(),
	}
}

// Run starts every job's own ticking goroutine, returning once ctx is
// cancelled and all jobs have stopped.
func (s *Scheduler) Run(ctx context.Context) {
	jobs := []struct {
		name string
		tick time.Duration
		fn   func(context.Context) error
	}{
		{"scheduled_activator", s.cfg.ScheduledActivatorTick, s.runScheduledActivator},
		{"expiration_sweeper", s.cfg.ExpirationSweeperTick, s.runExpirationSweeper},
		{"inbox_cache_cleaner", s.cfg.InboxCleanupTick, s.runInboxCacheCleaner},
		{"session_purge", s.cfg.SessionPurgeTick, s.runSessionPurge},
	}

	done := make(chan struct{}, len(jobs))
	for _, j := range jobs {
		go func(name string, tick time.Duration, fn func(context.Context) error) {
			defer func() { done <- struct{}{} }()
			s.runTicked(ctx, name, tick, fn)
		}(j.name, j.tick, j.fn)
	}

	for range jobs {
		<-done
	}
}

func (s *Scheduler) runTicked(ctx context.Context, name string, tick time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	lockKey := "scheduler:lock:" + name
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := lock.RunGuarded(ctx, s.redis, s.log, lockKey, s.cfg.LockAtLeast, s.cfg.LockAtMost, fn)
			if err != nil {
				s.log.Warn().Err(err).Str("job", name).Msg("scheduler job failed")
			}
		}
	}
}

// runScheduledActivator finds broadcasts due within the prefetch
// window and pre-materializes their recipient rows, then activates
// (SCHEDULED -> ACTIVE, emitting BROADCAST.CREATED) whichever of them
// have actually reached their scheduledAt, so delivery starts on the
// tick after scheduledAt passes rather than sitting precomputed but
// undelivered forever (§4.7).
func (s *Scheduler) runScheduledActivator(ctx context.Context) error {
	cutoff := time.Now().Add(s.cfg.PrefetchWindow)
	due, err := s.broadcasts.ScheduledBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	activated := 0
	for _, b := range due {
		if _, err := s.targeting.PrecomputeAndStore(ctx, b.ID, b.TargetType, b.TargetIDs); err != nil {
			s.log.Warn().Err(err).Str("broadcast_id", b.ID).Msg("precompute targeting failed, retried next tick")
		}
		if b.ScheduledAt == nil || b.ScheduledAt.After(time.Now()) {
			continue
		}
		if err := s.broadcasts.Activate(ctx, b.ID); err != nil {
			s.log.Warn().Err(err).Str("broadcast_id", b.ID).Msg("activation failed, retried next tick")
			continue
		}
		activated++
	}
	if len(due) > 0 {
		s.log.Debug().Int("count", len(due)).Int("activated", activated).Msg("scheduled activator tick")
	}
	return nil
}

// runExpirationSweeper emits BROADCAST.EXPIRED for every ACTIVE
// broadcast whose expiresAt has passed (§4.7).
func (s *Scheduler) runExpirationSweeper(ctx context.Context) error {
	expired, err := s.broadcasts.ActiveExpiredBefore(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, b := range expired {
		ev := domain.OutboxEvent{
			AggregateType: domain.AggregateBroadcast,
			AggregateID:   b.ID,
			EventType:     domain.EventBroadcastExpired,
			CorrelationID: b.CorrelationID,
		}
		if err := s.outbox.AppendEvent(ctx, ev); err != nil {
			s.log.Warn().Err(err).Str("broadcast_id", b.ID).Msg("failed to enqueue expiration event")
		}
	}
	if len(expired) > 0 {
		s.log.Debug().Int("count", len(expired)).Msg("expiration sweeper emitted EXPIRED events")
	}
	return nil
}

// runInboxCacheCleaner trims the shared inbox cache to the configured
// threshold by approximate random eviction (§4.7).
func (s *Scheduler) runInboxCacheCleaner(ctx context.Context) error {
	size, err := s.inboxCache.CacheSize(ctx)
	if err != nil {
		return err
	}
	if int(size) <= s.cfg.InboxCacheThreshold {
		return nil
	}
	excess := int(size) - s.cfg.InboxCacheThreshold
	evicted, err := s.inboxCache.EvictRandom(ctx, excess)
	if err != nil {
		return err
	}
	s.log.Debug().Int("evicted", evicted).Int64("size_before", size).Msg("inbox cache cleaner trimmed cache")
	return nil
}

// runSessionPurge deletes disconnected session rows older than the
// retention window (§4.7, daily).
func (s *Scheduler) runSessionPurge(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.SessionRetention)
	n, err := s.sessions.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Debug().Int64("purged", n).Msg("session purge removed stale rows")
	}
	return nil
}
