// Package lock provides a single-winner distributed lock backed by
// Redis, used to elect exactly one node to run the outbox relay and
// each scheduler job across the cluster at a time.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotHeld is returned by Renew/Release when this process does not
// (or no longer) hold the lock.
var ErrNotHeld = errors.New("lock: not held")

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// Lock is a held distributed lock. Call Release when the guarded work
// is done. Acquire starts no renewal; only RunGuarded runs a renewal
// goroutine, which stops as soon as its context is cancelled.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire attempts to take the named lock for ttl, non-blocking.
// Returns (nil, false, nil) if another node holds it.
func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: client, key: key, token: token}, true, nil
}

// Renew extends the lock's TTL, only succeeding if this process still
// holds it (token matches).
func (l *Lock) Renew(ctx context.Context, ttl time.Duration) error {
	res, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release drops the lock, only if this process still holds it.
func (l *Lock) Release(ctx context.Context) error {
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Result()
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrNotHeld
	}
	return nil
}

// RunGuarded holds the named lock for at least atLeast and at most
// atMost, running work exactly once while holding it, renewing every
// atLeast/2 in the background. Other nodes calling RunGuarded for the
// same key concurrently get ok=false and skip this tick entirely —
// this is the single-winner pattern used by the outbox relay (C2) and
// every scheduler job (C7), so exactly one node does the work per
// period regardless of cluster size.
//
// work is only invoked when this call wins the lock.
func RunGuarded(ctx context.Context, client *redis.Client, log zerolog.Logger, key string, atLeast, atMost time.Duration, work func(ctx context.Context) error) error {
	l, ok, err := Acquire(ctx, client, key, atMost)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug().Str("lock_key", key).Msg("lock held elsewhere, skipping this tick")
		return nil
	}

	guardCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(atLeast / 2)
		defer ticker.Stop()
		for {
			select {
			case <-guardCtx.Done():
				return
			case <-ticker.C:
				if rerr := l.Renew(guardCtx, atMost); rerr != nil {
					log.Warn().Err(rerr).Str("lock_key", key).Msg("lost distributed lock during renewal")
					cancel()
					return
				}
			}
		}
	}()

	start := time.Now()
	workErr := work(guardCtx)

	if elapsed := time.Since(start); elapsed < atLeast {
		select {
		case <-time.After(atLeast - elapsed):
		case <-ctx.Done():
		}
	}

	cancel()
	<-renewDone

	if releaseErr := l.Release(context.WithoutCancel(ctx)); releaseErr != nil && !errors.Is(releaseErr, ErrNotHeld) {
		log.Warn().Err(releaseErr).Str("lock_key", key).Msg("failed to release distributed lock")
	}

	return workErr
}
