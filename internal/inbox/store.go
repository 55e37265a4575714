// Package inbox implements the inbox & read-model (C6): durable
// per-recipient message rows in Postgres, with a write-through Redis
// cache so a reconnecting recipient can be served from any node
// without a database round trip.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/domain"
)

const cacheKeyPrefix = "inbox:"

func cacheKey(recipientID string) string { return cacheKeyPrefix + recipientID }

// Store is the C6 read-model: Postgres is the durable source, Redis
// is a bounded write-through cache cleaned up approximately by C7's
// InboxCacheCleaner.
type Store struct {
	pool       *pgxpool.Pool
	redis      *redis.Client
	cacheSize  int
	cacheTTL   time.Duration
}

func NewStore(pool *pgxpool.Pool, redisClient *redis.Client, cacheSize int, cacheTTL time.Duration) *Store {
	return &Store{pool: pool, redis: redisClient, cacheSize: cacheSize, cacheTTL: cacheTTL}
}

// GetMessages returns every delivery row for recipientID.
func (s *Store) GetMessages(ctx context.Context, recipientID string) ([]domain.RecipientDelivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT broadcast_id, recipient_id, delivery_status, read_status, delivered_at, read_at, created_at, updated_at
		FROM recipient_deliveries
		WHERE recipient_id = $1
		ORDER BY created_at DESC`, recipientID)
	if err != nil {
		return nil, apierr.Retryable("query inbox messages", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// GetUnread returns delivery rows not yet READ.
func (s *Store) GetUnread(ctx context.Context, recipientID string) ([]domain.RecipientDelivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT broadcast_id, recipient_id, delivery_status, read_status, delivered_at, read_at, created_at, updated_at
		FROM recipient_deliveries
		WHERE recipient_id = $1 AND read_status = $2
		ORDER BY created_at DESC`, recipientID, domain.ReadUnread)
	if err != nil {
		return nil, apierr.Retryable("query unread inbox messages", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// GetActive returns delivery rows whose broadcast has not reached a
// terminal status.
func (s *Store) GetActive(ctx context.Context, recipientID string) ([]domain.RecipientDelivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rd.broadcast_id, rd.recipient_id, rd.delivery_status, rd.read_status, rd.delivered_at, rd.read_at, rd.created_at, rd.updated_at
		FROM recipient_deliveries rd
		JOIN broadcasts b ON b.id = rd.broadcast_id
		WHERE rd.recipient_id = $1 AND b.status NOT IN ($2, $3)
		ORDER BY rd.created_at DESC`, recipientID, domain.BroadcastExpired, domain.BroadcastCancelled)
	if err != nil {
		return nil, apierr.Retryable("query active inbox messages", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func scanDeliveries(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]domain.RecipientDelivery, error) {
	var out []domain.RecipientDelivery
	for rows.Next() {
		var d domain.RecipientDelivery
		if err := rows.Scan(&d.BroadcastID, &d.RecipientID, &d.DeliveryStatus, &d.ReadStatus, &d.DeliveredAt, &d.ReadAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, apierr.Retryable("scan inbox row", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Retryable("iterate inbox rows", err)
	}
	return out, nil
}

// GetPending returns cached entries for a reconnecting recipient,
// falling back to the database and repopulating the cache on a miss.
func (s *Store) GetPending(ctx context.Context, recipientID string) ([]domain.CachedInboxEntry, error) {
	entries, err := s.readCache(ctx, recipientID)
	if err == nil && entries != nil {
		return entries, nil
	}

	deliveries, err := s.GetUnread(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	entries = make([]domain.CachedInboxEntry, 0, len(deliveries))
	for _, d := range deliveries {
		entries = append(entries, domain.CachedInboxEntry{
			MessageID:           fmt.Sprintf("%s:%s", d.BroadcastID, d.RecipientID),
			BroadcastID:         d.BroadcastID,
			DeliveryStatus:      d.DeliveryStatus,
			ReadStatus:          d.ReadStatus,
			CreatedAtEpochMilli: d.CreatedAt.UnixMilli(),
		})
	}
	s.writeCache(ctx, recipientID, entries)
	return entries, nil
}

// Spool appends one entry to the recipient's Redis inbox cache, used
// when the push layer cannot deliver an event live (§4.5 backpressure
// fallback). It does not write to Postgres; cache write errors are
// ignored and nil is always returned.
func (s *Store) Spool(ctx context.Context, recipientID string, entry domain.CachedInboxEntry) error {
	s.appendCache(ctx, recipientID, entry)
	return nil
}

func (s *Store) readCache(ctx context.Context, recipientID string) ([]domain.CachedInboxEntry, error) {
	raw, err := s.redis.Get(ctx, cacheKey(recipientID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var entries []domain.CachedInboxEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) writeCache(ctx context.Context, recipientID string, entries []domain.CachedInboxEntry) {
	if len(entries) > s.cacheSize {
		entries = entries[:s.cacheSize]
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return
	}
	s.redis.Set(ctx, cacheKey(recipientID), raw, s.cacheTTL)
}

func (s *Store) appendCache(ctx context.Context, recipientID string, entry domain.CachedInboxEntry) {
	entries, _ := s.readCache(ctx, recipientID)
	entries = append(entries, entry)
	s.writeCache(ctx, recipientID, entries)
}

// RemoveBroadcast drops cached entries matching broadcastID, used
// when a broadcast is cancelled or expires (§4.3).
func (s *Store) RemoveBroadcast(ctx context.Context, recipientID, broadcastID string) {
	entries, err := s.readCache(ctx, recipientID)
	if err != nil || entries == nil {
		return
	}
	filtered := entries[:0]
	for _, e := range entries {
		if e.BroadcastID != broadcastID {
			filtered = append(filtered, e)
		}
	}
	s.writeCache(ctx, recipientID, filtered)
}

// CacheSize reports the total number of cached inbox keys, for the
// InboxCacheCleaner's threshold check.
func (s *Store) CacheSize(ctx context.Context) (int64, error) {
	var cursor uint64
	var count int64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, cacheKeyPrefix+"*", 500).Result()
		if err != nil {
			return 0, err
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

// EvictRandom removes up to n cache keys chosen by scan order rather
// than true LRU tracking — approximate random eviction, matching the
// inbox cleaner's documented tradeoff (§4.7): avoids the bookkeeping
// cost of real LRU for a cache that is a performance optimization, not
// a correctness-bearing store.
func (s *Store) EvictRandom(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	keys, _, err := s.redis.Scan(ctx, 0, cacheKeyPrefix+"*", int64(n)).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) > n {
		keys = keys[:n]
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	return len(keys), nil
}
