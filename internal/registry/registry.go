// Package registry implements the distributed session registry (C4):
// an eventually-consistent, cluster-wide record of which node owns
// which recipient's live connections, backed by Redis so any node can
// answer lookup(recipientId) without a broadcast query.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/broadcastd/internal/domain"
)

const (
	sessionKeyPrefix   = "session:"   // session:<connectionId> -> HSET fields
	heartbeatIndexKey  = "session:hb" // ZSET: connectionId -> heartbeat epoch
	recipientSetPrefix = "session:recipient:" // session:recipient:<recipientId> -> SET of connectionId
)

// Registry is the Redis-backed session registry. Losing a row here
// only demotes a push to an inbox entry (§4.4); it is never a source
// of delivery truth.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Registry {
	return &Registry{client: client, ttl: ttl}
}

func sessionKey(connectionID string) string { return sessionKeyPrefix + connectionID }
func recipientKey(recipientID string) string { return recipientSetPrefix + recipientID }

// Register inserts a session row and indexes it by heartbeat epoch
// and by recipient, for O(1) lookup and O(log n + k) stale scans.
func (r *Registry) Register(ctx context.Context, recipientID, connectionID, nodeID, clusterID string) error {
	now := time.Now().UnixMilli()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(connectionID), map[string]any{
		"recipient_id":  recipientID,
		"node_id":       nodeID,
		"cluster_id":    clusterID,
		"connected_at":  now,
		"last_activity": now,
	})
	pipe.Expire(ctx, sessionKey(connectionID), r.ttl)
	pipe.ZAdd(ctx, heartbeatIndexKey, redis.Z{Score: float64(now), Member: connectionID})
	pipe.SAdd(ctx, recipientKey(recipientID), connectionID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("registry: register %s: %w", connectionID, err)
	}
	return nil
}

// Heartbeat refreshes lastActivity and TTL for every listed
// connection owned by nodeID.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, connectionIDs []string) error {
	now := time.Now().UnixMilli()
	pipe := r.client.TxPipeline()
	for _, id := range connectionIDs {
		pipe.HSet(ctx, sessionKey(id), "last_activity", now)
		pipe.Expire(ctx, sessionKey(id), r.ttl)
		pipe.ZAdd(ctx, heartbeatIndexKey, redis.Z{Score: float64(now), Member: id})
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("registry: heartbeat for node %s: %w", nodeID, err)
	}
	return nil
}

// Lookup returns every live session for recipientID, across all nodes.
func (r *Registry) Lookup(ctx context.Context, recipientID string) ([]domain.Session, error) {
	connIDs, err := r.client.SMembers(ctx, recipientKey(recipientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: lookup %s: %w", recipientID, err)
	}
	sessions := make([]domain.Session, 0, len(connIDs))
	for _, connID := range connIDs {
		vals, err := r.client.HGetAll(ctx, sessionKey(connID)).Result()
		if err != nil || len(vals) == 0 {
			// Row expired or was removed concurrently; prune the stale
			// set membership opportunistically.
			r.client.SRem(ctx, recipientKey(recipientID), connID)
			continue
		}
		sessions = append(sessions, sessionFromHash(connID, vals))
	}
	return sessions, nil
}

func sessionFromHash(connID string, vals map[string]string) domain.Session {
	connectedAt, _ := strconv.ParseInt(vals["connected_at"], 10, 64)
	lastActivity, _ := strconv.ParseInt(vals["last_activity"], 10, 64)
	return domain.Session{
		RecipientID:            vals["recipient_id"],
		ConnectionID:           connID,
		NodeID:                 vals["node_id"],
		ClusterID:              vals["cluster_id"],
		ConnectedAtEpochMilli:  connectedAt,
		LastActivityEpochMilli: lastActivity,
	}
}

// StaleBefore returns connection ids whose heartbeat is older than
// threshold, using the sorted index so the scan is O(log n + k)
// rather than a full table scan.
func (r *Registry) StaleBefore(ctx context.Context, threshold time.Time) ([]string, error) {
	maxScore := strconv.FormatInt(threshold.UnixMilli(), 10)
	ids, err := r.client.ZRangeByScore(ctx, heartbeatIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: staleBefore: %w", err)
	}
	return ids, nil
}

// Remove deletes the registry rows and indices for the given connections.
func (r *Registry) Remove(ctx context.Context, connectionIDs []string) error {
	pipe := r.client.TxPipeline()
	for _, id := range connectionIDs {
		vals, err := r.client.HGetAll(ctx, sessionKey(id)).Result()
		if err == nil && len(vals) > 0 {
			pipe.SRem(ctx, recipientKey(vals["recipient_id"]), id)
		}
		pipe.Del(ctx, sessionKey(id))
		pipe.ZRem(ctx, heartbeatIndexKey, id)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("registry: remove: %w", err)
	}
	return nil
}

// CountByNode counts live sessions owned by nodeID. This is a scan
// over the heartbeat index rather than an indexed lookup — acceptable
// because it backs admin/metrics endpoints, not the hot path.
func (r *Registry) CountByNode(ctx context.Context, nodeID string) (int64, error) {
	ids, err := r.client.ZRange(ctx, heartbeatIndexKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: countByNode: %w", err)
	}
	var count int64
	for _, id := range ids {
		n, err := r.client.HGet(ctx, sessionKey(id), "node_id").Result()
		if err == nil && n == nodeID {
			count++
		}
	}
	return count, nil
}

// CountTotal returns the total number of live session rows.
func (r *Registry) CountTotal(ctx context.Context) (int64, error) {
	n, err := r.client.ZCard(ctx, heartbeatIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: countTotal: %w", err)
	}
	return n, nil
}
