package registry

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// History is a durable audit trail of session lifecycle transitions,
// distinct from the live Redis registry (which only ever holds
// currently-connected sessions with a TTL). SessionPurge (§4.7) prunes
// this table, not the live registry — the registry's own rows expire
// on their own via TTL.
type History struct {
	pool *pgxpool.Pool
}

func NewHistory(pool *pgxpool.Pool) *History {
	return &History{pool: pool}
}

// RecordDisconnect appends a closed-session row for audit/metrics.
func (h *History) RecordDisconnect(ctx context.Context, recipientID, connectionID, nodeID string, connectedAt, disconnectedAt time.Time) error {
	_, err := h.pool.Exec(ctx, `
		INSERT INTO session_history (recipient_id, connection_id, node_id, connected_at, disconnected_at)
		VALUES ($1,$2,$3,$4,$5)`,
		recipientID, connectionID, nodeID, connectedAt, disconnectedAt)
	return err
}

// PurgeOlderThan deletes disconnected session rows older than cutoff
// (§4.7 SessionPurge, daily, 3-day default retention).
func (h *History) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := h.pool.Exec(ctx, `DELETE FROM session_history WHERE disconnected_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
