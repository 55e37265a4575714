// Package catalog is the broadcast repository: CRUD on the Broadcast
// aggregate, composed with the outbox so creation, cancellation, and
// status transitions always append their lifecycle event in the same
// transaction (§4.1).
package catalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/domain"
	"github.com/adred-codev/broadcastd/internal/outbox"
)

// Store is the broadcast repository, backed by the same outbox.Store
// used for transactional publish.
type Store struct {
	pool   *pgxpool.Pool
	outbox *outbox.Store
	topic  string
}

// NewStore builds a catalog store. topic is the single orchestration
// topic every lifecycle event is published to (§4.1/§4.3).
func NewStore(pool *pgxpool.Pool, outboxStore *outbox.Store, topic string) *Store {
	return &Store{pool: pool, outbox: outboxStore, topic: topic}
}

// CreatePayload mirrors the subset of Broadcast an admin request supplies.
type CreatePayload struct {
	SenderID      string            `json:"senderId"`
	SenderName    string            `json:"senderName"`
	Content       string            `json:"content"`
	TargetType    domain.TargetType `json:"targetType"`
	TargetIDs     []string          `json:"targetIds"`
	Priority      domain.Priority   `json:"priority"`
	Category      string            `json:"category"`
	ScheduledAt   *time.Time        `json:"scheduledAt,omitempty"`
	ExpiresAt     *time.Time        `json:"expiresAt,omitempty"`
	FireAndForget bool              `json:"fireAndForget"`
	CorrelationID string            `json:"correlationId"`
}

// Create inserts a Broadcast row atomically with its outbox event
// (§4.1 guarantee a). Immediate broadcasts (no future ScheduledAt)
// are created ACTIVE and get a BROADCAST.CREATED event here;
// scheduled ones start SCHEDULED with no event, and receive theirs
// from Activate.
func (s *Store) Create(ctx context.Context, p CreatePayload) (domain.Broadcast, error) {
	b := domain.Broadcast{
		ID:            uuid.NewString(),
		SenderID:      p.SenderID,
		SenderName:    p.SenderName,
		Content:       p.Content,
		TargetType:    p.TargetType,
		TargetIDs:     p.TargetIDs,
		Priority:      p.Priority,
		Category:      p.Category,
		ScheduledAt:   p.ScheduledAt,
		ExpiresAt:     p.ExpiresAt,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
		FireAndForget: p.FireAndForget,
		CorrelationID: p.CorrelationID,
	}
	if p.ScheduledAt != nil && p.ScheduledAt.After(time.Now()) {
		b.Status = domain.BroadcastScheduled
	} else {
		b.Status = domain.BroadcastActive
	}

	err := s.outbox.PublishWithState(ctx, func(ctx context.Context, tx pgx.Tx) ([]domain.OutboxEvent, error) {
		_, err := tx.Exec(ctx, `
			INSERT INTO broadcasts
				(id, sender_id, sender_name, content, target_type, target_ids, priority, category,
				 scheduled_at, expires_at, created_at, updated_at, status, fire_and_forget, correlation_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			b.ID, b.SenderID, b.SenderName, b.Content, b.TargetType, b.TargetIDs, b.Priority, b.Category,
			b.ScheduledAt, b.ExpiresAt, b.CreatedAt, b.UpdatedAt, b.Status, b.FireAndForget, b.CorrelationID)
		if err != nil {
			return nil, apierr.Retryable("insert broadcast", err)
		}

		payload, _ := json.Marshal(map[string]any{
			"targetType": b.TargetType,
			"targetIds":  b.TargetIDs,
		})
		if b.Status != domain.BroadcastActive {
			return nil, nil
		}
		return []domain.OutboxEvent{{
			AggregateType: domain.AggregateBroadcast,
			AggregateID:   b.ID,
			EventType:     domain.EventBroadcastCreated,
			Topic:         s.topic,
			Payload:       payload,
			CorrelationID: b.CorrelationID,
		}}, nil
	})
	if err != nil {
		return domain.Broadcast{}, err
	}
	return b, nil
}

// Cancel marks a non-terminal broadcast CANCELLED and appends the
// event atomically. A broadcast already in a terminal state is a
// validation error, not a silent no-op — spec invariant I3 treats
// terminal as a one-way door.
func (s *Store) Cancel(ctx context.Context, broadcastID string) error {
	return s.outbox.PublishWithState(ctx, func(ctx context.Context, tx pgx.Tx) ([]domain.OutboxEvent, error) {
		var status domain.BroadcastStatus
		var corrID string
		err := tx.QueryRow(ctx, `SELECT status, correlation_id FROM broadcasts WHERE id = $1 FOR UPDATE`, broadcastID).Scan(&status, &corrID)
		if err != nil {
			return nil, apierr.NotFound("broadcast not found", err)
		}
		if status.Terminal() {
			return nil, apierr.Validation("broadcast already in a terminal state", nil)
		}
		if _, err := tx.Exec(ctx, `UPDATE broadcasts SET status = $1, updated_at = $2 WHERE id = $3`,
			domain.BroadcastCancelled, time.Now().UTC(), broadcastID); err != nil {
			return nil, apierr.Retryable("update broadcast status", err)
		}
		return []domain.OutboxEvent{{
			AggregateType: domain.AggregateBroadcast,
			AggregateID:   broadcastID,
			EventType:     domain.EventBroadcastCancelled,
			Topic:         s.topic,
			CorrelationID: corrID,
		}}, nil
	})
}

// Activate transitions a SCHEDULED broadcast to ACTIVE once its
// scheduledAt has passed and emits the same BROADCAST.CREATED-shaped
// event Create would have emitted had the broadcast been immediate,
// so C3's existing fan-out handles it with no special case. A
// broadcast no longer SCHEDULED (already activated by a prior tick,
// or cancelled) is a no-op rather than an error, since the scheduler
// retries this every tick until the broadcast leaves the set it scans.
func (s *Store) Activate(ctx context.Context, broadcastID string) error {
	return s.outbox.PublishWithState(ctx, func(ctx context.Context, tx pgx.Tx) ([]domain.OutboxEvent, error) {
		var status domain.BroadcastStatus
		var corrID string
		var targetType domain.TargetType
		var targetIDs []string
		err := tx.QueryRow(ctx, `
			SELECT status, correlation_id, target_type, target_ids
			FROM broadcasts WHERE id = $1 FOR UPDATE`, broadcastID,
		).Scan(&status, &corrID, &targetType, &targetIDs)
		if err != nil {
			return nil, apierr.NotFound("broadcast not found", err)
		}
		if status != domain.BroadcastScheduled {
			return nil, nil
		}
		if _, err := tx.Exec(ctx, `UPDATE broadcasts SET status = $1, updated_at = $2 WHERE id = $3`,
			domain.BroadcastActive, time.Now().UTC(), broadcastID); err != nil {
			return nil, apierr.Retryable("update broadcast status", err)
		}

		payload, _ := json.Marshal(map[string]any{
			"targetType": targetType,
			"targetIds":  targetIDs,
		})
		return []domain.OutboxEvent{{
			AggregateType: domain.AggregateBroadcast,
			AggregateID:   broadcastID,
			EventType:     domain.EventBroadcastCreated,
			Topic:         s.topic,
			Payload:       payload,
			CorrelationID: corrID,
		}}, nil
	})
}

// MarkTerminal is the consumer-side (C3) transition, idempotent on an
// already-terminal broadcast.
func (s *Store) MarkTerminal(ctx context.Context, broadcastID string, status domain.BroadcastStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE broadcasts SET status = $1, updated_at = $2
		WHERE id = $3 AND status NOT IN ($4, $5)`,
		status, time.Now().UTC(), broadcastID, domain.BroadcastExpired, domain.BroadcastCancelled)
	if err != nil {
		return apierr.Retryable("mark broadcast terminal", err)
	}
	return nil
}

// Get fetches one broadcast by id.
func (s *Store) Get(ctx context.Context, broadcastID string) (domain.Broadcast, error) {
	var b domain.Broadcast
	err := s.pool.QueryRow(ctx, `
		SELECT id, sender_id, sender_name, content, target_type, target_ids, priority, category,
		       scheduled_at, expires_at, created_at, updated_at, status, fire_and_forget, correlation_id
		FROM broadcasts WHERE id = $1`, broadcastID,
	).Scan(&b.ID, &b.SenderID, &b.SenderName, &b.Content, &b.TargetType, &b.TargetIDs, &b.Priority, &b.Category,
		&b.ScheduledAt, &b.ExpiresAt, &b.CreatedAt, &b.UpdatedAt, &b.Status, &b.FireAndForget, &b.CorrelationID)
	if err != nil {
		return domain.Broadcast{}, apierr.NotFound("broadcast not found", err)
	}
	return b, nil
}

// List returns the most recently created broadcasts, for the admin
// listing RPC (§6).
func (s *Store) List(ctx context.Context, limit int) ([]domain.Broadcast, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender_id, sender_name, content, target_type, target_ids, priority, category,
		       scheduled_at, expires_at, created_at, updated_at, status, fire_and_forget, correlation_id
		FROM broadcasts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, apierr.Retryable("list broadcasts", err)
	}
	defer rows.Close()

	var out []domain.Broadcast
	for rows.Next() {
		var b domain.Broadcast
		if err := rows.Scan(&b.ID, &b.SenderID, &b.SenderName, &b.Content, &b.TargetType, &b.TargetIDs, &b.Priority, &b.Category,
			&b.ScheduledAt, &b.ExpiresAt, &b.CreatedAt, &b.UpdatedAt, &b.Status, &b.FireAndForget, &b.CorrelationID); err != nil {
			return nil, apierr.Retryable("scan broadcast row", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// IsTerminal reports whether broadcastID has already reached EXPIRED
// or CANCELLED, used by redrive (C9) to refuse reactivating a
// delivery row under a broadcast that already ended (§9 open
// question (b)).
func (s *Store) IsTerminal(ctx context.Context, broadcastID string) (bool, error) {
	b, err := s.Get(ctx, broadcastID)
	if err != nil {
		return false, err
	}
	return b.Status.Terminal(), nil
}

// RecipientsOf returns every recipient id with a delivery row for broadcastID.
func (s *Store) RecipientsOf(ctx context.Context, broadcastID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT recipient_id FROM recipient_deliveries WHERE broadcast_id = $1`, broadcastID)
	if err != nil {
		return nil, apierr.Retryable("query recipients of broadcast", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var rid string
		if err := rows.Scan(&rid); err != nil {
			return nil, apierr.Retryable("scan recipient id", err)
		}
		out = append(out, rid)
	}
	return out, rows.Err()
}

// ScheduledBefore returns SCHEDULED broadcasts due by cutoff (§4.7).
func (s *Store) ScheduledBefore(ctx context.Context, cutoff time.Time) ([]domain.Broadcast, error) {
	return s.queryByStatusAndTime(ctx, domain.BroadcastScheduled, "scheduled_at", cutoff)
}

// ActiveExpiredBefore returns ACTIVE broadcasts whose expiresAt has passed (§4.7).
func (s *Store) ActiveExpiredBefore(ctx context.Context, cutoff time.Time) ([]domain.Broadcast, error) {
	return s.queryByStatusAndTime(ctx, domain.BroadcastActive, "expires_at", cutoff)
}

func (s *Store) queryByStatusAndTime(ctx context.Context, status domain.BroadcastStatus, column string, cutoff time.Time) ([]domain.Broadcast, error) {
	query := `
		SELECT id, sender_id, sender_name, content, target_type, target_ids, priority, category,
		       scheduled_at, expires_at, created_at, updated_at, status, fire_and_forget, correlation_id
		FROM broadcasts WHERE status = $1 AND ` + column + ` IS NOT NULL AND ` + column + ` <= $2`
	rows, err := s.pool.Query(ctx, query, status, cutoff)
	if err != nil {
		return nil, apierr.Retryable("query broadcasts by status/time", err)
	}
	defer rows.Close()

	var out []domain.Broadcast
	for rows.Next() {
		var b domain.Broadcast
		if err := rows.Scan(&b.ID, &b.SenderID, &b.SenderName, &b.Content, &b.TargetType, &b.TargetIDs, &b.Priority, &b.Category,
			&b.ScheduledAt, &b.ExpiresAt, &b.CreatedAt, &b.UpdatedAt, &b.Status, &b.FireAndForget, &b.CorrelationID); err != nil {
			return nil, apierr.Retryable("scan broadcast row", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AppendEvent appends a single standalone outbox event outside of a
// broadcast-level state mutation, used by the scheduler and the
// fire-and-forget auto-expire path. Topic defaults to the store's
// single orchestration topic when the caller leaves it unset.
func (s *Store) AppendEvent(ctx context.Context, ev domain.OutboxEvent) error {
	if ev.Topic == "" {
		ev.Topic = s.topic
	}
	return s.outbox.PublishWithState(ctx, func(ctx context.Context, tx pgx.Tx) ([]domain.OutboxEvent, error) {
		return []domain.OutboxEvent{ev}, nil
	})
}
