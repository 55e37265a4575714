// Package outbox implements the transactional event store (C1) and
// the single-winner relay that drains it onto the bus (C2).
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/domain"
)

// Store is the transactional outbox backed by Postgres. State
// mutations and event appends share one transaction so either both
// persist or neither does (spec invariant (a)).
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// StateMutation runs arbitrary writes against tx, returning the
// events to append in the same transaction.
type StateMutation func(ctx context.Context, tx pgx.Tx) ([]domain.OutboxEvent, error)

// PublishWithState applies mutate and appends its returned events
// atomically: either the state change and every event row commit
// together, or the whole transaction rolls back and the caller sees
// an error (§4.1 guarantee a).
func (s *Store) PublishWithState(ctx context.Context, mutate StateMutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apierr.Retryable("begin outbox transaction", err)
	}
	defer tx.Rollback(ctx)

	events, err := mutate(ctx, tx)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox_events
				(id, aggregate_type, aggregate_id, recipient_id, event_type, topic, payload, correlation_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			ev.ID, ev.AggregateType, ev.AggregateID, ev.RecipientID, ev.EventType, ev.Topic, ev.Payload, ev.CorrelationID, ev.CreatedAt,
		)
		if err != nil {
			return apierr.Retryable("insert outbox event", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apierr.Retryable("commit outbox transaction", err)
	}
	return nil
}

// BatchHandle is an open transaction holding row locks on a read
// batch. Callers must call Complete (success) or Abort (failure) to
// release the locks; leaving it open past the caller's lifetime would
// starve other relay attempts on the same rows.
type BatchHandle struct {
	tx     pgx.Tx
	ids    []string
	closed bool
}

// ReadBatch locks up to n unprocessed events for the duration of the
// returned handle's transaction, using SELECT ... FOR UPDATE SKIP
// LOCKED so concurrent relay attempts (e.g. during lock handoff) never
// observe the same rows (§4.1 guarantee b). Ordering is by created_at,
// ties broken by id, matching the outbox's global drain order.
func (s *Store) ReadBatch(ctx context.Context, n int) (*BatchHandle, []domain.OutboxEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, apierr.Retryable("begin read-batch transaction", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, recipient_id, event_type, topic, payload, correlation_id, created_at
		FROM outbox_events
		ORDER BY created_at ASC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, n)
	if err != nil {
		tx.Rollback(ctx)
		return nil, nil, apierr.Retryable("query outbox batch", err)
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	var ids []string
	for rows.Next() {
		var ev domain.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.RecipientID, &ev.EventType, &ev.Topic, &ev.Payload, &ev.CorrelationID, &ev.CreatedAt); err != nil {
			tx.Rollback(ctx)
			return nil, nil, apierr.Retryable("scan outbox event", err)
		}
		events = append(events, ev)
		ids = append(ids, ev.ID)
	}
	if err := rows.Err(); err != nil {
		tx.Rollback(ctx)
		return nil, nil, apierr.Retryable("iterate outbox batch", err)
	}

	return &BatchHandle{tx: tx, ids: ids}, events, nil
}

// Complete deletes the batch's rows and commits. Per §4.1 failure
// semantics, if delete succeeds but commit fails the caller's retry
// on the next drain tick is harmless because the relay is idempotent
// by eventId downstream; if delete or commit fails here, the rows
// remain locked only until rollback/connection close, then are picked
// up again.
func (h *BatchHandle) Complete(ctx context.Context) error {
	if h.closed {
		return errors.New("outbox: batch handle already closed")
	}
	h.closed = true
	if len(h.ids) > 0 {
		if _, err := h.tx.Exec(ctx, `DELETE FROM outbox_events WHERE id = ANY($1)`, h.ids); err != nil {
			h.tx.Rollback(ctx)
			return apierr.Retryable("delete outbox batch", err)
		}
	}
	if err := h.tx.Commit(ctx); err != nil {
		return apierr.Retryable("commit outbox batch delete", err)
	}
	return nil
}

// Abort rolls back, leaving the batch's rows for the next drain tick.
func (h *BatchHandle) Abort(ctx context.Context) {
	if h.closed {
		return
	}
	h.closed = true
	h.tx.Rollback(ctx)
}

// IDs returns the ids locked by this batch, in drain order.
func (h *BatchHandle) IDs() []string { return h.ids }
