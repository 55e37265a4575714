// Package dlt implements dead-letter persistence and redrive (C9):
// recording everything needed to deterministically replay a message
// that exhausted its retry budget, and re-injecting it through the
// normal outbox/consumer path on demand.
package dlt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/domain"
)

// DeliveryResetter is the subset of the inbox store used to reset a
// delivery row before redrive re-publishes its event.
type DeliveryResetter interface {
	ResetToPending(ctx context.Context, broadcastID, recipientID string) error
}

// BroadcastStatusChecker reports whether a broadcast has already
// reached a terminal status, used to reject redrive of an EXPIRED
// broadcast's delivery row (spec §9 open question (b), decided in
// DESIGN.md: EXPIRED is a one-way door, so redrive must not
// reactivate a delivery row under it).
type BroadcastStatusChecker interface {
	IsTerminal(ctx context.Context, broadcastID string) (bool, error)
}

// Store persists dead-letter records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Record persists a dead-letter row with full replay context.
func (s *Store) Record(ctx context.Context, rec domain.DeadLetterRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letter_records
			(id, broadcast_id, original_key, original_topic, original_partition, original_offset,
			 exception_message, original_message_payload, failed_at, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.BroadcastID, rec.OriginalKey, rec.OriginalTopic, rec.OriginalPartition, rec.OriginalOffset,
		rec.ExceptionMessage, rec.OriginalMessagePayload, rec.FailedAt, rec.CorrelationID)
	if err != nil {
		return apierr.Retryable("record dead letter", err)
	}
	return nil
}

// Get fetches one dead-letter record by id.
func (s *Store) Get(ctx context.Context, id string) (domain.DeadLetterRecord, error) {
	var rec domain.DeadLetterRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, broadcast_id, original_key, original_topic, original_partition, original_offset,
		       exception_message, original_message_payload, failed_at, correlation_id
		FROM dead_letter_records WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.BroadcastID, &rec.OriginalKey, &rec.OriginalTopic, &rec.OriginalPartition, &rec.OriginalOffset,
		&rec.ExceptionMessage, &rec.OriginalMessagePayload, &rec.FailedAt, &rec.CorrelationID)
	if err != nil {
		return domain.DeadLetterRecord{}, apierr.NotFound("dead letter record not found", err)
	}
	return rec, nil
}

// List returns dead-letter records, newest first, for the admin surface.
func (s *Store) List(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, broadcast_id, original_key, original_topic, original_partition, original_offset,
		       exception_message, original_message_payload, failed_at, correlation_id
		FROM dead_letter_records ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, apierr.Retryable("list dead letter records", err)
	}
	defer rows.Close()

	var out []domain.DeadLetterRecord
	for rows.Next() {
		var rec domain.DeadLetterRecord
		if err := rows.Scan(&rec.ID, &rec.BroadcastID, &rec.OriginalKey, &rec.OriginalTopic, &rec.OriginalPartition, &rec.OriginalOffset,
			&rec.ExceptionMessage, &rec.OriginalMessagePayload, &rec.FailedAt, &rec.CorrelationID); err != nil {
			return nil, apierr.Retryable("scan dead letter record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Purge removes a dead-letter row without side effects (§4.9).
func (s *Store) Purge(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_records WHERE id = $1`, id)
	if err != nil {
		return apierr.Retryable("purge dead letter record", err)
	}
	return nil
}

// redrivePayload is the shape Record.OriginalMessagePayload decodes
// to for a DELIVERY-aggregate dead letter — the only kind redrive
// currently resets, since BROADCAST-aggregate failures have no
// per-recipient delivery row to reset.
type redrivePayload struct {
	RecipientID string `json:"recipientId"`
}

// RedriveResult summarizes one redrive attempt.
type RedriveResult struct {
	ID      string
	Success bool
	Err     error
}

// Redrive deserializes the payload, resets the associated delivery
// row to PENDING via an independent transaction, and hands the raw
// event back to republish for re-insertion into the outbox, so the
// normal consumer path handles it with no side channel (§4.9). A
// redrive targeting a broadcast that already reached EXPIRED or
// CANCELLED is rejected as a validation error rather than silently
// reactivating it (§9 open question (b)).
func Redrive(ctx context.Context, store *Store, checker BroadcastStatusChecker, resetter DeliveryResetter, republish func(ctx context.Context, rec domain.DeadLetterRecord) error, id string) RedriveResult {
	rec, err := store.Get(ctx, id)
	if err != nil {
		return RedriveResult{ID: id, Success: false, Err: err}
	}

	if terminal, err := checker.IsTerminal(ctx, rec.BroadcastID); err == nil && terminal {
		return RedriveResult{ID: id, Success: false, Err: apierr.Validation("cannot redrive a delivery whose broadcast already reached a terminal state", nil)}
	}

	var payload redrivePayload
	if err := json.Unmarshal(rec.OriginalMessagePayload, &payload); err == nil && payload.RecipientID != "" {
		if err := resetter.ResetToPending(ctx, rec.BroadcastID, payload.RecipientID); err != nil {
			return RedriveResult{ID: id, Success: false, Err: err}
		}
	}

	if err := republish(ctx, rec); err != nil {
		return RedriveResult{ID: id, Success: false, Err: err}
	}

	if err := store.Purge(ctx, id); err != nil {
		return RedriveResult{ID: id, Success: true, Err: err}
	}
	return RedriveResult{ID: id, Success: true}
}

// RedriveAllSummary aggregates RedriveAll's per-id outcomes.
type RedriveAllSummary struct {
	Succeeded []string
	Failed    map[string]string
}

// RedriveAll redrives every listed id, aggregating successes and
// failures into one summary rather than failing fast (§4.9).
func RedriveAll(ctx context.Context, store *Store, checker BroadcastStatusChecker, resetter DeliveryResetter, republish func(ctx context.Context, rec domain.DeadLetterRecord) error, ids []string) RedriveAllSummary {
	summary := RedriveAllSummary{Failed: make(map[string]string)}
	for _, id := range ids {
		result := Redrive(ctx, store, checker, resetter, republish, id)
		if result.Success {
			summary.Succeeded = append(summary.Succeeded, id)
		} else {
			summary.Failed[id] = result.Err.Error()
		}
	}
	return summary
}
