package inbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/domain"
)

// MarkDelivered transitions a delivery row PENDING->DELIVERED,
// idempotent by construction: the WHERE clause only matches rows
// still PENDING, so a duplicate DELIVERY.DELIVERED event (at-least-
// once bus delivery) is a no-op on replay (§4.3).
func (s *Store) MarkDelivered(ctx context.Context, broadcastID, recipientID string) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipient_deliveries
		SET delivery_status = $1, delivered_at = $2, updated_at = $2
		WHERE broadcast_id = $3 AND recipient_id = $4 AND delivery_status = $5`,
		domain.DeliveryDelivered, now, broadcastID, recipientID, domain.DeliveryPending)
	if err != nil {
		return false, apierr.Retryable("mark delivery delivered", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRead transitions ReadStatus UNREAD->READ, idempotent the same way.
func (s *Store) MarkRead(ctx context.Context, broadcastID, recipientID string) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipient_deliveries
		SET read_status = $1, read_at = $2, updated_at = $2
		WHERE broadcast_id = $3 AND recipient_id = $4 AND read_status = $5`,
		domain.ReadRead, now, broadcastID, recipientID, domain.ReadUnread)
	if err != nil {
		return false, apierr.Retryable("mark delivery read", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetToPending is used by redrive (C9): clears deliveredAt and
// resets status to PENDING regardless of current state, since a
// redrive is an explicit operator-initiated override.
func (s *Store) ResetToPending(ctx context.Context, broadcastID, recipientID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE recipient_deliveries
		SET delivery_status = $1, delivered_at = NULL, updated_at = $2
		WHERE broadcast_id = $3 AND recipient_id = $4`,
		domain.DeliveryPending, time.Now().UTC(), broadcastID, recipientID)
	if err != nil {
		return apierr.Retryable("reset delivery to pending", err)
	}
	return nil
}

// InsertPendingBatch creates PENDING delivery rows for recipientIDs,
// tolerating the unique (broadcast_id, recipient_id) constraint so
// repeated target expansion attempts (after a partial failure) are
// idempotent (§4.8).
func (s *Store) InsertPendingBatch(ctx context.Context, tx pgx.Tx, broadcastID string, recipientIDs []string) error {
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, rid := range recipientIDs {
		batch.Queue(`
			INSERT INTO recipient_deliveries (broadcast_id, recipient_id, delivery_status, read_status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$5)
			ON CONFLICT (broadcast_id, recipient_id) DO NOTHING`,
			broadcastID, rid, domain.DeliveryPending, domain.ReadUnread, now)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range recipientIDs {
		if _, err := br.Exec(); err != nil {
			return apierr.Retryable("insert pending delivery batch", err)
		}
	}
	return nil
}

// SupersedePending transitions every still-PENDING delivery row of
// broadcastID to SUPERSEDED, used when a broadcast is cancelled or
// expires while rows are still in flight (§9 open question (a)):
// a row left PENDING forever after its broadcast turns terminal would
// never satisfy I1's "eventually DELIVERED, FAILED, or SUPERSEDED"
// requirement, so cancellation/expiry closes out any stragglers.
// DELIVERED and READ rows are untouched — they are sticky per §3.
func (s *Store) SupersedePending(ctx context.Context, broadcastID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipient_deliveries
		SET delivery_status = $1, updated_at = $2
		WHERE broadcast_id = $3 AND delivery_status = $4`,
		domain.DeliverySuperseded, time.Now().UTC(), broadcastID, domain.DeliveryPending)
	if err != nil {
		return 0, apierr.Retryable("supersede pending deliveries", err)
	}
	return tag.RowsAffected(), nil
}

// GetDelivery fetches one delivery row.
func (s *Store) GetDelivery(ctx context.Context, broadcastID, recipientID string) (domain.RecipientDelivery, error) {
	var d domain.RecipientDelivery
	err := s.pool.QueryRow(ctx, `
		SELECT broadcast_id, recipient_id, delivery_status, read_status, delivered_at, read_at, created_at, updated_at
		FROM recipient_deliveries WHERE broadcast_id = $1 AND recipient_id = $2`,
		broadcastID, recipientID,
	).Scan(&d.BroadcastID, &d.RecipientID, &d.DeliveryStatus, &d.ReadStatus, &d.DeliveredAt, &d.ReadAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return domain.RecipientDelivery{}, apierr.NotFound("delivery row not found", err)
	}
	return d, nil
}
