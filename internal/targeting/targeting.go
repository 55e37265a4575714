// Package targeting implements target expansion and precomputation
// (C8): resolving a broadcast's TargetType/TargetIDs into a concrete
// recipient-id set via an external directory, then materializing
// PENDING delivery rows ahead of activation.
package targeting

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/domain"
)

// RecipientDirectory is the abstract external capability: given a
// target type and ids, return the concrete recipient-id set. A real
// deployment backs this with an organization/roster service; it is
// injected here so precomputation never depends on its shape.
type RecipientDirectory interface {
	Resolve(ctx context.Context, targetType domain.TargetType, targetIDs []string) ([]string, error)
}

// Precomputer runs precomputeAndStoreTargetUsers.
type Precomputer struct {
	pool      *pgxpool.Pool
	directory RecipientDirectory
	batchSize int
}

func NewPrecomputer(pool *pgxpool.Pool, directory RecipientDirectory, batchSize int) *Precomputer {
	return &Precomputer{pool: pool, directory: directory, batchSize: batchSize}
}

// PrecomputeAndStore expands the broadcast's targets and writes
// PENDING delivery rows in batches via pgx.CopyFrom. Idempotent: the
// unique (broadcast_id, recipient_id) constraint tolerates re-running
// after a partial failure, since target expansion is retried wholesale
// on the next scheduler tick rather than resumed from an offset (§4.8).
func (p *Precomputer) PrecomputeAndStore(ctx context.Context, broadcastID string, targetType domain.TargetType, targetIDs []string) (int, error) {
	recipients, err := p.directory.Resolve(ctx, targetType, targetIDs)
	if err != nil {
		return 0, apierr.ExternalUnavailable("resolve recipient directory", err)
	}
	if len(recipients) == 0 {
		return 0, nil
	}

	total := 0
	for start := 0; start < len(recipients); start += p.batchSize {
		end := start + p.batchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		n, err := p.copyBatch(ctx, broadcastID, recipients[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (p *Precomputer) copyBatch(ctx context.Context, broadcastID string, recipientIDs []string) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, apierr.Retryable("begin targeting batch transaction", err)
	}
	defer tx.Rollback(ctx)

	// CopyFrom cannot express ON CONFLICT, so stage into a temp table
	// then upsert-ignore from there — still one round trip per batch,
	// and tolerant of the retry-the-whole-broadcast recovery model.
	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE targeting_staging (recipient_id text) ON COMMIT DROP`); err != nil {
		return 0, apierr.Retryable("create targeting staging table", err)
	}

	rows := make([][]any, len(recipientIDs))
	for i, rid := range recipientIDs {
		rows[i] = []any{rid}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"targeting_staging"}, []string{"recipient_id"}, pgx.CopyFromRows(rows)); err != nil {
		return 0, apierr.Retryable("copy targeting staging rows", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO recipient_deliveries (broadcast_id, recipient_id, delivery_status, read_status, created_at, updated_at)
		SELECT $1, recipient_id, $2, $3, now(), now()
		FROM targeting_staging
		ON CONFLICT (broadcast_id, recipient_id) DO NOTHING`,
		broadcastID, domain.DeliveryPending, domain.ReadUnread)
	if err != nil {
		return 0, apierr.Retryable("insert pending deliveries from staging", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, apierr.Retryable("commit targeting batch", err)
	}
	return int(tag.RowsAffected()), nil
}
