package targeting

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/domain"
)

// PostgresDirectory is the default RecipientDirectory, backed by the
// recipient_preferences table (§6 persisted layout). A real
// deployment may instead point Precomputer at an organization/roster
// service; this implementation covers the common case where the
// recipient set is already mirrored into this database.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

// Resolve expands ALL/ROLE/SELECTED into a concrete recipient-id set.
// ALL returns every row in recipient_preferences; ROLE filters by the
// role column; SELECTED passes targetIDs through unchanged (already
// concrete recipient ids).
func (d *PostgresDirectory) Resolve(ctx context.Context, targetType domain.TargetType, targetIDs []string) ([]string, error) {
	switch targetType {
	case domain.TargetSelected:
		return targetIDs, nil
	case domain.TargetAll:
		return d.queryAll(ctx)
	case domain.TargetRole:
		return d.queryByRoles(ctx, targetIDs)
	default:
		return nil, apierr.Validation("unknown target type", nil)
	}
}

func (d *PostgresDirectory) queryAll(ctx context.Context) ([]string, error) {
	rows, err := d.pool.Query(ctx, `SELECT recipient_id FROM recipient_preferences`)
	if err != nil {
		return nil, apierr.ExternalUnavailable("query recipient directory (ALL)", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (d *PostgresDirectory) queryByRoles(ctx context.Context, roles []string) ([]string, error) {
	rows, err := d.pool.Query(ctx, `SELECT recipient_id FROM recipient_preferences WHERE role = ANY($1)`, roles)
	if err != nil {
		return nil, apierr.ExternalUnavailable("query recipient directory (ROLE)", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]string, error) {
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierr.Retryable("scan recipient id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
