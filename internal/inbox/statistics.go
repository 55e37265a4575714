package inbox

import (
	"context"
	"time"

	"github.com/adred-codev/broadcastd/internal/apierr"
	"github.com/adred-codev/broadcastd/internal/domain"
)

// IncrementDelivered bumps totalDelivered by one on every call. The
// increment itself is unconditional; §4.6's "counters are monotonic
// and updated only on first transition" rule holds because callers
// only invoke it after MarkDelivered reports a first transition.
func (s *Store) IncrementDelivered(ctx context.Context, broadcastID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broadcast_statistics (broadcast_id, total_targeted, total_delivered, total_read, total_failed, calculated_at)
		VALUES ($1, 0, 1, 0, 0, $2)
		ON CONFLICT (broadcast_id) DO UPDATE
		SET total_delivered = broadcast_statistics.total_delivered + 1, calculated_at = $2`,
		broadcastID, time.Now().UTC())
	if err != nil {
		return apierr.Retryable("increment delivered statistic", err)
	}
	return nil
}

// IncrementRead bumps totalRead.
func (s *Store) IncrementRead(ctx context.Context, broadcastID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broadcast_statistics (broadcast_id, total_targeted, total_delivered, total_read, total_failed, calculated_at)
		VALUES ($1, 0, 0, 1, 0, $2)
		ON CONFLICT (broadcast_id) DO UPDATE
		SET total_read = broadcast_statistics.total_read + 1, calculated_at = $2`,
		broadcastID, time.Now().UTC())
	if err != nil {
		return apierr.Retryable("increment read statistic", err)
	}
	return nil
}

// SetTargeted records totalTargeted once target expansion completes.
func (s *Store) SetTargeted(ctx context.Context, broadcastID string, count int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broadcast_statistics (broadcast_id, total_targeted, total_delivered, total_read, total_failed, calculated_at)
		VALUES ($1, $2, 0, 0, 0, $3)
		ON CONFLICT (broadcast_id) DO UPDATE
		SET total_targeted = $2, calculated_at = $3`,
		broadcastID, count, time.Now().UTC())
	if err != nil {
		return apierr.Retryable("set targeted statistic", err)
	}
	return nil
}

// GetStatistics returns the raw counters of broadcastID's statistics
// row; delivery and read rates are not computed here.
func (s *Store) GetStatistics(ctx context.Context, broadcastID string) (domain.Statistics, error) {
	var st domain.Statistics
	st.BroadcastID = broadcastID
	err := s.pool.QueryRow(ctx, `
		SELECT total_targeted, total_delivered, total_read, total_failed, calculated_at
		FROM broadcast_statistics WHERE broadcast_id = $1`, broadcastID,
	).Scan(&st.TotalTargeted, &st.TotalDelivered, &st.TotalRead, &st.TotalFailed, &st.CalculatedAt)
	if err != nil {
		return domain.Statistics{}, apierr.NotFound("statistics not found for broadcast", err)
	}
	return st, nil
}
