package pgstore

import (
	"context"
	"fmt"
	"time"
)

// Reap deletes terminal tasks whose run ended before cutoff, along with their
// stage outputs. Durable results in gen_task_result are kept; they are the
// archive the retention window feeds. Returns the number of tasks removed.
// Run it from a periodic job sized to the deployment's retention policy.
func (s *Store) Reap(ctx context.Context, cutoff time.Time) (int64, error) {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM gen_task_stage
		WHERE task_id IN (
		    SELECT id FROM gen_task
		    WHERE status IN ('succeeded', 'failed', 'cancelled') AND ended_at < $1
		)`, cutoff); err != nil {
		return 0, fmt.Errorf("reap stage outputs: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM gen_task
		WHERE status IN ('succeeded', 'failed', 'cancelled') AND ended_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}
