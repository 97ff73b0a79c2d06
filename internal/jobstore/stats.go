package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

// CountByStatus returns job counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows := []struct {
		Status domain.Status `db:"status"`
		Count  int           `db:"count"`
	}{}

	query := `SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}

	counts := make(map[domain.Status]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}

	return counts, nil
}

// CompletedSince counts jobs that reached COMPLETED at or after since.
func (s *Store) CompletedSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM jobs WHERE status = $1 AND completed_at >= $2`

	err := s.db.GetContext(ctx, &count, query, domain.StatusCompleted, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed jobs: %w", err)
	}

	return count, nil
}

// AvgExecutionTime averages started->completed over jobs finished since the
// given time. Returns 0 when no sample exists.
func (s *Store) AvgExecutionTime(ctx context.Context, since time.Time) (time.Duration, error) {
	var seconds *float64
	query := `
		SELECT AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))
		FROM jobs
		WHERE status = $1
		  AND started_at IS NOT NULL
		  AND completed_at >= $2
	`

	err := s.db.GetContext(ctx, &seconds, query, domain.StatusCompleted, since)
	if err != nil {
		return 0, fmt.Errorf("failed to compute average execution time: %w", err)
	}

	if seconds == nil {
		return 0, nil
	}

	return time.Duration(*seconds * float64(time.Second)), nil
}
