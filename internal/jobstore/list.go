package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

// JobCursor is a keyset-pagination cursor over (created_at DESC, job_id DESC).
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobFilter narrows a job listing.
type JobFilter struct {
	JobType  string
	Status   string
	GroupID  string
	PageSize int
	Cursor   *JobCursor
}

// ListJobs returns up to PageSize+1 jobs matching the filter, newest first.
// The extra row tells the caller whether a next page exists.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	argN := 0
	arg := func(v any) string {
		args = append(args, v)
		argN++
		return fmt.Sprintf("$%d", argN)
	}

	if filter.JobType != "" {
		query += ` AND job_type = ` + arg(filter.JobType)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(filter.Status)
	}
	if filter.GroupID != "" {
		query += ` AND group_id = ` + arg(filter.GroupID)
	}
	if filter.Cursor != nil {
		ts := arg(filter.Cursor.CreatedAt)
		id := arg(filter.Cursor.JobID)
		query += ` AND (created_at < ` + ts + ` OR (created_at = ` + ts + ` AND job_id < ` + id + `))`
	}

	query += ` ORDER BY created_at DESC, job_id DESC LIMIT ` + arg(filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
