package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

const groupColumns = `
	group_id, job_type, status, total_children, completed_children,
	failed_children, summary, created_at, updated_at
`

// CreateGroup persists a new job group in ACTIVE status.
func (s *Store) CreateGroup(ctx context.Context, group *domain.JobGroup) error {
	query := `
		INSERT INTO job_groups (
			group_id, job_type, status, total_children, completed_children,
			failed_children, summary, created_at, updated_at
		) VALUES (
			:group_id, :job_type, :status, :total_children, :completed_children,
			:failed_children, :summary, :created_at, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, group); err != nil {
		return fmt.Errorf("failed to create job group: %w", err)
	}

	return nil
}

// GetGroup fetches a job group by ID.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*domain.JobGroup, error) {
	var group domain.JobGroup
	query := `SELECT ` + groupColumns + ` FROM job_groups WHERE group_id = $1`

	err := s.db.GetContext(ctx, &group, query, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to get job group: %w", err)
	}

	return &group, nil
}

// ListChildren returns every non-parent job in the group.
func (s *Store) ListChildren(ctx context.Context, groupID string) ([]domain.Job, error) {
	var jobs []domain.Job
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE group_id = $1
		  AND is_group_parent = FALSE
		ORDER BY created_at ASC
	`

	err := s.db.SelectContext(ctx, &jobs, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group children: %w", err)
	}

	return jobs, nil
}

// GroupHasActiveChildren reports whether any non-parent child is still in a
// non-terminal state.
func (s *Store) GroupHasActiveChildren(ctx context.Context, groupID string) (bool, error) {
	var count int
	query := `
		SELECT COUNT(*)
		FROM jobs
		WHERE group_id = $1
		  AND is_group_parent = FALSE
		  AND status IN ($2, $3, $4, $5)
	`

	err := s.db.GetContext(ctx, &count, query, groupID,
		domain.StatusPending, domain.StatusSubmitted, domain.StatusRunning, domain.StatusStale)
	if err != nil {
		return false, fmt.Errorf("failed to count active children: %w", err)
	}

	return count > 0, nil
}

// ResolveGroup is the ACTIVE -> terminal compare-and-set on the group. A
// group resolves exactly once; later attempts report false.
func (s *Store) ResolveGroup(ctx context.Context, groupID string, status domain.GroupStatus, summary string) (bool, error) {
	query := `
		UPDATE job_groups
		SET status = $1,
		    summary = $2,
		    updated_at = NOW()
		WHERE group_id = $3
		  AND status = $4
	`

	return s.guardedUpdate(ctx, query, status, summary, groupID, domain.GroupStatusActive)
}
