package storage

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

// GetGroupParent fetches the parent job of a group.
func (s *Storage) GetGroupParent(ctx context.Context, groupID string) (*domain.Job, error) {
	var job domain.Job
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE group_id = $1
		  AND is_group_parent = TRUE
		LIMIT 1
	`

	err := s.db.GetContext(ctx, &job, query, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get group parent: %w", err)
	}

	return &job, nil
}

// AddChildren bumps total_children after a producer spawned n children.
func (s *Storage) AddChildren(ctx context.Context, groupID string, n int) error {
	query := `
		UPDATE job_groups
		SET total_children = total_children + $1,
		    updated_at = NOW()
		WHERE group_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, n, groupID); err != nil {
		return fmt.Errorf("failed to add children to group: %w", err)
	}

	return nil
}

// RecordChildOutcome increments the group's completed or failed counter and
// returns the updated group so the caller can check for resolution.
func (s *Storage) RecordChildOutcome(ctx context.Context, groupID string, failed bool) (*domain.JobGroup, error) {
	column := "completed_children"
	if failed {
		column = "failed_children"
	}

	query := `
		UPDATE job_groups
		SET ` + column + ` = ` + column + ` + 1,
		    updated_at = NOW()
		WHERE group_id = $1
		RETURNING ` + groupColumns

	var group domain.JobGroup
	err := s.db.GetContext(ctx, &group, query, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to record child outcome: %w", err)
	}

	return &group, nil
}

// ResolveGroup is the ACTIVE -> terminal compare-and-set on the group.
func (s *Storage) ResolveGroup(ctx context.Context, groupID string, status domain.GroupStatus, summary string) (bool, error) {
	query := `
		UPDATE job_groups
		SET status = $1,
		    summary = $2,
		    updated_at = NOW()
		WHERE group_id = $3
		  AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, status, summary, groupID, domain.GroupStatusActive)
	if err != nil {
		return false, fmt.Errorf("failed to resolve group: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}
