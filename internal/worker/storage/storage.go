// Package storage holds the worker's database operations: claiming
// submitted jobs, heartbeats, idempotent terminal writes and group
// bookkeeping. The worker never trusts broker delivery alone; the claim
// compare-and-set is what makes redelivery harmless.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

const jobColumns = `
	job_id, job_type, status, priority, target_ref, payload_ref,
	dispatch_handle, worker_id, group_id, is_group_parent, spawned_by_parent,
	inline, reason, error_message, result_ref, created_at, submitted_at,
	started_at, last_activity_at, completed_at, updated_at
`

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetJob retrieves a job from the database by its ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ClaimJob attempts the SUBMITTED -> RUNNING compare-and-set. Losing the
// race (job cancelled, timed out, or claimed by another worker) returns
// domain.ErrJobAlreadyClaimed.
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    last_activity_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.StatusRunning, workerID, jobID, domain.StatusSubmitted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed or no longer submitted",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("job_type", string(job.JobType)),
	)

	return &job, nil
}

// Touch records a heartbeat. Safe to call at any rate; bumps activity on
// RUNNING jobs and on STALE ones so the monitor can recover them. A failed
// heartbeat never aborts the job, it only risks a later false-stale.
func (s *Storage) Touch(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET last_activity_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status IN ($2, $3)
	`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.StatusRunning, domain.StatusStale)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		s.logger.Warn("Heartbeat had no effect - job is not running",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// Complete moves the job to COMPLETED. Idempotent: a second call after the
// job is already terminal is a logged no-op reported as applied=false.
func (s *Storage) Complete(ctx context.Context, jobID, resultRef string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    result_ref = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status IN ($4, $5)
	`

	applied, err := s.terminalWrite(ctx, query, domain.StatusCompleted, resultRef, jobID,
		domain.StatusRunning, domain.StatusStale)
	if err != nil {
		return false, err
	}

	if !applied {
		s.logger.Info("Complete ignored - job already terminal",
			slog.String("job_id", jobID),
		)
	}

	return applied, nil
}

// Fail moves the job to FAILED. Idempotent like Complete.
func (s *Storage) Fail(ctx context.Context, jobID, errMsg string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status IN ($4, $5)
	`

	applied, err := s.terminalWrite(ctx, query, domain.StatusFailed, errMsg, jobID,
		domain.StatusRunning, domain.StatusStale)
	if err != nil {
		return false, err
	}

	if !applied {
		s.logger.Info("Fail ignored - job already terminal",
			slog.String("job_id", jobID),
		)
	}

	return applied, nil
}

// PurgeTerminalJobs deletes terminal jobs that completed before the cutoff,
// then any resolved groups left without jobs. Live jobs and active groups are
// never touched.
func (s *Storage) PurgeTerminalJobs(ctx context.Context, cutoff time.Time) (jobsPurged, groupsPurged int64, err error) {
	jobsQuery := `
		DELETE FROM jobs
		WHERE status IN ($1, $2, $3, $4)
		  AND completed_at IS NOT NULL
		  AND completed_at < $5
	`

	result, err := s.db.ExecContext(ctx, jobsQuery,
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCanceled, domain.StatusTimedOut,
		cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge terminal jobs: %w", err)
	}
	if jobsPurged, err = result.RowsAffected(); err != nil {
		return 0, 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	groupsQuery := `
		DELETE FROM job_groups g
		WHERE g.status != $1
		  AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.group_id = g.group_id)
	`

	result, err = s.db.ExecContext(ctx, groupsQuery, domain.GroupStatusActive)
	if err != nil {
		return jobsPurged, 0, fmt.Errorf("failed to purge empty groups: %w", err)
	}
	if groupsPurged, err = result.RowsAffected(); err != nil {
		return jobsPurged, 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return jobsPurged, groupsPurged, nil
}

func (s *Storage) terminalWrite(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}
