// Package jobstore is the persistent source of truth for jobs and job
// groups. Every status transition is a conditional UPDATE guarded on the
// current status, so concurrent scheduler instances cannot double-apply a
// transition; callers get back whether their compare-and-set won.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
	"github.com/docrelay/extraction-service/shared/postgresql"
)

const jobColumns = `
	job_id, job_type, status, priority, target_ref, payload_ref,
	dispatch_handle, worker_id, group_id, is_group_parent, spawned_by_parent,
	inline, reason, error_message, result_ref, created_at, submitted_at,
	started_at, last_activity_at, completed_at, updated_at
`

// Store is the Postgres-backed job store.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store over an established PostgreSQL client.
func NewStore(pg *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// CreateJob persists a new job row.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, job_type, status, priority, target_ref, payload_ref,
			group_id, is_group_parent, spawned_by_parent, inline, reason,
			created_at, completed_at, updated_at
		) VALUES (
			:job_id, :job_type, :status, :priority, :target_ref, :payload_ref,
			:group_id, :is_group_parent, :spawned_by_parent, :inline, :reason,
			:created_at, :completed_at, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
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

// FindActiveByTarget returns the newest non-terminal job for the target.
func (s *Store) FindActiveByTarget(ctx context.Context, targetRef string) (*domain.Job, error) {
	var job domain.Job
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE target_ref = $1
		  AND status IN ($2, $3, $4, $5)
		ORDER BY created_at DESC
		LIMIT 1
	`

	err := s.db.GetContext(ctx, &job, query, targetRef,
		domain.StatusPending, domain.StatusSubmitted, domain.StatusRunning, domain.StatusStale)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to find active job: %w", err)
	}

	return &job, nil
}

// FindLatestByTarget returns the newest job for the target regardless of status.
func (s *Store) FindLatestByTarget(ctx context.Context, targetRef string) (*domain.Job, error) {
	var job domain.Job
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE target_ref = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	err := s.db.GetContext(ctx, &job, query, targetRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to find latest job: %w", err)
	}

	return &job, nil
}

// CountInFlight counts SUBMITTED and RUNNING jobs.
func (s *Store) CountInFlight(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM jobs WHERE status IN ($1, $2)`

	err := s.db.GetContext(ctx, &count, query, domain.StatusSubmitted, domain.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight jobs: %w", err)
	}

	return count, nil
}

// CountPending counts PENDING jobs eligible for dispatch.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM jobs WHERE status = $1 AND inline = FALSE`

	err := s.db.GetContext(ctx, &count, query, domain.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}

	return count, nil
}

// CountPendingAhead counts pending jobs promoted before one with the given
// priority and creation time under (priority DESC, created_at ASC).
func (s *Store) CountPendingAhead(ctx context.Context, priority int, createdAt time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(*)
		FROM jobs
		WHERE status = $1
		  AND inline = FALSE
		  AND (priority > $2 OR (priority = $2 AND created_at < $3))
	`

	err := s.db.GetContext(ctx, &count, query, domain.StatusPending, priority, createdAt)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs ahead: %w", err)
	}

	return count, nil
}

// ListPendingForDispatch returns up to limit pending jobs in promotion order.
func (s *Store) ListPendingForDispatch(ctx context.Context, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1
		  AND inline = FALSE
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
	`

	err := s.db.SelectContext(ctx, &jobs, query, domain.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	return jobs, nil
}

// ListLiveJobs returns all SUBMITTED, RUNNING and STALE jobs.
func (s *Store) ListLiveJobs(ctx context.Context) ([]domain.Job, error) {
	var jobs []domain.Job
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status IN ($1, $2, $3)
	`

	err := s.db.SelectContext(ctx, &jobs, query,
		domain.StatusSubmitted, domain.StatusRunning, domain.StatusStale)
	if err != nil {
		return nil, fmt.Errorf("failed to list live jobs: %w", err)
	}

	return jobs, nil
}

// MarkSubmitted is the PENDING -> SUBMITTED compare-and-set.
func (s *Store) MarkSubmitted(ctx context.Context, jobID, handle string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    dispatch_handle = $2,
		    submitted_at = NOW(),
		    last_activity_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
	`

	return s.guardedUpdate(ctx, query, domain.StatusSubmitted, handle, jobID, domain.StatusPending)
}

// MarkStale is the SUBMITTED|RUNNING -> STALE compare-and-set. The inactivity
// annotation is recoverable; no terminal timestamp is written.
func (s *Store) MarkStale(ctx context.Context, jobID string, inactiveFor time.Duration) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    reason = $2,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status IN ($4, $5)
	`

	reason := fmt.Sprintf("stale: inactive for %s", inactiveFor.Round(time.Second))
	return s.guardedUpdate(ctx, query, domain.StatusStale, reason, jobID,
		domain.StatusSubmitted, domain.StatusRunning)
}

// RecoverStale is the STALE -> RUNNING compare-and-set; clears the stale
// annotation.
func (s *Store) RecoverStale(ctx context.Context, jobID string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    reason = '',
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
	`

	return s.guardedUpdate(ctx, query, domain.StatusRunning, jobID, domain.StatusStale)
}

// MarkTimedOut is the SUBMITTED|RUNNING|STALE -> TIMED_OUT compare-and-set.
func (s *Store) MarkTimedOut(ctx context.Context, jobID, errMsg string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status IN ($4, $5, $6)
	`

	return s.guardedUpdate(ctx, query, domain.StatusTimedOut, errMsg, jobID,
		domain.StatusSubmitted, domain.StatusRunning, domain.StatusStale)
}

// MarkFailed moves a non-terminal job to FAILED. No-op on terminal jobs.
func (s *Store) MarkFailed(ctx context.Context, jobID, errMsg string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status IN ($4, $5, $6, $7)
	`

	return s.guardedUpdate(ctx, query, domain.StatusFailed, errMsg, jobID,
		domain.StatusPending, domain.StatusSubmitted, domain.StatusRunning, domain.StatusStale)
}

// MarkCancelled moves the job to CANCELED if its current status is in from.
func (s *Store) MarkCancelled(ctx context.Context, jobID, reason string, from []domain.Status) (bool, error) {
	query, args, err := sqlx.In(`
		UPDATE jobs
		SET status = ?,
		    reason = ?,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = ?
		  AND status IN (?)
	`, domain.StatusCanceled, reason, jobID, from)
	if err != nil {
		return false, fmt.Errorf("failed to build cancel query: %w", err)
	}

	return s.guardedUpdate(ctx, s.db.Rebind(query), args...)
}

// guardedUpdate runs a conditional UPDATE and reports whether a row was
// actually changed, i.e. whether this caller's compare-and-set won.
func (s *Store) guardedUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}
