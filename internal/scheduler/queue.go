// Package scheduler owns admission control, liveness detection and
// cancellation for extraction jobs. All cross-process coordination goes
// through the persistent store; every status transition is a guarded
// compare-and-set so two scheduler instances can run side by side.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docrelay/extraction-service/internal/dispatch"
	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

// AdmissionStatus is the synchronous outcome of a Queue call.
type AdmissionStatus string

const (
	AdmissionQueued            AdmissionStatus = "queued"
	AdmissionAlreadyPending    AdmissionStatus = "already_pending"
	AdmissionPreviousCompleted AdmissionStatus = "previous_completed"
	AdmissionCooldownActive    AdmissionStatus = "cooldown_active"
)

// QueueStore is the slice of the job store the queue needs.
type QueueStore interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetGroup(ctx context.Context, groupID string) (*domain.JobGroup, error)
	CreateJob(ctx context.Context, job *domain.Job) error
	// FindActiveByTarget returns the newest non-terminal job for the target,
	// or domain.ErrJobNotFound.
	FindActiveByTarget(ctx context.Context, targetRef string) (*domain.Job, error)
	// FindLatestByTarget returns the newest job for the target regardless of
	// status, or domain.ErrJobNotFound.
	FindLatestByTarget(ctx context.Context, targetRef string) (*domain.Job, error)
	// CountInFlight counts SUBMITTED and RUNNING jobs.
	CountInFlight(ctx context.Context) (int, error)
	// ListPendingForDispatch returns up to limit PENDING jobs ordered by
	// (priority DESC, created_at ASC), excluding inline jobs.
	ListPendingForDispatch(ctx context.Context, limit int) ([]domain.Job, error)
	// MarkSubmitted is the PENDING -> SUBMITTED compare-and-set. Reports
	// whether this caller won the transition.
	MarkSubmitted(ctx context.Context, jobID, handle string) (bool, error)
	// MarkFailed moves a non-terminal job to FAILED. No-op on terminal jobs.
	MarkFailed(ctx context.Context, jobID, errMsg string) (bool, error)
	CountPending(ctx context.Context) (int, error)
	// CountPendingAhead counts pending jobs that would be promoted before a
	// job with the given priority and creation time.
	CountPendingAhead(ctx context.Context, priority int, createdAt time.Time) (int, error)
	// AvgExecutionTime averages started->completed over jobs finished since
	// the given time. Returns 0 when no sample exists.
	AvgExecutionTime(ctx context.Context, since time.Time) (time.Duration, error)
}

// JobRequest is a request to admit one job.
type JobRequest struct {
	TargetRef       string
	JobType         domain.JobType
	PayloadRef      string
	Priority        *int
	GroupID         *string
	IsGroupParent   bool
	SpawnedByParent bool
	// Inline records work the caller already performed synchronously; the
	// job is persisted terminal and never enters promotion.
	Inline bool
	Reason string
}

// AdmissionResult pairs the effective job with the admission outcome.
type AdmissionResult struct {
	Job    *domain.Job
	Status AdmissionStatus
}

// ProcessStats summarizes one promotion cycle.
type ProcessStats struct {
	Available int
	Submitted int
	Skipped   int
}

// QueuePosition describes where a pending job sits in the promotion order.
type QueuePosition struct {
	Position      int
	TotalPending  int
	EstimatedWait time.Duration
}

// ExtractionQueue is the admission-control layer between "extraction
// requested" and "extraction dispatched to the worker pool".
type ExtractionQueue struct {
	store      QueueStore
	dispatcher dispatch.Dispatcher
	tunables   *Tunables
	bus        *Bus
	logger     *slog.Logger
	now        func() time.Time
}

// NewExtractionQueue constructs the queue service.
func NewExtractionQueue(store QueueStore, dispatcher dispatch.Dispatcher, tunables *Tunables, bus *Bus, logger *slog.Logger) *ExtractionQueue {
	return &ExtractionQueue{
		store:      store,
		dispatcher: dispatcher,
		tunables:   tunables,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
	}
}

// Queue admits a job request: duplicate suppression first, then the cooldown
// window, then persistence as PENDING. Admission rejections are results, not
// errors; the error return is for store failures only.
func (q *ExtractionQueue) Queue(ctx context.Context, req JobRequest) (*AdmissionResult, error) {
	if req.GroupID != nil {
		group, err := q.store.GetGroup(ctx, *req.GroupID)
		if err != nil {
			return nil, fmt.Errorf("failed to load group %s: %w", *req.GroupID, err)
		}
		if group.Status.IsTerminal() {
			return nil, domain.ErrGroupTerminal
		}
	}

	active, err := q.store.FindActiveByTarget(ctx, req.TargetRef)
	if err == nil {
		return &AdmissionResult{Job: active, Status: AdmissionAlreadyPending}, nil
	}
	if !errors.Is(err, domain.ErrJobNotFound) {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	}

	cooldown := q.tunables.Queue().Cooldown
	latest, err := q.store.FindLatestByTarget(ctx, req.TargetRef)
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		return nil, fmt.Errorf("cooldown check failed: %w", err)
	}
	if err == nil && latest.Status.IsTerminal() && latest.CompletedAt != nil {
		if q.now().Sub(*latest.CompletedAt) < cooldown {
			if latest.Status == domain.StatusCompleted {
				return &AdmissionResult{Job: latest, Status: AdmissionPreviousCompleted}, nil
			}
			return &AdmissionResult{Job: latest, Status: AdmissionCooldownActive}, nil
		}
	}

	priority, err := q.resolvePriority(ctx, req)
	if err != nil {
		return nil, err
	}

	now := q.now()
	status := domain.StatusPending
	var completedAt *time.Time
	if req.Inline {
		// Inline jobs bypass the queue entirely: the work already ran
		// synchronously and this record is bookkeeping only.
		status = domain.StatusCompleted
		completedAt = &now
	}

	job := &domain.Job{
		ID:              uuid.New().String(),
		JobType:         req.JobType,
		Status:          status,
		Priority:        priority,
		TargetRef:       req.TargetRef,
		PayloadRef:      req.PayloadRef,
		GroupID:         req.GroupID,
		IsGroupParent:   req.IsGroupParent,
		SpawnedByParent: req.SpawnedByParent,
		Inline:          req.Inline,
		Reason:          req.Reason,
		CreatedAt:       now,
		CompletedAt:     completedAt,
		UpdatedAt:       now,
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	q.bus.Publish(Event{
		Kind:   EventJobTransitioned,
		JobID:  job.ID,
		To:     status,
		Reason: req.Reason,
	})

	return &AdmissionResult{Job: job, Status: AdmissionQueued}, nil
}

// resolvePriority applies the priority rules: explicit caller priority wins,
// then the parent group's job type, then the request's own type.
func (q *ExtractionQueue) resolvePriority(ctx context.Context, req JobRequest) (int, error) {
	if req.Priority != nil {
		return *req.Priority, nil
	}

	if req.GroupID != nil {
		group, err := q.store.GetGroup(ctx, *req.GroupID)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve group priority: %w", err)
		}
		return domain.DefaultPriority(group.JobType), nil
	}

	return domain.DefaultPriority(req.JobType), nil
}

// ProcessQueue promotes pending jobs up to available capacity. Called on a
// fixed interval by the scheduler service; safe to run concurrently with
// another instance because MarkSubmitted is a compare-and-set.
func (q *ExtractionQueue) ProcessQueue(ctx context.Context) (*ProcessStats, error) {
	cfg := q.tunables.Queue()

	inFlight, err := q.store.CountInFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count in-flight jobs: %w", err)
	}

	available := cfg.MaxConcurrent - inFlight
	if available <= 0 {
		return &ProcessStats{}, nil
	}

	pending, err := q.store.ListPendingForDispatch(ctx, available)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	stats := &ProcessStats{Available: available}
	for i := range pending {
		job := &pending[i]

		handle, err := q.dispatcher.Enqueue(ctx, job)
		if err != nil {
			// No retry at this layer; retry policy belongs to whatever
			// produced the job.
			q.logger.Error("Dispatcher enqueue failed, failing job",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			if _, markErr := q.store.MarkFailed(ctx, job.ID, fmt.Sprintf("dispatch enqueue failed: %v", err)); markErr != nil {
				q.logger.Error("Failed to mark job failed",
					slog.String("job_id", job.ID),
					slog.Any("error", markErr),
				)
			} else {
				q.bus.Publish(Event{
					Kind:   EventJobTransitioned,
					JobID:  job.ID,
					From:   domain.StatusPending,
					To:     domain.StatusFailed,
					Reason: "dispatch enqueue failed",
				})
			}
			stats.Skipped++
			continue
		}

		applied, err := q.store.MarkSubmitted(ctx, job.ID, handle)
		if err != nil {
			return stats, fmt.Errorf("failed to mark job %s submitted: %w", job.ID, err)
		}
		if !applied {
			// A concurrent scheduler instance won the promotion; the
			// duplicate delivery is absorbed by the worker's claim CAS.
			q.logger.Warn("Lost promotion race",
				slog.String("job_id", job.ID),
			)
			stats.Skipped++
			continue
		}

		q.bus.Publish(Event{
			Kind:  EventJobTransitioned,
			JobID: job.ID,
			From:  domain.StatusPending,
			To:    domain.StatusSubmitted,
		})
		stats.Submitted++
	}

	if stats.Submitted > 0 || stats.Skipped > 0 {
		q.logger.Info("Queue processed",
			slog.Int("available", stats.Available),
			slog.Int("submitted", stats.Submitted),
			slog.Int("skipped", stats.Skipped),
		)
	}

	return stats, nil
}

// Position reports where a still-pending job sits under the promotion
// ordering, and a rough wait estimate.
func (q *ExtractionQueue) Position(ctx context.Context, jobID string) (*QueuePosition, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	total, err := q.store.CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending jobs: %w", err)
	}

	if job.Status != domain.StatusPending {
		return &QueuePosition{TotalPending: total}, nil
	}

	ahead, err := q.store.CountPendingAhead(ctx, job.Priority, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs ahead: %w", err)
	}

	cfg := q.tunables.Queue()
	avg, err := q.store.AvgExecutionTime(ctx, q.now().Add(-time.Hour))
	if err != nil || avg <= 0 {
		avg = cfg.AvgExecutionTime
	}

	position := ahead + 1
	return &QueuePosition{
		Position:      position,
		TotalPending:  total,
		EstimatedWait: time.Duration(position) * avg / time.Duration(cfg.MaxConcurrent),
	}, nil
}

// Deadline computes the execution deadline stamped onto dispatched jobs.
func (q *ExtractionQueue) Deadline(job *domain.Job) time.Time {
	cfg := q.tunables.Queue()
	return q.now().Add(cfg.ExecutionBudget + cfg.DeadlineBuffer)
}
