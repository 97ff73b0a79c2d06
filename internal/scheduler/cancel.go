package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docrelay/extraction-service/internal/dispatch"
	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

// CancelStore is the slice of the job store the coordinator needs.
type CancelStore interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetGroup(ctx context.Context, groupID string) (*domain.JobGroup, error)
	// ListChildren returns every non-parent job in the group.
	ListChildren(ctx context.Context, groupID string) ([]domain.Job, error)
	// MarkCancelled moves the job to CANCELED if its current status is in
	// the from set. Reports whether the transition was applied.
	MarkCancelled(ctx context.Context, jobID, reason string, from []domain.Status) (bool, error)
	// ResolveGroup is the ACTIVE -> terminal compare-and-set on the group.
	ResolveGroup(ctx context.Context, groupID string, status domain.GroupStatus, summary string) (bool, error)
}

// CancelResult summarizes one cancellation or parent-failure cascade.
type CancelResult struct {
	CancelledCount int
	SkippedCount   int
	FailedCount    int
}

// CancellationCoordinator cancels jobs and cascades through job trees
// according to each job type's declared policy.
type CancellationCoordinator struct {
	store      CancelStore
	dispatcher dispatch.Dispatcher
	notifier   ResourceNotifier
	bus        *Bus
	logger     *slog.Logger
}

// NewCancellationCoordinator constructs the coordinator.
func NewCancellationCoordinator(store CancelStore, dispatcher dispatch.Dispatcher, notifier ResourceNotifier, bus *Bus, logger *slog.Logger) *CancellationCoordinator {
	return &CancellationCoordinator{
		store:      store,
		dispatcher: dispatcher,
		notifier:   notifier,
		bus:        bus,
		logger:     logger,
	}
}

// cascadeFrom returns the child statuses eligible for cancellation under the
// given cascade mode.
func cascadeFrom(mode domain.CascadeMode) []domain.Status {
	if mode == domain.CascadeAll {
		return []domain.Status{domain.StatusPending, domain.StatusSubmitted, domain.StatusRunning, domain.StatusStale}
	}
	return []domain.Status{domain.StatusPending, domain.StatusSubmitted}
}

func statusIn(status domain.Status, set []domain.Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// CancelJob cancels one job and, if it is a group parent, its children per
// the job type's cascade mode. Rejections (terminal job, non-cancellable
// type) come back as sentinel errors the caller can branch on.
func (c *CancellationCoordinator) CancelJob(ctx context.Context, jobID, reason string) (*CancelResult, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status.IsTerminal() {
		return nil, domain.ErrAlreadyTerminal
	}

	policy := domain.PolicyFor(job.JobType)
	if !policy.Cancellable {
		return nil, domain.ErrNotCancellable
	}

	result := &CancelResult{}

	if job.IsGroupParent && job.GroupID != nil {
		c.cascadeCancel(ctx, *job.GroupID, policy.Cascade, reason, result)

		summary := fmt.Sprintf("parent cancelled: %s (%d children cancelled, %d skipped)", reason, result.CancelledCount, result.SkippedCount)
		if _, err := c.store.ResolveGroup(ctx, *job.GroupID, domain.GroupStatusCanceled, summary); err != nil {
			c.logger.Error("Failed to resolve group",
				slog.String("group_id", *job.GroupID),
				slog.Any("error", err),
			)
		} else {
			c.bus.Publish(Event{
				Kind:        EventGroupResolved,
				GroupID:     *job.GroupID,
				GroupStatus: domain.GroupStatusCanceled,
				Reason:      reason,
			})
		}
	}

	if c.cancelOne(ctx, job, reason) {
		result.CancelledCount++
	} else {
		result.SkippedCount++
	}

	// The owning asset keeps its status so the extraction can be retried;
	// only the in-flight result record is marked cancelled.
	c.notifier.JobCancelled(ctx, job)

	return result, nil
}

// HandleParentFailure tears down the group of a parent job that failed on
// its own (not user-cancelled). Marking the group FAILED is what stops any
// post-completion triggers from firing; running children are additionally
// cancelled only for all-cascade job types.
func (c *CancellationCoordinator) HandleParentFailure(ctx context.Context, jobID, errMsg string) (*CancelResult, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !job.IsGroupParent || job.GroupID == nil {
		return &CancelResult{}, nil
	}

	summary := fmt.Sprintf("parent failed: %s", errMsg)
	if _, err := c.store.ResolveGroup(ctx, *job.GroupID, domain.GroupStatusFailed, summary); err != nil {
		return nil, fmt.Errorf("failed to mark group failed: %w", err)
	}

	c.bus.Publish(Event{
		Kind:        EventGroupResolved,
		GroupID:     *job.GroupID,
		GroupStatus: domain.GroupStatusFailed,
		Reason:      summary,
	})

	result := &CancelResult{}
	if domain.PolicyFor(job.JobType).Cascade == domain.CascadeAll {
		// A failed pipeline must not leave partially-applied children
		// running.
		c.cascadeCancel(ctx, *job.GroupID, domain.CascadeAll, summary, result)
	}

	return result, nil
}

// ShouldSpawnChildren reports whether new children may still be added to the
// group. Producers must consult this before spawning: it flips to false the
// moment the group is failed or cancelled.
func (c *CancellationCoordinator) ShouldSpawnChildren(ctx context.Context, groupID string) (bool, error) {
	group, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		return false, err
	}
	return !group.Status.IsTerminal(), nil
}

// cascadeCancel cancels every eligible child. A failure on one child is
// logged and counted but never aborts the cascade for its siblings.
func (c *CancellationCoordinator) cascadeCancel(ctx context.Context, groupID string, mode domain.CascadeMode, reason string, result *CancelResult) {
	children, err := c.store.ListChildren(ctx, groupID)
	if err != nil {
		c.logger.Error("Failed to list group children",
			slog.String("group_id", groupID),
			slog.Any("error", err),
		)
		result.FailedCount++
		return
	}

	eligible := cascadeFrom(mode)
	for i := range children {
		child := &children[i]

		if !statusIn(child.Status, eligible) {
			result.SkippedCount++
			continue
		}

		applied, err := c.store.MarkCancelled(ctx, child.ID, reason, eligible)
		if err != nil {
			c.logger.Error("Failed to cancel child job",
				slog.String("job_id", child.ID),
				slog.Any("error", err),
			)
			result.FailedCount++
			continue
		}
		if !applied {
			result.SkippedCount++
			continue
		}

		result.CancelledCount++
		c.revokeIfDispatched(ctx, child)
		c.bus.Publish(Event{
			Kind:   EventJobTransitioned,
			JobID:  child.ID,
			From:   child.Status,
			To:     domain.StatusCanceled,
			Reason: reason,
		})
	}
}

// cancelOne cancels a single job and revokes its dispatch handle if it had
// already been handed to the worker pool.
func (c *CancellationCoordinator) cancelOne(ctx context.Context, job *domain.Job, reason string) bool {
	applied, err := c.store.MarkCancelled(ctx, job.ID, reason, domain.ActiveStatuses)
	if err != nil {
		c.logger.Error("Failed to cancel job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return false
	}
	if !applied {
		return false
	}

	c.revokeIfDispatched(ctx, job)
	c.bus.Publish(Event{
		Kind:   EventJobTransitioned,
		JobID:  job.ID,
		From:   job.Status,
		To:     domain.StatusCanceled,
		Reason: reason,
	})

	return true
}

func (c *CancellationCoordinator) revokeIfDispatched(ctx context.Context, job *domain.Job) {
	if job.DispatchHandle == nil || job.Status == domain.StatusPending {
		return
	}

	// Best effort: the worker may already be past a safe cancellation
	// point. The terminal CANCELED status wins regardless; a late success
	// report is absorbed by the idempotent terminal guard.
	if err := c.dispatcher.Revoke(ctx, *job.DispatchHandle); err != nil {
		c.logger.Warn("Revoke failed",
			slog.String("job_id", job.ID),
			slog.String("handle", *job.DispatchHandle),
			slog.Any("error", err),
		)
	}
}
