package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

// processJob runs a single delivered job end to end: claim, execute under a
// deadline with heartbeats, then record the outcome idempotently. The return
// value only drives the ACK/NACK decision; the job's fate lives in the store.
func (w *Worker) processJob(ctx context.Context, jd *jobDelivery) error {
	w.logger.Info("Processing job",
		slog.String("job_id", jd.JobID),
		slog.String("worker_id", w.workerID),
	)

	// Step 1: claim (SUBMITTED -> RUNNING). Losing the claim means another
	// worker took it, or the monitor/coordinator moved it first.
	job, err := w.storage.ClaimJob(ctx, jd.JobID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			return fmt.Errorf("job already claimed: %w", err)
		}
		// Database error, could be transient; requeue for a later attempt.
		return newRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	// Step 2: deadline context. The dispatch message carries the deadline
	// stamped at promotion time; fall back to the local budget if it is
	// missing or already past claiming.
	deadline := jd.Deadline
	if deadline.Before(time.Now()) {
		deadline = time.Now().Add(w.jobTimeout)
	}

	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Step 3: register for revocation. A revoke notice that raced ahead of
	// this delivery means the job is already CANCELED in the store; skip
	// execution, the terminal guard has nothing left to do.
	if !w.trackInflight(jd.Handle, cancel) {
		w.logger.Info("Job revoked before execution started",
			slog.String("job_id", job.ID),
			slog.String("handle", jd.Handle),
		)
		return nil
	}
	defer w.untrackInflight(jd.Handle)

	// Step 4: heartbeats keep the monitor from declaring the job stale.
	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.ID, heartbeatDone)
	defer close(heartbeatDone)

	// Step 5: execute via the per-type executor.
	executor := w.executors.Get(job.JobType)
	if executor == nil {
		msg := fmt.Sprintf("no executor registered for job type %s", job.JobType)
		w.recordFailure(ctx, job, msg)
		return nil
	}

	result, execErr := executor.Execute(jobCtx, job)

	// Step 6: record the outcome. Every write here is a compare-and-set
	// from RUNNING|STALE, so a job the coordinator cancelled or the monitor
	// timed out mid-execution keeps its terminal status.
	if execErr != nil {
		if jobCtx.Err() != nil && wasRevoked(jobCtx, jd, w) {
			// Interrupted by a revoke; the coordinator already wrote
			// CANCELED. Nothing to record.
			w.logger.Info("Job execution interrupted by revocation",
				slog.String("job_id", job.ID),
			)
			return nil
		}

		w.logger.Error("Job execution failed",
			slog.String("job_id", job.ID),
			slog.String("job_type", string(job.JobType)),
			slog.String("error", execErr.Error()),
		)
		w.recordFailure(ctx, job, execErr.Error())
		return nil
	}

	if result != nil && result.Deferred {
		// Parent stays RUNNING while its children execute; the last child's
		// group bookkeeping completes it.
		w.logger.Info("Job deferred pending group children",
			slog.String("job_id", job.ID),
		)
		return nil
	}

	resultRef := ""
	if result != nil {
		resultRef = result.ResultRef
	}

	applied, err := w.storage.Complete(ctx, job.ID, resultRef)
	if err != nil {
		w.logger.Error("Failed to record job completion",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return newRetryableError(fmt.Errorf("failed to record completion: %w", err))
	}

	if applied {
		w.logger.Info("Job completed",
			slog.String("job_id", job.ID),
			slog.String("job_type", string(job.JobType)),
		)
		w.recordGroupOutcome(ctx, job, false)
	}

	return nil
}

// wasRevoked reports whether the handle was revoked, distinguishing a revoke
// interruption from a plain deadline expiry.
func wasRevoked(_ context.Context, jd *jobDelivery, w *Worker) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.revoked[jd.Handle]
	return ok
}

// recordFailure writes the FAILED outcome and propagates group consequences.
func (w *Worker) recordFailure(ctx context.Context, job *domain.Job, errMsg string) {
	applied, err := w.storage.Fail(ctx, job.ID, errMsg)
	if err != nil {
		w.logger.Error("Failed to record job failure",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !applied {
		return
	}

	if job.IsGroupParent && job.GroupID != nil {
		// A failed parent resolves its whole group; the coordinator applies
		// the job type's cascade policy to the children.
		if _, err := w.coordinator.HandleParentFailure(ctx, job.ID, errMsg); err != nil {
			w.logger.Error("Failed to handle parent failure",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	w.recordGroupOutcome(ctx, job, true)
}

// recordGroupOutcome updates group counters after a child reached a terminal
// state and, when the last child resolves the group, completes the waiting
// parent.
func (w *Worker) recordGroupOutcome(ctx context.Context, job *domain.Job, failed bool) {
	if job.IsGroupParent || job.GroupID == nil {
		return
	}

	group, err := w.storage.RecordChildOutcome(ctx, *job.GroupID, failed)
	if err != nil {
		w.logger.Error("Failed to record child outcome",
			slog.String("job_id", job.ID),
			slog.String("group_id", *job.GroupID),
			slog.String("error", err.Error()),
		)
		return
	}

	if !group.Resolved() || group.Status.IsTerminal() {
		return
	}

	summary := fmt.Sprintf("%d completed, %d failed of %d children",
		group.CompletedChildren, group.FailedChildren, group.TotalChildren)

	status := domain.GroupStatusCompleted
	if group.CompletedChildren == 0 && group.FailedChildren > 0 {
		status = domain.GroupStatusFailed
	}

	applied, err := w.storage.ResolveGroup(ctx, *job.GroupID, status, summary)
	if err != nil {
		w.logger.Error("Failed to resolve group",
			slog.String("group_id", *job.GroupID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !applied {
		// Another child's worker resolved it concurrently.
		return
	}

	w.logger.Info("Group resolved",
		slog.String("group_id", *job.GroupID),
		slog.String("status", string(status)),
		slog.String("summary", summary),
	)

	// The parent has been RUNNING while its children executed; close it out
	// with the group summary as its result.
	parent, err := w.storage.GetGroupParent(ctx, *job.GroupID)
	if err != nil {
		w.logger.Error("Failed to load group parent",
			slog.String("group_id", *job.GroupID),
			slog.String("error", err.Error()),
		)
		return
	}

	if _, err := w.storage.Complete(ctx, parent.ID, summary); err != nil {
		w.logger.Error("Failed to complete group parent",
			slog.String("job_id", parent.ID),
			slog.String("error", err.Error()),
		)
	}
}

// sendJobHeartbeat periodically bumps the job's activity timestamp until the
// job finishes or the context ends.
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.storage.Touch(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
