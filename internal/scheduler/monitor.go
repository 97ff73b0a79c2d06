package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

// MonitorStore is the slice of the job store the timeout monitor needs.
type MonitorStore interface {
	// ListLiveJobs returns all SUBMITTED, RUNNING and STALE jobs.
	ListLiveJobs(ctx context.Context) ([]domain.Job, error)
	// GroupHasActiveChildren reports whether any non-parent child of the
	// group is still in a non-terminal state.
	GroupHasActiveChildren(ctx context.Context, groupID string) (bool, error)
	// MarkStale is the SUBMITTED|RUNNING -> STALE compare-and-set.
	MarkStale(ctx context.Context, jobID string, inactiveFor time.Duration) (bool, error)
	// MarkTimedOut is the SUBMITTED|RUNNING|STALE -> TIMED_OUT compare-and-set.
	MarkTimedOut(ctx context.Context, jobID, errMsg string) (bool, error)
	// RecoverStale is the STALE -> RUNNING compare-and-set taken when a
	// heartbeat resumes.
	RecoverStale(ctx context.Context, jobID string) (bool, error)
}

// ResourceNotifier propagates terminal outcomes to the business resources
// linked to a job (source asset, execution-result record). The real stores
// live outside this subsystem; the default implementation only logs.
type ResourceNotifier interface {
	JobTimedOut(ctx context.Context, job *domain.Job)
	JobCancelled(ctx context.Context, job *domain.Job)
}

// LogNotifier is the default ResourceNotifier.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) JobTimedOut(_ context.Context, job *domain.Job) {
	n.Logger.Warn("Linked resources marked failed after timeout",
		slog.String("job_id", job.ID),
		slog.String("target_ref", job.TargetRef),
	)
}

func (n *LogNotifier) JobCancelled(_ context.Context, job *domain.Job) {
	n.Logger.Info("Linked result record marked cancelled",
		slog.String("job_id", job.ID),
		slog.String("target_ref", job.TargetRef),
	)
}

// SweepStats summarizes one monitor sweep.
type SweepStats struct {
	Checked     int
	MarkedStale int
	TimedOut    int
	Recovered   int
}

// TimeoutMonitor implements two-phase liveness detection: a job whose
// heartbeat goes quiet is first marked STALE (recoverable), and only after
// continued silence past the longer threshold TIMED_OUT (terminal). A crashed
// worker and a slow one look identical until enough time passes; two phases
// keep slow-but-alive work off the kill list.
type TimeoutMonitor struct {
	store    MonitorStore
	notifier ResourceNotifier
	tunables *Tunables
	bus      *Bus
	logger   *slog.Logger
	now      func() time.Time
}

// NewTimeoutMonitor constructs the monitor service.
func NewTimeoutMonitor(store MonitorStore, notifier ResourceNotifier, tunables *Tunables, bus *Bus, logger *slog.Logger) *TimeoutMonitor {
	return &TimeoutMonitor{
		store:    store,
		notifier: notifier,
		tunables: tunables,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// Sweep examines every live job once. Idempotent: re-running it immediately
// produces no further transitions, and a job may bounce RUNNING <-> STALE
// any number of times before recovering or timing out.
func (m *TimeoutMonitor) Sweep(ctx context.Context) (*SweepStats, error) {
	cfg := m.tunables.Monitor()

	jobs, err := m.store.ListLiveJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list live jobs: %w", err)
	}

	stats := &SweepStats{}
	for i := range jobs {
		job := &jobs[i]
		stats.Checked++

		anchor, ok := job.ActivityAnchor()
		if !ok {
			continue
		}
		inactive := m.now().Sub(anchor)

		// Recovery first: a resumed heartbeat clears STALE no matter what.
		if job.Status == domain.StatusStale && inactive < cfg.StaleThreshold {
			m.recover(ctx, job, stats)
			continue
		}

		// A parent legitimately waits on its children; don't penalize it for
		// their runtime.
		if job.IsGroupParent && job.GroupID != nil {
			activeChildren, err := m.store.GroupHasActiveChildren(ctx, *job.GroupID)
			if err != nil {
				m.logger.Error("Failed to check group children",
					slog.String("job_id", job.ID),
					slog.Any("error", err),
				)
				continue
			}
			if activeChildren {
				continue
			}
		}

		switch {
		case inactive >= cfg.TimeoutThreshold:
			m.timeout(ctx, job, inactive, stats)
		case job.Status != domain.StatusStale && inactive >= cfg.StaleThreshold:
			m.markStale(ctx, job, inactive, stats)
		}
	}

	if stats.MarkedStale > 0 || stats.TimedOut > 0 || stats.Recovered > 0 {
		m.logger.Info("Liveness sweep finished",
			slog.Int("checked", stats.Checked),
			slog.Int("stale", stats.MarkedStale),
			slog.Int("timed_out", stats.TimedOut),
			slog.Int("recovered", stats.Recovered),
		)
	}

	return stats, nil
}

func (m *TimeoutMonitor) markStale(ctx context.Context, job *domain.Job, inactive time.Duration, stats *SweepStats) {
	applied, err := m.store.MarkStale(ctx, job.ID, inactive)
	if err != nil {
		m.logger.Error("Failed to mark job stale",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}
	if !applied {
		return
	}

	stats.MarkedStale++
	m.bus.Publish(Event{
		Kind:   EventJobTransitioned,
		JobID:  job.ID,
		From:   job.Status,
		To:     domain.StatusStale,
		Reason: fmt.Sprintf("no heartbeat for %s", inactive.Round(time.Second)),
	})
}

func (m *TimeoutMonitor) timeout(ctx context.Context, job *domain.Job, inactive time.Duration, stats *SweepStats) {
	errMsg := fmt.Sprintf("worker went silent: no heartbeat for %s", inactive.Round(time.Second))

	applied, err := m.store.MarkTimedOut(ctx, job.ID, errMsg)
	if err != nil {
		m.logger.Error("Failed to time out job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}
	if !applied {
		return
	}

	stats.TimedOut++
	m.notifier.JobTimedOut(ctx, job)
	m.bus.Publish(Event{
		Kind:   EventJobTransitioned,
		JobID:  job.ID,
		From:   job.Status,
		To:     domain.StatusTimedOut,
		Reason: errMsg,
	})
}

func (m *TimeoutMonitor) recover(ctx context.Context, job *domain.Job, stats *SweepStats) {
	applied, err := m.store.RecoverStale(ctx, job.ID)
	if err != nil {
		m.logger.Error("Failed to recover stale job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}
	if !applied {
		return
	}

	stats.Recovered++
	m.bus.Publish(Event{
		Kind:   EventJobTransitioned,
		JobID:  job.ID,
		From:   domain.StatusStale,
		To:     domain.StatusRunning,
		Reason: "heartbeat resumed",
	})
}
