package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/docrelay/extraction-service/internal/config"
	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

// fakeStore is an in-memory store implementing the per-service store
// interfaces with the same compare-and-set semantics as the real one.
type fakeStore struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	groups map[string]*domain.JobGroup

	avgExec    time.Duration
	failActive bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:   make(map[string]*domain.Job),
		groups: make(map[string]*domain.JobGroup),
	}
}

func (s *fakeStore) addJob(job *domain.Job) *domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return job
}

func (s *fakeStore) addGroup(group *domain.JobGroup) *domain.JobGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group.ID] = group
	return group
}

func (s *fakeStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *fakeStore) GetGroup(_ context.Context, groupID string) (*domain.JobGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return nil, domain.ErrGroupNotFound
	}
	copied := *group
	return &copied, nil
}

func (s *fakeStore) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *fakeStore) FindActiveByTarget(_ context.Context, targetRef string) (*domain.Job, error) {
	if s.failActive {
		return nil, fmt.Errorf("store down")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *domain.Job
	for _, job := range s.jobs {
		if job.TargetRef != targetRef || !job.Status.IsActive() {
			continue
		}
		if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
			newest = job
		}
	}
	if newest == nil {
		return nil, domain.ErrJobNotFound
	}
	copied := *newest
	return &copied, nil
}

func (s *fakeStore) FindLatestByTarget(_ context.Context, targetRef string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *domain.Job
	for _, job := range s.jobs {
		if job.TargetRef != targetRef {
			continue
		}
		if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
			newest = job
		}
	}
	if newest == nil {
		return nil, domain.ErrJobNotFound
	}
	copied := *newest
	return &copied, nil
}

func (s *fakeStore) CountInFlight(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if job.Status == domain.StatusSubmitted || job.Status == domain.StatusRunning {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) CountPending(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if job.Status == domain.StatusPending && !job.Inline {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) CountPendingAhead(_ context.Context, priority int, createdAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if job.Status != domain.StatusPending || job.Inline {
			continue
		}
		if job.Priority > priority || (job.Priority == priority && job.CreatedAt.Before(createdAt)) {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) AvgExecutionTime(_ context.Context, _ time.Time) (time.Duration, error) {
	return s.avgExec, nil
}

func (s *fakeStore) ListPendingForDispatch(_ context.Context, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []domain.Job
	for _, job := range s.jobs {
		if job.Status == domain.StatusPending && !job.Inline {
			pending = append(pending, *job)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *fakeStore) ListLiveJobs(_ context.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var live []domain.Job
	for _, job := range s.jobs {
		switch job.Status {
		case domain.StatusSubmitted, domain.StatusRunning, domain.StatusStale:
			live = append(live, *job)
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return live, nil
}

func (s *fakeStore) GroupHasActiveChildren(_ context.Context, groupID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.GroupID != nil && *job.GroupID == groupID && !job.IsGroupParent && job.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) ListChildren(_ context.Context, groupID string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var children []domain.Job
	for _, job := range s.jobs {
		if job.GroupID != nil && *job.GroupID == groupID && !job.IsGroupParent {
			children = append(children, *job)
		}
	}

	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	return children, nil
}

func (s *fakeStore) cas(jobID string, from []domain.Status, apply func(*domain.Job)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	for _, status := range from {
		if job.Status == status {
			apply(job)
			job.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) MarkSubmitted(_ context.Context, jobID, handle string) (bool, error) {
	now := time.Now()
	return s.cas(jobID, []domain.Status{domain.StatusPending}, func(job *domain.Job) {
		job.Status = domain.StatusSubmitted
		job.DispatchHandle = &handle
		job.SubmittedAt = &now
		job.LastActivityAt = &now
	})
}

func (s *fakeStore) MarkFailed(_ context.Context, jobID, errMsg string) (bool, error) {
	now := time.Now()
	return s.cas(jobID, domain.ActiveStatuses, func(job *domain.Job) {
		job.Status = domain.StatusFailed
		job.ErrorMessage = errMsg
		job.CompletedAt = &now
	})
}

func (s *fakeStore) MarkStale(_ context.Context, jobID string, inactiveFor time.Duration) (bool, error) {
	return s.cas(jobID, []domain.Status{domain.StatusSubmitted, domain.StatusRunning}, func(job *domain.Job) {
		job.Status = domain.StatusStale
		job.Reason = fmt.Sprintf("stale: inactive for %s", inactiveFor.Round(time.Second))
	})
}

func (s *fakeStore) RecoverStale(_ context.Context, jobID string) (bool, error) {
	return s.cas(jobID, []domain.Status{domain.StatusStale}, func(job *domain.Job) {
		job.Status = domain.StatusRunning
		job.Reason = ""
	})
}

func (s *fakeStore) MarkTimedOut(_ context.Context, jobID, errMsg string) (bool, error) {
	now := time.Now()
	return s.cas(jobID, []domain.Status{domain.StatusSubmitted, domain.StatusRunning, domain.StatusStale}, func(job *domain.Job) {
		job.Status = domain.StatusTimedOut
		job.ErrorMessage = errMsg
		job.CompletedAt = &now
	})
}

func (s *fakeStore) MarkCancelled(_ context.Context, jobID, reason string, from []domain.Status) (bool, error) {
	now := time.Now()
	return s.cas(jobID, from, func(job *domain.Job) {
		job.Status = domain.StatusCanceled
		job.Reason = reason
		job.CompletedAt = &now
	})
}

func (s *fakeStore) ResolveGroup(_ context.Context, groupID string, status domain.GroupStatus, summary string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[groupID]
	if !ok || group.Status != domain.GroupStatusActive {
		return false, nil
	}
	group.Status = status
	group.Summary = summary
	group.UpdatedAt = time.Now()
	return true, nil
}

func (s *fakeStore) status(jobID string) domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID].Status
}

// fakeDispatcher records enqueued jobs and revoked handles.
type fakeDispatcher struct {
	mu          sync.Mutex
	enqueued    []string
	revoked     []string
	failEnqueue bool
}

func (d *fakeDispatcher) Enqueue(_ context.Context, job *domain.Job) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failEnqueue {
		return "", fmt.Errorf("broker unavailable")
	}
	d.enqueued = append(d.enqueued, job.ID)
	return "handle-" + job.ID, nil
}

func (d *fakeDispatcher) Revoke(_ context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revoked = append(d.revoked, handle)
	return nil
}

// fakeNotifier counts resource notifications.
type fakeNotifier struct {
	mu        sync.Mutex
	timedOut  []string
	cancelled []string
}

func (n *fakeNotifier) JobTimedOut(_ context.Context, job *domain.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timedOut = append(n.timedOut, job.ID)
}

func (n *fakeNotifier) JobCancelled(_ context.Context, job *domain.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, job.ID)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTunables() *Tunables {
	return NewTunables(
		config.QueueConfig{
			MaxConcurrent:    3,
			ProcessInterval:  time.Second,
			Cooldown:         30 * time.Second,
			ExecutionBudget:  10 * time.Minute,
			DeadlineBuffer:   time.Minute,
			AvgExecutionTime: 90 * time.Second,
		},
		config.MonitorConfig{
			SweepInterval:    30 * time.Second,
			StaleThreshold:   2 * time.Minute,
			TimeoutThreshold: 5 * time.Minute,
		},
	)
}

func strPtr(s string) *string { return &s }
