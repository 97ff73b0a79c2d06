package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

func newTestQueue(store *fakeStore, dispatcher *fakeDispatcher) *ExtractionQueue {
	return NewExtractionQueue(store, dispatcher, testTunables(), NewBus(), testLogger())
}

func TestQueueAdmission(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		seed     func(store *fakeStore)
		req      JobRequest
		expected AdmissionStatus
	}{
		{
			name:     "fresh target is queued",
			seed:     func(store *fakeStore) {},
			req:      JobRequest{TargetRef: "doc-1", JobType: domain.JobTypeExtraction},
			expected: AdmissionQueued,
		},
		{
			name: "active job for target suppresses duplicate",
			seed: func(store *fakeStore) {
				store.addJob(&domain.Job{
					ID: "existing", TargetRef: "doc-1", JobType: domain.JobTypeExtraction,
					Status: domain.StatusRunning, CreatedAt: now.Add(-time.Minute),
				})
			},
			req:      JobRequest{TargetRef: "doc-1", JobType: domain.JobTypeExtraction},
			expected: AdmissionAlreadyPending,
		},
		{
			name: "recent success returns previous job",
			seed: func(store *fakeStore) {
				completedAt := now.Add(-10 * time.Second)
				store.addJob(&domain.Job{
					ID: "done", TargetRef: "doc-1", JobType: domain.JobTypeExtraction,
					Status: domain.StatusCompleted, CreatedAt: now.Add(-time.Minute),
					CompletedAt: &completedAt,
				})
			},
			req:      JobRequest{TargetRef: "doc-1", JobType: domain.JobTypeExtraction},
			expected: AdmissionPreviousCompleted,
		},
		{
			name: "recent failure blocks resubmission",
			seed: func(store *fakeStore) {
				completedAt := now.Add(-10 * time.Second)
				store.addJob(&domain.Job{
					ID: "failed", TargetRef: "doc-1", JobType: domain.JobTypeExtraction,
					Status: domain.StatusFailed, CreatedAt: now.Add(-time.Minute),
					CompletedAt: &completedAt,
				})
			},
			req:      JobRequest{TargetRef: "doc-1", JobType: domain.JobTypeExtraction},
			expected: AdmissionCooldownActive,
		},
		{
			name: "cooldown expired admits new job",
			seed: func(store *fakeStore) {
				completedAt := now.Add(-time.Minute)
				store.addJob(&domain.Job{
					ID: "old", TargetRef: "doc-1", JobType: domain.JobTypeExtraction,
					Status: domain.StatusFailed, CreatedAt: now.Add(-2 * time.Minute),
					CompletedAt: &completedAt,
				})
			},
			req:      JobRequest{TargetRef: "doc-1", JobType: domain.JobTypeExtraction},
			expected: AdmissionQueued,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			tt.seed(store)
			queue := newTestQueue(store, &fakeDispatcher{})

			result, err := queue.Queue(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result.Status)
			require.NotNil(t, result.Job)
		})
	}
}

func TestQueueDefaultPriorities(t *testing.T) {
	tests := []struct {
		jobType  domain.JobType
		priority int
	}{
		{domain.JobTypeSourceSync, domain.PrioritySourceSync},
		{domain.JobTypeCrawl, domain.PriorityScrape},
		{domain.JobTypePipeline, domain.PriorityPipeline},
		{domain.JobTypeExtraction, domain.PriorityUser},
	}

	for _, tt := range tests {
		t.Run(string(tt.jobType), func(t *testing.T) {
			store := newFakeStore()
			queue := newTestQueue(store, &fakeDispatcher{})

			result, err := queue.Queue(context.Background(), JobRequest{
				TargetRef: "target-" + string(tt.jobType),
				JobType:   tt.jobType,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.priority, result.Job.Priority)
		})
	}
}

func TestQueueExplicitPriorityWins(t *testing.T) {
	store := newFakeStore()
	queue := newTestQueue(store, &fakeDispatcher{})

	boost := domain.PriorityBoosted
	result, err := queue.Queue(context.Background(), JobRequest{
		TargetRef: "doc-1",
		JobType:   domain.JobTypeSourceSync,
		Priority:  &boost,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityBoosted, result.Job.Priority)
}

func TestQueueChildInheritsGroupTypePriority(t *testing.T) {
	store := newFakeStore()
	store.addGroup(&domain.JobGroup{
		ID: "grp", JobType: domain.JobTypeCrawl, Status: domain.GroupStatusActive,
	})
	queue := newTestQueue(store, &fakeDispatcher{})

	result, err := queue.Queue(context.Background(), JobRequest{
		TargetRef:       "page-1",
		JobType:         domain.JobTypeExtraction,
		GroupID:         strPtr("grp"),
		SpawnedByParent: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityScrape, result.Job.Priority)
}

func TestQueueRejectsTerminalGroup(t *testing.T) {
	store := newFakeStore()
	store.addGroup(&domain.JobGroup{
		ID: "grp", JobType: domain.JobTypeCrawl, Status: domain.GroupStatusCanceled,
	})
	queue := newTestQueue(store, &fakeDispatcher{})

	_, err := queue.Queue(context.Background(), JobRequest{
		TargetRef: "page-1",
		JobType:   domain.JobTypeExtraction,
		GroupID:   strPtr("grp"),
	})
	assert.ErrorIs(t, err, domain.ErrGroupTerminal)
}

func TestQueueInlineJobCompletesImmediately(t *testing.T) {
	store := newFakeStore()
	queue := newTestQueue(store, &fakeDispatcher{})

	result, err := queue.Queue(context.Background(), JobRequest{
		TargetRef: "doc-1",
		JobType:   domain.JobTypeExtraction,
		Inline:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, AdmissionQueued, result.Status)
	assert.Equal(t, domain.StatusCompleted, result.Job.Status)
	require.NotNil(t, result.Job.CompletedAt)

	// Inline jobs never enter promotion.
	stats, err := queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Submitted)
}

func TestProcessQueueRespectsCapacity(t *testing.T) {
	store := newFakeStore()
	now := time.Now()

	// Two in flight against max_concurrent=3 leaves one slot.
	store.addJob(&domain.Job{ID: "run-1", TargetRef: "a", Status: domain.StatusRunning, CreatedAt: now})
	store.addJob(&domain.Job{ID: "sub-1", TargetRef: "b", Status: domain.StatusSubmitted, CreatedAt: now})

	store.addJob(&domain.Job{ID: "pend-low", TargetRef: "c", Status: domain.StatusPending, Priority: 1, CreatedAt: now.Add(-2 * time.Minute)})
	store.addJob(&domain.Job{ID: "pend-high", TargetRef: "d", Status: domain.StatusPending, Priority: 3, CreatedAt: now.Add(-time.Minute)})

	dispatcher := &fakeDispatcher{}
	queue := newTestQueue(store, dispatcher)

	stats, err := queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, 1, stats.Submitted)

	// Highest priority goes first regardless of age.
	require.Len(t, dispatcher.enqueued, 1)
	assert.Equal(t, "pend-high", dispatcher.enqueued[0])
	assert.Equal(t, domain.StatusSubmitted, store.status("pend-high"))
	assert.Equal(t, domain.StatusPending, store.status("pend-low"))
}

func TestProcessQueueFIFOWithinPriority(t *testing.T) {
	store := newFakeStore()
	now := time.Now()

	store.addJob(&domain.Job{ID: "second", TargetRef: "a", Status: domain.StatusPending, Priority: 2, CreatedAt: now})
	store.addJob(&domain.Job{ID: "first", TargetRef: "b", Status: domain.StatusPending, Priority: 2, CreatedAt: now.Add(-time.Minute)})

	dispatcher := &fakeDispatcher{}
	queue := newTestQueue(store, dispatcher)

	stats, err := queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Submitted)
	assert.Equal(t, []string{"first", "second"}, dispatcher.enqueued)
}

func TestProcessQueueNoCapacity(t *testing.T) {
	store := newFakeStore()
	now := time.Now()

	for _, id := range []string{"r1", "r2", "r3"} {
		store.addJob(&domain.Job{ID: id, TargetRef: id, Status: domain.StatusRunning, CreatedAt: now})
	}
	store.addJob(&domain.Job{ID: "waiting", TargetRef: "w", Status: domain.StatusPending, CreatedAt: now})

	dispatcher := &fakeDispatcher{}
	queue := newTestQueue(store, dispatcher)

	stats, err := queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Submitted)
	assert.Empty(t, dispatcher.enqueued)
	assert.Equal(t, domain.StatusPending, store.status("waiting"))
}

func TestProcessQueueDispatchFailureFailsJob(t *testing.T) {
	store := newFakeStore()
	store.addJob(&domain.Job{ID: "doomed", TargetRef: "a", Status: domain.StatusPending, CreatedAt: time.Now()})

	dispatcher := &fakeDispatcher{failEnqueue: true}
	queue := newTestQueue(store, dispatcher)

	stats, err := queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Submitted)
	assert.Equal(t, domain.StatusFailed, store.status("doomed"))
}

func TestPosition(t *testing.T) {
	store := newFakeStore()
	now := time.Now()

	store.addJob(&domain.Job{ID: "ahead-prio", TargetRef: "a", Status: domain.StatusPending, Priority: 3, CreatedAt: now})
	store.addJob(&domain.Job{ID: "ahead-age", TargetRef: "b", Status: domain.StatusPending, Priority: 2, CreatedAt: now.Add(-time.Minute)})
	store.addJob(&domain.Job{ID: "me", TargetRef: "c", Status: domain.StatusPending, Priority: 2, CreatedAt: now})
	store.addJob(&domain.Job{ID: "behind", TargetRef: "d", Status: domain.StatusPending, Priority: 1, CreatedAt: now.Add(-time.Hour)})

	queue := newTestQueue(store, &fakeDispatcher{})

	pos, err := queue.Position(context.Background(), "me")
	require.NoError(t, err)
	assert.Equal(t, 3, pos.Position)
	assert.Equal(t, 4, pos.TotalPending)
	assert.Greater(t, pos.EstimatedWait, time.Duration(0))
}

func TestPositionNonPendingJob(t *testing.T) {
	store := newFakeStore()
	store.addJob(&domain.Job{ID: "running", TargetRef: "a", Status: domain.StatusRunning, CreatedAt: time.Now()})
	store.addJob(&domain.Job{ID: "waiting", TargetRef: "b", Status: domain.StatusPending, CreatedAt: time.Now()})

	queue := newTestQueue(store, &fakeDispatcher{})

	pos, err := queue.Position(context.Background(), "running")
	require.NoError(t, err)
	assert.Zero(t, pos.Position)
	assert.Equal(t, 1, pos.TotalPending)
}

func TestPositionUnknownJob(t *testing.T) {
	queue := newTestQueue(newFakeStore(), &fakeDispatcher{})

	_, err := queue.Position(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
