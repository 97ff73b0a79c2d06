package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

func newTestMonitor(store *fakeStore, notifier *fakeNotifier) *TimeoutMonitor {
	return NewTimeoutMonitor(store, notifier, testTunables(), NewBus(), testLogger())
}

func liveJob(id string, status domain.Status, lastActivity time.Time) *domain.Job {
	return &domain.Job{
		ID:             id,
		TargetRef:      "target-" + id,
		JobType:        domain.JobTypeExtraction,
		Status:         status,
		CreatedAt:      lastActivity.Add(-time.Minute),
		LastActivityAt: &lastActivity,
	}
}

func TestSweepTransitions(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		job      *domain.Job
		expected domain.Status
	}{
		{
			name:     "active job untouched",
			job:      liveJob("fresh", domain.StatusRunning, now.Add(-time.Minute)),
			expected: domain.StatusRunning,
		},
		{
			name:     "quiet running job marked stale",
			job:      liveJob("quiet", domain.StatusRunning, now.Add(-3*time.Minute)),
			expected: domain.StatusStale,
		},
		{
			name:     "quiet submitted job marked stale",
			job:      liveJob("lost", domain.StatusSubmitted, now.Add(-3*time.Minute)),
			expected: domain.StatusStale,
		},
		{
			name:     "silent job past timeout is terminal",
			job:      liveJob("dead", domain.StatusStale, now.Add(-6*time.Minute)),
			expected: domain.StatusTimedOut,
		},
		{
			name:     "running job past timeout goes straight to timed out",
			job:      liveJob("dead-fast", domain.StatusRunning, now.Add(-6*time.Minute)),
			expected: domain.StatusTimedOut,
		},
		{
			name:     "stale job with resumed heartbeat recovers",
			job:      liveJob("revived", domain.StatusStale, now.Add(-30*time.Second)),
			expected: domain.StatusRunning,
		},
		{
			name:     "stale job still quiet stays stale",
			job:      liveJob("limbo", domain.StatusStale, now.Add(-3*time.Minute)),
			expected: domain.StatusStale,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.addJob(tt.job)
			monitor := newTestMonitor(store, &fakeNotifier{})

			_, err := monitor.Sweep(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, store.status(tt.job.ID))
		})
	}
}

func TestSweepFallsBackToSubmittedAt(t *testing.T) {
	store := newFakeStore()
	submittedAt := time.Now().Add(-3 * time.Minute)

	// A job that never heartbeat is measured from submission.
	store.addJob(&domain.Job{
		ID:          "no-heartbeat",
		TargetRef:   "a",
		Status:      domain.StatusSubmitted,
		CreatedAt:   submittedAt,
		SubmittedAt: &submittedAt,
	})

	monitor := newTestMonitor(store, &fakeNotifier{})

	stats, err := monitor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MarkedStale)
	assert.Equal(t, domain.StatusStale, store.status("no-heartbeat"))
}

func TestSweepTimeoutNotifiesResources(t *testing.T) {
	store := newFakeStore()
	store.addJob(liveJob("dead", domain.StatusRunning, time.Now().Add(-10*time.Minute)))

	notifier := &fakeNotifier{}
	monitor := newTestMonitor(store, notifier)

	stats, err := monitor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TimedOut)
	assert.Equal(t, []string{"dead"}, notifier.timedOut)
}

func TestSweepExemptsParentWithActiveChildren(t *testing.T) {
	store := newFakeStore()
	now := time.Now()

	parent := liveJob("parent", domain.StatusRunning, now.Add(-10*time.Minute))
	parent.IsGroupParent = true
	parent.GroupID = strPtr("grp")
	store.addJob(parent)

	child := liveJob("child", domain.StatusRunning, now.Add(-time.Minute))
	child.GroupID = strPtr("grp")
	store.addJob(child)

	monitor := newTestMonitor(store, &fakeNotifier{})

	_, err := monitor.Sweep(context.Background())
	require.NoError(t, err)

	// The parent legitimately waits on its child.
	assert.Equal(t, domain.StatusRunning, store.status("parent"))
	assert.Equal(t, domain.StatusRunning, store.status("child"))
}

func TestSweepParentWithoutChildrenIsNotExempt(t *testing.T) {
	store := newFakeStore()

	parent := liveJob("parent", domain.StatusRunning, time.Now().Add(-10*time.Minute))
	parent.IsGroupParent = true
	parent.GroupID = strPtr("grp")
	store.addJob(parent)

	monitor := newTestMonitor(store, &fakeNotifier{})

	stats, err := monitor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TimedOut)
	assert.Equal(t, domain.StatusTimedOut, store.status("parent"))
}

func TestSweepStaleParentRecoversDespiteChildren(t *testing.T) {
	store := newFakeStore()
	now := time.Now()

	// Recovery runs before the parent exemption; an active child must not
	// strand a parent in STALE after its heartbeat resumed.
	parent := liveJob("parent", domain.StatusStale, now.Add(-10*time.Second))
	parent.IsGroupParent = true
	parent.GroupID = strPtr("grp")
	store.addJob(parent)

	child := liveJob("child", domain.StatusRunning, now)
	child.GroupID = strPtr("grp")
	store.addJob(child)

	monitor := newTestMonitor(store, &fakeNotifier{})

	stats, err := monitor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Recovered)
	assert.Equal(t, domain.StatusRunning, store.status("parent"))
}

func TestSweepIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.addJob(liveJob("quiet", domain.StatusRunning, time.Now().Add(-3*time.Minute)))

	monitor := newTestMonitor(store, &fakeNotifier{})

	first, err := monitor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.MarkedStale)

	second, err := monitor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.MarkedStale)
	assert.Zero(t, second.TimedOut)
	assert.Equal(t, domain.StatusStale, store.status("quiet"))
}
