package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

func newTestCoordinator(store *fakeStore, dispatcher *fakeDispatcher, notifier *fakeNotifier) *CancellationCoordinator {
	return NewCancellationCoordinator(store, dispatcher, notifier, NewBus(), testLogger())
}

// seedGroup builds a parent with four children: two queued, one running with
// a dispatch handle, one already completed.
func seedGroup(store *fakeStore, jobType domain.JobType) *domain.Job {
	now := time.Now()
	groupID := "grp"

	store.addGroup(&domain.JobGroup{
		ID: groupID, JobType: jobType, Status: domain.GroupStatusActive,
		TotalChildren: 4, CompletedChildren: 1,
	})

	parent := &domain.Job{
		ID: "parent", TargetRef: "seed", JobType: jobType,
		Status: domain.StatusRunning, IsGroupParent: true,
		GroupID: &groupID, CreatedAt: now,
	}
	store.addJob(parent)

	store.addJob(&domain.Job{
		ID: "child-queued-1", TargetRef: "p1", JobType: domain.JobTypeExtraction,
		Status: domain.StatusPending, GroupID: &groupID, SpawnedByParent: true, CreatedAt: now,
	})
	store.addJob(&domain.Job{
		ID: "child-queued-2", TargetRef: "p2", JobType: domain.JobTypeExtraction,
		Status: domain.StatusSubmitted, GroupID: &groupID, SpawnedByParent: true,
		DispatchHandle: strPtr("handle-q2"), CreatedAt: now,
	})
	store.addJob(&domain.Job{
		ID: "child-running", TargetRef: "p3", JobType: domain.JobTypeExtraction,
		Status: domain.StatusRunning, GroupID: &groupID, SpawnedByParent: true,
		DispatchHandle: strPtr("handle-r1"), CreatedAt: now,
	})
	store.addJob(&domain.Job{
		ID: "child-done", TargetRef: "p4", JobType: domain.JobTypeExtraction,
		Status: domain.StatusCompleted, GroupID: &groupID, SpawnedByParent: true, CreatedAt: now,
	})

	return parent
}

func TestCancelStandaloneJob(t *testing.T) {
	store := newFakeStore()
	store.addJob(&domain.Job{
		ID: "solo", TargetRef: "a", JobType: domain.JobTypeExtraction,
		Status: domain.StatusPending, CreatedAt: time.Now(),
	})

	dispatcher := &fakeDispatcher{}
	notifier := &fakeNotifier{}
	coordinator := newTestCoordinator(store, dispatcher, notifier)

	result, err := coordinator.CancelJob(context.Background(), "solo", "user request")
	require.NoError(t, err)
	assert.Equal(t, 1, result.CancelledCount)
	assert.Equal(t, domain.StatusCanceled, store.status("solo"))

	// Never dispatched, nothing to revoke.
	assert.Empty(t, dispatcher.revoked)
	assert.Equal(t, []string{"solo"}, notifier.cancelled)
}

func TestCancelDispatchedJobRevokes(t *testing.T) {
	store := newFakeStore()
	store.addJob(&domain.Job{
		ID: "inflight", TargetRef: "a", JobType: domain.JobTypeExtraction,
		Status: domain.StatusRunning, DispatchHandle: strPtr("handle-1"),
		CreatedAt: time.Now(),
	})

	dispatcher := &fakeDispatcher{}
	coordinator := newTestCoordinator(store, dispatcher, &fakeNotifier{})

	result, err := coordinator.CancelJob(context.Background(), "inflight", "user request")
	require.NoError(t, err)
	assert.Equal(t, 1, result.CancelledCount)
	assert.Equal(t, []string{"handle-1"}, dispatcher.revoked)
}

func TestCancelCrawlCascadeSparesRunningChildren(t *testing.T) {
	store := newFakeStore()
	seedGroup(store, domain.JobTypeCrawl)

	dispatcher := &fakeDispatcher{}
	coordinator := newTestCoordinator(store, dispatcher, &fakeNotifier{})

	result, err := coordinator.CancelJob(context.Background(), "parent", "operator abort")
	require.NoError(t, err)

	// Both queued children plus the parent; running and completed skipped.
	assert.Equal(t, 3, result.CancelledCount)
	assert.Equal(t, 2, result.SkippedCount)

	assert.Equal(t, domain.StatusCanceled, store.status("parent"))
	assert.Equal(t, domain.StatusCanceled, store.status("child-queued-1"))
	assert.Equal(t, domain.StatusCanceled, store.status("child-queued-2"))
	assert.Equal(t, domain.StatusRunning, store.status("child-running"))
	assert.Equal(t, domain.StatusCompleted, store.status("child-done"))

	// Only the submitted child's handle is revoked.
	assert.Equal(t, []string{"handle-q2"}, dispatcher.revoked)

	group, err := store.GetGroup(context.Background(), "grp")
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusCanceled, group.Status)
}

func TestCancelPipelineCascadeStopsRunningChildren(t *testing.T) {
	store := newFakeStore()
	seedGroup(store, domain.JobTypePipeline)

	dispatcher := &fakeDispatcher{}
	coordinator := newTestCoordinator(store, dispatcher, &fakeNotifier{})

	result, err := coordinator.CancelJob(context.Background(), "parent", "operator abort")
	require.NoError(t, err)

	// All three live children plus the parent; only the completed one skipped.
	assert.Equal(t, 4, result.CancelledCount)
	assert.Equal(t, 1, result.SkippedCount)

	assert.Equal(t, domain.StatusCanceled, store.status("child-running"))
	assert.Equal(t, domain.StatusCompleted, store.status("child-done"))
	assert.ElementsMatch(t, []string{"handle-q2", "handle-r1"}, dispatcher.revoked)
}

func TestCancelTerminalJobRejected(t *testing.T) {
	store := newFakeStore()
	store.addJob(&domain.Job{
		ID: "done", TargetRef: "a", JobType: domain.JobTypeExtraction,
		Status: domain.StatusCompleted, CreatedAt: time.Now(),
	})

	coordinator := newTestCoordinator(store, &fakeDispatcher{}, &fakeNotifier{})

	_, err := coordinator.CancelJob(context.Background(), "done", "too late")
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
}

func TestCancelRetentionJobRejected(t *testing.T) {
	store := newFakeStore()
	store.addJob(&domain.Job{
		ID: "purge", TargetRef: "a", JobType: domain.JobTypeRetention,
		Status: domain.StatusRunning, CreatedAt: time.Now(),
	})

	coordinator := newTestCoordinator(store, &fakeDispatcher{}, &fakeNotifier{})

	_, err := coordinator.CancelJob(context.Background(), "purge", "nope")
	assert.ErrorIs(t, err, domain.ErrNotCancellable)
	assert.Equal(t, domain.StatusRunning, store.status("purge"))
}

func TestCancelUnknownJob(t *testing.T) {
	coordinator := newTestCoordinator(newFakeStore(), &fakeDispatcher{}, &fakeNotifier{})

	_, err := coordinator.CancelJob(context.Background(), "nope", "")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestHandleParentFailureCrawl(t *testing.T) {
	store := newFakeStore()
	seedGroup(store, domain.JobTypeCrawl)

	dispatcher := &fakeDispatcher{}
	coordinator := newTestCoordinator(store, dispatcher, &fakeNotifier{})

	result, err := coordinator.HandleParentFailure(context.Background(), "parent", "seed unreachable")
	require.NoError(t, err)

	// Crawl children already queued are left to finish on their own; the
	// failed group only blocks new spawns and post-completion triggers.
	assert.Zero(t, result.CancelledCount)
	assert.Equal(t, domain.StatusPending, store.status("child-queued-1"))
	assert.Empty(t, dispatcher.revoked)

	group, err := store.GetGroup(context.Background(), "grp")
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusFailed, group.Status)
}

func TestHandleParentFailurePipeline(t *testing.T) {
	store := newFakeStore()
	seedGroup(store, domain.JobTypePipeline)

	dispatcher := &fakeDispatcher{}
	coordinator := newTestCoordinator(store, dispatcher, &fakeNotifier{})

	result, err := coordinator.HandleParentFailure(context.Background(), "parent", "stage 2 exploded")
	require.NoError(t, err)

	// A failed pipeline tears down everything still live.
	assert.Equal(t, 3, result.CancelledCount)
	assert.Equal(t, domain.StatusCanceled, store.status("child-running"))
	assert.ElementsMatch(t, []string{"handle-q2", "handle-r1"}, dispatcher.revoked)

	group, err := store.GetGroup(context.Background(), "grp")
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusFailed, group.Status)
}

func TestHandleParentFailureUngroupedJob(t *testing.T) {
	store := newFakeStore()
	store.addJob(&domain.Job{
		ID: "solo", TargetRef: "a", JobType: domain.JobTypeExtraction,
		Status: domain.StatusFailed, CreatedAt: time.Now(),
	})

	coordinator := newTestCoordinator(store, &fakeDispatcher{}, &fakeNotifier{})

	result, err := coordinator.HandleParentFailure(context.Background(), "solo", "boom")
	require.NoError(t, err)
	assert.Zero(t, result.CancelledCount)
}

func TestShouldSpawnChildren(t *testing.T) {
	store := newFakeStore()
	store.addGroup(&domain.JobGroup{ID: "live", JobType: domain.JobTypeCrawl, Status: domain.GroupStatusActive})
	store.addGroup(&domain.JobGroup{ID: "dead", JobType: domain.JobTypeCrawl, Status: domain.GroupStatusCanceled})

	coordinator := newTestCoordinator(store, &fakeDispatcher{}, &fakeNotifier{})

	ok, err := coordinator.ShouldSpawnChildren(context.Background(), "live")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = coordinator.ShouldSpawnChildren(context.Background(), "dead")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = coordinator.ShouldSpawnChildren(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrGroupNotFound)
}
