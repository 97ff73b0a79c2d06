package domain

import (
	"time"
)

// Status is the single authoritative lifecycle field of a job.
type Status string

// Stable values (stored as-is in the jobs table).
const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusRunning   Status = "RUNNING"
	StatusStale     Status = "STALE"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// IsTerminal reports whether a job in this status can never change status again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusTimedOut:
		return true
	}
	return false
}

// IsActive reports whether the job counts against duplicate suppression:
// it has been accepted but has not yet reached a terminal state.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusRunning, StatusStale:
		return true
	}
	return false
}

// ActiveStatuses is the set used by duplicate checks and capacity counting.
var ActiveStatuses = []Status{StatusPending, StatusSubmitted, StatusRunning, StatusStale}

// JobType identifies what kind of work a job represents. The scheduler only
// uses it to resolve priority and cancellation policy; execution semantics
// live in the worker's executor registry.
type JobType string

const (
	JobTypeExtraction JobType = "EXTRACTION"
	JobTypeSourceSync JobType = "SOURCE_SYNC"
	JobTypeCrawl      JobType = "CRAWL"
	JobTypePipeline   JobType = "PIPELINE"
	JobTypeRetention  JobType = "RETENTION"
)

// Priority levels, low to high. Ties are broken by creation time (FIFO).
const (
	PrioritySourceSync = 0
	PriorityScrape     = 1
	PriorityPipeline   = 2
	PriorityUser       = 3
	PriorityBoosted    = 4
)

// DefaultPriority resolves the priority for a job whose caller did not supply
// one explicitly. Background source syncs yield to everything else; direct
// user requests jump the line.
func DefaultPriority(jobType JobType) int {
	switch jobType {
	case JobTypeSourceSync:
		return PrioritySourceSync
	case JobTypeCrawl:
		return PriorityScrape
	case JobTypePipeline:
		return PriorityPipeline
	default:
		return PriorityUser
	}
}

// CascadeMode governs which children are cancelled when a group parent is
// cancelled or fails.
type CascadeMode string

const (
	// CascadeQueuedOnly cancels children still waiting for a worker; running
	// children finish and their results are simply ignored downstream.
	CascadeQueuedOnly CascadeMode = "QUEUED_ONLY"
	// CascadeAll also cancels running children and revokes their dispatch
	// handles. Used where partial results are not independently useful.
	CascadeAll CascadeMode = "ALL"
)

// CancelPolicy is the static per-job-type cancellation declaration.
type CancelPolicy struct {
	Cancellable bool
	Cascade     CascadeMode
}

var cancelPolicies = map[JobType]CancelPolicy{
	JobTypeExtraction: {Cancellable: true, Cascade: CascadeQueuedOnly},
	JobTypeSourceSync: {Cancellable: true, Cascade: CascadeQueuedOnly},
	JobTypeCrawl:      {Cancellable: true, Cascade: CascadeQueuedOnly},
	JobTypePipeline:   {Cancellable: true, Cascade: CascadeAll},
	JobTypeRetention:  {Cancellable: false, Cascade: CascadeQueuedOnly},
}

// PolicyFor returns the cancellation policy for a job type. Unknown types get
// the most conservative policy: cancellable, queued-only cascade.
func PolicyFor(jobType JobType) CancelPolicy {
	if p, ok := cancelPolicies[jobType]; ok {
		return p
	}
	return CancelPolicy{Cancellable: true, Cascade: CascadeQueuedOnly}
}

// Job is one unit of schedulable work.
type Job struct {
	ID              string     `db:"job_id"`
	JobType         JobType    `db:"job_type"`
	Status          Status     `db:"status"`
	Priority        int        `db:"priority"`
	TargetRef       string     `db:"target_ref"`
	PayloadRef      string     `db:"payload_ref"`
	DispatchHandle  *string    `db:"dispatch_handle"`
	WorkerID        *string    `db:"worker_id"`
	GroupID         *string    `db:"group_id"`
	IsGroupParent   bool       `db:"is_group_parent"`
	SpawnedByParent bool       `db:"spawned_by_parent"`
	Inline          bool       `db:"inline"`
	Reason          string     `db:"reason"`
	ErrorMessage    string     `db:"error_message"`
	ResultRef       string     `db:"result_ref"`
	CreatedAt       time.Time  `db:"created_at"`
	SubmittedAt     *time.Time `db:"submitted_at"`
	StartedAt       *time.Time `db:"started_at"`
	LastActivityAt  *time.Time `db:"last_activity_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// ActivityAnchor returns the timestamp staleness is measured against:
// the last heartbeat, falling back to submission time if no heartbeat has
// been recorded yet.
func (j *Job) ActivityAnchor() (time.Time, bool) {
	if j.LastActivityAt != nil {
		return *j.LastActivityAt, true
	}
	if j.SubmittedAt != nil {
		return *j.SubmittedAt, true
	}
	return time.Time{}, false
}

// GroupStatus is the aggregate status of a JobGroup.
type GroupStatus string

const (
	GroupStatusActive    GroupStatus = "ACTIVE"
	GroupStatusCompleted GroupStatus = "COMPLETED"
	GroupStatusFailed    GroupStatus = "FAILED"
	GroupStatusCanceled  GroupStatus = "CANCELED"
)

// IsTerminal reports whether the group has been resolved. Terminal groups
// accept no new children.
func (s GroupStatus) IsTerminal() bool {
	return s != GroupStatusActive
}

// JobGroup aggregates the children spawned by one parent operation.
type JobGroup struct {
	ID                string      `db:"group_id"`
	JobType           JobType     `db:"job_type"`
	Status            GroupStatus `db:"status"`
	TotalChildren     int         `db:"total_children"`
	CompletedChildren int         `db:"completed_children"`
	FailedChildren    int         `db:"failed_children"`
	Summary           string      `db:"summary"`
	CreatedAt         time.Time   `db:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at"`
}

// Resolved reports whether every child has reached a terminal state.
func (g *JobGroup) Resolved() bool {
	return g.CompletedChildren+g.FailedChildren >= g.TotalChildren
}
