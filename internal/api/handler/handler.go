package handler

import (
	"log/slog"
	"time"

	"github.com/docrelay/extraction-service/internal/api/dto"
	"github.com/docrelay/extraction-service/internal/jobstore"
	"github.com/docrelay/extraction-service/internal/scheduler"
	"github.com/docrelay/extraction-service/internal/scheduler/domain"
	"github.com/docrelay/extraction-service/internal/triage"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Store       *jobstore.Store
	Queue       *scheduler.ExtractionQueue
	Coordinator *scheduler.CancellationCoordinator
	Stats       *scheduler.StatsService
	Analyzer    *triage.Analyzer
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger      *slog.Logger
	store       *jobstore.Store
	queue       *scheduler.ExtractionQueue
	coordinator *scheduler.CancellationCoordinator
	stats       *scheduler.StatsService
	analyzer    *triage.Analyzer
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:      deps.Logger,
		store:       deps.Store,
		queue:       deps.Queue,
		coordinator: deps.Coordinator,
		stats:       deps.Stats,
		analyzer:    deps.Analyzer,
	}
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID:        job.ID,
		JobType:      string(job.JobType),
		Status:       string(job.Status),
		Priority:     job.Priority,
		TargetRef:    job.TargetRef,
		IsParent:     job.IsGroupParent,
		Reason:       job.Reason,
		ErrorMessage: job.ErrorMessage,
		ResultRef:    job.ResultRef,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}

	if job.GroupID != nil {
		d.GroupID = *job.GroupID
	}
	if job.SubmittedAt != nil {
		d.SubmittedAt = job.SubmittedAt.Format(time.RFC3339)
	}
	if job.StartedAt != nil {
		d.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		d.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}

	return d
}
