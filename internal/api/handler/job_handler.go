package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/docrelay/extraction-service/internal/api/dto"
	"github.com/docrelay/extraction-service/internal/jobstore"
	"github.com/docrelay/extraction-service/internal/scheduler"
	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

// maxStatsWindow bounds the stats aggregation window; wider windows turn the
// SQL aggregates into full-table scans.
const maxStatsWindow = 24 * time.Hour

var validJobTypes = map[domain.JobType]bool{
	domain.JobTypeExtraction: true,
	domain.JobTypeSourceSync: true,
	domain.JobTypeCrawl:      true,
	domain.JobTypePipeline:   true,
	domain.JobTypeRetention:  true,
}

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jobType := domain.JobType(req.JobType)
	if !validJobTypes[jobType] {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown job_type " + req.JobType,
		})
		return
	}

	jobReq := scheduler.JobRequest{
		TargetRef: req.TargetRef,
		JobType:   jobType,
		Priority:  req.Priority,
		Reason:    req.Reason,
	}

	switch jobType {
	case domain.JobTypeExtraction, domain.JobTypeSourceSync:
		if req.FilePath == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "file_path is required for " + req.JobType + " jobs",
			})
			return
		}

		plan := h.analyzer.Triage(c.Request.Context(), req.FilePath, req.MimeType)
		if !plan.Supported {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":  "document not supported for extraction",
				"reason": plan.Reason,
			})
			return
		}

		payloadRef, err := domain.EncodePayload("extract", domain.ExtractPayload{
			FilePath:    req.FilePath,
			MimeType:    req.MimeType,
			Engine:      plan.Engine,
			NeedsOCR:    plan.NeedsOCR,
			NeedsLayout: plan.NeedsLayout,
			Complexity:  plan.Complexity,
		})
		if err != nil {
			h.logger.Error("Failed to encode payload", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
			return
		}
		jobReq.PayloadRef = payloadRef
		jobReq.Inline = req.Inline
		if jobReq.Reason == "" {
			jobReq.Reason = plan.Reason
		}

	case domain.JobTypeCrawl:
		if req.SeedURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "seed_url is required for CRAWL jobs",
			})
			return
		}

		payloadRef, err := domain.EncodePayload("crawl", domain.CrawlPayload{
			SeedURL:  req.SeedURL,
			MaxPages: req.MaxPages,
		})
		if err != nil {
			h.logger.Error("Failed to encode payload", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
			return
		}
		jobReq.PayloadRef = payloadRef

		groupID, ok := h.createGroup(c, jobType)
		if !ok {
			return
		}
		jobReq.GroupID = &groupID
		jobReq.IsGroupParent = true

	case domain.JobTypePipeline:
		if len(req.FilePaths) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "file_paths is required for PIPELINE jobs",
			})
			return
		}

		payloadRef, err := domain.EncodePayload("pipeline", domain.PipelinePayload{
			FilePaths: req.FilePaths,
		})
		if err != nil {
			h.logger.Error("Failed to encode payload", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
			return
		}
		jobReq.PayloadRef = payloadRef

		groupID, ok := h.createGroup(c, jobType)
		if !ok {
			return
		}
		jobReq.GroupID = &groupID
		jobReq.IsGroupParent = true

	case domain.JobTypeRetention:
		maxAgeDays := req.MaxAgeDays
		if maxAgeDays <= 0 {
			maxAgeDays = 30
		}

		payloadRef, err := domain.EncodePayload("retention", domain.RetentionPayload{
			MaxAgeDays: maxAgeDays,
		})
		if err != nil {
			h.logger.Error("Failed to encode payload", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
			return
		}
		jobReq.PayloadRef = payloadRef
	}

	result, err := h.queue.Queue(c.Request.Context(), jobReq)
	if err != nil {
		h.logger.Error("Failed to queue job",
			slog.String("target_ref", req.TargetRef),
			slog.String("error", err.Error()),
		)
		h.abandonGroup(c, jobReq.GroupID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	status := http.StatusCreated
	switch result.Status {
	case scheduler.AdmissionAlreadyPending, scheduler.AdmissionPreviousCompleted:
		status = http.StatusOK
		h.abandonGroup(c, jobReq.GroupID)
	case scheduler.AdmissionCooldownActive:
		status = http.StatusTooManyRequests
		h.abandonGroup(c, jobReq.GroupID)
	}

	c.JSON(status, dto.AdmissionResponse{
		Admission: string(result.Status),
		Job:       toJobDTO(result.Job),
	})
}

// createGroup persists the group a parent job will own.
func (h *JobHandler) createGroup(c *gin.Context, jobType domain.JobType) (string, bool) {
	now := time.Now()
	group := &domain.JobGroup{
		ID:        uuid.New().String(),
		JobType:   jobType,
		Status:    domain.GroupStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.CreateGroup(c.Request.Context(), group); err != nil {
		h.logger.Error("Failed to create job group", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return "", false
	}

	return group.ID, true
}

// abandonGroup resolves a group whose parent was never admitted, so it does
// not linger as an empty ACTIVE group.
func (h *JobHandler) abandonGroup(c *gin.Context, groupID *string) {
	if groupID == nil {
		return
	}

	if _, err := h.store.ResolveGroup(c.Request.Context(), *groupID, domain.GroupStatusCanceled, "parent job not admitted"); err != nil {
		h.logger.Error("Failed to abandon group",
			slog.String("group_id", *groupID),
			slog.String("error", err.Error()),
		)
	}
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// GetPosition handles GET /api/v1/jobs/:job_id/position
func (h *JobHandler) GetPosition(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	pos, err := h.queue.Position(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error("Failed to compute queue position", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute position"})
		return
	}

	c.JSON(http.StatusOK, dto.PositionResponse{
		JobID:            jobID,
		Position:         pos.Position,
		TotalPending:     pos.TotalPending,
		EstimatedWaitSec: int(pos.EstimatedWait.Seconds()),
	})
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), jobstore.JobFilter{
		JobType:  req.JobType,
		Status:   req.Status,
		GroupID:  req.GroupID,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&jobstore.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	var req dto.CancelJobRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	result, err := h.coordinator.CancelJob(c.Request.Context(), jobID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.Is(err, domain.ErrAlreadyTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": "job already reached a terminal state"})
		case errors.Is(err, domain.ErrNotCancellable):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "job type does not support cancellation"})
		default:
			h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel job"})
		}
		return
	}

	c.JSON(http.StatusOK, dto.CancelResponse{
		JobID:          jobID,
		CancelledCount: result.CancelledCount,
		SkippedCount:   result.SkippedCount,
		FailedCount:    result.FailedCount,
	})
}

// GetGroup handles GET /api/v1/groups/:group_id
func (h *JobHandler) GetGroup(c *gin.Context) {
	groupID := c.Param("group_id")
	if _, err := uuid.Parse(groupID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "group_id must be a valid UUID",
		})
		return
	}

	group, err := h.store.GetGroup(c.Request.Context(), groupID)
	if err != nil {
		if errors.Is(err, domain.ErrGroupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
			return
		}
		h.logger.Error("Failed to get group", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get group"})
		return
	}

	c.JSON(http.StatusOK, dto.GroupDTO{
		GroupID:           group.ID,
		JobType:           string(group.JobType),
		Status:            string(group.Status),
		TotalChildren:     group.TotalChildren,
		CompletedChildren: group.CompletedChildren,
		FailedChildren:    group.FailedChildren,
		Summary:           group.Summary,
		CreatedAt:         group.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         group.UpdatedAt.Format(time.RFC3339),
	})
}

// GetStats handles GET /api/v1/stats
func (h *JobHandler) GetStats(c *gin.Context) {
	window := time.Hour
	if raw := c.Query("window_seconds"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "window_seconds must be a positive integer",
			})
			return
		}
		window = time.Duration(seconds) * time.Second
		if window > maxStatsWindow {
			window = maxStatsWindow
		}
	}

	snapshot, err := h.stats.Snapshot(c.Request.Context(), window)
	if err != nil {
		h.logger.Error("Failed to compute stats", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute stats"})
		return
	}

	counts := make(map[string]int, len(snapshot.Counts))
	for status, n := range snapshot.Counts {
		counts[string(status)] = n
	}

	c.JSON(http.StatusOK, dto.StatsResponse{
		Counts:            counts,
		WindowSec:         int(snapshot.Window.Seconds()),
		CompletedInWindow: snapshot.CompletedInWindow,
		ThroughputPerMin:  snapshot.ThroughputPerMin,
		AvgExecutionSec:   snapshot.AvgExecution.Seconds(),
	})
}
