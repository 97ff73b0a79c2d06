package dto

// CreateJobRequest admits one job. For EXTRACTION and SOURCE_SYNC jobs
// file_path points at the staged document; for CRAWL jobs seed_url is the
// crawl root; for PIPELINE jobs file_paths lists the staged documents; for
// RETENTION jobs max_age_days bounds the purge (default 30).
//
// inline records extraction work the caller already performed synchronously:
// the job is persisted terminal so duplicate suppression and the cooldown
// window see it, and it never enters promotion.
type CreateJobRequest struct {
	TargetRef  string   `json:"target_ref" binding:"required"`
	JobType    string   `json:"job_type" binding:"required"`
	FilePath   string   `json:"file_path"`
	MimeType   string   `json:"mime_type"`
	Inline     bool     `json:"inline"`
	SeedURL    string   `json:"seed_url"`
	MaxPages   int      `json:"max_pages"`
	FilePaths  []string `json:"file_paths"`
	MaxAgeDays int      `json:"max_age_days"`
	Priority   *int     `json:"priority"`
	Reason     string   `json:"reason"`
}

type CancelJobRequest struct {
	Reason string `json:"reason"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	GroupID  string `form:"group_id"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID        string `json:"job_id"`
	JobType      string `json:"job_type"`
	Status       string `json:"status"`
	Priority     int    `json:"priority"`
	TargetRef    string `json:"target_ref"`
	GroupID      string `json:"group_id,omitempty"`
	IsParent     bool   `json:"is_group_parent,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ResultRef    string `json:"result_ref,omitempty"`
	CreatedAt    string `json:"created_at"`
	SubmittedAt  string `json:"submitted_at,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

// AdmissionResponse is returned by job creation: the effective job plus the
// admission outcome, which may point at an existing job instead of a new one.
type AdmissionResponse struct {
	Admission string `json:"admission"`
	Job       JobDTO `json:"job"`
}

type PositionResponse struct {
	JobID            string `json:"job_id"`
	Position         int    `json:"position,omitempty"`
	TotalPending     int    `json:"total_pending"`
	EstimatedWaitSec int    `json:"estimated_wait_seconds,omitempty"`
}

type CancelResponse struct {
	JobID          string `json:"job_id"`
	CancelledCount int    `json:"cancelled_count"`
	SkippedCount   int    `json:"skipped_count"`
	FailedCount    int    `json:"failed_count"`
}

type GroupDTO struct {
	GroupID           string `json:"group_id"`
	JobType           string `json:"job_type"`
	Status            string `json:"status"`
	TotalChildren     int    `json:"total_children"`
	CompletedChildren int    `json:"completed_children"`
	FailedChildren    int    `json:"failed_children"`
	Summary           string `json:"summary,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

type StatsResponse struct {
	Counts            map[string]int `json:"counts"`
	WindowSec         int            `json:"window_seconds"`
	CompletedInWindow int            `json:"completed_in_window"`
	ThroughputPerMin  float64        `json:"throughput_per_min"`
	AvgExecutionSec   float64        `json:"avg_execution_seconds"`
}
