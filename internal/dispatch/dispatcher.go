// Package dispatch is the boundary to the distributed worker pool. The
// scheduler hands submitted jobs to a Dispatcher and may later ask it to
// revoke one; everything past that boundary (delivery, acking, transport
// retries) belongs to the broker and the worker service.
package dispatch

import (
	"context"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

// Dispatcher hands jobs to the worker pool.
type Dispatcher interface {
	// Enqueue submits a job for execution and returns an opaque dispatch
	// handle used for revocation.
	Enqueue(ctx context.Context, job *domain.Job) (string, error)

	// Revoke asks the pool to abandon a previously enqueued job. Best
	// effort: the worker may already be past a safe cancellation point.
	Revoke(ctx context.Context, handle string) error
}

// JobMessage is the wire shape of an enqueued job.
type JobMessage struct {
	JobID    string `json:"job_id"`
	Handle   string `json:"handle"`
	Deadline int64  `json:"deadline_unix"`
}

// RevokeNotice is the wire shape of a revocation, published on the control
// routing key and consumed by every worker.
type RevokeNotice struct {
	Handle string `json:"handle"`
}
