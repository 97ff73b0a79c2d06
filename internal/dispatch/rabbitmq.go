package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
	"github.com/docrelay/extraction-service/shared/rabbitmq"
)

// RevokeRoutingKey is the control routing key workers subscribe to for
// revocation notices.
const RevokeRoutingKey = "jobs.revoke"

// RabbitDispatcher publishes job messages to the jobs exchange. One message
// per job; workers claim through the store, so redelivery is harmless.
type RabbitDispatcher struct {
	client     *rabbitmq.Client
	routingKey string
	deadline   func(*domain.Job) time.Time
	logger     *slog.Logger
}

// NewRabbitDispatcher creates a dispatcher over an established RabbitMQ client.
// deadlineFn computes the execution deadline stamped into each message.
func NewRabbitDispatcher(client *rabbitmq.Client, routingKey string, deadlineFn func(*domain.Job) time.Time, logger *slog.Logger) *RabbitDispatcher {
	return &RabbitDispatcher{
		client:     client,
		routingKey: routingKey,
		deadline:   deadlineFn,
		logger:     logger,
	}
}

// Enqueue publishes the job and returns the generated dispatch handle.
func (d *RabbitDispatcher) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	handle := uuid.New().String()

	msg := JobMessage{
		JobID:    job.ID,
		Handle:   handle,
		Deadline: d.deadline(job).Unix(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job message: %w", err)
	}

	if err := d.client.PublishWithRetry(ctx, d.routingKey, body, "application/json"); err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	d.logger.Debug("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("handle", handle),
	)

	return handle, nil
}

// Revoke publishes a revocation notice on the control routing key. There is
// no confirmation loop; a worker that already finished simply ignores it.
func (d *RabbitDispatcher) Revoke(ctx context.Context, handle string) error {
	body, err := json.Marshal(RevokeNotice{Handle: handle})
	if err != nil {
		return fmt.Errorf("failed to marshal revoke notice: %w", err)
	}

	if err := d.client.Publish(ctx, RevokeRoutingKey, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish revoke for handle %s: %w", handle, err)
	}

	d.logger.Info("Revoke notice published",
		slog.String("handle", handle),
	)

	return nil
}
