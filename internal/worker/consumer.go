package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/docrelay/extraction-service/internal/dispatch"
)

// jobDelivery pairs a decoded job message with its broker delivery tag so
// the pool can ACK/NACK after processing.
type jobDelivery struct {
	JobID       string
	Handle      string
	Deadline    time.Time
	DeliveryTag uint64
}

// setupConsumer configures QoS and starts consuming from the jobs queue.
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// prefetch_count bounds unacknowledged deliveries per consumer so one
	// slow worker process cannot hoard the queue
	err := channel.Qos(
		w.prefetchCount, // prefetch count
		0,               // prefetch size
		false,           // global
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.rabbitClient.Consume(w.jobsQueueName, w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.jobsQueueName),
	)

	return deliveries, nil
}

// setupRevokeConsumer declares and consumes the revocation control queue.
// Every worker process sees every revoke notice; notices for handles not
// running here are ignored after a map lookup.
func (w *Worker) setupRevokeConsumer() (<-chan amqp.Delivery, error) {
	if err := w.rabbitClient.DeclareQueue(w.revokeQueueName, dispatch.RevokeRoutingKey); err != nil {
		return nil, fmt.Errorf("failed to declare revoke queue: %w", err)
	}

	deliveries, err := w.rabbitClient.Consume(w.revokeQueueName, w.workerID+"-revoke")
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming revocations: %w", err)
	}

	w.logger.Info("Revocation consumer started",
		slog.String("queue", w.revokeQueueName),
	)

	return deliveries, nil
}

// startMessageDispatcher feeds decoded job messages to the worker pool.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var msg dispatch.JobMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				w.logger.Error("Failed to parse job message JSON",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// malformed messages should go to DLQ, not back onto the queue
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if msg.JobID == "" || msg.Handle == "" {
				w.logger.Error("Job message missing job_id or handle",
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK invalid message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			jd := &jobDelivery{
				JobID:       msg.JobID,
				Handle:      msg.Handle,
				Deadline:    time.Unix(msg.Deadline, 0),
				DeliveryTag: delivery.DeliveryTag,
			}

			select {
			case w.jobsChan <- jd:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}

// startRevokeListener applies revocation notices: interrupt the job if it is
// executing here, otherwise just remember the handle in case the job message
// is still in flight towards this worker.
func (w *Worker) startRevokeListener(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Revocation delivery channel closed")
				return
			}

			var notice dispatch.RevokeNotice
			if err := json.Unmarshal(delivery.Body, &notice); err != nil {
				w.logger.Error("Failed to parse revoke notice",
					slog.String("error", err.Error()),
				)
				_ = delivery.Nack(false, false)
				continue
			}

			if notice.Handle != "" {
				w.markRevoked(notice.Handle)
				w.logger.Info("Revocation received",
					slog.String("handle", notice.Handle),
				)
			}

			if err := delivery.Ack(false); err != nil {
				w.logger.Error("Failed to ACK revoke notice",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
