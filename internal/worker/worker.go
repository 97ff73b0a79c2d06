// Package worker consumes dispatched jobs from the broker and executes them
// through the per-job-type executor registry, reporting progress back into
// the job store via heartbeats and idempotent terminal writes.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docrelay/extraction-service/internal/scheduler"
	"github.com/docrelay/extraction-service/internal/worker/storage"
	"github.com/docrelay/extraction-service/shared/postgresql"
	"github.com/docrelay/extraction-service/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	DBClient          *postgresql.Client
	RabbitClient      *rabbitmq.Client
	Executors         *ExecutorRegistry
	Coordinator       *scheduler.CancellationCoordinator
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	JobsQueueName     string
	RevokeQueueName   string
}

// Worker represents the background job worker
type Worker struct {
	logger            *slog.Logger
	storage           *storage.Storage
	rabbitClient      *rabbitmq.Client
	executors         *ExecutorRegistry
	coordinator       *scheduler.CancellationCoordinator
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	jobsQueueName     string
	revokeQueueName   string
	workerID          string
	jobsChan          chan *jobDelivery
	wg                sync.WaitGroup
	stopChan          chan struct{}

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	revoked  map[string]struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:            cfg.Logger,
		storage:           storage.NewStorage(cfg.DBClient.GetDB(), cfg.Logger),
		rabbitClient:      cfg.RabbitClient,
		executors:         cfg.Executors,
		coordinator:       cfg.Coordinator,
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		jobsQueueName:     cfg.JobsQueueName,
		revokeQueueName:   cfg.RevokeQueueName,
		workerID:          fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		jobsChan:          make(chan *jobDelivery),
		stopChan:          make(chan struct{}),
		inflight:          make(map[string]context.CancelFunc),
		revoked:           make(map[string]struct{}),
	}
}

// Start begins consuming and processing jobs. Blocks until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	revocations, err := w.setupRevokeConsumer()
	if err != nil {
		return fmt.Errorf("failed to setup revoke consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	go w.startRevokeListener(ctx, revocations)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// trackInflight registers a cancel func for a dispatch handle so a revoke
// notice can interrupt the execution. Returns false if the handle was
// already revoked before execution started.
func (w *Worker) trackInflight(handle string, cancel context.CancelFunc) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.revoked[handle]; ok {
		return false
	}

	w.inflight[handle] = cancel
	return true
}

func (w *Worker) untrackInflight(handle string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, handle)
	delete(w.revoked, handle)
}

// markRevoked records a revocation and interrupts the execution if the
// handle is currently in flight on this worker.
func (w *Worker) markRevoked(handle string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.revoked[handle] = struct{}{}
	if cancel, ok := w.inflight[handle]; ok {
		cancel()
	}
}
