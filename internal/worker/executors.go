package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docrelay/extraction-service/internal/extract"
	"github.com/docrelay/extraction-service/internal/scheduler"
	"github.com/docrelay/extraction-service/internal/scheduler/domain"
	"github.com/docrelay/extraction-service/internal/triage"
	"github.com/docrelay/extraction-service/internal/worker/storage"
)

// ExecutionResult is what an executor hands back to the processor.
type ExecutionResult struct {
	// ResultRef is an opaque reference to the produced result, stored on the
	// job row.
	ResultRef string

	// Deferred means the job must stay RUNNING: it spawned group children
	// and will be completed by the last child's group bookkeeping.
	Deferred bool
}

// Executor runs one job type.
type Executor interface {
	Type() domain.JobType
	Execute(ctx context.Context, job *domain.Job) (*ExecutionResult, error)
}

// ExecutorRegistry maps job types to their executors.
type ExecutorRegistry struct {
	executors map[domain.JobType]Executor
}

// NewExecutorRegistry builds a registry from the provided executors.
func NewExecutorRegistry(executors ...Executor) *ExecutorRegistry {
	r := &ExecutorRegistry{executors: make(map[domain.JobType]Executor, len(executors))}
	for _, e := range executors {
		r.executors[e.Type()] = e
	}
	return r
}

// Get returns the executor for the job type, or nil.
func (r *ExecutorRegistry) Get(jobType domain.JobType) Executor {
	return r.executors[jobType]
}

// ExtractExecutor runs document extraction through the engine selected at
// triage time.
type ExtractExecutor struct {
	engines *extract.Registry
	logger  *slog.Logger
}

// NewExtractExecutor creates the extraction executor.
func NewExtractExecutor(engines *extract.Registry, logger *slog.Logger) *ExtractExecutor {
	return &ExtractExecutor{
		engines: engines,
		logger:  logger,
	}
}

// Type implements Executor.
func (e *ExtractExecutor) Type() domain.JobType {
	return domain.JobTypeExtraction
}

// Execute implements Executor.
func (e *ExtractExecutor) Execute(ctx context.Context, job *domain.Job) (*ExecutionResult, error) {
	envelope, err := domain.DecodeEnvelope(job.PayloadRef)
	if err != nil {
		return nil, err
	}

	payload, err := domain.DecodePayload[domain.ExtractPayload](envelope)
	if err != nil {
		return nil, err
	}

	engine := e.engines.Get(payload.Engine)
	if engine == nil {
		// The engine chosen at triage time may have been disabled since;
		// fall back to whatever can still run.
		engine = e.fallbackEngine(payload.Engine)
		if engine == nil {
			return nil, fmt.Errorf("engine %q is not available and no fallback exists", payload.Engine)
		}
		e.logger.Warn("Planned engine unavailable, falling back",
			slog.String("job_id", job.ID),
			slog.String("planned", payload.Engine),
			slog.String("fallback", engine.Name()),
		)
	}

	result, err := engine.Extract(ctx, payload.FilePath)
	if err != nil {
		return nil, fmt.Errorf("extraction with %s failed: %w", engine.Name(), err)
	}

	e.logger.Info("Extraction finished",
		slog.String("job_id", job.ID),
		slog.String("engine", engine.Name()),
		slog.Int("page_count", result.PageCount),
		slog.Int("chars", len(result.Text)),
		slog.Duration("duration", result.Duration),
	)

	return &ExecutionResult{
		ResultRef: fmt.Sprintf("method=%s pages=%d chars=%d", result.Method, result.PageCount, len(result.Text)),
	}, nil
}

func (e *ExtractExecutor) fallbackEngine(planned string) extract.Engine {
	if planned != extract.EnginePDFFast && e.engines.Available(extract.EnginePDFFast) {
		return e.engines.Get(extract.EnginePDFFast)
	}
	if planned != extract.EngineConvert && e.engines.Available(extract.EngineConvert) {
		return e.engines.Get(extract.EngineConvert)
	}
	return nil
}

// SourceSyncExecutor runs connector-sync extractions. The work is identical
// to a user-submitted extraction; only the job type and default priority
// differ.
type SourceSyncExecutor struct {
	*ExtractExecutor
}

// NewSourceSyncExecutor creates the source-sync executor.
func NewSourceSyncExecutor(engines *extract.Registry, logger *slog.Logger) *SourceSyncExecutor {
	return &SourceSyncExecutor{ExtractExecutor: NewExtractExecutor(engines, logger)}
}

// Type implements Executor.
func (e *SourceSyncExecutor) Type() domain.JobType {
	return domain.JobTypeSourceSync
}

// Page is one fetched document produced by a crawl.
type Page struct {
	URL       string
	LocalPath string
	MimeType  string
}

// PageFetcher walks a site and materializes its documents locally. The
// crawler itself is an external collaborator.
type PageFetcher interface {
	Fetch(ctx context.Context, seedURL string, maxPages int) ([]Page, error)
}

// childSpawner is the fan-out loop shared by group-parent executors: triage
// each document, spawn one extraction child per supported one.
type childSpawner struct {
	analyzer    *triage.Analyzer
	queue       *scheduler.ExtractionQueue
	coordinator *scheduler.CancellationCoordinator
	storage     *storage.Storage
	logger      *slog.Logger
}

// spawnChildren enqueues extraction children for the given pages into the
// parent's group. It stops early when the group goes terminal.
func (s *childSpawner) spawnChildren(ctx context.Context, job *domain.Job, pages []Page) (spawned, skipped int, err error) {
	for _, page := range pages {
		// The group may have been cancelled mid-spawn; stop producing
		// children the moment it goes terminal.
		ok, err := s.coordinator.ShouldSpawnChildren(ctx, *job.GroupID)
		if err != nil {
			return spawned, skipped, fmt.Errorf("failed to check group state: %w", err)
		}
		if !ok {
			s.logger.Info("Group went terminal, stopping spawn",
				slog.String("job_id", job.ID),
				slog.String("group_id", *job.GroupID),
			)
			break
		}

		plan := s.analyzer.Triage(ctx, page.LocalPath, page.MimeType)
		if !plan.Supported {
			skipped++
			continue
		}

		payloadRef, err := domain.EncodePayload("extract", domain.ExtractPayload{
			FilePath:    page.LocalPath,
			MimeType:    page.MimeType,
			Engine:      plan.Engine,
			NeedsOCR:    plan.NeedsOCR,
			NeedsLayout: plan.NeedsLayout,
			Complexity:  plan.Complexity,
		})
		if err != nil {
			return spawned, skipped, err
		}

		// Reserve the counter slot before the child exists. The other order
		// lets a fast child resolve the group before it is counted.
		if err := s.storage.AddChildren(ctx, *job.GroupID, 1); err != nil {
			return spawned, skipped, fmt.Errorf("failed to register child: %w", err)
		}

		res, err := s.queue.Queue(ctx, scheduler.JobRequest{
			TargetRef:       page.URL,
			JobType:         domain.JobTypeExtraction,
			PayloadRef:      payloadRef,
			GroupID:         job.GroupID,
			SpawnedByParent: true,
			Reason:          plan.Reason,
		})
		if err != nil || res.Status != scheduler.AdmissionQueued {
			if err != nil {
				s.logger.Error("Failed to queue child job",
					slog.String("target_ref", page.URL),
					slog.String("error", err.Error()),
				)
			}
			// Duplicate target, cooldown, or store failure: release the
			// reserved slot so the group can still resolve.
			if relErr := s.storage.AddChildren(ctx, *job.GroupID, -1); relErr != nil {
				s.logger.Error("Failed to release reserved child slot",
					slog.String("group_id", *job.GroupID),
					slog.String("error", relErr.Error()),
				)
			}
			skipped++
			continue
		}
		spawned++
	}

	return spawned, skipped, nil
}

// CrawlExecutor fetches pages for a crawl parent and spawns one extraction
// child per supported page. The parent job defers: it completes only when
// the last child resolves the group.
type CrawlExecutor struct {
	childSpawner
	fetcher PageFetcher
}

// NewCrawlExecutor creates the crawl executor.
func NewCrawlExecutor(fetcher PageFetcher, analyzer *triage.Analyzer, queue *scheduler.ExtractionQueue, coordinator *scheduler.CancellationCoordinator, store *storage.Storage, logger *slog.Logger) *CrawlExecutor {
	return &CrawlExecutor{
		childSpawner: childSpawner{
			analyzer:    analyzer,
			queue:       queue,
			coordinator: coordinator,
			storage:     store,
			logger:      logger,
		},
		fetcher: fetcher,
	}
}

// Type implements Executor.
func (e *CrawlExecutor) Type() domain.JobType {
	return domain.JobTypeCrawl
}

// Execute implements Executor.
func (e *CrawlExecutor) Execute(ctx context.Context, job *domain.Job) (*ExecutionResult, error) {
	if job.GroupID == nil {
		return nil, fmt.Errorf("crawl job %s has no group", job.ID)
	}

	envelope, err := domain.DecodeEnvelope(job.PayloadRef)
	if err != nil {
		return nil, err
	}

	payload, err := domain.DecodePayload[domain.CrawlPayload](envelope)
	if err != nil {
		return nil, err
	}

	pages, err := e.fetcher.Fetch(ctx, payload.SeedURL, payload.MaxPages)
	if err != nil {
		return nil, fmt.Errorf("crawl of %s failed: %w", payload.SeedURL, err)
	}

	spawned, skipped, err := e.spawnChildren(ctx, job, pages)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Crawl finished",
		slog.String("job_id", job.ID),
		slog.String("seed_url", payload.SeedURL),
		slog.Int("pages", len(pages)),
		slog.Int("spawned", spawned),
		slog.Int("skipped", skipped),
	)

	if spawned == 0 {
		return &ExecutionResult{
			ResultRef: fmt.Sprintf("crawled %d pages, no extractable documents", len(pages)),
		}, nil
	}

	return &ExecutionResult{Deferred: true}, nil
}

// PipelineExecutor fans a pipeline parent out into one extraction child per
// listed document. Same deferral contract as the crawl executor, but the
// documents are already local; nothing is fetched.
type PipelineExecutor struct {
	childSpawner
}

// NewPipelineExecutor creates the pipeline executor.
func NewPipelineExecutor(analyzer *triage.Analyzer, queue *scheduler.ExtractionQueue, coordinator *scheduler.CancellationCoordinator, store *storage.Storage, logger *slog.Logger) *PipelineExecutor {
	return &PipelineExecutor{
		childSpawner: childSpawner{
			analyzer:    analyzer,
			queue:       queue,
			coordinator: coordinator,
			storage:     store,
			logger:      logger,
		},
	}
}

// Type implements Executor.
func (e *PipelineExecutor) Type() domain.JobType {
	return domain.JobTypePipeline
}

// Execute implements Executor.
func (e *PipelineExecutor) Execute(ctx context.Context, job *domain.Job) (*ExecutionResult, error) {
	if job.GroupID == nil {
		return nil, fmt.Errorf("pipeline job %s has no group", job.ID)
	}

	envelope, err := domain.DecodeEnvelope(job.PayloadRef)
	if err != nil {
		return nil, err
	}

	payload, err := domain.DecodePayload[domain.PipelinePayload](envelope)
	if err != nil {
		return nil, err
	}

	pages := make([]Page, len(payload.FilePaths))
	for i, path := range payload.FilePaths {
		pages[i] = Page{URL: path, LocalPath: path}
	}

	spawned, skipped, err := e.spawnChildren(ctx, job, pages)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Pipeline fan-out finished",
		slog.String("job_id", job.ID),
		slog.Int("documents", len(pages)),
		slog.Int("spawned", spawned),
		slog.Int("skipped", skipped),
	)

	if spawned == 0 {
		return nil, fmt.Errorf("no document of %d could be queued for extraction", len(pages))
	}

	return &ExecutionResult{Deferred: true}, nil
}

// RetentionExecutor purges terminal jobs past their retention age. Retention
// is the one non-cancellable type: a half-finished purge leaves the store
// consistent but the policy unenforced, so it always runs to the end.
type RetentionExecutor struct {
	storage *storage.Storage
	logger  *slog.Logger
}

// NewRetentionExecutor creates the retention executor.
func NewRetentionExecutor(store *storage.Storage, logger *slog.Logger) *RetentionExecutor {
	return &RetentionExecutor{
		storage: store,
		logger:  logger,
	}
}

// Type implements Executor.
func (e *RetentionExecutor) Type() domain.JobType {
	return domain.JobTypeRetention
}

// Execute implements Executor.
func (e *RetentionExecutor) Execute(ctx context.Context, job *domain.Job) (*ExecutionResult, error) {
	envelope, err := domain.DecodeEnvelope(job.PayloadRef)
	if err != nil {
		return nil, err
	}

	payload, err := domain.DecodePayload[domain.RetentionPayload](envelope)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().AddDate(0, 0, -payload.MaxAgeDays)

	jobsPurged, groupsPurged, err := e.storage.PurgeTerminalJobs(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("retention purge failed: %w", err)
	}

	e.logger.Info("Retention purge finished",
		slog.String("job_id", job.ID),
		slog.Time("cutoff", cutoff),
		slog.Int64("jobs_purged", jobsPurged),
		slog.Int64("groups_purged", groupsPurged),
	)

	return &ExecutionResult{
		ResultRef: fmt.Sprintf("purged %d jobs, %d groups older than %dd", jobsPurged, groupsPurged, payload.MaxAgeDays),
	}, nil
}
