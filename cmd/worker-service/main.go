package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/docrelay/extraction-service/internal/config"
	"github.com/docrelay/extraction-service/internal/dispatch"
	"github.com/docrelay/extraction-service/internal/extract"
	"github.com/docrelay/extraction-service/internal/jobstore"
	"github.com/docrelay/extraction-service/internal/scheduler"
	"github.com/docrelay/extraction-service/internal/scheduler/domain"
	"github.com/docrelay/extraction-service/internal/triage"
	"github.com/docrelay/extraction-service/internal/worker"
	workerstorage "github.com/docrelay/extraction-service/internal/worker/storage"
	"github.com/docrelay/extraction-service/shared/logger"
	"github.com/docrelay/extraction-service/shared/postgresql"
	"github.com/docrelay/extraction-service/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Scheduling collaborators the executors need: the crawl executor
	// spawns children through the same admission path the API uses, and the
	// coordinator propagates parent failures.
	store := jobstore.NewStore(dbClient, appLogger.Logger)
	tunables := scheduler.NewTunables(cfg.Queue, cfg.Monitor)

	bus := scheduler.NewBus()
	bus.Subscribe(scheduler.LogSubscriber(appLogger.Logger))

	var queue *scheduler.ExtractionQueue
	dispatcher := dispatch.NewRabbitDispatcher(
		rabbitClient,
		cfg.RabbitMQ.RoutingKey,
		func(job *domain.Job) time.Time { return queue.Deadline(job) },
		appLogger.Logger,
	)
	queue = scheduler.NewExtractionQueue(store, dispatcher, tunables, bus, appLogger.Logger)

	notifier := &scheduler.LogNotifier{Logger: appLogger.Logger}
	coordinator := scheduler.NewCancellationCoordinator(store, dispatcher, notifier, bus, appLogger.Logger)

	// Executors
	engines := buildEngineRegistry(&cfg.Extract, appLogger.Logger)
	analyzer := initAnalyzer(cfg, engines, appLogger.Logger)
	wstore := workerstorage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	fetcher := worker.NewHTTPFetcher(filepath.Join(os.TempDir(), "extraction-crawl"), appLogger.Logger)

	executors := worker.NewExecutorRegistry(
		worker.NewExtractExecutor(engines, appLogger.Logger),
		worker.NewSourceSyncExecutor(engines, appLogger.Logger),
		worker.NewCrawlExecutor(fetcher, analyzer, queue, coordinator, wstore, appLogger.Logger),
		worker.NewPipelineExecutor(analyzer, queue, coordinator, wstore, appLogger.Logger),
		worker.NewRetentionExecutor(wstore, appLogger.Logger),
	)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		DBClient:          dbClient,
		RabbitClient:      rabbitClient,
		Executors:         executors,
		Coordinator:       coordinator,
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		JobsQueueName:     cfg.RabbitMQ.Queue.Name,
		RevokeQueueName:   cfg.RabbitMQ.Queue.Name + ".revoke",
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// buildEngineRegistry registers the engines present on this host.
func buildEngineRegistry(cfg *config.ExtractConfig, logger *slog.Logger) *extract.Registry {
	engines := []extract.Engine{extract.NewConvertEngine()}

	if pdfFast, err := extract.NewCommandEngine(extract.EnginePDFFast, "pdftotext", "-layout"); err == nil {
		engines = append(engines, pdfFast)
	} else {
		logger.Warn("Fast PDF engine unavailable",
			slog.Any("error", err),
		)
	}

	if cfg.AdvancedEngine.Command != "" {
		if docai, err := extract.NewCommandEngine(extract.EngineDocAI, cfg.AdvancedEngine.Command, cfg.AdvancedEngine.Args...); err == nil {
			engines = append(engines, docai)
		} else {
			logger.Warn("Advanced engine unavailable",
				slog.String("command", cfg.AdvancedEngine.Command),
				slog.Any("error", err),
			)
		}
	}

	return extract.NewRegistry(engines...)
}

// initAnalyzer builds the triage analyzer used when crawled documents are
// admitted as extraction children.
func initAnalyzer(cfg *config.Config, engines *extract.Registry, logger *slog.Logger) *triage.Analyzer {
	var prober triage.PDFProber
	if p, err := triage.NewPopplerProber(); err == nil {
		prober = p
	} else {
		logger.Warn("PDF prober unavailable, triage degrades to conservative routing",
			slog.Any("error", err),
		)
	}

	return triage.NewAnalyzer(cfg.Triage, engines, prober, logger)
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
