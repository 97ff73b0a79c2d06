package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/docrelay/extraction-service/internal/api/handler"
	"github.com/docrelay/extraction-service/internal/api/router"
	"github.com/docrelay/extraction-service/internal/config"
	"github.com/docrelay/extraction-service/internal/dispatch"
	"github.com/docrelay/extraction-service/internal/extract"
	"github.com/docrelay/extraction-service/internal/jobstore"
	"github.com/docrelay/extraction-service/internal/scheduler"
	"github.com/docrelay/extraction-service/internal/scheduler/domain"
	"github.com/docrelay/extraction-service/internal/triage"
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
	defaultConfigPath := os.Getenv("SCHEDULER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/scheduler-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateSchedulerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting scheduler service",
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

	// Wire the scheduling core
	store := jobstore.NewStore(dbClient, appLogger.Logger)
	tunables := scheduler.NewTunables(cfg.Queue, cfg.Monitor)

	bus := scheduler.NewBus()
	bus.Subscribe(scheduler.LogSubscriber(appLogger.Logger))

	// The dispatcher needs the queue's deadline computation and the queue
	// needs the dispatcher; the closure breaks the cycle.
	var queue *scheduler.ExtractionQueue
	dispatcher := dispatch.NewRabbitDispatcher(
		rabbitClient,
		cfg.RabbitMQ.RoutingKey,
		func(job *domain.Job) time.Time { return queue.Deadline(job) },
		appLogger.Logger,
	)
	queue = scheduler.NewExtractionQueue(store, dispatcher, tunables, bus, appLogger.Logger)

	notifier := &scheduler.LogNotifier{Logger: appLogger.Logger}
	monitor := scheduler.NewTimeoutMonitor(store, notifier, tunables, bus, appLogger.Logger)
	coordinator := scheduler.NewCancellationCoordinator(store, dispatcher, notifier, bus, appLogger.Logger)
	stats := scheduler.NewStatsService(store)
	analyzer := initAnalyzer(cfg, appLogger.Logger)

	// Background loops: queue promotion and liveness sweeps
	scheduled := cron.New()

	if _, err := scheduled.AddFunc(fmt.Sprintf("@every %s", cfg.Queue.ProcessInterval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ProcessInterval)
		defer cancel()

		if _, err := queue.ProcessQueue(ctx); err != nil {
			appLogger.Error("Queue processing cycle failed",
				slog.Any("error", err),
			)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule queue processing: %w", err)
	}

	if _, err := scheduled.AddFunc(fmt.Sprintf("@every %s", cfg.Monitor.SweepInterval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Monitor.SweepInterval)
		defer cancel()

		if _, err := monitor.Sweep(ctx); err != nil {
			appLogger.Error("Liveness sweep failed",
				slog.Any("error", err),
			)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule liveness sweeps: %w", err)
	}

	scheduled.Start()

	// HTTP API
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:      appLogger.Logger,
		Store:       store,
		Queue:       queue,
		Coordinator: coordinator,
		Stats:       stats,
		Analyzer:    analyzer,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	g, ctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	// SIGHUP hot-reloads the queue and monitor tunables without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	g.Go(func() error {
		watchReloads(ctx, hup, func() {
			reloadTunables(*configPath, tunables, appLogger.Logger)
		})
		return nil
	})

	appLogger.Info("Scheduler service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case <-ctx.Done():
	}

	appLogger.Info("Shutting down server...")

	// Release the reload watcher so g.Wait below does not block on it.
	stop()

	scheduled.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// watchReloads applies the reload callback for each signal received until
// ctx is cancelled.
func watchReloads(ctx context.Context, hup <-chan os.Signal, reload func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reload()
		}
	}
}

// reloadTunables re-reads the config file and swaps in the queue and monitor
// sections. A broken file keeps the previous values.
func reloadTunables(configPath string, tunables *scheduler.Tunables, logger *slog.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Config reload failed, keeping current tunables",
			slog.Any("error", err),
		)
		return
	}

	if err := cfg.ValidateSchedulerConfig(); err != nil {
		logger.Error("Reloaded config invalid, keeping current tunables",
			slog.Any("error", err),
		)
		return
	}

	tunables.Update(cfg.Queue, cfg.Monitor)
	logger.Info("Tunables reloaded",
		slog.Int("max_concurrent", cfg.Queue.MaxConcurrent),
		slog.Duration("cooldown", cfg.Queue.Cooldown),
		slog.Duration("stale_threshold", cfg.Monitor.StaleThreshold),
		slog.Duration("timeout_threshold", cfg.Monitor.TimeoutThreshold),
	)
}

// initAnalyzer builds the triage analyzer with whatever inspection tooling
// this host has; missing tools degrade routing instead of failing startup.
func initAnalyzer(cfg *config.Config, logger *slog.Logger) *triage.Analyzer {
	engines := buildEngineRegistry(&cfg.Extract, logger)

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

// buildEngineRegistry registers the engines present on this host. The
// registry drives both triage routing and (in the worker) execution; keeping
// the same construction in both services keeps routing honest.
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
