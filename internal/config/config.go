package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Queue    QueueConfig    `yaml:"queue"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Triage   TriageConfig   `yaml:"triage"`
	Extract  ExtractConfig  `yaml:"extract"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      BrokerQueue      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// BrokerQueue holds RabbitMQ queue configuration
type BrokerQueue struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// QueueConfig holds extraction queue admission-control settings.
// Tunable at runtime: the scheduler service re-reads this section on SIGHUP.
type QueueConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	ProcessInterval  time.Duration `yaml:"process_interval"`
	Cooldown         time.Duration `yaml:"cooldown"`
	ExecutionBudget  time.Duration `yaml:"execution_budget"`
	DeadlineBuffer   time.Duration `yaml:"deadline_buffer"`
	AvgExecutionTime time.Duration `yaml:"avg_execution_time"`
}

// MonitorConfig holds two-phase liveness detection thresholds.
type MonitorConfig struct {
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	StaleThreshold   time.Duration `yaml:"stale_threshold"`
	TimeoutThreshold time.Duration `yaml:"timeout_threshold"`
}

// TriageConfig holds document triage thresholds.
type TriageConfig struct {
	SamplePages        int     `yaml:"sample_pages"`
	MinTextPerPage     int     `yaml:"min_text_per_page"`
	MaxBlocksPerPage   float64 `yaml:"max_blocks_per_page"`
	MaxImagesPerPage   float64 `yaml:"max_images_per_page"`
	TableLineThreshold float64 `yaml:"table_line_threshold"`
	OfficeSizeBytes    int64   `yaml:"office_size_bytes"`
}

// ExtractConfig holds optional extraction engine commands. The advanced
// engine is deployment-specific tooling; it is registered only when a
// command is configured and present on this host.
type ExtractConfig struct {
	AdvancedEngine CommandEngineConfig `yaml:"advanced_engine"`
}

// CommandEngineConfig names an external extraction binary and its arguments.
type CommandEngineConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Defaults applied by Load when a field is left empty. Conservative on
// purpose: ten concurrent extractions, 5s promotion poll, 30s cooldown.
const (
	DefaultMaxConcurrent    = 10
	DefaultProcessInterval  = 5 * time.Second
	DefaultCooldown         = 30 * time.Second
	DefaultSweepInterval    = 30 * time.Second
	DefaultStaleThreshold   = 2 * time.Minute
	DefaultTimeoutThreshold = 5 * time.Minute
	DefaultSamplePages      = 5
	DefaultMinTextPerPage   = 100
	DefaultOfficeSizeBytes  = 5 << 20
)

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Queue.MaxConcurrent == 0 {
		c.Queue.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Queue.ProcessInterval == 0 {
		c.Queue.ProcessInterval = DefaultProcessInterval
	}
	if c.Queue.Cooldown == 0 {
		c.Queue.Cooldown = DefaultCooldown
	}
	if c.Queue.ExecutionBudget == 0 {
		c.Queue.ExecutionBudget = 10 * time.Minute
	}
	if c.Queue.DeadlineBuffer == 0 {
		c.Queue.DeadlineBuffer = time.Minute
	}
	if c.Queue.AvgExecutionTime == 0 {
		c.Queue.AvgExecutionTime = 90 * time.Second
	}
	if c.Monitor.SweepInterval == 0 {
		c.Monitor.SweepInterval = DefaultSweepInterval
	}
	if c.Monitor.StaleThreshold == 0 {
		c.Monitor.StaleThreshold = DefaultStaleThreshold
	}
	if c.Monitor.TimeoutThreshold == 0 {
		c.Monitor.TimeoutThreshold = DefaultTimeoutThreshold
	}
	if c.Triage.SamplePages == 0 {
		c.Triage.SamplePages = DefaultSamplePages
	}
	if c.Triage.MinTextPerPage == 0 {
		c.Triage.MinTextPerPage = DefaultMinTextPerPage
	}
	if c.Triage.MaxBlocksPerPage == 0 {
		c.Triage.MaxBlocksPerPage = 40
	}
	if c.Triage.MaxImagesPerPage == 0 {
		c.Triage.MaxImagesPerPage = 2
	}
	if c.Triage.TableLineThreshold == 0 {
		c.Triage.TableLineThreshold = 25
	}
	if c.Triage.OfficeSizeBytes == 0 {
		c.Triage.OfficeSizeBytes = DefaultOfficeSizeBytes
	}
}

// ValidateSchedulerConfig checks the fields the scheduler service depends on.
func (c *Config) ValidateSchedulerConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue max_concurrent must be greater than 0")
	}

	if c.Queue.ProcessInterval <= 0 {
		return fmt.Errorf("queue process_interval must be greater than 0")
	}

	if c.Monitor.StaleThreshold <= 0 {
		return fmt.Errorf("monitor stale_threshold must be greater than 0")
	}

	if c.Monitor.TimeoutThreshold <= c.Monitor.StaleThreshold {
		return fmt.Errorf("monitor timeout_threshold must be greater than stale_threshold")
	}

	return nil
}

// ValidateWorkerConfig checks the fields the worker service depends on.
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
