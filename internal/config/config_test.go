package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadValid(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(filepath.Join("testdata", "valid_config.yaml"))
	require.NoError(t, err)
	return cfg
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg := loadValid(t)

	// Explicit values survive.
	assert.Equal(t, 4, cfg.Queue.MaxConcurrent)
	assert.Equal(t, 45*time.Second, cfg.Queue.Cooldown)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "docai-extract", cfg.Extract.AdvancedEngine.Command)
	assert.Equal(t, []string{"--mode", "full"}, cfg.Extract.AdvancedEngine.Args)

	// Omitted fields pick up defaults.
	assert.Equal(t, DefaultProcessInterval, cfg.Queue.ProcessInterval)
	assert.Equal(t, DefaultSweepInterval, cfg.Monitor.SweepInterval)
	assert.Equal(t, DefaultStaleThreshold, cfg.Monitor.StaleThreshold)
	assert.Equal(t, DefaultTimeoutThreshold, cfg.Monitor.TimeoutThreshold)
	assert.Equal(t, DefaultSamplePages, cfg.Triage.SamplePages)
	assert.Equal(t, DefaultMinTextPerPage, cfg.Triage.MinTextPerPage)
	assert.Equal(t, int64(DefaultOfficeSizeBytes), cfg.Triage.OfficeSizeBytes)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "does_not_exist.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "malformed.yaml"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidateSchedulerConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "server port out of range",
			mutate:  func(cfg *Config) { cfg.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "missing database host",
			mutate:  func(cfg *Config) { cfg.Database.Host = "" },
			wantErr: "database host is required",
		},
		{
			name:    "missing rabbitmq exchange",
			mutate:  func(cfg *Config) { cfg.RabbitMQ.Exchange.Name = "" },
			wantErr: "rabbitmq exchange name is required",
		},
		{
			name:    "zero max_concurrent",
			mutate:  func(cfg *Config) { cfg.Queue.MaxConcurrent = -1 },
			wantErr: "max_concurrent must be greater than 0",
		},
		{
			name: "timeout threshold not above stale threshold",
			mutate: func(cfg *Config) {
				cfg.Monitor.StaleThreshold = 5 * time.Minute
				cfg.Monitor.TimeoutThreshold = 5 * time.Minute
			},
			wantErr: "timeout_threshold must be greater than stale_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadValid(t)
			tt.mutate(cfg)

			err := cfg.ValidateSchedulerConfig()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "zero concurrency",
			mutate:  func(cfg *Config) { cfg.Worker.Concurrency = 0 },
			wantErr: "worker concurrency must be greater than 0",
		},
		{
			name:    "zero job timeout",
			mutate:  func(cfg *Config) { cfg.Worker.JobTimeout = 0 },
			wantErr: "worker job_timeout must be greater than 0",
		},
		{
			name:    "zero heartbeat interval",
			mutate:  func(cfg *Config) { cfg.Worker.HeartbeatInterval = 0 },
			wantErr: "worker heartbeat_interval must be greater than 0",
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(cfg *Config) { cfg.Worker.ShutdownTimeout = 0 },
			wantErr: "worker shutdown_timeout must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadValid(t)
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
