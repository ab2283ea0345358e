package config

import (
	"strings"
	"time"

	"github.com/stagehand-io/stagehand/internal/bytesize"
)

// Tunable defaults. These match the documented configuration defaults.
const (
	DefaultWorkers           = 4
	DefaultPoolCapacity      = 10
	DefaultPollInterval      = 30 * time.Second
	DefaultMaxWait           = 2 * time.Hour
	DefaultKeepaliveInterval = 240 * time.Second
	DefaultCompressionLevel  = 1
	DefaultParallelUploads   = 4
	DefaultMaxAttempts       = 2
)

// DefaultAsyncThreshold is the compressed size above which COPY is async.
const DefaultAsyncThreshold = 100 * bytesize.MiB

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyJobDefaults(&cfg.Job)

	if cfg.Warehouse.Stage.Prefix == "" {
		cfg.Warehouse.Stage.Prefix = "stagehand"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "localhost:9464"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyJobDefaults(cfg *JobConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PoolCapacity == 0 {
		cfg.PoolCapacity = DefaultPoolCapacity
	}
	if cfg.AsyncThreshold == 0 {
		cfg.AsyncThreshold = DefaultAsyncThreshold
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = DefaultCompressionLevel
	}
	if cfg.ParallelUploads == 0 {
		cfg.ParallelUploads = DefaultParallelUploads
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ValidationPolicy == "" {
		cfg.ValidationPolicy = ValidateBoth
	}
	if cfg.RecoveryLog == "" {
		cfg.RecoveryLog = "stagehand-recovery.jsonl"
	}
}
