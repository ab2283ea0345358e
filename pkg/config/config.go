// Package config defines the stagehand configuration: warehouse
// coordinates, stage location, per-job tunables, and the descriptors of the
// input files to load.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (STAGEHAND_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stagehand-io/stagehand/internal/bytesize"
	"github.com/stagehand-io/stagehand/pkg/format"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
)

// ValidationPolicy selects which validation passes run for a job.
type ValidationPolicy string

const (
	ValidateSkip          ValidationPolicy = "SKIP"
	ValidateFileOnly      ValidationPolicy = "FILE_ONLY"
	ValidateWarehouseOnly ValidationPolicy = "WAREHOUSE_ONLY"
	ValidateBoth          ValidationPolicy = "BOTH"
)

// FileValidation reports whether the policy includes the streaming file pass.
func (p ValidationPolicy) FileValidation() bool {
	return p == ValidateFileOnly || p == ValidateBoth
}

// WarehouseValidation reports whether the policy includes the post-load pass.
func (p ValidationPolicy) WarehouseValidation() bool {
	return p == ValidateWarehouseOnly || p == ValidateBoth
}

// Config is the validated, closed configuration record. Unknown keys in the
// configuration file are a CONFIG_INVALID error at load time.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Warehouse holds the warehouse connection and stage coordinates
	Warehouse WarehouseConfig `mapstructure:"warehouse" yaml:"warehouse"`

	// Job holds the per-job tunables
	Job JobConfig `mapstructure:"job" yaml:"job"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Files are the input file descriptors
	Files []FileDescriptor `mapstructure:"files" yaml:"files"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR" yaml:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// WarehouseConfig holds the warehouse session and stage coordinates.
type WarehouseConfig struct {
	// DSN is the warehouse connection string (postgres wire).
	DSN string `mapstructure:"dsn" validate:"required" yaml:"dsn"`

	// Stage configures the object-store location backing ephemeral stages.
	Stage StageConfig `mapstructure:"stage" yaml:"stage"`
}

// StageConfig locates the object-store prefix used for ephemeral stages.
type StageConfig struct {
	Bucket string `mapstructure:"bucket" validate:"required" yaml:"bucket"`

	// Prefix is the user stage root under the bucket; per-file stages are
	// created as <prefix>/<table>/<uuid>/.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`

	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing, required by most
	// S3-compatible endpoints.
	UsePathStyle bool `mapstructure:"use_path_style" yaml:"use_path_style"`

	// AccessKeyID and SecretAccessKey override the ambient AWS credential
	// chain when set.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
}

// JobConfig holds the per-job tunables.
type JobConfig struct {
	// Workers is the number of concurrent file workers. The effective
	// worker count is min(Workers, PoolCapacity).
	Workers int `mapstructure:"workers" validate:"omitempty,gte=1" yaml:"workers"`

	// PoolCapacity is the warehouse session pool size.
	PoolCapacity int `mapstructure:"pool_capacity" validate:"omitempty,gte=1" yaml:"pool_capacity"`

	// AsyncThreshold is the compressed size above which COPY is submitted
	// asynchronously.
	AsyncThreshold bytesize.ByteSize `mapstructure:"async_threshold" yaml:"async_threshold"`

	// PollInterval is the async COPY status poll interval.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"omitempty,gt=0" yaml:"poll_interval"`

	// MaxWait is the hard deadline for one COPY.
	MaxWait time.Duration `mapstructure:"max_wait" validate:"omitempty,gt=0" yaml:"max_wait"`

	// KeepaliveInterval is the per-lease session keepalive period.
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" validate:"omitempty,gt=0" yaml:"keepalive_interval"`

	// CompressionLevel is the gzip level used by the compress phase.
	CompressionLevel int `mapstructure:"compression_level" validate:"omitempty,gte=1,lte=9" yaml:"compression_level"`

	// ParallelUploads is the number of concurrent stage upload parts.
	ParallelUploads int `mapstructure:"parallel_uploads" validate:"omitempty,gte=1" yaml:"parallel_uploads"`

	// MaxAttempts caps COPY retries after transient failures.
	MaxAttempts int `mapstructure:"max_attempts" validate:"omitempty,gte=1" yaml:"max_attempts"`

	// ValidationPolicy selects which validation passes run.
	ValidationPolicy ValidationPolicy `mapstructure:"validation_policy" validate:"omitempty,oneof=SKIP FILE_ONLY WAREHOUSE_ONLY BOTH" yaml:"validation_policy"`

	// ContinueOnError keeps remaining files running after one fails.
	// Defaults to true; use a pointer so an explicit false survives
	// default application.
	ContinueOnError *bool `mapstructure:"continue_on_error" yaml:"continue_on_error"`

	// DuplicateKey is the composite key for duplicate detection. Duplicate
	// detection is skipped when unset; there is no implicit default.
	DuplicateKey []string `mapstructure:"duplicate_key" yaml:"duplicate_key"`

	// WindowStart and WindowEnd bound the completeness date window,
	// YYYY-MM-DD inclusive. Every calendar date in the window is expected
	// to be present after load. When unset, the window defaults to each
	// file's observed date span.
	WindowStart string `mapstructure:"window_start" validate:"omitempty,datetime=2006-01-02" yaml:"window_start,omitempty"`
	WindowEnd   string `mapstructure:"window_end" validate:"omitempty,datetime=2006-01-02" yaml:"window_end,omitempty"`

	// QualityStrict fails the file on any row-level anomaly before load.
	QualityStrict bool `mapstructure:"quality_strict" yaml:"quality_strict"`

	// CompletenessStrict turns completeness warnings into failures.
	CompletenessStrict bool `mapstructure:"completeness_strict" yaml:"completeness_strict"`

	// RecoveryLog is the JSON-lines file recording stages that could not
	// be dropped.
	RecoveryLog string `mapstructure:"recovery_log" yaml:"recovery_log"`
}

// ShouldContinueOnError resolves the ContinueOnError default (true).
func (j *JobConfig) ShouldContinueOnError() bool {
	if j.ContinueOnError == nil {
		return true
	}
	return *j.ContinueOnError
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// FileDescriptor identifies one input file and its declared shape. The
// effective format is attached exactly once by the analyzer before any
// streaming read.
type FileDescriptor struct {
	// Path is the absolute path of the input file.
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// Table is the target warehouse table.
	Table string `mapstructure:"table" validate:"required" yaml:"table"`

	// DateColumn is the declared date column name.
	DateColumn string `mapstructure:"date_column" validate:"required" yaml:"date_column"`

	// Columns is the ordered expected column list.
	Columns []string `mapstructure:"columns" validate:"required,min=1" yaml:"columns"`

	// SkipHeader is the number of leading header rows (0 or 1).
	SkipHeader int `mapstructure:"skip_header" validate:"omitempty,gte=0,lte=1" yaml:"skip_header"`

	// Delimiter optionally declares the field delimiter: "tab", "comma",
	// "pipe", "semicolon", or a single literal character.
	Delimiter string `mapstructure:"delimiter" yaml:"delimiter"`

	// Quote optionally declares the quote character: "none" or a single
	// literal character.
	Quote string `mapstructure:"quote" yaml:"quote"`

	// Escape selects quote escaping: "doubling" (default) or "backslash".
	Escape string `mapstructure:"escape" validate:"omitempty,oneof=doubling backslash" yaml:"escape"`

	effective  *format.Format
	confidence float64
}

// delimiterNames maps symbolic delimiter declarations to bytes.
var delimiterNames = map[string]byte{
	"tab":       '\t',
	"comma":     ',',
	"pipe":      '|',
	"semicolon": ';',
}

// Overrides translates the declared format fields into detector overrides.
func (fd *FileDescriptor) Overrides() (format.Overrides, error) {
	var ov format.Overrides

	if fd.Delimiter != "" {
		if b, ok := delimiterNames[strings.ToLower(fd.Delimiter)]; ok {
			ov.Delimiter = b
		} else if len(fd.Delimiter) == 1 {
			ov.Delimiter = fd.Delimiter[0]
		} else {
			return ov, loaderr.New(loaderr.KindConfigInvalid,
				fmt.Sprintf("invalid delimiter declaration %q", fd.Delimiter)).WithPath(fd.Path)
		}
	}

	if fd.Quote != "" {
		ov.QuoteSet = true
		if strings.EqualFold(fd.Quote, "none") {
			ov.Quote = 0
		} else if len(fd.Quote) == 1 {
			ov.Quote = fd.Quote[0]
		} else {
			return ov, loaderr.New(loaderr.KindConfigInvalid,
				fmt.Sprintf("invalid quote declaration %q", fd.Quote)).WithPath(fd.Path)
		}
	}

	if fd.Escape == "backslash" {
		ov.Escape = format.EscapeBackslash
	}

	return ov, nil
}

// SetEffectiveFormat attaches the detected format. It may be called exactly
// once; a second call is a programmer error.
func (fd *FileDescriptor) SetEffectiveFormat(res format.Result) error {
	if fd.effective != nil {
		return fmt.Errorf("effective format already set for %s", fd.Path)
	}
	f := res.Format
	fd.effective = &f
	fd.confidence = res.Confidence
	return nil
}

// EffectiveFormat returns the detected format, if set.
func (fd *FileDescriptor) EffectiveFormat() (format.Format, bool) {
	if fd.effective == nil {
		return format.Format{}, false
	}
	return *fd.effective, true
}

// FormatConfidence returns the detector confidence for the effective format.
func (fd *FileDescriptor) FormatConfidence() float64 {
	return fd.confidence
}

// DateColumnIndex resolves the declared date column to its index in the
// expected column list.
func (fd *FileDescriptor) DateColumnIndex() (int, error) {
	for i, c := range fd.Columns {
		if strings.EqualFold(c, fd.DateColumn) {
			return i, nil
		}
	}
	return -1, loaderr.New(loaderr.KindConfigInvalid,
		fmt.Sprintf("date column %q not in expected columns", fd.DateColumn)).WithPath(fd.Path)
}

// KeyColumnIndexes resolves the duplicate key columns to indexes in the
// expected column list.
func (fd *FileDescriptor) KeyColumnIndexes(key []string) ([]int, error) {
	idx := make([]int, 0, len(key))
	for _, k := range key {
		found := -1
		for i, c := range fd.Columns {
			if strings.EqualFold(c, k) {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, loaderr.New(loaderr.KindConfigInvalid,
				fmt.Sprintf("duplicate key column %q not in expected columns", k)).WithPath(fd.Path)
		}
		idx = append(idx, found)
	}
	return idx, nil
}

// Validate checks the configuration after defaults are applied.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return loaderr.Wrap(loaderr.KindConfigInvalid, "configuration validation failed", err)
	}

	if (cfg.Job.WindowStart == "") != (cfg.Job.WindowEnd == "") {
		return loaderr.New(loaderr.KindConfigInvalid,
			"window_start and window_end must be set together")
	}
	if cfg.Job.WindowStart > cfg.Job.WindowEnd {
		return loaderr.New(loaderr.KindConfigInvalid,
			fmt.Sprintf("window_start %s is after window_end %s", cfg.Job.WindowStart, cfg.Job.WindowEnd))
	}

	seen := make(map[string]bool, len(cfg.Files))
	for i := range cfg.Files {
		fd := &cfg.Files[i]
		if seen[fd.Path] {
			return loaderr.New(loaderr.KindConfigInvalid,
				fmt.Sprintf("duplicate file entry %q", fd.Path))
		}
		seen[fd.Path] = true

		if _, err := fd.Overrides(); err != nil {
			return err
		}
		if _, err := fd.DateColumnIndex(); err != nil {
			return err
		}
		if len(cfg.Job.DuplicateKey) > 0 {
			if _, err := fd.KeyColumnIndexes(cfg.Job.DuplicateKey); err != nil {
				return err
			}
		}
	}

	return nil
}
