// Package config provides unified configuration for the tidelake tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration shared by the CLI and the maintenance
// daemon.
type Config struct {
	// DataDir is the base directory for all local state
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// ScratchDir is the working directory for staged and downloaded files
	ScratchDir string `json:"scratch_dir" yaml:"scratch_dir"`

	// HTTP configuration for the maintenance daemon
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Table engine configuration
	Table TableConfig `json:"table" yaml:"table"`

	// Maintenance daemon configuration
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the maintenance daemon's listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// TableConfig holds table engine configuration.
type TableConfig struct {
	// MaxRowsPerFile splits write batches into files of at most this many rows
	MaxRowsPerFile int `json:"max_rows_per_file" yaml:"max_rows_per_file"`

	// CheckpointInterval is the number of commits between snapshot checkpoints
	CheckpointInterval int `json:"checkpoint_interval" yaml:"checkpoint_interval"`

	// CommitRetries bounds rebase attempts when a commit loses a version race
	CommitRetries int `json:"commit_retries" yaml:"commit_retries"`

	// ConflictPolicy selects conflict granularity: partition, file
	ConflictPolicy string `json:"conflict_policy" yaml:"conflict_policy"`
}

// MaintenanceConfig holds maintenance daemon configuration.
type MaintenanceConfig struct {
	// CheckInterval is the interval between maintenance cycles
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// Retention is how far back vacuum keeps time travel working.
	// Zero reclaims unreferenced files immediately.
	Retention time.Duration `json:"retention" yaml:"retention"`

	// SmallFileMB is the fragment threshold for compaction, in megabytes
	SmallFileMB int `json:"small_file_mb" yaml:"small_file_mb"`

	// MaxFilesPerPartition triggers a full-partition rewrite when exceeded
	MaxFilesPerPartition int `json:"max_files_per_partition" yaml:"max_files_per_partition"`

	// TargetFileMB sizes compacted files, in megabytes (8–1024)
	TargetFileMB int `json:"target_file_mb" yaml:"target_file_mb"`

	// Tables lists the tables the daemon maintains
	Tables []TableSpec `json:"tables" yaml:"tables"`

	// Backpressure controls adaptive maintenance concurrency
	Backpressure BackpressureConfig `json:"backpressure" yaml:"backpressure"`
}

// TableSpec names one maintained table and its clustering.
type TableSpec struct {
	// Root is the table root path in storage, e.g. silver/transactions
	Root string `json:"root" yaml:"root"`

	// ZOrderBy lists the clustering columns applied during compaction
	ZOrderBy []string `json:"zorder_by" yaml:"zorder_by"`
}

// BackpressureConfig holds adaptive concurrency configuration.
type BackpressureConfig struct {
	// MaxConcurrency is the upper bound for concurrently maintained tables
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`

	// MinConcurrency is the lower bound
	MinConcurrency int `json:"min_concurrency" yaml:"min_concurrency"`

	// FailureThreshold is the failure rate above which backoff triggers
	FailureThreshold float64 `json:"failure_threshold" yaml:"failure_threshold"`

	// WindowDuration is the sliding window for tracking failures
	WindowDuration time.Duration `json:"window_duration" yaml:"window_duration"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir:    "./data/tidelake",
		ScratchDir: "",
		HTTP: HTTPConfig{
			Addr:         ":8082",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Table: TableConfig{
			MaxRowsPerFile:     100000,
			CheckpointInterval: 10,
			CommitRetries:      5,
			ConflictPolicy:     "partition",
		},
		Maintenance: MaintenanceConfig{
			CheckInterval:        15 * time.Minute,
			Retention:            168 * time.Hour,
			SmallFileMB:          32,
			MaxFilesPerPartition: 16,
			TargetFileMB:         64,
			Backpressure: BackpressureConfig{
				MaxConcurrency:   4,
				MinConcurrency:   1,
				FailureThreshold: 0.05,
				WindowDuration:   10 * time.Minute,
			},
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tidelake"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}

	if c.ScratchDir == "" {
		c.ScratchDir = filepath.Join(c.DataDir, "scratch")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	switch c.Table.ConflictPolicy {
	case "", "partition", "file":
		// Valid policies
	default:
		return fmt.Errorf("invalid conflict policy: %s (must be partition or file)", c.Table.ConflictPolicy)
	}

	if c.Maintenance.TargetFileMB < 8 || c.Maintenance.TargetFileMB > 1024 {
		return fmt.Errorf("maintenance.target_file_mb must be between 8 and 1024, got %d", c.Maintenance.TargetFileMB)
	}

	if c.Maintenance.SmallFileMB < 1 || c.Maintenance.SmallFileMB > c.Maintenance.TargetFileMB {
		return fmt.Errorf("maintenance.small_file_mb must be between 1 and target_file_mb, got %d", c.Maintenance.SmallFileMB)
	}

	if c.Maintenance.CheckInterval <= 0 {
		return fmt.Errorf("maintenance.check_interval must be positive")
	}

	if c.Maintenance.Retention < 0 {
		return fmt.Errorf("maintenance.retention must not be negative")
	}

	for i, spec := range c.Maintenance.Tables {
		if spec.Root == "" {
			return fmt.Errorf("maintenance.tables[%d].root is required", i)
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TIDELAKE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TIDELAKE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TIDELAKE_SCRATCH_DIR"); v != "" {
		cfg.ScratchDir = v
	}

	// HTTP configuration
	if v := os.Getenv("TIDELAKE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Table configuration
	if v := os.Getenv("TIDELAKE_MAX_ROWS_PER_FILE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Table.MaxRowsPerFile)
	}
	if v := os.Getenv("TIDELAKE_COMMIT_RETRIES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Table.CommitRetries)
	}
	if v := os.Getenv("TIDELAKE_CONFLICT_POLICY"); v != "" {
		cfg.Table.ConflictPolicy = v
	}

	// Maintenance configuration
	if v := os.Getenv("TIDELAKE_MAINTENANCE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Maintenance.CheckInterval = d
		}
	}
	if v := os.Getenv("TIDELAKE_MAINTENANCE_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Maintenance.Retention = d
		}
	}
	if v := os.Getenv("TIDELAKE_MAINTENANCE_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Maintenance.Backpressure.MaxConcurrency)
	}

	// Storage configuration
	if v := os.Getenv("TIDELAKE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TIDELAKE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TIDELAKE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TIDELAKE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TIDELAKE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.ScratchDir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
