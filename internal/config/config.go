package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Storages    map[string]StorageConfig `yaml:"storages"`
	Archive     ArchiveConfig            `yaml:"archive"`
	Migration   Migration                `yaml:"migration"`
	Task        TaskRequest              `yaml:"task"`
	MetricsAddr string                   `yaml:"metrics_addr"`
	LogLevel    string                   `yaml:"log_level"`
}

// StorageConfig describes one S3-compatible storage backend. The map key in
// Config.Storages is the storage key referenced by migration tasks.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	Default   bool   `yaml:"default"`
}

// ArchiveConfig points at the cold archive tier
type ArchiveConfig struct {
	StorageKey string `yaml:"storage_key"`
}

// Migration represents engine-specific configuration
type Migration struct {
	Concurrency            int           `yaml:"concurrency"`
	UpdateProgressInterval time.Duration `yaml:"update_progress_interval"`
	DrainTimeout           time.Duration `yaml:"drain_timeout"`
	Retries                int           `yaml:"retries"`
	RetryBackoffMs         int           `yaml:"retry_backoff_ms"`
	MultipartThreshold     int64         `yaml:"multipart_threshold"`
	PartSize               int64         `yaml:"part_size"`
	SkipExisting           bool          `yaml:"skip_existing"`
	PageSize               int           `yaml:"page_size"`
	Checkpoint             string        `yaml:"checkpoint"`
	MetadataDB             string        `yaml:"metadata_db"`
	Shards                 int           `yaml:"shards"`
	ShowProgress           bool          `yaml:"show_progress"`
}

// TaskRequest identifies the repository a CLI invocation works on
type TaskRequest struct {
	ProjectID     string `yaml:"project_id"`
	RepoName      string `yaml:"repo_name"`
	SrcStorageKey string `yaml:"src_storage_key"`
	DstStorageKey string `yaml:"dst_storage_key"`
	Operator      string `yaml:"operator"`
}

// Default returns the configuration used before any file or flag is applied
func Default() *Config {
	return &Config{
		Storages:    map[string]StorageConfig{},
		MetricsAddr: ":8080",
		LogLevel:    "info",
		Migration: Migration{
			Concurrency:            16,
			UpdateProgressInterval: 10 * time.Second,
			DrainTimeout:           time.Minute,
			Retries:                3,
			RetryBackoffMs:         500,
			MultipartThreshold:     104857600, // 100MB
			PartSize:               67108864,  // 64MB
			SkipExisting:           true,
			PageSize:               1000,
			Checkpoint:             "./migrate.db",
			MetadataDB:             "./metadata.db",
			Shards:                 1,
			ShowProgress:           true,
		},
		Task: TaskRequest{
			Operator: "system",
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	if changed("project") {
		cfg.Task.ProjectID, _ = flags.GetString("project")
	}
	if changed("repo") {
		cfg.Task.RepoName, _ = flags.GetString("repo")
	}
	if changed("src-storage") {
		cfg.Task.SrcStorageKey, _ = flags.GetString("src-storage")
	}
	if changed("dst-storage") {
		cfg.Task.DstStorageKey, _ = flags.GetString("dst-storage")
	}
	if changed("operator") {
		cfg.Task.Operator, _ = flags.GetString("operator")
	}

	if changed("concurrency") {
		cfg.Migration.Concurrency, _ = flags.GetInt("concurrency")
	}
	if changed("update-progress-interval") {
		cfg.Migration.UpdateProgressInterval, _ = flags.GetDuration("update-progress-interval")
	}
	if changed("drain-timeout") {
		cfg.Migration.DrainTimeout, _ = flags.GetDuration("drain-timeout")
	}
	if changed("retries") {
		cfg.Migration.Retries, _ = flags.GetInt("retries")
	}
	if changed("retry-backoff-ms") {
		cfg.Migration.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if changed("page-size") {
		cfg.Migration.PageSize, _ = flags.GetInt("page-size")
	}
	if changed("checkpoint") {
		cfg.Migration.Checkpoint, _ = flags.GetString("checkpoint")
	}
	if changed("metadata-db") {
		cfg.Migration.MetadataDB, _ = flags.GetString("metadata-db")
	}
	if changed("shards") {
		cfg.Migration.Shards, _ = flags.GetInt("shards")
	}
	if changed("skip-existing") {
		cfg.Migration.SkipExisting, _ = flags.GetBool("skip-existing")
	}
	if changed("show-progress") {
		cfg.Migration.ShowProgress, _ = flags.GetBool("show-progress")
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

// DefaultStorageKey returns the key of the storage marked as default, or ""
// when none is marked.
func (c *Config) DefaultStorageKey() string {
	for key, s := range c.Storages {
		if s.Default {
			return key
		}
	}
	return ""
}

func (c *Config) validate() error {
	defaults := 0
	for key, s := range c.Storages {
		if s.Endpoint == "" {
			return fmt.Errorf("storage %q: endpoint is required", key)
		}
		if s.Bucket == "" {
			return fmt.Errorf("storage %q: bucket is required", key)
		}
		if s.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one storage can be marked default, got %d", defaults)
	}

	if c.Archive.StorageKey != "" {
		if _, ok := c.Storages[c.Archive.StorageKey]; !ok {
			return fmt.Errorf("archive storage %q is not configured", c.Archive.StorageKey)
		}
	}

	if c.Migration.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Migration.UpdateProgressInterval < 0 {
		return fmt.Errorf("update progress interval must not be negative")
	}
	if c.Migration.DrainTimeout <= 0 {
		return fmt.Errorf("drain timeout must be positive")
	}
	if c.Migration.Retries <= 0 {
		return fmt.Errorf("retries must be positive")
	}
	if c.Migration.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.Migration.Shards <= 0 {
		return fmt.Errorf("shards must be positive")
	}
	if c.Migration.PartSize < 5*1024*1024 { // 5MB minimum for S3
		return fmt.Errorf("part size must be at least 5MB")
	}

	return nil
}

// ValidateTask checks the repository selection of a run invocation
func (c *Config) ValidateTask() error {
	if c.Task.ProjectID == "" {
		return fmt.Errorf("project is required")
	}
	if c.Task.RepoName == "" {
		return fmt.Errorf("repo is required")
	}
	if c.Task.DstStorageKey == "" {
		return fmt.Errorf("destination storage is required")
	}
	if _, ok := c.Storages[c.Task.DstStorageKey]; !ok {
		return fmt.Errorf("destination storage %q is not configured", c.Task.DstStorageKey)
	}
	if c.Task.SrcStorageKey != "" {
		if _, ok := c.Storages[c.Task.SrcStorageKey]; !ok {
			return fmt.Errorf("source storage %q is not configured", c.Task.SrcStorageKey)
		}
	} else if c.DefaultStorageKey() == "" {
		return fmt.Errorf("source storage is required when no default storage is configured")
	}
	if c.Task.SrcStorageKey == c.Task.DstStorageKey ||
		(c.Task.SrcStorageKey == "" && c.DefaultStorageKey() == c.Task.DstStorageKey) {
		return fmt.Errorf("source and destination storage must differ")
	}
	return nil
}
