// Package config loads and reloads the agent's YAML configuration file.
// Grounded on the teacher's flag-driven startup in agent/agentmain/agentmain.go,
// generalized to a YAML document (gopkg.in/yaml.v3) since this agent has a
// single operator-edited file rather than a set of command-line flags passed
// by a launcher.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option from spec.md §6.
type Config struct {
	SourceDirectory      string `yaml:"source_directory"`
	DestinationDirectory string `yaml:"destination_directory"`

	FileStableTimeSeconds int `yaml:"file_stable_time_seconds"`
	PollingIntervalSeconds int `yaml:"polling_interval_seconds"`

	UseTemporaryFile bool `yaml:"use_temporary_file"`

	MaxRetryAttempts  int `yaml:"max_retry_attempts"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`

	CopyProgressUpdateInterval int `yaml:"copy_progress_update_interval"`

	StorageCheckIntervalSeconds int `yaml:"storage_check_interval_seconds"`

	SourceWarningThresholdGB   float64 `yaml:"source_warning_threshold_gb"`
	SourceCriticalThresholdGB  float64 `yaml:"source_critical_threshold_gb"`
	DestWarningThresholdGB     float64 `yaml:"destination_warning_threshold_gb"`
	DestCriticalThresholdGB    float64 `yaml:"destination_critical_threshold_gb"`

	StorageTestFilePrefix string `yaml:"storage_test_file_prefix"`

	EnablePreCopySpaceCheck bool `yaml:"enable_pre_copy_space_check"`

	CopySafetyMarginGB            float64 `yaml:"copy_safety_margin_gb"`
	MinimumFreeSpaceAfterCopyGB   float64 `yaml:"minimum_free_space_after_copy_gb"`

	SpaceRetryDelaySeconds int `yaml:"space_retry_delay_seconds"`
	MaxSpaceRetries        int `yaml:"max_space_retries"`

	KeepCompletedFilesHours    int `yaml:"keep_completed_files_hours"`
	MaxCompletedFilesInMemory  int `yaml:"max_completed_files_in_memory"`

	GrowingFileMinSizeMB            int `yaml:"growing_file_min_size_mb"`
	GrowingFilePollIntervalSeconds  int `yaml:"growing_file_poll_interval_seconds"`
	GrowingFileGrowthTimeoutSeconds int `yaml:"growing_file_growth_timeout_seconds"`
	GrowingFileSafetyMarginMB       int `yaml:"growing_file_safety_margin_mb"`
	GrowingFileChunkSizeKB          int `yaml:"growing_file_chunk_size_kb"`

	SpaceErrorCooldownMinutes int `yaml:"space_error_cooldown_minutes"`

	EnableAutoMount   bool   `yaml:"enable_auto_mount"`
	NetworkShareURL   string `yaml:"network_share_url"`
	WindowsDriveLetter string `yaml:"windows_drive_letter"`

	FileExtension  string `yaml:"file_extension"`
	TestFilePrefix string `yaml:"test_file_prefix"`

	MaxConcurrentCopies int `yaml:"max_concurrent_copies"`
	QueueSoftCap        int `yaml:"queue_soft_cap"`
	FailedJobsCapacity  int `yaml:"failed_jobs_capacity"`

	NormalCopyChunkSizeKB int `yaml:"normal_copy_chunk_size_kb"`
}

// Default returns a Config populated with conservative defaults; Load
// overlays values found in the YAML file on top of these.
func Default() Config {
	return Config{
		FileStableTimeSeconds:           30,
		PollingIntervalSeconds:          5,
		UseTemporaryFile:                true,
		MaxRetryAttempts:                3,
		RetryDelaySeconds:               5,
		CopyProgressUpdateInterval:      1,
		StorageCheckIntervalSeconds:     30,
		SourceWarningThresholdGB:        50,
		SourceCriticalThresholdGB:       10,
		DestWarningThresholdGB:          100,
		DestCriticalThresholdGB:         20,
		StorageTestFilePrefix:           ".mxfagent_write_test_",
		EnablePreCopySpaceCheck:         true,
		CopySafetyMarginGB:              5,
		MinimumFreeSpaceAfterCopyGB:     10,
		SpaceRetryDelaySeconds:          60,
		MaxSpaceRetries:                 10,
		KeepCompletedFilesHours:         24,
		MaxCompletedFilesInMemory:       1000,
		GrowingFileMinSizeMB:            100,
		GrowingFilePollIntervalSeconds:  1,
		GrowingFileGrowthTimeoutSeconds: 10,
		GrowingFileSafetyMarginMB:       4,
		GrowingFileChunkSizeKB:          1024,
		SpaceErrorCooldownMinutes:       30,
		EnableAutoMount:                 false,
		FileExtension:                   ".mxf",
		TestFilePrefix:                  "_test_",
		MaxConcurrentCopies:             2,
		QueueSoftCap:                    500,
		FailedJobsCapacity:              200,
		NormalCopyChunkSizeKB:           2048,
	}
}

func (c Config) StabilityTimeout() time.Duration {
	return time.Duration(c.FileStableTimeSeconds) * time.Second
}

func (c Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSeconds) * time.Second
}

func (c Config) SpaceRetryDelay() time.Duration {
	return time.Duration(c.SpaceRetryDelaySeconds) * time.Second
}

func (c Config) SpaceErrorCooldown() time.Duration {
	return time.Duration(c.SpaceErrorCooldownMinutes) * time.Minute
}

func (c Config) StorageCheckInterval() time.Duration {
	return time.Duration(c.StorageCheckIntervalSeconds) * time.Second
}

func (c Config) GrowingFilePollInterval() time.Duration {
	return time.Duration(c.GrowingFilePollIntervalSeconds) * time.Second
}

func (c Config) GrowingFileGrowthTimeout() time.Duration {
	return time.Duration(c.GrowingFileGrowthTimeoutSeconds) * time.Second
}

func (c Config) CopySafetyMarginBytes() int64 {
	return int64(c.CopySafetyMarginGB * 1024 * 1024 * 1024)
}

func (c Config) MinimumFreeSpaceAfterCopyBytes() int64 {
	return int64(c.MinimumFreeSpaceAfterCopyGB * 1024 * 1024 * 1024)
}

func (c Config) GrowingFileSafetyMarginBytes() int64 {
	return int64(c.GrowingFileSafetyMarginMB * 1024 * 1024)
}

func (c Config) GrowingFileChunkSizeBytes() int {
	return c.GrowingFileChunkSizeKB * 1024
}

func (c Config) NormalCopyChunkSizeBytes() int {
	return c.NormalCopyChunkSizeKB * 1024
}

func (c Config) validate() error {
	if c.SourceDirectory == "" {
		return fmt.Errorf("config: source_directory must be set")
	}
	if c.DestinationDirectory == "" {
		return fmt.Errorf("config: destination_directory must be set")
	}
	if c.MaxConcurrentCopies <= 0 {
		return fmt.Errorf("config: max_concurrent_copies must be positive")
	}
	return nil
}

// Loader holds the current config snapshot and the path it was read from,
// and supports safe concurrent Reload (spec.md "POST /api/reload-config").
type Loader struct {
	mu   sync.RWMutex
	path string
	cur  Config
}

// Load reads path, overlaying its contents onto Default(), validates the
// result, and returns a ready Loader.
func Load(path string) (*Loader, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return &Loader{path: path, cur: cfg}, nil
}

func readFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Snapshot returns the currently active configuration.
func (l *Loader) Snapshot() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// Reload re-reads the config file from disk, validates it, and swaps it in
// atomically. The prior snapshot is returned alongside the new one so
// callers can diff and react (e.g. restart the Storage Monitor on a changed
// interval).
func (l *Loader) Reload() (previous, current Config, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next, err := readFile(l.path)
	if err != nil {
		return l.cur, l.cur, err
	}
	previous = l.cur
	l.cur = next
	return previous, next, nil
}
