// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

// Package config loads and validates engine configuration.
//
// Configuration is loaded via Koanf v2 with layered sources, highest
// priority last:
//
//  1. Built-in defaults
//  2. Optional YAML config file (config.yaml, or CONFIG_PATH)
//  3. Environment variables (CALENDAR_URL, STORAGE_BUCKET, ...)
//
// Validation is fail-fast: a missing credential or malformed section
// aborts startup rather than degrading silently at the first run.
package config

import (
	"time"
)

// Config is the root configuration for the sync engine.
type Config struct {
	Calendar SourceConfig  `koanf:"calendar"`
	Gallery  SourceConfig  `koanf:"gallery"`
	Storage  StorageConfig `koanf:"storage"`
	Database DatabaseConfig `koanf:"database"`
	Sync     SyncConfig    `koanf:"sync"`
	Derive   DeriveConfig  `koanf:"derive"`
	Monitor  MonitorConfig `koanf:"monitor"`
	Server   ServerConfig  `koanf:"server"`
	Logging  LoggingConfig `koanf:"logging"`
}

// SourceConfig configures one remote provider adapter (calendar or
// gallery). The source client applies the timeout and rate limit per
// request; retry policy lives with the scheduler, not here.
type SourceConfig struct {
	URL       string        `koanf:"url" validate:"required,url"`
	APIKey    string        `koanf:"api_key" validate:"required"`
	PageSize  int           `koanf:"page_size" validate:"min=1,max=500"`
	Timeout   time.Duration `koanf:"timeout" validate:"min=1s"`
	RateLimit float64       `koanf:"rate_limit" validate:"gt=0"`
}

// StorageConfig configures the S3-compatible object store client.
type StorageConfig struct {
	Endpoint       string `koanf:"endpoint" validate:"required"`
	Bucket         string `koanf:"bucket" validate:"required"`
	AccessKey      string `koanf:"access_key" validate:"required"`
	SecretKey      string `koanf:"secret_key" validate:"required"`
	Region         string `koanf:"region"`
	ForcePathStyle bool   `koanf:"force_path_style"`

	// Uploads above MultipartThreshold take the chunked multipart path.
	MultipartThreshold int64 `koanf:"multipart_threshold" validate:"min=1048576"`
	MultipartPartSize  int64 `koanf:"multipart_part_size" validate:"min=5242880"`

	// Bounded retry with exponential backoff for every operation.
	RetryAttempts     int           `koanf:"retry_attempts" validate:"min=1,max=10"`
	RetryInitialDelay time.Duration `koanf:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `koanf:"retry_max_delay"`
}

// DatabaseConfig configures the DuckDB store holding the checkpoint
// and processed-item tables.
type DatabaseConfig struct {
	Path    string `koanf:"path" validate:"required"`
	Threads int    `koanf:"threads"` // 0 = runtime.NumCPU()
}

// SyncConfig configures the batch scheduler and trigger layer.
type SyncConfig struct {
	// RunBudget is the soft wall-clock budget for one run. Checked
	// between items, never preempting an in-flight item.
	RunBudget time.Duration `koanf:"run_budget" validate:"min=1s"`

	// BatchSize caps newly-processed items per run. Skips are free.
	BatchSize int `koanf:"batch_size" validate:"min=1"`

	// Concurrency bounds item fan-out inside one batch step.
	Concurrency int `koanf:"concurrency" validate:"min=1,max=16"`

	// Cron schedules for the external trigger layer.
	CalendarSchedule string `koanf:"calendar_schedule" validate:"required"`
	GallerySchedule  string `koanf:"gallery_schedule" validate:"required"`
}

// DeriveConfig configures the image derivation pipeline.
type DeriveConfig struct {
	// Widths are the resize targets, ascending. Variant names derive
	// from the width (images/{id}-{width}.jpg).
	Widths      []int `koanf:"widths" validate:"required,min=1,dive,min=16"`
	JPEGQuality int   `koanf:"jpeg_quality" validate:"min=1,max=100"`
}

// MonitorConfig configures the sync health monitor.
type MonitorConfig struct {
	Enabled          bool          `koanf:"enabled"`
	Interval         time.Duration `koanf:"interval" validate:"min=10s"`
	FailureThreshold int           `koanf:"failure_threshold" validate:"min=1"`
	StalenessWindow  time.Duration `koanf:"staleness_window" validate:"min=1m"`

	// AlertRecipient is handed to the notifier collaborator verbatim.
	AlertRecipient string `koanf:"alert_recipient"`
}

// ServerConfig configures the status/trigger HTTP surface.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"min=1s"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults
// are loaded first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Calendar: SourceConfig{
			URL:       "",
			APIKey:    "",
			PageSize:  100,
			Timeout:   15 * time.Second,
			RateLimit: 5,
		},
		Gallery: SourceConfig{
			URL:       "",
			APIKey:    "",
			PageSize:  100,
			Timeout:   30 * time.Second,
			RateLimit: 3,
		},
		Storage: StorageConfig{
			Endpoint:           "",
			Bucket:             "",
			Region:             "us-east-1",
			ForcePathStyle:     false,
			MultipartThreshold: 8 << 20, // 8 MiB
			MultipartPartSize:  5 << 20, // 5 MiB, the S3 minimum
			RetryAttempts:      3,
			RetryInitialDelay:  500 * time.Millisecond,
			RetryMaxDelay:      10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:    "/data/seltsisync.duckdb",
			Threads: 0,
		},
		Sync: SyncConfig{
			RunBudget:        4 * time.Minute,
			BatchSize:        25,
			Concurrency:      3,
			CalendarSchedule: "@every 5m",
			GallerySchedule:  "@every 15m",
		},
		Derive: DeriveConfig{
			Widths:      []int{320, 800, 1600},
			JPEGQuality: 80,
		},
		Monitor: MonitorConfig{
			Enabled:          true,
			Interval:         time.Minute,
			FailureThreshold: 3,
			StalenessWindow:  time.Hour,
			AlertRecipient:   "",
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8787,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Source returns the source config for a component name. The second
// return is false for unknown components.
func (c *Config) Source(component string) (SourceConfig, bool) {
	switch component {
	case "calendar":
		return c.Calendar, true
	case "gallery":
		return c.Gallery, true
	default:
		return SourceConfig{}, false
	}
}
