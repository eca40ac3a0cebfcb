package config

// Config is the root configuration for the arbatchd daemon.
//
// It is stored as JSON or YAML on disk; YAML is coerced to JSON before strict
// decoding so unknown fields are rejected in both formats.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Export    ExportConfig    `json:"export,omitempty"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the job store backend.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "memory": volatile in-memory store (tests, local experiments)
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the batch job scheduler.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent_jobs: 3
//   - poll_interval: "60s"
//   - job_timeout: "0s" (disabled)
//   - history_retention: "720h" (30 days)
//   - progress_rate_per_sec: 5
type SchedulerConfig struct {
	MaxConcurrentJobs int `json:"max_concurrent_jobs,omitempty"`

	// PollInterval is how often pending scheduled jobs are promoted to queued.
	PollInterval string `json:"poll_interval,omitempty"`

	// JobTimeout force-fails a job whose processor runs longer than this.
	// Use "0s" to disable the backstop.
	JobTimeout string `json:"job_timeout,omitempty"`

	// HistoryRetention bounds how long finished history rows are kept.
	HistoryRetention string `json:"history_retention,omitempty"`

	// ProgressRatePerSec throttles persisted per-item progress writes.
	ProgressRatePerSec int `json:"progress_rate_per_sec,omitempty"`
}

// ExportConfig controls where the data_export processor writes its files.
type ExportConfig struct {
	Dir string `json:"dir,omitempty"` // default: "./exports"
}

// AlertsConfig controls the optional Telegram failure-alert pipeline.
//
// If the whole section is omitted, alerting is disabled.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
