package app

import (
	"time"

	"arbatch/internal/alert"
	"arbatch/internal/batch/scheduler"
	"arbatch/internal/config"
	"arbatch/internal/store"
)

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, 60*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	// job_timeout: "0s"/empty disables the backstop.
	timeout, err := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("scheduler.history_retention", cfg.Scheduler.HistoryRetention, 720*time.Hour)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		MaxConcurrentJobs:  cfg.Scheduler.MaxConcurrentJobs,
		PollInterval:       poll,
		JobTimeout:         timeout,
		HistoryRetention:   retention,
		ProgressRatePerSec: cfg.Scheduler.ProgressRatePerSec,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapAlertConfig(cfg *config.Config) alert.Config {
	if cfg.Alerts == nil {
		return alert.Config{}
	}
	return alert.Config{
		Enabled:    cfg.Alerts.Enabled,
		Token:      cfg.Alerts.Token,
		ChatID:     cfg.Alerts.ChatID,
		RatePerSec: cfg.Alerts.RatePerSec,
	}
}
