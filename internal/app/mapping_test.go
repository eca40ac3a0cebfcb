package app

import (
	"testing"
	"time"

	"arbatch/internal/config"
)

func TestMapSchedulerConfigDefaults(t *testing.T) {
	t.Parallel()
	got, err := mapSchedulerConfig(&config.Config{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if got.PollInterval != 60*time.Second {
		t.Fatalf("poll interval = %v, want 60s", got.PollInterval)
	}
	if got.JobTimeout != 0 {
		t.Fatalf("job timeout = %v, want disabled", got.JobTimeout)
	}
	if got.HistoryRetention != 720*time.Hour {
		t.Fatalf("history retention = %v, want 720h", got.HistoryRetention)
	}
}

func TestMapSchedulerConfigRejectsBadDuration(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Scheduler.PollInterval = "soon"
	if _, err := mapSchedulerConfig(cfg); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestMapAlertConfig(t *testing.T) {
	t.Parallel()
	if got := mapAlertConfig(&config.Config{}); got.Enabled {
		t.Fatal("nil alerts section must map to disabled")
	}
	cfg := &config.Config{Alerts: &config.AlertsConfig{Enabled: true, Token: "t", ChatID: 9, RatePerSec: 2}}
	got := mapAlertConfig(cfg)
	if !got.Enabled || got.ChatID != 9 || got.RatePerSec != 2 {
		t.Fatalf("alert config = %+v", got)
	}
}
