package scheduler

import (
	"encoding/json"
	"time"

	"arbatch/internal/store"
)

// Config controls the scheduler service.
type Config struct {
	// MaxConcurrentJobs bounds how many jobs run at once in this process.
	MaxConcurrentJobs int

	// PollInterval is how often pending scheduled jobs are promoted to queued.
	PollInterval time.Duration

	// JobTimeout force-fails a job whose processor runs longer than this.
	// Zero disables the backstop.
	JobTimeout time.Duration

	// HistoryRetention bounds how long finished history rows are kept.
	// Zero disables the nightly sweep.
	HistoryRetention time.Duration

	// ProgressRatePerSec throttles persisted per-item progress writes.
	ProgressRatePerSec int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.HistoryRetention < 0 {
		c.HistoryRetention = 0
	}
	if c.ProgressRatePerSec <= 0 {
		c.ProgressRatePerSec = 5
	}
	return c
}

// JobSpec is the caller-facing description of a job to schedule.
type JobSpec struct {
	Type         string
	ScheduleType store.ScheduleType // empty means immediate
	ScheduledAt  time.Time          // required for scheduled/recurring
	Priority     int                // clamped to 1..10; 0 means default (5)
	Config       json.RawMessage    // opaque, handed to the processor verbatim
}

// Lifecycle event types published on the bus.
const (
	EventScheduled = "job.scheduled"
	EventClaimed   = "job.claimed"
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
	EventCancelled = "job.cancelled"
	EventRequeued  = "job.requeued"
)

// JobEvent is the Data payload of every job.* event.
type JobEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Status    store.JobStatus `json:"status"`
	Priority  int             `json:"priority"`
	Processed int             `json:"processed"`
	Failed    int             `json:"failed"`
	Total     int             `json:"total"`
	Error     string          `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of the scheduler for diagnostics.
type Snapshot struct {
	Running  bool
	InFlight int
	Limit    int
	Counts   map[store.JobStatus]int
	Config   Config
}
