package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by reads that match no row, and by
	// ClaimNextQueued when the queue is empty.
	ErrNotFound = errors.New("store: not found")

	// ErrNotCancellable is returned by CancelJob when the job is already in a
	// terminal state.
	ErrNotCancellable = errors.New("store: job already finished")

	// ErrNotRetryable is returned by RequeueFailed when the job is not failed.
	ErrNotRetryable = errors.New("store: job is not failed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (or empty): SQLite database file
//   - "memory": volatile in-memory backend
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a job in this status can never transition again
// (except via an explicit external requeue of a failed job).
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleScheduled ScheduleType = "scheduled"

	// ScheduleRecurring is accepted and persisted, but jobs are not re-armed
	// after completion. See DESIGN.md.
	ScheduleRecurring ScheduleType = "recurring"
)

// BatchJob is one unit of schedulable background work.
//
// Config is opaque to the scheduler; it is passed through verbatim to the
// processor registered for Type.
type BatchJob struct {
	ID           string
	Type         string
	Status       JobStatus
	ScheduleType ScheduleType
	ScheduledAt  time.Time // zero unless schedule_type is scheduled/recurring
	Priority     int       // 1..10, higher dispatched first
	Config       json.RawMessage

	Progress       int // 0..100, monotonically non-decreasing while processing
	TotalItems     int
	ProcessedItems int
	FailedItems    int

	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  time.Time
	CreatedAt    time.Time
}

// HistoryEntry is one immutable record per execution attempt. Append-only.
type HistoryEntry struct {
	JobID          string
	Status         JobStatus // completed | failed | cancelled
	StartedAt      time.Time
	CompletedAt    time.Time
	TotalItems     int
	ProcessedItems int
	FailedItems    int
	ResultSummary  string // JSON, set on completion
	ErrorLog       string // set on failure
	CreatedAt      time.Time
}

type ItemStatus string

const (
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// QueueItem is one record per unit of work inside a job (one marker, one
// content row). It makes partial failure inspectable at item granularity.
type QueueItem struct {
	ID           string
	JobID        string
	ItemType     string
	ItemID       string
	Status       ItemStatus
	Metadata     string
	ErrorMessage string
	CompletedAt  time.Time
	CreatedAt    time.Time
}

// JobStore is the durable record of jobs and their status transitions.
type JobStore interface {
	InsertJob(ctx context.Context, job *BatchJob) error
	Job(ctx context.Context, id string) (*BatchJob, error)

	// ClaimNextQueued atomically transitions the single highest-priority,
	// oldest queued job to processing and returns it. ErrNotFound means the
	// queue is empty (or another dispatcher won the claim).
	ClaimNextQueued(ctx context.Context, now time.Time) (*BatchJob, error)

	// SetJobTotals records total_items once the working set is resolved.
	SetJobTotals(ctx context.Context, id string, total int) error

	// SetJobCounts persists mid-run progress.
	SetJobCounts(ctx context.Context, id string, processed, failed, progress int) error

	// FinishJob moves a processing job to a terminal status. It is
	// conditional on status still being processing, so a concurrent cancel is
	// never overwritten; ok=false reports that the guard did not match.
	FinishJob(ctx context.Context, id string, status JobStatus, processed, failed, progress int, errMsg string, at time.Time) (ok bool, err error)

	// CancelJob flips any non-terminal job to cancelled.
	// Returns ErrNotCancellable when the job is already terminal.
	CancelJob(ctx context.Context, id string, at time.Time) error

	// RequeueFailed resets a failed job back to queued (explicit external
	// retry). Returns ErrNotRetryable unless the job is failed.
	RequeueFailed(ctx context.Context, id string) error

	// PromoteDueScheduled moves pending scheduled jobs with scheduled_at <=
	// now to queued and returns their ids.
	PromoteDueScheduled(ctx context.Context, now time.Time) ([]string, error)

	// JobsByStatus lists jobs in one status. Queued and pending jobs are
	// ordered priority DESC then created_at ASC; processing jobs by
	// started_at ASC; terminal jobs by completed_at DESC.
	JobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*BatchJob, error)

	CountByStatus(ctx context.Context) (map[JobStatus]int, error)
}

// HistoryStore is append-only; entries are never updated.
type HistoryStore interface {
	AppendHistory(ctx context.Context, e HistoryEntry) error
	HistoryForJob(ctx context.Context, jobID string, limit int) ([]HistoryEntry, error)
	PruneHistory(ctx context.Context, olderThan time.Time) (int64, error)
}

type QueueItemStore interface {
	InsertQueueItem(ctx context.Context, it QueueItem) error
	FinishQueueItem(ctx context.Context, id string, status ItemStatus, metadata, errMsg string, at time.Time) error
	QueueItemsForJob(ctx context.Context, jobID string) ([]QueueItem, error)
}

// Marker is an AR image target owned by a user.
type Marker struct {
	ID              string
	OwnerID         string
	Name            string
	ImagePath       string
	FileSize        int64
	Quality         int // JPEG quality 1..100
	OptimizedAt     time.Time
	MindPath        string
	MindGeneratedAt time.Time
}

// Content is a piece of AR content anchored to a marker.
type Content struct {
	ID        string
	MarkerID  string
	OwnerID   string
	Title     string
	Category  string
	Status    string
	ViewCount int
	UpdatedAt time.Time
}

// ContentFilter selects contents by owner and/or category. Zero values match
// everything.
type ContentFilter struct {
	IDs      []string
	OwnerID  string
	Category string
}

// ContentFieldSet is the whitelisted set of bulk-updatable content fields.
// Nil pointers leave the field untouched.
type ContentFieldSet struct {
	Title    *string
	Category *string
	Status   *string
}

// ContentStore holds the AR domain rows the processors operate on.
type ContentStore interface {
	InsertMarker(ctx context.Context, m Marker) error
	MarkersByIDs(ctx context.Context, ids []string) ([]Marker, error)
	MarkersByOwner(ctx context.Context, ownerID string) ([]Marker, error)
	UpdateMarkerOptimization(ctx context.Context, id string, fileSize int64, quality int, at time.Time) error
	UpdateMarkerMind(ctx context.Context, id, mindPath string, at time.Time) error

	InsertContent(ctx context.Context, c Content) error
	Contents(ctx context.Context, f ContentFilter) ([]Content, error)
	UpdateContentFields(ctx context.Context, id string, set ContentFieldSet, at time.Time) error

	// AddDailyStat folds one content's counters into the per-owner per-day
	// aggregate (upsert-add).
	AddDailyStat(ctx context.Context, day, ownerID string, views, contents int) error
	DailyStat(ctx context.Context, day, ownerID string) (views, contentCount int, err error)
}

// Store is the full persistence API consumed by the scheduler and processors.
type Store interface {
	JobStore
	HistoryStore
	QueueItemStore
	ContentStore
	Close() error
}
