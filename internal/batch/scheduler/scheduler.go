// Package scheduler runs batch jobs: it accepts job specs, claims queued jobs
// under a concurrency cap, executes them through registered processors, and
// promotes scheduled jobs when they come due.
//
// All state transitions go through the store's conditional updates, so the
// in-process slot counter is only a capacity bound; correctness does not
// depend on it.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"arbatch/internal/batch"
	"arbatch/internal/eventbus"
	rtsup "arbatch/internal/runtime/supervisor"
	"arbatch/internal/store"
	logx "arbatch/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	st  store.Store
	reg *batch.Registry
	rt  *batch.Runtime

	// inFlight/limit bound concurrent job executions in this process.
	inFlight int
	limit    int

	running   bool
	sup       *rtsup.Supervisor
	cron      *cron.Cron
	pollEntry cron.EntryID
}

func New(cfg Config, st store.Store, reg *batch.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Service{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "scheduler")),
		bus:   bus,
		st:    st,
		reg:   reg,
		rt:    batch.NewRuntime(st, st, log.With(logx.String("comp", "batch")), cfg.ProgressRatePerSec),
		limit: cfg.MaxConcurrentJobs,
	}
}

// Start is idempotent. It arms the poll loop and the nightly history sweep
// and immediately drains any jobs left queued by a previous run.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.cron = cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(cronPrintf{s.log}))))
	supCtx := s.sup.Context()
	s.pollEntry = s.cron.Schedule(cron.Every(cfg.PollInterval), cron.FuncJob(func() { s.pollOnce(supCtx) }))
	// Retention sweep; cheap no-op when retention is disabled.
	_, _ = s.cron.AddFunc("@midnight", func() { s.pruneHistory(supCtx) })
	s.cron.Start()
	s.running = true
	sup := s.sup
	s.mu.Unlock()

	s.log.Info("scheduler started",
		logx.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
		logx.Duration("poll_interval", cfg.PollInterval),
		logx.Duration("job_timeout", cfg.JobTimeout))

	sup.Go0("poll.startup", s.pollOnce)
}

// Stop halts the poll loop and cancels in-flight executions. Jobs interrupted
// mid-run are failed with the interruption recorded, so they stay retryable.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.cron
	sup := s.sup
	s.cron = nil
	s.sup = nil
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped")
	return err
}

// Apply installs a new configuration at runtime. The concurrency cap and job
// timeout take effect immediately; a changed poll interval re-arms the cron
// entry.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.limit = cfg.MaxConcurrentJobs
	if s.running && s.cron != nil && prev.PollInterval != cfg.PollInterval {
		supCtx := s.sup.Context()
		s.cron.Remove(s.pollEntry)
		s.pollEntry = s.cron.Schedule(cron.Every(cfg.PollInterval), cron.FuncJob(func() { s.pollOnce(supCtx) }))
	}
	s.mu.Unlock()

	if cfg.MaxConcurrentJobs > prev.MaxConcurrentJobs {
		s.kickDispatch()
	}
}

// ScheduleJob validates and persists a job, then dispatches it if it is
// immediately runnable. The job outlives the process; scheduling succeeds
// even while the scheduler is stopped.
func (s *Service) ScheduleJob(ctx context.Context, spec JobSpec) (string, error) {
	if strings.TrimSpace(spec.Type) == "" {
		return "", fmt.Errorf("%w: job type is required", ErrInvalidSpec)
	}
	schedType := spec.ScheduleType
	if schedType == "" {
		schedType = store.ScheduleImmediate
	}
	switch schedType {
	case store.ScheduleImmediate:
	case store.ScheduleScheduled, store.ScheduleRecurring:
		if spec.ScheduledAt.IsZero() {
			return "", fmt.Errorf("%w: scheduled_at is required for %s jobs", ErrInvalidSpec, schedType)
		}
	default:
		return "", fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSpec, spec.ScheduleType)
	}

	job := &store.BatchJob{
		ID:           uuid.NewString(),
		Type:         spec.Type,
		Status:       store.StatusQueued,
		ScheduleType: schedType,
		ScheduledAt:  spec.ScheduledAt,
		Priority:     clampPriority(spec.Priority),
		Config:       spec.Config,
		CreatedAt:    time.Now(),
	}
	if schedType != store.ScheduleImmediate {
		// Scheduled jobs wait for the poll loop, even when already due.
		job.Status = store.StatusPending
	}
	if err := s.st.InsertJob(ctx, job); err != nil {
		return "", fmt.Errorf("schedule job: %w", err)
	}
	if schedType == store.ScheduleRecurring {
		s.log.Warn("recurring job accepted but will not be re-armed after completion",
			logx.String("job", job.ID), logx.String("type", job.Type))
	}
	s.publish(EventScheduled, job, 0, 0, 0, "")
	s.log.Info("job scheduled",
		logx.String("job", job.ID),
		logx.String("type", job.Type),
		logx.String("status", string(job.Status)),
		logx.Int("priority", job.Priority))

	if job.Status == store.StatusQueued {
		s.kickDispatch()
	}
	return job.ID, nil
}

// CancelJob flips any non-terminal job to cancelled. A processing job keeps
// running until its next cooperative check; counters accumulated so far are
// preserved.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	if err := s.st.CancelJob(ctx, id, time.Now()); err != nil {
		return err
	}
	if j, err := s.st.Job(ctx, id); err == nil {
		s.publish(EventCancelled, j, j.ProcessedItems, j.FailedItems, j.TotalItems, "")
	}
	s.log.Info("job cancelled", logx.String("job", id))
	return nil
}

// RetryJob resets a failed job back to queued and dispatches it.
func (s *Service) RetryJob(ctx context.Context, id string) error {
	if err := s.st.RequeueFailed(ctx, id); err != nil {
		return err
	}
	if j, err := s.st.Job(ctx, id); err == nil {
		s.publish(EventRequeued, j, 0, 0, 0, "")
	}
	s.log.Info("job requeued", logx.String("job", id))
	s.kickDispatch()
	return nil
}

func (s *Service) Job(ctx context.Context, id string) (*store.BatchJob, error) {
	return s.st.Job(ctx, id)
}

// JobProgress reports a job's progress percentage (0..100).
func (s *Service) JobProgress(ctx context.Context, id string) (int, error) {
	j, err := s.st.Job(ctx, id)
	if err != nil {
		return 0, err
	}
	return j.Progress, nil
}

// ScheduledJobs lists pending jobs waiting on their scheduled time.
func (s *Service) ScheduledJobs(ctx context.Context) ([]*store.BatchJob, error) {
	return s.st.JobsByStatus(ctx, store.StatusPending, 0)
}

// ActiveJobs lists processing jobs (oldest started first) followed by queued
// jobs in claim order.
func (s *Service) ActiveJobs(ctx context.Context) ([]*store.BatchJob, error) {
	processing, err := s.st.JobsByStatus(ctx, store.StatusProcessing, 0)
	if err != nil {
		return nil, err
	}
	queued, err := s.st.JobsByStatus(ctx, store.StatusQueued, 0)
	if err != nil {
		return nil, err
	}
	return append(processing, queued...), nil
}

// JobHistory lists execution attempts for one job, newest first.
func (s *Service) JobHistory(ctx context.Context, jobID string, limit int) ([]store.HistoryEntry, error) {
	return s.st.HistoryForJob(ctx, jobID, limit)
}

// JobItems lists the per-item records of one job.
func (s *Service) JobItems(ctx context.Context, jobID string) ([]store.QueueItem, error) {
	return s.st.QueueItemsForJob(ctx, jobID)
}

func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	counts, err := s.st.CountByStatus(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	snap := Snapshot{
		Running:  s.running,
		InFlight: s.inFlight,
		Limit:    s.limit,
		Counts:   counts,
		Config:   s.cfg,
	}
	s.mu.Unlock()
	return snap, nil
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) publish(typ string, job *store.BatchJob, processed, failed, total int, errMsg string) {
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Data: JobEvent{
			ID:        job.ID,
			Type:      job.Type,
			Status:    job.Status,
			Priority:  job.Priority,
			Processed: processed,
			Failed:    failed,
			Total:     total,
			Error:     errMsg,
		},
	})
}

func clampPriority(p int) int {
	if p == 0 {
		return 5
	}
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}
