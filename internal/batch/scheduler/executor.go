package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"arbatch/internal/batch"
	"arbatch/internal/store"
	logx "arbatch/pkg/logx"
)

// finishWriteTimeout bounds the terminal bookkeeping writes, which run on a
// detached context so they survive run-context expiry.
const finishWriteTimeout = 10 * time.Second

// executeJob runs one claimed job end to end. It never returns an error: every
// outcome is recorded on the job row and in history.
func (s *Service) executeJob(ctx context.Context, job *store.BatchJob) {
	start := job.StartedAt
	if start.IsZero() {
		start = time.Now()
	}
	log := s.log.With(logx.String("job", job.ID), logx.String("type", job.Type))

	s.publish(EventClaimed, job, 0, 0, 0, "")
	log.Info("job claimed", logx.Int("priority", job.Priority))

	proc, ok := s.reg.Lookup(job.Type)
	if !ok {
		// Configuration error; no processor is ever invoked.
		s.finishFailed(job, start, fmt.Sprintf("%v: %q", ErrUnknownJobType, job.Type), log)
		return
	}

	runCtx := ctx
	if to := s.config().JobTimeout; to > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, to)
		defer cancel()
	}

	res, err := runProcessor(runCtx, proc, job, s.rt)
	if err != nil {
		s.finishFailed(job, start, err.Error(), log)
		return
	}
	s.finishCompleted(job, start, res, log)
}

// runProcessor isolates processor panics so one bad job cannot take down the
// dispatcher.
func runProcessor(ctx context.Context, proc batch.Processor, job *store.BatchJob, rt *batch.Runtime) (res batch.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc(ctx, job, rt)
}

func (s *Service) finishCompleted(job *store.BatchJob, start time.Time, res batch.Result, log logx.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finishWriteTimeout)
	defer cancel()
	now := time.Now()

	summary := ""
	if len(res.Summary) > 0 {
		if b, merr := json.Marshal(res.Summary); merr == nil {
			summary = string(b)
		} else {
			log.Warn("result summary not serializable", logx.Err(merr))
		}
	}

	progress := batch.Progress(res.Processed, res.Failed, res.Total)
	ok, err := s.st.FinishJob(ctx, job.ID, store.StatusCompleted, res.Processed, res.Failed, progress, "", now)
	if err != nil {
		log.Error("job finish write failed", logx.Err(err))
		return
	}
	status := store.StatusCompleted
	if !ok {
		// Lost to a concurrent cancel; the attempt is still recorded.
		status = store.StatusCancelled
	}
	s.appendHistory(ctx, store.HistoryEntry{
		JobID:          job.ID,
		Status:         status,
		StartedAt:      start,
		CompletedAt:    now,
		TotalItems:     res.Total,
		ProcessedItems: res.Processed,
		FailedItems:    res.Failed,
		ResultSummary:  summary,
	}, log)

	if status == store.StatusCompleted {
		s.publish(EventCompleted, job, res.Processed, res.Failed, res.Total, "")
		log.Info("job completed",
			logx.Int("processed", res.Processed),
			logx.Int("failed", res.Failed),
			logx.Int("total", res.Total),
			logx.Duration("took", now.Sub(start)))
	} else {
		log.Info("job cancelled mid-run",
			logx.Int("processed", res.Processed),
			logx.Int("failed", res.Failed))
	}
}

func (s *Service) finishFailed(job *store.BatchJob, start time.Time, msg string, log logx.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finishWriteTimeout)
	defer cancel()
	now := time.Now()

	// Counters may have advanced since the claim; re-read so partial work
	// stays visible on the failed row.
	processed, failed, total := job.ProcessedItems, job.FailedItems, job.TotalItems
	if cur, err := s.st.Job(ctx, job.ID); err == nil {
		processed, failed, total = cur.ProcessedItems, cur.FailedItems, cur.TotalItems
	}

	ok, err := s.st.FinishJob(ctx, job.ID, store.StatusFailed, processed, failed, batch.Progress(processed, failed, total), msg, now)
	if err != nil {
		log.Error("job finish write failed", logx.Err(err))
		return
	}
	status := store.StatusFailed
	if !ok {
		status = store.StatusCancelled
	}
	s.appendHistory(ctx, store.HistoryEntry{
		JobID:          job.ID,
		Status:         status,
		StartedAt:      start,
		CompletedAt:    now,
		TotalItems:     total,
		ProcessedItems: processed,
		FailedItems:    failed,
		ErrorLog:       msg,
	}, log)

	if status == store.StatusFailed {
		s.publish(EventFailed, job, processed, failed, total, msg)
		log.Warn("job failed", logx.String("error", msg), logx.Duration("took", now.Sub(start)))
	} else {
		log.Info("job cancelled mid-run", logx.String("error", msg))
	}
}

func (s *Service) appendHistory(ctx context.Context, e store.HistoryEntry, log logx.Logger) {
	if err := s.st.AppendHistory(ctx, e); err != nil {
		log.Error("history append failed", logx.Err(err))
	}
}
