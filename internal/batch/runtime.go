package batch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"arbatch/internal/store"
	logx "arbatch/pkg/logx"
)

// maxItemErrors caps how many per-item errors are quoted in a job's result
// summary; the full detail stays on the queue-item rows.
const maxItemErrors = 10

// cancelCheckEvery bounds how often RunItems re-reads the job row to detect
// an external cancel. Cancellation stays cooperative either way.
const cancelCheckEvery = 8

// Runtime is handed to every processor invocation. It owns the per-item
// bookkeeping so processors stay thin loops over their working set.
type Runtime struct {
	Jobs  store.JobStore
	Items store.QueueItemStore
	Log   logx.Logger

	// progress throttles persisted mid-run counter writes. The final write
	// is never throttled.
	progress *rate.Limiter
}

func NewRuntime(jobs store.JobStore, items store.QueueItemStore, log logx.Logger, progressRatePerSec int) *Runtime {
	if progressRatePerSec <= 0 {
		progressRatePerSec = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runtime{
		Jobs:     jobs,
		Items:    items,
		Log:      log,
		progress: rate.NewLimiter(rate.Limit(progressRatePerSec), 1),
	}
}

// WorkItem is one resolvable unit of work inside a job.
type WorkItem struct {
	Type string
	ID   string
}

// Tally reports what RunItems did.
type Tally struct {
	Total     int
	Processed int
	Failed    int

	// ItemErrors holds up to maxItemErrors "<item>: <error>" strings.
	ItemErrors []string

	// Cancelled is set when the job was cancelled (or ctx expired) mid-run;
	// counters reflect the work done up to that point.
	Cancelled bool
}

// ItemFunc performs the unit of work for one item and may return metadata to
// record on the queue-item row.
type ItemFunc func(ctx context.Context, item WorkItem) (metadata string, err error)

// RunItems drives the shared per-item loop of the processor contract:
// it records total_items, creates one queue item per unit of work, tallies
// per-item failures without aborting the batch, persists observable progress
// mid-run, and checks for cooperative cancellation between items.
//
// A ctx expiry (job timeout, shutdown) is returned as an error so the
// executor fails the job; an external cancel (job row flipped to cancelled)
// ends the loop cleanly with Tally.Cancelled set.
func (rt *Runtime) RunItems(ctx context.Context, job *store.BatchJob, items []WorkItem, fn ItemFunc) (Tally, error) {
	t := Tally{Total: len(items)}

	if err := rt.Jobs.SetJobTotals(ctx, job.ID, t.Total); err != nil {
		return t, err
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			rt.persistCountsDetached(job.ID, t)
			return t, err
		}
		if i%cancelCheckEvery == 0 && rt.jobCancelled(ctx, job.ID) {
			t.Cancelled = true
			break
		}

		qi := store.QueueItem{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			ItemType:  item.Type,
			ItemID:    item.ID,
			Status:    store.ItemProcessing,
			CreatedAt: time.Now(),
		}
		if err := rt.Items.InsertQueueItem(ctx, qi); err != nil {
			return t, err
		}

		meta, err := fn(ctx, item)
		now := time.Now()
		if err != nil {
			t.Failed++
			if len(t.ItemErrors) < maxItemErrors {
				t.ItemErrors = append(t.ItemErrors, item.ID+": "+err.Error())
			}
			if ierr := rt.Items.FinishQueueItem(ctx, qi.ID, store.ItemFailed, meta, err.Error(), now); ierr != nil {
				rt.Log.Warn("queue item update failed", logx.String("job", job.ID), logx.String("item", item.ID), logx.Err(ierr))
			}
			rt.Log.Debug("item failed", logx.String("job", job.ID), logx.String("item", item.ID), logx.Err(err))
		} else {
			t.Processed++
			if ierr := rt.Items.FinishQueueItem(ctx, qi.ID, store.ItemCompleted, meta, "", now); ierr != nil {
				rt.Log.Warn("queue item update failed", logx.String("job", job.ID), logx.String("item", item.ID), logx.Err(ierr))
			}
		}

		// Keep progress observable mid-run without hammering the store on
		// large batches. The last item always persists.
		if i == len(items)-1 || rt.progress.Allow() {
			rt.persistCounts(ctx, job.ID, t)
		}
	}

	rt.persistCounts(ctx, job.ID, t)
	return t, nil
}

// persistCountsDetached writes final counters after the run context has
// already expired, so the numbers accumulated before the timeout survive.
func (rt *Runtime) persistCountsDetached(jobID string, t Tally) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt.persistCounts(ctx, jobID, t)
}

func (rt *Runtime) persistCounts(ctx context.Context, jobID string, t Tally) {
	if err := rt.Jobs.SetJobCounts(ctx, jobID, t.Processed, t.Failed, Progress(t.Processed, t.Failed, t.Total)); err != nil {
		rt.Log.Warn("progress update failed", logx.String("job", jobID), logx.Err(err))
	}
}

func (rt *Runtime) jobCancelled(ctx context.Context, jobID string) bool {
	j, err := rt.Jobs.Job(ctx, jobID)
	if err != nil {
		return false
	}
	return j.Status == store.StatusCancelled
}

// Progress maps item counters to a 0..100 percentage. An empty working set
// counts as fully done.
func Progress(processed, failed, total int) int {
	if total <= 0 {
		return 100
	}
	p := (processed + failed) * 100 / total
	if p > 100 {
		p = 100
	}
	return p
}
