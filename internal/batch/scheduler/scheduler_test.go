package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"arbatch/internal/batch"
	"arbatch/internal/eventbus"
	"arbatch/internal/store"
	logx "arbatch/pkg/logx"
)

const testWait = 5 * time.Second

func newTestService(t *testing.T, cfg Config, procs map[string]batch.Processor) (*Service, store.Store, eventbus.Bus) {
	t.Helper()
	st := store.NewMemory()
	reg := batch.NewRegistry()
	for typ, p := range procs {
		if err := reg.Register(typ, p); err != nil {
			t.Fatalf("register %s: %v", typ, err)
		}
	}
	bus := eventbus.New()
	svc := New(cfg, st, reg, logx.Nop(), bus)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc, st, bus
}

func waitStatus(t *testing.T, st store.Store, id string, want store.JobStatus) *store.BatchJob {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for {
		j, err := st.Job(context.Background(), id)
		if err != nil {
			t.Fatalf("job %s: %v", id, err)
		}
		if j.Status == want {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s, want %s", id, j.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatchClaimOrdering(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var order []string
	svc, st, _ := newTestService(t, Config{MaxConcurrentJobs: 1, PollInterval: time.Hour}, map[string]batch.Processor{
		"order": func(_ context.Context, job *store.BatchJob, _ *batch.Runtime) (batch.Result, error) {
			mu.Lock()
			order = append(order, job.ID)
			mu.Unlock()
			return batch.Result{}, nil
		},
	})

	// Queue everything before the scheduler starts so the claim order is
	// decided purely by priority then age.
	priorities := []int{1, 5, 3, 5, 2}
	ids := make([]string, len(priorities))
	for i, p := range priorities {
		id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "order", Priority: p})
		if err != nil {
			t.Fatalf("schedule: %v", err)
		}
		ids[i] = id
		time.Sleep(2 * time.Millisecond) // distinct created_at
	}

	svc.Start(context.Background())
	for _, id := range ids {
		waitStatus(t, st, id, store.StatusCompleted)
	}

	want := []string{ids[1], ids[3], ids[2], ids[4], ids[0]} // 5, 5 (older first), 3, 2, 1
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order = %v, want %v", order, want)
		}
	}
}

func TestConcurrencyCap(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	svc, st, _ := newTestService(t, Config{MaxConcurrentJobs: 2, PollInterval: time.Hour}, map[string]batch.Processor{
		"block": func(ctx context.Context, _ *store.BatchJob, _ *batch.Runtime) (batch.Result, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return batch.Result{}, ctx.Err()
			}
			return batch.Result{}, nil
		},
	})

	ids := make([]string, 4)
	for i := range ids {
		id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "block"})
		if err != nil {
			t.Fatalf("schedule: %v", err)
		}
		ids[i] = id
	}
	svc.Start(context.Background())

	waitCond(t, "two jobs in flight", func() bool { return svc.InFlight() == 2 })
	// The cap must hold while both slots are busy.
	time.Sleep(30 * time.Millisecond)
	if n := svc.InFlight(); n != 2 {
		t.Fatalf("in flight = %d, want 2", n)
	}
	counts, err := svc.st.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[store.StatusProcessing] != 2 || counts[store.StatusQueued] != 2 {
		t.Fatalf("counts = %v, want 2 processing / 2 queued", counts)
	}

	close(release)
	for _, id := range ids {
		waitStatus(t, st, id, store.StatusCompleted)
	}
	waitCond(t, "all slots released", func() bool { return svc.InFlight() == 0 })
}

func TestItemFailuresDoNotFailJob(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t, Config{MaxConcurrentJobs: 1, PollInterval: time.Hour}, map[string]batch.Processor{
		"items": func(ctx context.Context, job *store.BatchJob, rt *batch.Runtime) (batch.Result, error) {
			items := make([]batch.WorkItem, 10)
			for i := range items {
				items[i] = batch.WorkItem{Type: "content", ID: fmt.Sprintf("c-%d", i)}
			}
			tally, err := rt.RunItems(ctx, job, items, func(_ context.Context, it batch.WorkItem) (string, error) {
				if it.ID == "c-3" {
					return "", errors.New("bad row")
				}
				return "", nil
			})
			if err != nil {
				return batch.Result{}, err
			}
			return batch.ResultFromTally(tally, nil), nil
		},
	})
	svc.Start(context.Background())

	id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "items"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	j := waitStatus(t, st, id, store.StatusCompleted)
	if j.ProcessedItems != 9 || j.FailedItems != 1 || j.Progress != 100 {
		t.Fatalf("job = processed=%d failed=%d progress=%d", j.ProcessedItems, j.FailedItems, j.Progress)
	}

	hist, err := svc.JobHistory(context.Background(), id, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Status != store.StatusCompleted {
		t.Fatalf("history = %+v", hist)
	}
	if !strings.Contains(hist[0].ResultSummary, "item_errors") || !strings.Contains(hist[0].ResultSummary, "bad row") {
		t.Fatalf("summary missing item errors: %s", hist[0].ResultSummary)
	}
}

func TestJobFatalError(t *testing.T) {
	t.Parallel()
	svc, st, bus := newTestService(t, Config{MaxConcurrentJobs: 1, PollInterval: time.Hour}, map[string]batch.Processor{
		"broken": func(context.Context, *store.BatchJob, *batch.Runtime) (batch.Result, error) {
			return batch.Result{}, errors.New("config missing export target")
		},
	})
	events, unsub := bus.Subscribe(32)
	defer unsub()
	svc.Start(context.Background())

	id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "broken"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	j := waitStatus(t, st, id, store.StatusFailed)
	if j.ErrorMessage != "config missing export target" {
		t.Fatalf("error message = %q", j.ErrorMessage)
	}

	hist, err := svc.JobHistory(context.Background(), id, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Status != store.StatusFailed || hist[0].ErrorLog != "config missing export target" {
		t.Fatalf("history = %+v", hist)
	}

	deadline := time.After(testWait)
	for {
		select {
		case e := <-events:
			if e.Type != EventFailed {
				continue
			}
			je, ok := e.Data.(JobEvent)
			if !ok || je.ID != id || je.Error == "" {
				t.Fatalf("bad failed event: %+v", e)
			}
			return
		case <-deadline:
			t.Fatal("no job.failed event")
		}
	}
}

func TestUnknownJobTypeFailsWithoutProcessor(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t, Config{MaxConcurrentJobs: 1, PollInterval: time.Hour}, nil)
	svc.Start(context.Background())

	id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "nope"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	j := waitStatus(t, st, id, store.StatusFailed)
	if !strings.Contains(j.ErrorMessage, "no processor registered") {
		t.Fatalf("error message = %q", j.ErrorMessage)
	}
}

func TestProcessorPanicFailsJob(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t, Config{MaxConcurrentJobs: 1, PollInterval: time.Hour}, map[string]batch.Processor{
		"panics": func(context.Context, *store.BatchJob, *batch.Runtime) (batch.Result, error) {
			panic("nil marker")
		},
	})
	svc.Start(context.Background())

	id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "panics"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	j := waitStatus(t, st, id, store.StatusFailed)
	if !strings.Contains(j.ErrorMessage, "processor panic") {
		t.Fatalf("error message = %q", j.ErrorMessage)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	t.Parallel()
	// Scheduler deliberately not started: the job must stay queued.
	svc, st, _ := newTestService(t, Config{}, nil)

	id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "anything"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := svc.CancelJob(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	j, err := st.Job(context.Background(), id)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if j.Status != store.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status)
	}
	if err := svc.CancelJob(context.Background(), id); !errors.Is(err, store.ErrNotCancellable) {
		t.Fatalf("second cancel = %v, want ErrNotCancellable", err)
	}
}

func TestCancelProcessingJob(t *testing.T) {
	t.Parallel()
	firstItem := make(chan struct{})
	cancelled := make(chan struct{})
	svc, st, _ := newTestService(t, Config{MaxConcurrentJobs: 1, PollInterval: time.Hour}, map[string]batch.Processor{
		"slow": func(ctx context.Context, job *store.BatchJob, rt *batch.Runtime) (batch.Result, error) {
			items := make([]batch.WorkItem, 20)
			for i := range items {
				items[i] = batch.WorkItem{Type: "marker", ID: fmt.Sprintf("m-%02d", i)}
			}
			tally, err := rt.RunItems(ctx, job, items, func(_ context.Context, it batch.WorkItem) (string, error) {
				if it.ID == "m-01" {
					close(firstItem)
					<-cancelled
				}
				return "", nil
			})
			if err != nil {
				return batch.Result{}, err
			}
			return batch.ResultFromTally(tally, nil), nil
		},
	})
	svc.Start(context.Background())

	id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "slow"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	<-firstItem
	if err := svc.CancelJob(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(cancelled)

	j := waitStatus(t, st, id, store.StatusCancelled)
	if j.ProcessedItems == 0 || j.ProcessedItems >= 20 {
		t.Fatalf("processed = %d, want partial progress", j.ProcessedItems)
	}

	var hist []store.HistoryEntry
	waitCond(t, "cancelled history entry", func() bool {
		hist, _ = svc.JobHistory(context.Background(), id, 10)
		return len(hist) == 1
	})
	if hist[0].Status != store.StatusCancelled {
		t.Fatalf("history status = %s, want cancelled", hist[0].Status)
	}
}

func TestScheduledJobPromotion(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t, Config{MaxConcurrentJobs: 1, PollInterval: 20 * time.Millisecond}, map[string]batch.Processor{
		"nightly": func(context.Context, *store.BatchJob, *batch.Runtime) (batch.Result, error) {
			return batch.Result{}, nil
		},
	})

	id, err := svc.ScheduleJob(context.Background(), JobSpec{
		Type:         "nightly",
		ScheduleType: store.ScheduleScheduled,
		ScheduledAt:  time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	j, err := st.Job(context.Background(), id)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if j.Status != store.StatusPending {
		t.Fatalf("status before start = %s, want pending", j.Status)
	}

	svc.Start(context.Background())
	waitStatus(t, st, id, store.StatusCompleted)

	jobs, err := svc.ScheduledJobs(context.Background())
	if err != nil {
		t.Fatalf("scheduled jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("scheduled jobs = %d, want 0", len(jobs))
	}
}

func TestRetryJob(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	attempts := 0
	svc, st, _ := newTestService(t, Config{MaxConcurrentJobs: 1, PollInterval: time.Hour}, map[string]batch.Processor{
		"flaky": func(context.Context, *store.BatchJob, *batch.Runtime) (batch.Result, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return batch.Result{}, errors.New("transient upstream error")
			}
			return batch.Result{Total: 1, Processed: 1}, nil
		},
	})
	svc.Start(context.Background())

	id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "flaky"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitStatus(t, st, id, store.StatusFailed)

	if err := svc.RetryJob(context.Background(), id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	j := waitStatus(t, st, id, store.StatusCompleted)
	if j.ErrorMessage != "" {
		t.Fatalf("error message not cleared: %q", j.ErrorMessage)
	}

	// Completed jobs are not retryable.
	if err := svc.RetryJob(context.Background(), id); !errors.Is(err, store.ErrNotRetryable) {
		t.Fatalf("retry completed = %v, want ErrNotRetryable", err)
	}

	hist, err := svc.JobHistory(context.Background(), id, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history entries = %d, want 2 (failed + completed)", len(hist))
	}
}

func TestJobTimeoutBackstop(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t, Config{MaxConcurrentJobs: 1, PollInterval: time.Hour, JobTimeout: 50 * time.Millisecond}, map[string]batch.Processor{
		"hang": func(ctx context.Context, _ *store.BatchJob, _ *batch.Runtime) (batch.Result, error) {
			<-ctx.Done()
			return batch.Result{}, ctx.Err()
		},
	})
	svc.Start(context.Background())

	id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "hang"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	j := waitStatus(t, st, id, store.StatusFailed)
	if !strings.Contains(j.ErrorMessage, "deadline") {
		t.Fatalf("error message = %q", j.ErrorMessage)
	}
}

func TestScheduleJobValidation(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, Config{}, nil)

	tests := []struct {
		name string
		spec JobSpec
	}{
		{name: "empty type", spec: JobSpec{}},
		{name: "scheduled without time", spec: JobSpec{Type: "x", ScheduleType: store.ScheduleScheduled}},
		{name: "unknown schedule type", spec: JobSpec{Type: "x", ScheduleType: "hourly"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ScheduleJob(context.Background(), tt.spec); !errors.Is(err, ErrInvalidSpec) {
				t.Fatalf("err = %v, want ErrInvalidSpec", err)
			}
		})
	}
}

func TestPriorityClamping(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t, Config{}, nil)

	tests := []struct {
		in, want int
	}{
		{0, 5},
		{42, 10},
		{-3, 1},
		{7, 7},
	}
	for _, tt := range tests {
		id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "x", Priority: tt.in})
		if err != nil {
			t.Fatalf("schedule: %v", err)
		}
		j, err := st.Job(context.Background(), id)
		if err != nil {
			t.Fatalf("job: %v", err)
		}
		if j.Priority != tt.want {
			t.Fatalf("priority %d stored as %d, want %d", tt.in, j.Priority, tt.want)
		}
	}
}

func TestScheduleJobPersistsConfig(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t, Config{}, nil)

	raw := json.RawMessage(`{"marker_ids":["m1","m2"]}`)
	id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "x", Config: raw})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	j, err := st.Job(context.Background(), id)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if string(j.Config) != string(raw) {
		t.Fatalf("config = %s, want %s", j.Config, raw)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t, Config{MaxConcurrentJobs: 4, PollInterval: time.Hour}, map[string]batch.Processor{
		"quick": func(context.Context, *store.BatchJob, *batch.Runtime) (batch.Result, error) {
			return batch.Result{}, nil
		},
	})
	svc.Start(context.Background())

	id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "quick"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitStatus(t, st, id, store.StatusCompleted)

	snap, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Running || snap.Limit != 4 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Counts[store.StatusCompleted] != 1 {
		t.Fatalf("completed count = %d, want 1", snap.Counts[store.StatusCompleted])
	}
}

func TestApplyRaisesConcurrency(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	svc, st, _ := newTestService(t, Config{MaxConcurrentJobs: 1, PollInterval: time.Hour}, map[string]batch.Processor{
		"block": func(ctx context.Context, _ *store.BatchJob, _ *batch.Runtime) (batch.Result, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return batch.Result{}, ctx.Err()
			}
			return batch.Result{}, nil
		},
	})
	ids := make([]string, 3)
	for i := range ids {
		id, err := svc.ScheduleJob(context.Background(), JobSpec{Type: "block"})
		if err != nil {
			t.Fatalf("schedule: %v", err)
		}
		ids[i] = id
	}
	svc.Start(context.Background())
	waitCond(t, "one job in flight", func() bool { return svc.InFlight() == 1 })

	svc.Apply(Config{MaxConcurrentJobs: 3, PollInterval: time.Hour})
	waitCond(t, "three jobs in flight", func() bool { return svc.InFlight() == 3 })

	close(release)
	for _, id := range ids {
		waitStatus(t, st, id, store.StatusCompleted)
	}
}
