package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "arbatch/pkg/logx"
)

// backends runs each test against both store implementations; the sqlite
// backend is the production path, memory mirrors its semantics.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func mustInsertJob(t *testing.T, st Store, job *BatchJob) {
	t.Helper()
	if job.Status == "" {
		job.Status = StatusQueued
	}
	if job.ScheduleType == "" {
		job.ScheduleType = ScheduleImmediate
	}
	if job.Priority == 0 {
		job.Priority = 5
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if err := st.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob(%s): %v", job.ID, err)
	}
}

func TestClaimOrdering(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Minute)
			// Two priority-5 jobs to exercise the created_at tie-break.
			priorities := []int{1, 5, 3, 5, 2}
			for i, p := range priorities {
				mustInsertJob(t, st, &BatchJob{
					ID:        string(rune('a' + i)),
					Type:      "content_update",
					Priority:  p,
					CreatedAt: base.Add(time.Duration(i) * time.Second),
				})
			}

			want := []string{"b", "d", "c", "e", "a"} // 5, 5(later), 3, 2, 1
			for i, id := range want {
				j, err := st.ClaimNextQueued(ctx, time.Now())
				if err != nil {
					t.Fatalf("claim %d: %v", i, err)
				}
				if j.ID != id {
					t.Fatalf("claim %d = %s, want %s", i, j.ID, id)
				}
				if j.Status != StatusProcessing {
					t.Fatalf("claimed job status = %s, want processing", j.Status)
				}
				if j.StartedAt.IsZero() {
					t.Fatal("claimed job has no started_at")
				}
			}
			if _, err := st.ClaimNextQueued(ctx, time.Now()); !errors.Is(err, ErrNotFound) {
				t.Fatalf("claim on empty queue = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFinishJobGuard(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustInsertJob(t, st, &BatchJob{ID: "g1", Type: "data_export"})
			if _, err := st.ClaimNextQueued(ctx, time.Now()); err != nil {
				t.Fatalf("claim: %v", err)
			}

			// Cancel wins the race; the finish must not overwrite it.
			if err := st.CancelJob(ctx, "g1", time.Now()); err != nil {
				t.Fatalf("cancel: %v", err)
			}
			ok, err := st.FinishJob(ctx, "g1", StatusCompleted, 10, 0, 100, "", time.Now())
			if err != nil {
				t.Fatalf("finish: %v", err)
			}
			if ok {
				t.Fatal("finish reported ok on a cancelled job")
			}
			j, err := st.Job(ctx, "g1")
			if err != nil {
				t.Fatalf("job: %v", err)
			}
			if j.Status != StatusCancelled {
				t.Fatalf("status = %s, want cancelled", j.Status)
			}
		})
	}
}

func TestFinishJobRecordsOutcome(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustInsertJob(t, st, &BatchJob{ID: "f1", Type: "data_export"})
			if _, err := st.ClaimNextQueued(ctx, time.Now()); err != nil {
				t.Fatalf("claim: %v", err)
			}
			done := time.Now()
			ok, err := st.FinishJob(ctx, "f1", StatusFailed, 7, 3, 100, "export dir unwritable", done)
			if err != nil || !ok {
				t.Fatalf("finish = (%v, %v), want (true, nil)", ok, err)
			}
			j, err := st.Job(ctx, "f1")
			if err != nil {
				t.Fatalf("job: %v", err)
			}
			if j.Status != StatusFailed || j.ProcessedItems != 7 || j.FailedItems != 3 {
				t.Fatalf("unexpected row: status=%s processed=%d failed=%d", j.Status, j.ProcessedItems, j.FailedItems)
			}
			if j.ErrorMessage != "export dir unwritable" {
				t.Fatalf("error message = %q", j.ErrorMessage)
			}
			if j.CompletedAt.IsZero() {
				t.Fatal("completed_at not set")
			}
		})
	}
}

func TestCancelJobTerminal(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustInsertJob(t, st, &BatchJob{ID: "c1", Type: "content_update"})
			if _, err := st.ClaimNextQueued(ctx, time.Now()); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if _, err := st.FinishJob(ctx, "c1", StatusCompleted, 0, 0, 100, "", time.Now()); err != nil {
				t.Fatalf("finish: %v", err)
			}
			if err := st.CancelJob(ctx, "c1", time.Now()); !errors.Is(err, ErrNotCancellable) {
				t.Fatalf("cancel terminal = %v, want ErrNotCancellable", err)
			}
			if err := st.CancelJob(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
				t.Fatalf("cancel missing = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRequeueFailed(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustInsertJob(t, st, &BatchJob{ID: "r1", Type: "data_export"})
			if err := st.RequeueFailed(ctx, "r1"); !errors.Is(err, ErrNotRetryable) {
				t.Fatalf("requeue queued job = %v, want ErrNotRetryable", err)
			}
			if _, err := st.ClaimNextQueued(ctx, time.Now()); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if _, err := st.FinishJob(ctx, "r1", StatusFailed, 2, 1, 100, "boom", time.Now()); err != nil {
				t.Fatalf("finish: %v", err)
			}
			if err := st.RequeueFailed(ctx, "r1"); err != nil {
				t.Fatalf("requeue: %v", err)
			}
			j, err := st.Job(ctx, "r1")
			if err != nil {
				t.Fatalf("job: %v", err)
			}
			if j.Status != StatusQueued {
				t.Fatalf("status = %s, want queued", j.Status)
			}
			if j.ErrorMessage != "" || j.Progress != 0 || j.ProcessedItems != 0 || j.FailedItems != 0 {
				t.Fatal("requeue did not reset run fields")
			}
			if !j.StartedAt.IsZero() || !j.CompletedAt.IsZero() {
				t.Fatal("requeue did not clear timestamps")
			}
		})
	}
}

func TestPromoteDueScheduled(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			mustInsertJob(t, st, &BatchJob{
				ID: "due", Type: "statistics_aggregation", Status: StatusPending,
				ScheduleType: ScheduleScheduled, ScheduledAt: now.Add(-time.Minute),
			})
			mustInsertJob(t, st, &BatchJob{
				ID: "future", Type: "statistics_aggregation", Status: StatusPending,
				ScheduleType: ScheduleScheduled, ScheduledAt: now.Add(time.Hour),
			})
			// Recurring jobs get one run when due.
			mustInsertJob(t, st, &BatchJob{
				ID: "rec", Type: "statistics_aggregation", Status: StatusPending,
				ScheduleType: ScheduleRecurring, ScheduledAt: now.Add(-time.Second),
			})

			ids, err := st.PromoteDueScheduled(ctx, now)
			if err != nil {
				t.Fatalf("promote: %v", err)
			}
			got := map[string]bool{}
			for _, id := range ids {
				got[id] = true
			}
			if !got["due"] || !got["rec"] || got["future"] || len(ids) != 2 {
				t.Fatalf("promoted %v, want [due rec]", ids)
			}
			j, err := st.Job(ctx, "future")
			if err != nil {
				t.Fatalf("job: %v", err)
			}
			if j.Status != StatusPending {
				t.Fatalf("future job status = %s, want pending", j.Status)
			}
		})
	}
}

func TestHistoryAppendAndPrune(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := time.Now().Add(-48 * time.Hour)
			if err := st.AppendHistory(ctx, HistoryEntry{JobID: "h1", Status: StatusCompleted, CreatedAt: old}); err != nil {
				t.Fatalf("append: %v", err)
			}
			if err := st.AppendHistory(ctx, HistoryEntry{JobID: "h1", Status: StatusFailed, ErrorLog: "boom", CreatedAt: time.Now()}); err != nil {
				t.Fatalf("append: %v", err)
			}

			entries, err := st.HistoryForJob(ctx, "h1", 10)
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(entries) != 2 {
				t.Fatalf("history len = %d, want 2", len(entries))
			}
			if entries[0].Status != StatusFailed {
				t.Fatalf("newest entry = %s, want failed", entries[0].Status)
			}

			n, err := st.PruneHistory(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if n != 1 {
				t.Fatalf("pruned = %d, want 1", n)
			}
			entries, err = st.HistoryForJob(ctx, "h1", 10)
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(entries) != 1 || entries[0].Status != StatusFailed {
				t.Fatalf("post-prune history = %+v", entries)
			}
		})
	}
}

func TestQueueItems(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"i1", "i2"} {
				err := st.InsertQueueItem(ctx, QueueItem{
					ID: id, JobID: "q1", ItemType: "marker", ItemID: "m-" + id,
					Status: ItemProcessing, CreatedAt: time.Now(),
				})
				if err != nil {
					t.Fatalf("insert item: %v", err)
				}
			}
			if err := st.FinishQueueItem(ctx, "i2", ItemFailed, "", "corrupt image", time.Now()); err != nil {
				t.Fatalf("finish item: %v", err)
			}
			items, err := st.QueueItemsForJob(ctx, "q1")
			if err != nil {
				t.Fatalf("items: %v", err)
			}
			if len(items) != 2 {
				t.Fatalf("items len = %d, want 2", len(items))
			}
			if items[0].ID != "i1" || items[1].ID != "i2" {
				t.Fatalf("item order = %s,%s", items[0].ID, items[1].ID)
			}
			if items[1].Status != ItemFailed || items[1].ErrorMessage != "corrupt image" {
				t.Fatalf("failed item = %+v", items[1])
			}
		})
	}
}

func TestDailyStatUpsert(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.AddDailyStat(ctx, "2026-08-23", "owner-1", 10, 1); err != nil {
				t.Fatalf("add: %v", err)
			}
			if err := st.AddDailyStat(ctx, "2026-08-23", "owner-1", 5, 2); err != nil {
				t.Fatalf("add: %v", err)
			}
			views, contents, err := st.DailyStat(ctx, "2026-08-23", "owner-1")
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if views != 15 || contents != 3 {
				t.Fatalf("stat = (%d, %d), want (15, 3)", views, contents)
			}
			if _, _, err := st.DailyStat(ctx, "2026-08-24", "owner-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing stat = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestContentFilterAndUpdate(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed := []Content{
				{ID: "c1", OwnerID: "o1", Category: "art", Status: "active", ViewCount: 3},
				{ID: "c2", OwnerID: "o1", Category: "promo", Status: "active", ViewCount: 7},
				{ID: "c3", OwnerID: "o2", Category: "art", Status: "draft", ViewCount: 1},
			}
			for _, c := range seed {
				if err := st.InsertContent(ctx, c); err != nil {
					t.Fatalf("insert: %v", err)
				}
			}

			got, err := st.Contents(ctx, ContentFilter{OwnerID: "o1", Category: "art"})
			if err != nil {
				t.Fatalf("contents: %v", err)
			}
			if len(got) != 1 || got[0].ID != "c1" {
				t.Fatalf("filter result = %+v", got)
			}

			status := "archived"
			if err := st.UpdateContentFields(ctx, "c2", ContentFieldSet{Status: &status}, time.Now()); err != nil {
				t.Fatalf("update: %v", err)
			}
			got, err = st.Contents(ctx, ContentFilter{IDs: []string{"c2"}})
			if err != nil {
				t.Fatalf("contents: %v", err)
			}
			if got[0].Status != "archived" || got[0].Title != "" || got[0].Category != "promo" {
				t.Fatalf("partial update wrong: %+v", got[0])
			}
		})
	}
}
