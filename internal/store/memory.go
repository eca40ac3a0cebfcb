package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore is a volatile Store used by tests and local experiments.
// It mirrors the SQLite backend's semantics, including the conditional
// claim/finish guards.
type memoryStore struct {
	mu sync.Mutex

	jobs     map[string]*BatchJob
	history  []HistoryEntry
	items    map[string]QueueItem
	itemSeq  []string // insertion order
	markers  map[string]Marker
	contents map[string]Content
	stats    map[string]dailyStat // key: day + "\x00" + owner
}

type dailyStat struct {
	views    int
	contents int
}

func NewMemory() Store {
	return &memoryStore{
		jobs:     map[string]*BatchJob{},
		items:    map[string]QueueItem{},
		markers:  map[string]Marker{},
		contents: map[string]Content{},
		stats:    map[string]dailyStat{},
	}
}

func (s *memoryStore) Close() error { return nil }

// ---- jobs ----

func copyJob(j *BatchJob) *BatchJob {
	cp := *j
	if j.Config != nil {
		cp.Config = append([]byte(nil), j.Config...)
	}
	return &cp
}

func (s *memoryStore) InsertJob(_ context.Context, job *BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *memoryStore) Job(_ context.Context, id string) (*BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

// claimLess orders queued jobs: priority DESC, created_at ASC, id ASC.
func claimLess(a, b *BatchJob) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *memoryStore) ClaimNextQueued(_ context.Context, now time.Time) (*BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *BatchJob
	for _, j := range s.jobs {
		if j.Status != StatusQueued {
			continue
		}
		if best == nil || claimLess(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	best.Status = StatusProcessing
	best.StartedAt = now
	return copyJob(best), nil
}

func (s *memoryStore) SetJobTotals(_ context.Context, id string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.TotalItems = total
	return nil
}

func (s *memoryStore) SetJobCounts(_ context.Context, id string, processed, failed, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.ProcessedItems = processed
	j.FailedItems = failed
	j.Progress = progress
	return nil
}

func (s *memoryStore) FinishJob(_ context.Context, id string, status JobStatus, processed, failed, progress int, errMsg string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != StatusProcessing {
		return false, nil
	}
	j.Status = status
	j.ProcessedItems = processed
	j.FailedItems = failed
	j.Progress = progress
	j.ErrorMessage = errMsg
	j.CompletedAt = at
	return true, nil
}

func (s *memoryStore) CancelJob(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return ErrNotCancellable
	}
	j.Status = StatusCancelled
	j.CompletedAt = at
	return nil
}

func (s *memoryStore) RequeueFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusFailed {
		return ErrNotRetryable
	}
	j.Status = StatusQueued
	j.ErrorMessage = ""
	j.Progress = 0
	j.ProcessedItems = 0
	j.FailedItems = 0
	j.StartedAt = time.Time{}
	j.CompletedAt = time.Time{}
	return nil
}

func (s *memoryStore) PromoteDueScheduled(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, j := range s.jobs {
		if j.Status != StatusPending {
			continue
		}
		// Recurring jobs get their first (and only) run; they are not re-armed.
		if j.ScheduleType != ScheduleScheduled && j.ScheduleType != ScheduleRecurring {
			continue
		}
		if j.ScheduledAt.IsZero() || j.ScheduledAt.After(now) {
			continue
		}
		j.Status = StatusQueued
		ids = append(ids, j.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memoryStore) JobsByStatus(_ context.Context, status JobStatus, limit int) ([]*BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*BatchJob
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, copyJob(j))
		}
	}
	switch status {
	case StatusProcessing:
		sort.Slice(out, func(i, k int) bool {
			if !out[i].StartedAt.Equal(out[k].StartedAt) {
				return out[i].StartedAt.Before(out[k].StartedAt)
			}
			return out[i].ID < out[k].ID
		})
	case StatusCompleted, StatusFailed, StatusCancelled:
		sort.Slice(out, func(i, k int) bool {
			if !out[i].CompletedAt.Equal(out[k].CompletedAt) {
				return out[i].CompletedAt.After(out[k].CompletedAt)
			}
			return out[i].ID < out[k].ID
		})
	default:
		sort.Slice(out, func(i, k int) bool { return claimLess(out[i], out[k]) })
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) CountByStatus(_ context.Context) (map[JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[JobStatus]int{}
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

// ---- history ----

func (s *memoryStore) AppendHistory(_ context.Context, e HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
	return nil
}

func (s *memoryStore) HistoryForJob(_ context.Context, jobID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []HistoryEntry
	// Newest first.
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if s.history[i].JobID == jobID {
			out = append(out, s.history[i])
		}
	}
	return out, nil
}

func (s *memoryStore) PruneHistory(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.history[:0]
	var pruned int64
	for _, e := range s.history {
		if e.CreatedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.history = kept
	return pruned, nil
}

// ---- queue items ----

func (s *memoryStore) InsertQueueItem(_ context.Context, it QueueItem) error {
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.ID] = it
	s.itemSeq = append(s.itemSeq, it.ID)
	return nil
}

func (s *memoryStore) FinishQueueItem(_ context.Context, id string, status ItemStatus, metadata, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	it.Status = status
	it.Metadata = metadata
	it.ErrorMessage = errMsg
	it.CompletedAt = at
	s.items[id] = it
	return nil
}

func (s *memoryStore) QueueItemsForJob(_ context.Context, jobID string) ([]QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []QueueItem
	for _, id := range s.itemSeq {
		if it, ok := s.items[id]; ok && it.JobID == jobID {
			out = append(out, it)
		}
	}
	return out, nil
}

// ---- content domain ----

func (s *memoryStore) InsertMarker(_ context.Context, m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[m.ID] = m
	return nil
}

func (s *memoryStore) MarkersByIDs(_ context.Context, ids []string) ([]Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Marker
	for _, id := range ids {
		if m, ok := s.markers[id]; ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *memoryStore) MarkersByOwner(_ context.Context, ownerID string) ([]Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Marker
	for _, m := range s.markers {
		if m.OwnerID == ownerID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *memoryStore) UpdateMarkerOptimization(_ context.Context, id string, fileSize int64, quality int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[id]
	if !ok {
		return ErrNotFound
	}
	m.FileSize = fileSize
	m.Quality = quality
	m.OptimizedAt = at
	s.markers[id] = m
	return nil
}

func (s *memoryStore) UpdateMarkerMind(_ context.Context, id, mindPath string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[id]
	if !ok {
		return ErrNotFound
	}
	m.MindPath = mindPath
	m.MindGeneratedAt = at
	s.markers[id] = m
	return nil
}

func (s *memoryStore) InsertContent(_ context.Context, c Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[c.ID] = c
	return nil
}

func (s *memoryStore) Contents(_ context.Context, f ContentFilter) ([]Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantID := map[string]bool{}
	for _, id := range f.IDs {
		wantID[id] = true
	}

	var out []Content
	for _, c := range s.contents {
		if len(wantID) > 0 && !wantID[c.ID] {
			continue
		}
		if f.OwnerID != "" && c.OwnerID != f.OwnerID {
			continue
		}
		if f.Category != "" && c.Category != f.Category {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *memoryStore) UpdateContentFields(_ context.Context, id string, set ContentFieldSet, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contents[id]
	if !ok {
		return ErrNotFound
	}
	if set.Title != nil {
		c.Title = *set.Title
	}
	if set.Category != nil {
		c.Category = *set.Category
	}
	if set.Status != nil {
		c.Status = *set.Status
	}
	c.UpdatedAt = at
	s.contents[id] = c
	return nil
}

func statKey(day, ownerID string) string { return day + "\x00" + ownerID }

func (s *memoryStore) AddDailyStat(_ context.Context, day, ownerID string, views, contents int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[statKey(day, ownerID)]
	st.views += views
	st.contents += contents
	s.stats[statKey(day, ownerID)] = st
	return nil
}

func (s *memoryStore) DailyStat(_ context.Context, day, ownerID string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[statKey(day, ownerID)]
	if !ok {
		return 0, 0, ErrNotFound
	}
	return st.views, st.contents, nil
}
