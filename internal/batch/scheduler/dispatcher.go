package scheduler

import (
	"context"
	"errors"
	"time"

	"arbatch/internal/store"
	logx "arbatch/pkg/logx"
)

// kickDispatch spawns a dispatch pass. Called whenever a job becomes runnable
// (scheduled, promoted, requeued) or a slot frees up. Passes are cheap and
// idempotent: the store claim is atomic and slots bound concurrency, so
// overlapping passes are harmless.
func (s *Service) kickDispatch() {
	s.mu.Lock()
	sup := s.sup
	running := s.running
	s.mu.Unlock()
	if !running || sup == nil {
		return
	}
	sup.Go0("dispatch", s.dispatchLoop)
}

// dispatchLoop claims queued jobs until the queue is empty or all slots are
// taken. Each claimed job runs on its own goroutine; the slot is released and
// dispatch re-entered when it finishes.
func (s *Service) dispatchLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.acquireSlot() {
			return
		}
		job, err := s.st.ClaimNextQueued(ctx, time.Now())
		if err != nil {
			s.releaseSlot()
			if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, context.Canceled) {
				s.log.Warn("claim failed", logx.Err(err))
			}
			return
		}

		s.mu.Lock()
		sup := s.sup
		s.mu.Unlock()
		if sup == nil {
			s.releaseSlot()
			return
		}
		j := job
		sup.Go0("job."+j.Type, func(runCtx context.Context) {
			defer func() {
				s.releaseSlot()
				s.kickDispatch()
			}()
			s.executeJob(runCtx, j)
		})
	}
}

func (s *Service) acquireSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.inFlight >= s.limit {
		return false
	}
	s.inFlight++
	return true
}

func (s *Service) releaseSlot() {
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
}

// InFlight reports how many jobs are currently executing in this process.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}
