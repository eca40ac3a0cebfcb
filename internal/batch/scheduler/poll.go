package scheduler

import (
	"context"
	"fmt"
	"time"

	logx "arbatch/pkg/logx"
)

// pollOnce promotes due pending scheduled jobs to queued, then dispatches.
// Dispatch is kicked unconditionally so queued jobs left over from a previous
// run are picked up as well.
func (s *Service) pollOnce(ctx context.Context) {
	ids, err := s.st.PromoteDueScheduled(ctx, time.Now())
	if err != nil {
		s.log.Warn("scheduled promotion failed", logx.Err(err))
	} else if len(ids) > 0 {
		s.log.Info("scheduled jobs promoted", logx.Int("count", len(ids)))
	}
	s.kickDispatch()
}

// pruneHistory drops history rows older than the retention window.
func (s *Service) pruneHistory(ctx context.Context) {
	retention := s.config().HistoryRetention
	if retention <= 0 {
		return
	}
	n, err := s.st.PruneHistory(ctx, time.Now().Add(-retention))
	if err != nil {
		s.log.Warn("history prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("history pruned", logx.Int64("removed", n))
	}
}

// cronPrintf adapts logx to the printf-style logger robfig/cron expects; cron
// only logs through it on recovered panics.
type cronPrintf struct{ log logx.Logger }

func (c cronPrintf) Printf(format string, args ...any) {
	c.log.Warn(fmt.Sprintf(format, args...))
}
