package processors

import (
	"context"
	"fmt"
	"time"

	"arbatch/internal/batch"
	"arbatch/internal/store"
)

const dayFormat = "2006-01-02"

type statsAggConfig struct {
	OwnerID string `json:"owner_id,omitempty"`

	// Day in YYYY-MM-DD form; defaults to today.
	Day string `json:"day,omitempty"`
}

// StatisticsAggregation folds content view counts into the per-owner per-day
// aggregate table.
func StatisticsAggregation(cs store.ContentStore) batch.Processor {
	return func(ctx context.Context, job *store.BatchJob, rt *batch.Runtime) (batch.Result, error) {
		var cfg statsAggConfig
		if err := decodeConfig(job.Config, &cfg); err != nil {
			return batch.Result{}, fmt.Errorf("statistics_aggregation config: %w", err)
		}
		day := cfg.Day
		if day == "" {
			day = time.Now().Format(dayFormat)
		} else if _, err := time.Parse(dayFormat, day); err != nil {
			return batch.Result{}, fmt.Errorf("statistics_aggregation config: invalid day %q", cfg.Day)
		}

		contents, err := cs.Contents(ctx, store.ContentFilter{OwnerID: cfg.OwnerID})
		if err != nil {
			return batch.Result{}, err
		}

		byID := make(map[string]store.Content, len(contents))
		items := make([]batch.WorkItem, 0, len(contents))
		for _, c := range contents {
			byID[c.ID] = c
			items = append(items, batch.WorkItem{Type: "content", ID: c.ID})
		}

		owners := map[string]struct{}{}
		var views int
		tally, err := rt.RunItems(ctx, job, items, func(ctx context.Context, it batch.WorkItem) (string, error) {
			c := byID[it.ID]
			if aerr := cs.AddDailyStat(ctx, day, c.OwnerID, c.ViewCount, 1); aerr != nil {
				return "", aerr
			}
			owners[c.OwnerID] = struct{}{}
			views += c.ViewCount
			return "", nil
		})
		if err != nil {
			return batch.Result{}, err
		}
		return batch.ResultFromTally(tally, map[string]any{
			"day":    day,
			"owners": len(owners),
			"views":  views,
		}), nil
	}
}
