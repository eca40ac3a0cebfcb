package processors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arbatch/internal/batch"
	"arbatch/internal/store"
)

type contentUpdateConfig struct {
	ContentIDs []string `json:"content_ids,omitempty"`
	OwnerID    string   `json:"owner_id,omitempty"`
	Category   string   `json:"category,omitempty"`

	Set contentFieldPatch `json:"set"`
}

// contentFieldPatch mirrors the whitelisted bulk-updatable fields. Absent
// fields stay untouched.
type contentFieldPatch struct {
	Title    *string `json:"title,omitempty"`
	Category *string `json:"category,omitempty"`
	Status   *string `json:"status,omitempty"`
}

func (p contentFieldPatch) empty() bool {
	return p.Title == nil && p.Category == nil && p.Status == nil
}

func (p contentFieldPatch) fields() []string {
	var out []string
	if p.Title != nil {
		out = append(out, "title")
	}
	if p.Category != nil {
		out = append(out, "category")
	}
	if p.Status != nil {
		out = append(out, "status")
	}
	return out
}

// ContentUpdate applies one field patch to every content matching the filter.
func ContentUpdate(cs store.ContentStore) batch.Processor {
	return func(ctx context.Context, job *store.BatchJob, rt *batch.Runtime) (batch.Result, error) {
		var cfg contentUpdateConfig
		if err := decodeConfig(job.Config, &cfg); err != nil {
			return batch.Result{}, fmt.Errorf("content_update config: %w", err)
		}
		if cfg.Set.empty() {
			return batch.Result{}, errors.New("content_update config: set must change at least one field")
		}

		contents, err := cs.Contents(ctx, store.ContentFilter{
			IDs:      cfg.ContentIDs,
			OwnerID:  cfg.OwnerID,
			Category: cfg.Category,
		})
		if err != nil {
			return batch.Result{}, err
		}

		items := make([]batch.WorkItem, 0, len(contents))
		for _, c := range contents {
			items = append(items, batch.WorkItem{Type: "content", ID: c.ID})
		}

		set := store.ContentFieldSet{
			Title:    cfg.Set.Title,
			Category: cfg.Set.Category,
			Status:   cfg.Set.Status,
		}
		tally, err := rt.RunItems(ctx, job, items, func(ctx context.Context, it batch.WorkItem) (string, error) {
			return "", cs.UpdateContentFields(ctx, it.ID, set, time.Now())
		})
		if err != nil {
			return batch.Result{}, err
		}
		return batch.ResultFromTally(tally, map[string]any{
			"fields": cfg.Set.fields(),
		}), nil
	}
}
