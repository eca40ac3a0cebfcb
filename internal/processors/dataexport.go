package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"arbatch/internal/batch"
	"arbatch/internal/store"
)

const defaultExportDir = "./exports"

type dataExportConfig struct {
	ContentIDs []string `json:"content_ids,omitempty"`
	OwnerID    string   `json:"owner_id,omitempty"`
	Category   string   `json:"category,omitempty"`
}

type exportRecord struct {
	ID        string    `json:"id"`
	MarkerID  string    `json:"marker_id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Status    string    `json:"status"`
	ViewCount int       `json:"view_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DataExport serializes the selected contents to a JSON file under dir. The
// per-item pass builds the export set; the file write at the end is job-fatal
// on error.
func DataExport(cs store.ContentStore, dir string) batch.Processor {
	if dir == "" {
		dir = defaultExportDir
	}
	return func(ctx context.Context, job *store.BatchJob, rt *batch.Runtime) (batch.Result, error) {
		var cfg dataExportConfig
		if err := decodeConfig(job.Config, &cfg); err != nil {
			return batch.Result{}, fmt.Errorf("data_export config: %w", err)
		}

		contents, err := cs.Contents(ctx, store.ContentFilter{
			IDs:      cfg.ContentIDs,
			OwnerID:  cfg.OwnerID,
			Category: cfg.Category,
		})
		if err != nil {
			return batch.Result{}, err
		}

		byID := make(map[string]store.Content, len(contents))
		items := make([]batch.WorkItem, 0, len(contents))
		for _, c := range contents {
			byID[c.ID] = c
			items = append(items, batch.WorkItem{Type: "content", ID: c.ID})
		}

		records := make([]exportRecord, 0, len(contents))
		tally, err := rt.RunItems(ctx, job, items, func(ctx context.Context, it batch.WorkItem) (string, error) {
			c := byID[it.ID]
			records = append(records, exportRecord{
				ID:        c.ID,
				MarkerID:  c.MarkerID,
				OwnerID:   c.OwnerID,
				Title:     c.Title,
				Category:  c.Category,
				Status:    c.Status,
				ViewCount: c.ViewCount,
				UpdatedAt: c.UpdatedAt,
			})
			return "", nil
		})
		if err != nil {
			return batch.Result{}, err
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			return batch.Result{}, fmt.Errorf("export dir: %w", err)
		}
		path := filepath.Join(dir, "contents-"+job.ID+".json")
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return batch.Result{}, fmt.Errorf("export encode: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return batch.Result{}, fmt.Errorf("export write: %w", err)
		}

		return batch.ResultFromTally(tally, map[string]any{
			"path":    path,
			"bytes":   len(data),
			"records": len(records),
		}), nil
	}
}
