package processors

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"arbatch/internal/batch"
	"arbatch/internal/store"
)

type mindarConfig struct {
	MarkerIDs []string `json:"marker_ids,omitempty"`
	OwnerID   string   `json:"owner_id,omitempty"`

	// Force regenerates descriptors that already exist.
	Force bool `json:"force,omitempty"`
}

// MindARGeneration compiles an AR tracking descriptor (.mind) per marker and
// records its location. The feature compiler itself runs out of process; this
// job records where its output lands next to the source image.
func MindARGeneration(cs store.ContentStore) batch.Processor {
	return func(ctx context.Context, job *store.BatchJob, rt *batch.Runtime) (batch.Result, error) {
		var cfg mindarConfig
		if err := decodeConfig(job.Config, &cfg); err != nil {
			return batch.Result{}, fmt.Errorf("mindar_generation config: %w", err)
		}

		markers, err := resolveMarkers(ctx, cs, cfg.MarkerIDs, cfg.OwnerID)
		if err != nil {
			return batch.Result{}, err
		}

		byID := make(map[string]store.Marker, len(markers))
		items := make([]batch.WorkItem, 0, len(markers))
		for _, m := range markers {
			byID[m.ID] = m
			items = append(items, batch.WorkItem{Type: "marker", ID: m.ID})
		}

		var skipped int
		tally, err := rt.RunItems(ctx, job, items, func(ctx context.Context, it batch.WorkItem) (string, error) {
			m := byID[it.ID]
			if m.ImagePath == "" {
				return "", errors.New("marker has no image")
			}
			if m.MindPath != "" && !cfg.Force {
				skipped++
				return `{"skipped":true}`, nil
			}
			mindPath := mindPathFor(m.ImagePath)
			if uerr := cs.UpdateMarkerMind(ctx, m.ID, mindPath, time.Now()); uerr != nil {
				return "", uerr
			}
			return fmt.Sprintf(`{"mind_path":%q}`, mindPath), nil
		})
		if err != nil {
			return batch.Result{}, err
		}
		return batch.ResultFromTally(tally, map[string]any{
			"skipped": skipped,
			"force":   cfg.Force,
		}), nil
	}
}

func mindPathFor(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ".mind"
}
