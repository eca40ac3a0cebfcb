package processors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arbatch/internal/batch"
	"arbatch/internal/store"
)

const defaultTargetQuality = 80

type markerOptConfig struct {
	MarkerIDs     []string `json:"marker_ids,omitempty"`
	OwnerID       string   `json:"owner_id,omitempty"`
	TargetQuality int      `json:"target_quality,omitempty"` // 1..100, default 80
}

// MarkerOptimization recompresses marker images toward a target quality and
// records the new size/quality on the marker row.
func MarkerOptimization(cs store.ContentStore) batch.Processor {
	return func(ctx context.Context, job *store.BatchJob, rt *batch.Runtime) (batch.Result, error) {
		var cfg markerOptConfig
		if err := decodeConfig(job.Config, &cfg); err != nil {
			return batch.Result{}, fmt.Errorf("marker_optimization config: %w", err)
		}
		quality := cfg.TargetQuality
		if quality <= 0 {
			quality = defaultTargetQuality
		}
		if quality > 100 {
			quality = 100
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

		var bytesSaved int64
		tally, err := rt.RunItems(ctx, job, items, func(ctx context.Context, it batch.WorkItem) (string, error) {
			m := byID[it.ID]
			size, oerr := optimizeMarkerImage(m, quality)
			if oerr != nil {
				return "", oerr
			}
			if uerr := cs.UpdateMarkerOptimization(ctx, m.ID, size, quality, time.Now()); uerr != nil {
				return "", uerr
			}
			bytesSaved += m.FileSize - size
			return fmt.Sprintf(`{"bytes_before":%d,"bytes_after":%d}`, m.FileSize, size), nil
		})
		if err != nil {
			return batch.Result{}, err
		}
		return batch.ResultFromTally(tally, map[string]any{
			"target_quality": quality,
			"bytes_saved":    bytesSaved,
		}), nil
	}
}

// optimizeMarkerImage models recompression toward the target quality; the
// actual encoder runs out of process. Markers already at or below the target
// keep their size.
func optimizeMarkerImage(m store.Marker, quality int) (int64, error) {
	if m.ImagePath == "" {
		return 0, errors.New("marker has no image")
	}
	if m.Quality > 0 && m.Quality <= quality {
		return m.FileSize, nil
	}
	size := m.FileSize * int64(quality) / 100
	if size <= 0 {
		size = m.FileSize
	}
	return size, nil
}
