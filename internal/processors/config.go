package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"arbatch/internal/store"
)

// decodeConfig strictly decodes a job's opaque config. Unknown fields are
// rejected so typos fail the job instead of silently selecting everything.
func decodeConfig(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// resolveMarkers selects markers by explicit ids or by owner. Marker jobs
// require a selector; an unbounded all-markers scan is never implied.
func resolveMarkers(ctx context.Context, cs store.ContentStore, ids []string, ownerID string) ([]store.Marker, error) {
	if len(ids) > 0 {
		return cs.MarkersByIDs(ctx, ids)
	}
	if ownerID != "" {
		return cs.MarkersByOwner(ctx, ownerID)
	}
	return nil, errors.New("config selects no markers: marker_ids or owner_id is required")
}
