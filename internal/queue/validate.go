package queue

import (
	"github.com/rasterfleet/scheduler-core/internal/model"
)

// ValidationError marks a structural failure of an upstream request: the
// request is DLQ'd immediately, never enters the store.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid request: " + e.Reason }

// validate checks the structural requirements of the upstream request
// payload and builds the immutable ImageRequest the rest of the pipeline
// consumes. The tile size default applies when tile_size is zero or
// negative (an omitted field decodes as 0); the tile overlap default applies
// only when tile_overlap is negative, so an omitted overlap stays 0.
// tile_size/tile_overlap are per-request fields, but region_size has no
// per-request field, so it always comes from configuration.
func validate(raw model.RawRequest, defaultRegionSize, defaultTileSize, defaultTileOverlap int) (model.ImageRequest, error) {
	if raw.JobID == "" {
		return model.ImageRequest{}, &ValidationError{Reason: "missing job_id"}
	}
	if len(raw.ImageURLs) == 0 || raw.ImageURLs[0] == "" {
		return model.ImageRequest{}, &ValidationError{Reason: "missing image_urls[0]"}
	}
	if raw.Endpoint == "" {
		return model.ImageRequest{}, &ValidationError{Reason: "missing endpoint"}
	}

	tileSize := raw.TileSize
	if tileSize <= 0 {
		tileSize = defaultTileSize
	}
	tileOverlap := raw.TileOverlap
	if tileOverlap < 0 {
		tileOverlap = defaultTileOverlap
	}

	return model.ImageRequest{
		JobID:           raw.JobID,
		JobName:         raw.JobName,
		ImageURL:        raw.ImageURLs[0],
		EndpointID:      raw.Endpoint,
		Variant:         raw.Variant,
		TileSize:        tileSize,
		TileOverlap:     tileOverlap,
		TileFormat:      raw.TileFormat,
		TileCompression: raw.TileCompression,
		ROI:             raw.ROI,
		ImageReadRole:   raw.ImageReadRole,
		Outputs:         raw.Outputs,
		RegionSize:      defaultRegionSize,
	}, nil
}
