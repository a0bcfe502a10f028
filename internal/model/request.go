package model

import "encoding/json"

// RawRequest is the upstream wire format as published to the external FIFO
// queue. Only the first element of ImageURLs is ever used; additional
// elements are accepted for forward compatibility but ignored.
type RawRequest struct {
	JobID           string          `json:"job_id"`
	JobName         string          `json:"job_name"`
	ImageURLs       []string        `json:"image_urls"`
	Outputs         json.RawMessage `json:"outputs"`
	Endpoint        string          `json:"endpoint"`
	Variant         string          `json:"variant,omitempty"`
	TileSize        int             `json:"tile_size"`
	TileOverlap     int             `json:"tile_overlap"`
	TileFormat      string          `json:"tile_format,omitempty"`
	TileCompression string          `json:"tile_compression,omitempty"`
	ROI             string          `json:"roi,omitempty"`
	ImageReadRole   string          `json:"image_read_role,omitempty"`
}

// ImageRequest is the validated, immutable record BufferedRequestQueue
// builds out of a RawRequest before it is enriched further and persisted.
type ImageRequest struct {
	JobID           string
	JobName         string
	ImageURL        string
	EndpointID      string
	Variant         string
	TileSize        int
	TileOverlap     int
	TileFormat      string
	TileCompression string
	ROI             string
	ImageReadRole   string
	Outputs         json.RawMessage

	// RegionSize is carried on the request for RegionCalculator; it is not
	// part of the upstream wire format, and is filled in by
	// BufferedRequestQueue from configuration before the calculator runs.
	RegionSize int
}

// WithVariant returns a copy of the request with Variant set, used by
// VariantSelector to thread the resolved variant through without mutating
// the caller's copy.
func (r ImageRequest) WithVariant(variant string) ImageRequest {
	r.Variant = variant
	return r
}
