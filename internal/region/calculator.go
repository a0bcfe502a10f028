// Package region implements RegionCalculator: decomposing an image into
// the regions the scheduler will account for as load,
// honoring an optional region-of-interest polygon.
package region

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rasterfleet/scheduler-core/internal/observability"
	"github.com/rasterfleet/scheduler-core/internal/region/raster"
)

// Result is one computed region and its locality tag.
type Result struct {
	Bounds       PixelBounds
	LocalityCell string
}

// Calculator decomposes an image into regions. It is a pure function of
// its inputs apart from the remote header read, performs no network I/O
// with model endpoints, and makes no writes.
type Calculator struct {
	source             raster.Source
	h3Resolution       int
	localityObserveCap int
	log                *zerolog.Logger
}

// New builds a Calculator. h3Resolution controls the granularity of the
// region-locality tagging.
func New(source raster.Source, h3Resolution int, log *zerolog.Logger) *Calculator {
	if source == nil {
		source = raster.NewHTTPRangeSource(nil)
	}
	return &Calculator{source: source, h3Resolution: h3Resolution, log: log}
}

// Input bundles calculate_regions' parameters.
type Input struct {
	ImageURL    string
	RegionSize  int
	TileSize    int
	TileOverlap int
	ROI         string // optional WKT or GeoJSON polygon
}

// CalculateRegions returns the ordered list of regions an image decomposes
// into. Any failure to read or parse the image header is returned as
// *raster.LoadImageError, the fail-fast boundary a caller must never let
// past into OutstandingJobsStore.
func (c *Calculator) CalculateRegions(ctx context.Context, in Input) ([]Result, error) {
	start := time.Now()
	results, err := c.calculate(ctx, in)
	if err != nil {
		observability.ObserveRegionCalc("error", time.Since(start))
		observability.IncImageAccessError(reasonFor(err))
		return nil, err
	}
	observability.ObserveRegionCalc("ok", time.Since(start))
	byCell := make(map[string]int, len(results))
	for _, r := range results {
		if r.LocalityCell != "" {
			byCell[r.LocalityCell]++
		}
	}
	for cell, count := range byCell {
		observability.SetRegionsByCell(cell, count)
	}
	return results, nil
}

func (c *Calculator) calculate(ctx context.Context, in Input) ([]Result, error) {
	hdr, err := raster.ReadHeader(ctx, c.source, in.ImageURL)
	if err != nil {
		return nil, err
	}

	bounds := PixelBounds{MinX: 0, MinY: 0, MaxX: hdr.WidthPx, MaxY: hdr.HeightPx}

	geom, err := parseROI(in.ROI)
	if err != nil {
		return nil, &raster.LoadImageError{ImageURL: in.ImageURL, Cause: err}
	}

	grid := tileGrid(bounds, in.RegionSize, in.TileOverlap)

	results := make([]Result, 0, len(grid))
	for _, cell := range grid {
		if geom != nil && hdr.Georeferenced {
			rect := toGeoRect(cell, hdr.OriginX, hdr.OriginY, hdr.PixelSizeX, hdr.PixelSizeY)
			if !rectRingIntersectsGeometry(rect, geom) {
				continue
			}
		}
		results = append(results, Result{
			Bounds:       cell,
			LocalityCell: localityCell(cell, hdr, c.h3Resolution),
		})
	}
	return results, nil
}

func reasonFor(err error) string {
	if _, ok := err.(*raster.LoadImageError); ok {
		return "load_image_error"
	}
	return "unknown"
}
