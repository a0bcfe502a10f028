package region

import "github.com/paulmach/orb"

// PixelBounds is a half-open rectangle [MinX,MaxX) x [MinY,MaxY) in image
// pixel space, used both as a processing-bounds value and as one element of
// calculate_regions' returned region list.
type PixelBounds struct {
	MinX, MinY, MaxX, MaxY int
}

func (b PixelBounds) Width() int  { return b.MaxX - b.MinX }
func (b PixelBounds) Height() int { return b.MaxY - b.MinY }
func (b PixelBounds) empty() bool { return b.Width() <= 0 || b.Height() <= 0 }

// intersect returns the overlap of b and o, which is empty if they don't
// overlap.
func (b PixelBounds) intersect(o PixelBounds) PixelBounds {
	r := PixelBounds{
		MinX: max(b.MinX, o.MinX),
		MinY: max(b.MinY, o.MinY),
		MaxX: min(b.MaxX, o.MaxX),
		MaxY: min(b.MaxY, o.MaxY),
	}
	if r.empty() {
		return PixelBounds{}
	}
	return r
}

// tileGrid decomposes bounds into a row-major grid of regionSize x
// regionSize cells, clipped to bounds at the trailing edge. The step between
// region origins is regionSize - tileOverlap, so neighbouring cells overlap
// by tileOverlap pixels (none when tileOverlap is 0): a tiling
// strategy that keeps a tileOverlap-wide margin shared between neighboring
// regions once each region is itself broken into tileSize tiles downstream,
// so seams at region boundaries still get overlapping tile coverage.
func tileGrid(bounds PixelBounds, regionSize, tileOverlap int) []PixelBounds {
	if bounds.empty() || regionSize <= 0 {
		return nil
	}
	step := regionSize - tileOverlap
	if step <= 0 {
		step = regionSize
	}

	var out []PixelBounds
	for y := bounds.MinY; y < bounds.MaxY; y += step {
		for x := bounds.MinX; x < bounds.MaxX; x += step {
			cell := PixelBounds{
				MinX: x,
				MinY: y,
				MaxX: min(x+regionSize, bounds.MaxX),
				MaxY: min(y+regionSize, bounds.MaxY),
			}
			if !cell.empty() {
				out = append(out, cell)
			}
		}
	}
	return out
}

// toGeoRect converts a pixel rectangle to its geographic footprint ring
// using the image's affine transform (origin + pixel size), for ROI
// intersection testing.
func toGeoRect(b PixelBounds, originX, originY, pixelSizeX, pixelSizeY float64) orb.Ring {
	geoX := func(px int) float64 { return originX + float64(px)*pixelSizeX }
	geoY := func(py int) float64 { return originY - float64(py)*pixelSizeY }
	return orb.Ring{
		{geoX(b.MinX), geoY(b.MinY)},
		{geoX(b.MaxX), geoY(b.MinY)},
		{geoX(b.MaxX), geoY(b.MaxY)},
		{geoX(b.MinX), geoY(b.MaxY)},
		{geoX(b.MinX), geoY(b.MinY)},
	}
}
