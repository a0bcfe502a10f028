package region

import (
	h3 "github.com/uber/h3-go/v4"

	"github.com/rasterfleet/scheduler-core/internal/region/raster"
)

// localityCell tags a region's geographic centroid with an H3 cell,
// exposed via the scheduler_regions_by_locality_cell metric. It returns
// "" when the image carries no georeferencing, since there is then no
// geographic centroid to tag.
func localityCell(b PixelBounds, hdr raster.Header, resolution int) string {
	if !hdr.Georeferenced {
		return ""
	}
	cx := (b.MinX + b.MaxX) / 2
	cy := (b.MinY + b.MaxY) / 2
	lat := hdr.OriginY - float64(cy)*hdr.PixelSizeY
	lng := hdr.OriginX + float64(cx)*hdr.PixelSizeX

	cell := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lng}, resolution)
	return cell.String()
}
