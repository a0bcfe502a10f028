// Package raster reads just enough of a (Geo)TIFF/COG header over HTTP
// range reads to determine an image's pixel dimensions and, when present,
// its affine georeferencing — without downloading pixel data. It is built
// on the standard library only; see DESIGN.md for why no raster-I/O
// library was a better fit here.
package raster

import (
	"context"
	"encoding/binary"
	"fmt"
)

const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagModelPixelScale  = 33550
	tagModelTiepoint    = 33922
	initialReadBytes    = 4096
	maxIFDEntryFollowUp = 1 << 20 // guard against pathological tag counts
)

// Header is the subset of TIFF/GeoTIFF metadata RegionCalculator needs.
type Header struct {
	WidthPx  int
	HeightPx int

	// Georeferenced is true when ModelPixelScale and ModelTiepoint tags were
	// present, letting pixel space be mapped to geographic coordinates for
	// ROI intersection.
	Georeferenced bool
	PixelSizeX    float64 // geo units per pixel, x
	PixelSizeY    float64 // geo units per pixel, y (stored positive; applied as -y going down)
	OriginX       float64 // geo coordinate of pixel (0,0)'s upper-left corner
	OriginY       float64
}

// ReadHeader parses the image at url's TIFF header via range reads. Any
// failure to read or parse is reported as *LoadImageError,
// RegionCalculator's fail-fast boundary.
func ReadHeader(ctx context.Context, src Source, url string) (Header, error) {
	h, err := readHeader(ctx, src, url)
	if err != nil {
		return Header{}, &LoadImageError{ImageURL: url, Cause: err}
	}
	return h, nil
}

func readHeader(ctx context.Context, src Source, url string) (Header, error) {
	lead, err := src.ReadRange(ctx, url, 0, initialReadBytes)
	if err != nil {
		return Header{}, fmt.Errorf("read header bytes: %w", err)
	}
	if len(lead) < 8 {
		return Header{}, fmt.Errorf("file too short to be a TIFF (%d bytes)", len(lead))
	}

	var order binary.ByteOrder
	switch string(lead[0:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return Header{}, fmt.Errorf("not a TIFF: bad byte-order mark %q", lead[0:2])
	}
	if order.Uint16(lead[2:4]) != 42 {
		return Header{}, fmt.Errorf("not a TIFF: bad magic number")
	}
	ifdOffset := int64(order.Uint32(lead[4:8]))

	ifdBytes, err := readAt(ctx, src, url, lead, ifdOffset, initialReadBytes)
	if err != nil {
		return Header{}, fmt.Errorf("read IFD: %w", err)
	}
	if len(ifdBytes) < 2 {
		return Header{}, fmt.Errorf("IFD truncated")
	}
	entryCount := int(order.Uint16(ifdBytes[0:2]))
	needed := 2 + entryCount*12 + 4
	if len(ifdBytes) < needed {
		ifdBytes, err = src.ReadRange(ctx, url, ifdOffset, int64(needed))
		if err != nil {
			return Header{}, fmt.Errorf("read full IFD: %w", err)
		}
	}

	var hdr Header
	var pixelScale, tiepoint []float64
	for i := 0; i < entryCount; i++ {
		entry := ifdBytes[2+i*12 : 2+i*12+12]
		tag := order.Uint16(entry[0:2])
		typ := order.Uint16(entry[2:4])
		count := order.Uint32(entry[4:8])

		switch tag {
		case tagImageWidth:
			v, err := readScalarEntry(ctx, src, url, order, typ, entry[8:12])
			if err != nil {
				return Header{}, fmt.Errorf("ImageWidth: %w", err)
			}
			hdr.WidthPx = int(v)
		case tagImageLength:
			v, err := readScalarEntry(ctx, src, url, order, typ, entry[8:12])
			if err != nil {
				return Header{}, fmt.Errorf("ImageLength: %w", err)
			}
			hdr.HeightPx = int(v)
		case tagModelPixelScale:
			vals, err := readDoubleArray(ctx, src, url, order, count, entry[8:12])
			if err != nil {
				return Header{}, fmt.Errorf("ModelPixelScaleTag: %w", err)
			}
			pixelScale = vals
		case tagModelTiepoint:
			vals, err := readDoubleArray(ctx, src, url, order, count, entry[8:12])
			if err != nil {
				return Header{}, fmt.Errorf("ModelTiepointTag: %w", err)
			}
			tiepoint = vals
		}
	}

	if hdr.WidthPx <= 0 || hdr.HeightPx <= 0 {
		return Header{}, fmt.Errorf("missing or invalid ImageWidth/ImageLength tags")
	}

	if len(pixelScale) >= 2 && len(tiepoint) >= 6 {
		hdr.Georeferenced = true
		hdr.PixelSizeX = pixelScale[0]
		hdr.PixelSizeY = pixelScale[1]
		hdr.OriginX = tiepoint[3]
		hdr.OriginY = tiepoint[4]
	}

	return hdr, nil
}

// readAt returns the needed bytes from the already-fetched lead buffer when
// possible, otherwise issues a fresh range read at offset.
func readAt(ctx context.Context, src Source, url string, lead []byte, offset int64, length int64) ([]byte, error) {
	if offset >= 0 && offset+length <= int64(len(lead)) {
		return lead[offset : offset+length], nil
	}
	return src.ReadRange(ctx, url, offset, length)
}

// readScalarEntry resolves a SHORT or LONG IFD value that is always small
// enough to be stored inline in the 4-byte value field.
func readScalarEntry(ctx context.Context, src Source, url string, order binary.ByteOrder, typ uint16, raw []byte) (uint32, error) {
	switch typ {
	case 3: // SHORT
		return uint32(order.Uint16(raw[0:2])), nil
	case 4: // LONG
		return order.Uint32(raw), nil
	default:
		return 0, fmt.Errorf("unexpected IFD type %d", typ)
	}
}

// readDoubleArray resolves a DOUBLE[count] IFD value, which never fits
// inline and must be fetched from the offset the entry's value field holds.
func readDoubleArray(ctx context.Context, src Source, url string, order binary.ByteOrder, count uint32, raw []byte) ([]float64, error) {
	const doubleSize = 8
	total := int64(count) * doubleSize
	if total <= 0 || total > maxIFDEntryFollowUp {
		return nil, fmt.Errorf("implausible array length %d", total)
	}
	offset := int64(order.Uint32(raw))
	buf, err := src.ReadRange(ctx, url, offset, total)
	if err != nil {
		return nil, err
	}
	out := make([]float64, count)
	for i := range out {
		bits := order.Uint64(buf[i*doubleSize : (i+1)*doubleSize])
		out[i] = float64FromBits(bits)
	}
	return out, nil
}
