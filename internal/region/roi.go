package region

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// parseROI accepts either a GeoJSON Polygon/MultiPolygon object or a WKT
// POLYGON literal, the two formats allowed in the `roi` request field.
func parseROI(raw string) (orb.Geometry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "{") {
		return parseGeoJSONROI(raw)
	}
	return parseWKTPolygon(raw)
}

func parseGeoJSONROI(raw string) (orb.Geometry, error) {
	g, err := geojson.UnmarshalGeometry([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("parse geojson roi: %w", err)
	}
	switch g.Geometry.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return g.Geometry, nil
	default:
		return nil, fmt.Errorf("unsupported geojson roi geometry %T", g.Geometry)
	}
}

// parseWKTPolygon parses "POLYGON((x y, x y, ...), (hole x y, ...))".
// It is hand-rolled rather than pulled from a WKT decoding library because
// the ring grammar is small and the corpus's own GeoJSON ring parsing
// (h3mapper.toLoop) shows the same pattern: split rings, split points,
// parse two floats per point.
func parseWKTPolygon(raw string) (orb.Geometry, error) {
	trimmed := strings.TrimSpace(raw)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "POLYGON") {
		return nil, fmt.Errorf("unsupported WKT geometry type (only POLYGON is accepted)")
	}

	open := strings.Index(trimmed, "(")
	close := strings.LastIndex(trimmed, ")")
	if open < 0 || close < 0 || close < open {
		return nil, fmt.Errorf("malformed WKT polygon: missing ring parentheses")
	}
	body := trimmed[open+1 : close]

	rings, err := splitRings(body)
	if err != nil {
		return nil, err
	}
	if len(rings) == 0 {
		return nil, fmt.Errorf("polygon has no rings")
	}

	poly := make(orb.Polygon, 0, len(rings))
	for i, r := range rings {
		ring, err := parseRing(r)
		if err != nil {
			return nil, fmt.Errorf("ring %d: %w", i, err)
		}
		poly = append(poly, ring)
	}
	return poly, nil
}

// splitRings splits "(x y, x y), (x y, x y)" into its parenthesised groups,
// respecting nesting depth (there is none here, but this keeps the split
// robust to whitespace variance).
func splitRings(body string) ([]string, error) {
	var rings []string
	depth := 0
	start := -1
	for i, r := range body {
		switch r {
		case '(':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case ')':
			depth--
			if depth == 0 {
				if start < 0 {
					return nil, fmt.Errorf("unbalanced parentheses")
				}
				rings = append(rings, body[start:i])
				start = -1
			}
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses")
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses")
	}
	return rings, nil
}

func parseRing(s string) (orb.Ring, error) {
	points := strings.Split(s, ",")
	ring := make(orb.Ring, 0, len(points))
	for _, p := range points {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fields := strings.Fields(p)
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed point %q", p)
		}
		x, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("parse x in %q: %w", p, err)
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("parse y in %q: %w", p, err)
		}
		ring = append(ring, orb.Point{x, y})
	}
	if len(ring) < 4 {
		return nil, fmt.Errorf("ring has fewer than 4 vertices")
	}
	if ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return ring, nil
}
