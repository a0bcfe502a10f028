package region

import "github.com/paulmach/orb"

// rectRingIntersectsGeometry reports whether rect (a closed 5-point ring)
// overlaps geom at all: either contains one of geom's vertices, is
// contained by geom, or one of its edges crosses one of geom's edges. This
// gives a correct intersects test for the axis-aligned rectangles this
// package tests against arbitrary simple polygons, without pulling in a
// general-purpose clipping library (none appears in the corpus).
func rectRingIntersectsGeometry(rect orb.Ring, geom orb.Geometry) bool {
	switch g := geom.(type) {
	case orb.Polygon:
		return rectRingIntersectsPolygon(rect, g)
	case orb.MultiPolygon:
		for _, p := range g {
			if rectRingIntersectsPolygon(rect, p) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func rectRingIntersectsPolygon(rect orb.Ring, poly orb.Polygon) bool {
	if len(poly) == 0 {
		return false
	}
	outer := poly[0]

	for _, p := range rect[:len(rect)-1] {
		if pointInRing(p, outer) {
			return true
		}
	}
	for _, p := range outer {
		if pointInRing(p, rect) {
			return true
		}
	}
	for i := 0; i < len(rect)-1; i++ {
		for j := 0; j < len(outer)-1; j++ {
			if segmentsIntersect(rect[i], rect[i+1], outer[j], outer[j+1]) {
				return true
			}
		}
	}
	return false
}

// pointInRing is a standard ray-casting point-in-polygon test.
func pointInRing(pt orb.Point, ring orb.Ring) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := ring[i], ring[j]
		if (pi[1] > pt[1]) != (pj[1] > pt[1]) {
			xIntersect := (pj[0]-pi[0])*(pt[1]-pi[1])/(pj[1]-pi[1]) + pi[0]
			if pt[0] < xIntersect {
				inside = !inside
			}
		}
	}
	return inside
}

func orientation(a, b, c orb.Point) int {
	val := (b[1]-a[1])*(c[0]-b[0]) - (b[0]-a[0])*(c[1]-b[1])
	switch {
	case val == 0:
		return 0
	case val > 0:
		return 1
	default:
		return 2
	}
}

func onSegment(a, b, c orb.Point) bool {
	return c[0] <= max(a[0], b[0]) && c[0] >= min(a[0], b[0]) &&
		c[1] <= max(a[1], b[1]) && c[1] >= min(a[1], b[1])
}

// segmentsIntersect is the standard orientation-based segment intersection
// test (handles the general case plus collinear overlap).
func segmentsIntersect(p1, q1, p2, q2 orb.Point) bool {
	o1 := orientation(p1, q1, p2)
	o2 := orientation(p1, q1, q2)
	o3 := orientation(p2, q2, p1)
	o4 := orientation(p2, q2, q1)

	if o1 != o2 && o3 != o4 {
		return true
	}
	if o1 == 0 && onSegment(p1, q1, p2) {
		return true
	}
	if o2 == 0 && onSegment(p1, q1, q2) {
		return true
	}
	if o3 == 0 && onSegment(p2, q2, p1) {
		return true
	}
	if o4 == 0 && onSegment(p2, q2, q1) {
		return true
	}
	return false
}
