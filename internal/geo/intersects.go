package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const epsilon = 1e-12

type segment struct {
	a, b orb.Point
}

// parts is a geometry flattened into the primitives the predicates work on.
type parts struct {
	points   []orb.Point
	segments []segment
	polygons []orb.Polygon
}

func decompose(g orb.Geometry, p *parts) {
	switch g := g.(type) {
	case orb.Point:
		p.points = append(p.points, g)
	case orb.MultiPoint:
		p.points = append(p.points, g...)
	case orb.LineString:
		p.addLine(g)
	case orb.MultiLineString:
		for _, ls := range g {
			p.addLine(ls)
		}
	case orb.Ring:
		p.addLine(orb.LineString(g))
		p.polygons = append(p.polygons, orb.Polygon{g})
	case orb.Polygon:
		p.addPolygon(g)
	case orb.MultiPolygon:
		for _, poly := range g {
			p.addPolygon(poly)
		}
	case orb.Bound:
		p.addPolygon(g.ToPolygon())
	case orb.Collection:
		for _, sub := range g {
			decompose(sub, p)
		}
	}
}

func (p *parts) addLine(ls orb.LineString) {
	if len(ls) == 1 {
		p.points = append(p.points, ls[0])
		return
	}
	for i := 1; i < len(ls); i++ {
		p.segments = append(p.segments, segment{ls[i-1], ls[i]})
	}
}

func (p *parts) addPolygon(poly orb.Polygon) {
	if len(poly) == 0 {
		return
	}
	for _, ring := range poly {
		p.addLine(orb.LineString(ring))
	}
	p.polygons = append(p.polygons, poly)
}

// Intersects reports whether the two geometries share at least one point:
// crossing or touching boundaries, or one lying inside the other.
func Intersects(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return false
	}
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}

	var pa, pb parts
	decompose(a, &pa)
	decompose(b, &pb)

	for _, pt := range pa.points {
		if pointTouches(pt, &pb) {
			return true
		}
	}
	for _, pt := range pb.points {
		if pointTouches(pt, &pa) {
			return true
		}
	}

	for _, s1 := range pa.segments {
		for _, s2 := range pb.segments {
			if segmentsIntersect(s1, s2) {
				return true
			}
		}
	}

	// No boundary contact left: either one is fully inside the other or they are disjoint.
	for _, s := range pa.segments {
		if insideAny(s.a, pb.polygons) {
			return true
		}
	}
	for _, s := range pb.segments {
		if insideAny(s.a, pa.polygons) {
			return true
		}
	}
	return false
}

func pointTouches(pt orb.Point, p *parts) bool {
	for _, other := range p.points {
		if math.Abs(pt[0]-other[0]) <= epsilon && math.Abs(pt[1]-other[1]) <= epsilon {
			return true
		}
	}
	for _, s := range p.segments {
		if orientation(s.a, s.b, pt) == 0 && onSegment(s.a, s.b, pt) {
			return true
		}
	}
	return insideAny(pt, p.polygons)
}

func insideAny(pt orb.Point, polygons []orb.Polygon) bool {
	for _, poly := range polygons {
		if planar.PolygonContains(poly, pt) {
			return true
		}
	}
	return false
}

func orientation(a, b, c orb.Point) int {
	v := (b[1]-a[1])*(c[0]-b[0]) - (b[0]-a[0])*(c[1]-b[1])
	switch {
	case math.Abs(v) <= epsilon:
		return 0
	case v > 0:
		return 1
	default:
		return 2
	}
}

// onSegment assumes p is collinear with a-b.
func onSegment(a, b, p orb.Point) bool {
	return p[0] <= math.Max(a[0], b[0])+epsilon && p[0] >= math.Min(a[0], b[0])-epsilon &&
		p[1] <= math.Max(a[1], b[1])+epsilon && p[1] >= math.Min(a[1], b[1])-epsilon
}

func segmentsIntersect(s1, s2 segment) bool {
	o1 := orientation(s1.a, s1.b, s2.a)
	o2 := orientation(s1.a, s1.b, s2.b)
	o3 := orientation(s2.a, s2.b, s1.a)
	o4 := orientation(s2.a, s2.b, s1.b)

	if o1 != o2 && o3 != o4 {
		return true
	}

	switch {
	case o1 == 0 && onSegment(s1.a, s1.b, s2.a):
		return true
	case o2 == 0 && onSegment(s1.a, s1.b, s2.b):
		return true
	case o3 == 0 && onSegment(s2.a, s2.b, s1.a):
		return true
	case o4 == 0 && onSegment(s2.a, s2.b, s1.b):
		return true
	}
	return false
}

// ApproxEqual compares two geometries vertex by vertex within tol.
func ApproxEqual(a, b orb.Geometry, tol float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.GeoJSONType() != b.GeoJSONType() {
		return false
	}
	var pa, pb parts
	decompose(a, &pa)
	decompose(b, &pb)
	if len(pa.points) != len(pb.points) || len(pa.segments) != len(pb.segments) {
		return false
	}
	near := func(p, q orb.Point) bool {
		return math.Abs(p[0]-q[0]) <= tol && math.Abs(p[1]-q[1]) <= tol
	}
	for i := range pa.points {
		if !near(pa.points[i], pb.points[i]) {
			return false
		}
	}
	for i := range pa.segments {
		if !near(pa.segments[i].a, pb.segments[i].a) || !near(pa.segments[i].b, pb.segments[i].b) {
			return false
		}
	}
	return true
}
