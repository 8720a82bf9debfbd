package geo

import (
	"math"

	"gtfs-arrivals/internal/gtfs"
)

// EarthRadiusMeters is the mean Earth radius used for all distances.
const EarthRadiusMeters = 6371000.0

func toRad(d float64) float64 { return d * math.Pi / 180 }

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b gtfs.Coordinate) float64 {
	dLat := toRad(b.Latitude - a.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)
	sLat := math.Sin(dLat / 2)
	sLon := math.Sin(dLon / 2)
	h := sLat*sLat + math.Cos(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*sLon*sLon
	// rounding can leave h slightly outside [0,1] near antipodes
	h = math.Min(1, math.Max(0, h))
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// SegmentProjection is the closest point of a segment to some query point.
type SegmentProjection struct {
	Projected        gtfs.Coordinate
	Fraction         float64 // always in [0,1]
	DistanceFromPath float64 // meters
}

// ProjectPointToSegment finds the point of segment start-end closest to p.
// The ratio is computed on a local equirectangular plane; the resulting
// coordinate is measured back with Haversine.
func ProjectPointToSegment(p, start, end gtfs.Coordinate) SegmentProjection {
	cosLat := math.Cos(toRad((start.Latitude + end.Latitude) / 2))
	dx := (end.Longitude - start.Longitude) * cosLat
	dy := end.Latitude - start.Latitude
	px := (p.Longitude - start.Longitude) * cosLat
	py := p.Latitude - start.Latitude

	t := 0.0
	if segLen2 := dx*dx + dy*dy; segLen2 > 0 {
		t = (px*dx + py*dy) / segLen2
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}
	proj := gtfs.Coordinate{
		Latitude:  start.Latitude + t*(end.Latitude-start.Latitude),
		Longitude: start.Longitude + t*(end.Longitude-start.Longitude),
	}
	return SegmentProjection{
		Projected:        proj,
		Fraction:         t,
		DistanceFromPath: Haversine(p, proj),
	}
}

// ShapeProjection locates a point on a RouteShape.
type ShapeProjection struct {
	SegmentIndex       int
	Fraction           float64
	DistanceFromPath   float64
	DistanceAlongShape float64
}

// ProjectPointToShape returns the projection of p onto the closest segment of
// shape. ok is false when shape is nil or has no segments.
func ProjectPointToShape(p gtfs.Coordinate, shape *gtfs.RouteShape) (ShapeProjection, bool) {
	if shape == nil || len(shape.Segments) == 0 {
		return ShapeProjection{}, false
	}
	best := ShapeProjection{DistanceFromPath: math.Inf(1)}
	for i, seg := range shape.Segments {
		sp := ProjectPointToSegment(p, seg.Start, seg.End)
		if sp.DistanceFromPath < best.DistanceFromPath {
			best.SegmentIndex = i
			best.Fraction = sp.Fraction
			best.DistanceFromPath = sp.DistanceFromPath
		}
	}
	seg := shape.Segments[best.SegmentIndex]
	best.DistanceAlongShape = seg.CumulativeDistanceMeters - seg.DistanceMeters + best.Fraction*seg.DistanceMeters
	return best, true
}
