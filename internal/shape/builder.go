package shape

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"gtfs-arrivals/internal/geo"
	"gtfs-arrivals/internal/gtfs"
)

var (
	ErrNoPoints          = errors.New("shape has no points")
	ErrInvalidCoordinate = errors.New("coordinate out of range")
)

// Validate checks raw points before building. Every coordinate must be in
// range and at least one point is required.
func Validate(rawPoints []gtfs.ShapePoint) error {
	if len(rawPoints) == 0 {
		return ErrNoPoints
	}
	for _, p := range rawPoints {
		if !p.Coordinate.Valid() {
			return fmt.Errorf("%w: sequence %d (%f,%f)", ErrInvalidCoordinate, p.Sequence, p.Coordinate.Latitude, p.Coordinate.Longitude)
		}
	}
	return nil
}

// BuildShape orders rawPoints by sequence, drops consecutive duplicate
// coordinates and computes segments with a running cumulative distance.
// rawPoints is not modified.
func BuildShape(shapeID string, rawPoints []gtfs.ShapePoint) *gtfs.RouteShape {
	sorted := make([]gtfs.ShapePoint, len(rawPoints))
	copy(sorted, rawPoints)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	points := make([]gtfs.Coordinate, 0, len(sorted))
	for _, p := range sorted {
		if n := len(points); n > 0 && points[n-1] == p.Coordinate {
			continue
		}
		points = append(points, p.Coordinate)
	}

	rs := &gtfs.RouteShape{ID: shapeID, Points: points}
	if len(points) < 2 {
		rs.Segments = []gtfs.ShapeSegment{}
		return rs
	}
	rs.Segments = make([]gtfs.ShapeSegment, 0, len(points)-1)
	sum := 0.0
	for i := 1; i < len(points); i++ {
		d := geo.Haversine(points[i-1], points[i])
		sum += d
		rs.Segments = append(rs.Segments, gtfs.ShapeSegment{
			Start:                    points[i-1],
			End:                      points[i],
			DistanceMeters:           d,
			CumulativeDistanceMeters: sum,
		})
	}
	rs.TotalDistanceMeters = sum
	return rs
}

// BuildAllShapes builds every group. Groups that fail validation are logged
// and left out of the result; the rest of the batch is unaffected.
func BuildAllShapes(rawPointsByShapeID map[string][]gtfs.ShapePoint) map[string]*gtfs.RouteShape {
	out := make(map[string]*gtfs.RouteShape, len(rawPointsByShapeID))
	skipped := 0
	for id, pts := range rawPointsByShapeID {
		if err := Validate(pts); err != nil {
			log.Printf("skipping shape %s: %v", id, err)
			skipped++
			continue
		}
		out[id] = BuildShape(id, pts)
	}
	if skipped > 0 {
		log.Printf("built %d shapes, skipped %d invalid", len(out), skipped)
	}
	return out
}

// GroupByShape splits bulk rows by shape id, keeping input order per group.
func GroupByShape(rows []gtfs.ShapePoint) map[string][]gtfs.ShapePoint {
	groups := make(map[string][]gtfs.ShapePoint)
	for _, r := range rows {
		groups[r.ShapeID] = append(groups[r.ShapeID], r)
	}
	return groups
}
