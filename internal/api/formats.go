package api

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/twpayne/go-polyline"

	"gtfs-arrivals/internal/gtfs"
)

// PolylineResponse is a shape in Google encoded polyline form.
type PolylineResponse struct {
	ID                  string  `json:"id"`
	Polyline            string  `json:"polyline"`
	Points              int     `json:"points"`
	TotalDistanceMeters float64 `json:"totalDistanceMeters"`
}

func shapePolyline(s *gtfs.RouteShape) PolylineResponse {
	coords := make([][]float64, 0, len(s.Points))
	for _, p := range s.Points {
		coords = append(coords, []float64{p.Latitude, p.Longitude})
	}
	return PolylineResponse{
		ID:                  s.ID,
		Polyline:            string(polyline.EncodeCoords(coords)),
		Points:              len(s.Points),
		TotalDistanceMeters: s.TotalDistanceMeters,
	}
}

// shapeFeature returns the shape as a GeoJSON LineString feature.
func shapeFeature(s *gtfs.RouteShape) *geojson.Feature {
	line := make(orb.LineString, 0, len(s.Points))
	for _, p := range s.Points {
		line = append(line, orb.Point{p.Longitude, p.Latitude})
	}
	f := geojson.NewFeature(line)
	f.ID = s.ID
	f.Properties["shapeId"] = s.ID
	f.Properties["totalDistanceMeters"] = s.TotalDistanceMeters
	f.Properties["segments"] = len(s.Segments)
	return f
}
