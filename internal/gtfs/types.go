package gtfs

import "math"

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// Valid reports whether c is finite and within lat [-90,90], lon [-180,180].
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// ShapePoint is one raw row of the shapes table.
type ShapePoint struct {
	ShapeID    string
	Sequence   int
	Coordinate Coordinate
}

// ShapeSegment is the piece of a shape between two consecutive points.
// CumulativeDistanceMeters includes this segment's own length.
type ShapeSegment struct {
	Start                    Coordinate `json:"start"`
	End                      Coordinate `json:"end"`
	DistanceMeters           float64    `json:"distanceMeters" validate:"gte=0"`
	CumulativeDistanceMeters float64    `json:"cumulativeDistanceMeters" validate:"gte=0"`
}

// RouteShape is a built, immutable polyline. Callers must not mutate it.
type RouteShape struct {
	ID                  string         `json:"id" validate:"required"`
	Points              []Coordinate   `json:"points" validate:"dive"`
	Segments            []ShapeSegment `json:"segments" validate:"dive"`
	TotalDistanceMeters float64        `json:"totalDistanceMeters" validate:"gte=0"`
}

// SequenceStop is one stop of a trip, in stop_sequence order.
type SequenceStop struct {
	StopID               string
	Sequence             int
	Coordinate           Coordinate
	DistanceToNextMeters float64 // 0 for the last stop
}

// StopSequence is the ordered stop list of a trip with pairwise distances.
type StopSequence struct {
	TripID string
	Stops  []SequenceStop
}
