package estimator

import (
	"math"

	"gtfs-arrivals/internal/geo"
	"gtfs-arrivals/internal/gtfs"
)

// DefaultOffRouteThresholdMeters is the farthest a vehicle may sit from its
// shape before the shape projection is distrusted.
const DefaultOffRouteThresholdMeters = 50.0

type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"   // shape projection, about ±50 m
	ConfidenceMedium Confidence = "MEDIUM" // stop segments, about ±200 m
	ConfidenceLow    Confidence = "LOW"    // straight line
)

type Method string

const (
	MethodShapeProjection Method = "SHAPE_PROJECTION"
	MethodStopSegments    Method = "STOP_SEGMENTS"
)

// Estimate is the distance from a vehicle to a stop. ETASeconds is left nil
// here; see ETA.
type Estimate struct {
	DistanceMeters float64    `json:"distanceMeters"`
	ETASeconds     *float64   `json:"etaSeconds"`
	Confidence     Confidence `json:"confidence"`
	Method         Method     `json:"method"`
}

type Metrics interface {
	EstimateObserved(method, confidence string)
}

type Options struct {
	OffRouteThresholdMeters float64
	Metrics                 Metrics
}

type Estimator struct {
	offRoute float64
	metrics  Metrics
}

func New(opts Options) *Estimator {
	if opts.OffRouteThresholdMeters <= 0 {
		opts.OffRouteThresholdMeters = DefaultOffRouteThresholdMeters
	}
	return &Estimator{offRoute: opts.OffRouteThresholdMeters, metrics: opts.Metrics}
}

// Estimate returns the along-route distance from vehicle to stop. It uses
// the shape when one with segments is given and the vehicle is on it,
// otherwise the trip's stop sequence, otherwise the straight line.
func (e *Estimator) Estimate(vehicle, stop gtfs.Coordinate, shape *gtfs.RouteShape, stops *gtfs.StopSequence) Estimate {
	est, ok := e.byShape(vehicle, stop, shape)
	if !ok {
		est = byStopSegments(vehicle, stop, stops)
	}
	if e.metrics != nil {
		e.metrics.EstimateObserved(string(est.Method), string(est.Confidence))
	}
	return est
}

func (e *Estimator) byShape(vehicle, stop gtfs.Coordinate, shape *gtfs.RouteShape) (Estimate, bool) {
	if shape == nil || len(shape.Segments) == 0 {
		return Estimate{}, false
	}
	vp, ok := geo.ProjectPointToShape(vehicle, shape)
	if !ok || !(vp.DistanceFromPath <= e.offRoute) {
		return Estimate{}, false
	}
	sp, ok := geo.ProjectPointToShape(stop, shape)
	if !ok {
		return Estimate{}, false
	}
	return Estimate{
		DistanceMeters: math.Max(0, sp.DistanceAlongShape-vp.DistanceAlongShape),
		Confidence:     ConfidenceHigh,
		Method:         MethodShapeProjection,
	}, true
}

// byStopSegments walks the trip's stops. The first leg is measured from the
// vehicle itself to the stop after its nearest preceding stop, not from the
// preceding stop, so distance already covered on that leg is not counted.
// The remaining legs are whole stop-to-stop pairs up to the target. A single
// stop is both the preceding stop and the target. Without stops the result
// is the straight line at LOW.
func byStopSegments(vehicle, stop gtfs.Coordinate, seq *gtfs.StopSequence) Estimate {
	if seq == nil || len(seq.Stops) == 0 {
		return Estimate{
			DistanceMeters: geo.Haversine(vehicle, stop),
			Confidence:     ConfidenceLow,
			Method:         MethodStopSegments,
		}
	}
	stops := seq.Stops
	if len(stops) == 1 {
		return Estimate{
			DistanceMeters: geo.Haversine(vehicle, stops[0].Coordinate),
			Confidence:     ConfidenceMedium,
			Method:         MethodStopSegments,
		}
	}

	target := 0
	best := math.Inf(1)
	for i, s := range stops {
		if d := geo.Haversine(stop, s.Coordinate); d < best {
			best, target = d, i
		}
	}

	// nearest preceding stop: first stop of the stop pair the vehicle lies closest to
	prev := 0
	best = math.Inf(1)
	for i := 0; i < len(stops)-1; i++ {
		sp := geo.ProjectPointToSegment(vehicle, stops[i].Coordinate, stops[i+1].Coordinate)
		if sp.DistanceFromPath < best {
			best, prev = sp.DistanceFromPath, i
		}
	}

	dist := 0.0
	if target > prev {
		next := prev + 1
		dist = geo.Haversine(vehicle, stops[next].Coordinate)
		for i := next; i < target; i++ {
			dist += pairDistance(stops[i], stops[i+1])
		}
	}
	return Estimate{
		DistanceMeters: dist,
		Confidence:     ConfidenceMedium,
		Method:         MethodStopSegments,
	}
}

func pairDistance(a, b gtfs.SequenceStop) float64 {
	if a.DistanceToNextMeters > 0 {
		return a.DistanceToNextMeters
	}
	return geo.Haversine(a.Coordinate, b.Coordinate)
}

// ETA converts a distance into seconds at speedMps. Nil when the speed is
// not positive.
func ETA(distanceMeters, speedMps float64) *float64 {
	if !(speedMps > 0) || math.IsInf(speedMps, 0) {
		return nil
	}
	s := distanceMeters / speedMps
	return &s
}
