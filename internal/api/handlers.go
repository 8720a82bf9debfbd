package api

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"gtfs-arrivals/internal/cache"
	"gtfs-arrivals/internal/estimator"
	"gtfs-arrivals/internal/gtfs"
)

// ShapeCache is the part of cache.Cache the handlers use.
type ShapeCache interface {
	Shape(shapeID string) (*gtfs.RouteShape, bool)
	Status() cache.Status
	Refresh(ctx context.Context, force bool) error
	IsFresh(maxAge time.Duration) bool
	MaxAge() time.Duration
}

// TripLookup resolves trip context for estimates. Optional.
type TripLookup interface {
	ShapeIDForTrip(ctx context.Context, tripID string) (string, error)
	StopSequence(ctx context.Context, tripID string) (*gtfs.StopSequence, error)
}

// Manual refreshes allowed by default: a burst of 3, then one every 10s.
const (
	DefaultRefreshEvery = 10 * time.Second
	DefaultRefreshBurst = 3
)

type Handlers struct {
	cache     ShapeCache
	estimator *estimator.Estimator
	trips     TripLookup
	refreshes *rate.Limiter
}

func NewHandlers(c ShapeCache, est *estimator.Estimator, trips TripLookup) *Handlers {
	return &Handlers{
		cache:     c,
		estimator: est,
		trips:     trips,
		refreshes: rate.NewLimiter(rate.Every(DefaultRefreshEvery), DefaultRefreshBurst),
	}
}

// WithRefreshLimit replaces the manual refresh limiter.
func (h *Handlers) WithRefreshLimit(every time.Duration, burst int) *Handlers {
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}
	h.refreshes = rate.NewLimiter(limit, burst)
	return h
}

// StatusResponse is the JSON form of cache.Status.
type StatusResponse struct {
	State           string `json:"state"`
	Size            int    `json:"size"`
	LastUpdatedAtMs *int64 `json:"lastUpdatedAtMs"`
	ContentHash     string `json:"contentHash,omitempty"`
	RetryCount      int    `json:"retryCount"`
	LastError       string `json:"lastError,omitempty"`
	IsLoading       bool   `json:"isLoading"`
}

func statusResponse(s cache.Status) StatusResponse {
	r := StatusResponse{
		State:       s.State.String(),
		Size:        s.Size,
		ContentHash: s.ContentHash,
		RetryCount:  s.RetryCount,
		LastError:   s.LastError,
		IsLoading:   s.IsLoading,
	}
	if !s.LastUpdatedAt.IsZero() {
		ms := s.LastUpdatedAt.UnixMilli()
		r.LastUpdatedAtMs = &ms
	}
	return r
}

// Health handles GET /health
func (h *Handlers) Health(c *fiber.Ctx) error {
	s := h.cache.Status()
	return c.JSON(fiber.Map{
		"status": "ok",
		"shapes": s.Size,
		"state":  s.State.String(),
	})
}

// ShapesStatus handles GET /v1/shapes/status
func (h *Handlers) ShapesStatus(c *fiber.Ctx) error {
	return c.JSON(statusResponse(h.cache.Status()))
}

// RefreshShapes handles POST /v1/shapes/refresh?force=true|false
// Only calls that will fetch take a token from the limiter: a non-forced
// refresh of fresh data returns the status without counting.
func (h *Handlers) RefreshShapes(c *fiber.Ctx) error {
	force := false
	if v := c.Query("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fmt.Sprintf("invalid 'force': %q", v),
			})
		}
		force = b
	}
	fetches := force || !h.cache.IsFresh(h.cache.MaxAge())
	if fetches && !h.refreshes.Allow() {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "refresh rate limit exceeded",
		})
	}
	if err := h.cache.Refresh(c.UserContext(), force); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":  err.Error(),
			"status": statusResponse(h.cache.Status()),
		})
	}
	return c.JSON(statusResponse(h.cache.Status()))
}

// Shape handles GET /v1/shapes/:id?format=json|geojson|polyline
func (h *Handlers) Shape(c *fiber.Ctx) error {
	id := c.Params("id")
	shape, ok := h.cache.Shape(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": fmt.Sprintf("shape %q not found", id),
		})
	}
	switch format := c.Query("format", "json"); format {
	case "json":
		return c.JSON(shape)
	case "geojson":
		return c.JSON(shapeFeature(shape))
	case "polyline":
		return c.JSON(shapePolyline(shape))
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("invalid 'format': %q", format),
		})
	}
}

// EstimateResponse is an estimate plus the context it was computed with.
type EstimateResponse struct {
	estimator.Estimate
	ShapeID string `json:"shapeId,omitempty"`
	TripID  string `json:"tripId,omitempty"`
}

// Estimate handles GET /v1/arrivals/estimate
func (h *Handlers) Estimate(c *fiber.Ctx) error {
	vehicleStr := c.Query("vehicle")
	stopStr := c.Query("stop")
	if vehicleStr == "" || stopStr == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "missing required parameters: vehicle and stop",
		})
	}
	vehicle, err := parseCoordinates(vehicleStr)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("invalid 'vehicle' coordinates: %v", err),
		})
	}
	stop, err := parseCoordinates(stopStr)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("invalid 'stop' coordinates: %v", err),
		})
	}
	speed := 0.0
	if v := c.Query("speed_mps"); v != "" {
		speed, err = strconv.ParseFloat(v, 64)
		if err != nil || speed < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fmt.Sprintf("invalid 'speed_mps': %q", v),
			})
		}
	}

	shapeID := c.Query("shape_id")
	tripID := c.Query("trip_id")
	var stops *gtfs.StopSequence
	if tripID != "" && h.trips != nil {
		ctx := c.UserContext()
		if shapeID == "" {
			if shapeID, err = h.trips.ShapeIDForTrip(ctx, tripID); err != nil {
				log.Printf("trip shape lookup for %q: %v", tripID, err)
			}
		}
		if stops, err = h.trips.StopSequence(ctx, tripID); err != nil {
			log.Printf("trip stop sequence lookup for %q: %v", tripID, err)
			stops = nil
		}
	}

	var shape *gtfs.RouteShape
	if shapeID != "" {
		shape, _ = h.cache.Shape(shapeID)
	}

	est := h.estimator.Estimate(vehicle, stop, shape, stops)
	if speed > 0 {
		est.ETASeconds = estimator.ETA(est.DistanceMeters, speed)
	}
	return c.JSON(EstimateResponse{Estimate: est, ShapeID: shapeID, TripID: tripID})
}

// parseCoordinates parses "lat,lon".
func parseCoordinates(coordStr string) (gtfs.Coordinate, error) {
	parts := strings.Split(coordStr, ",")
	if len(parts) != 2 {
		return gtfs.Coordinate{}, fmt.Errorf("expected format: lat,lon")
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return gtfs.Coordinate{}, fmt.Errorf("invalid latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return gtfs.Coordinate{}, fmt.Errorf("invalid longitude: %w", err)
	}

	co := gtfs.Coordinate{Latitude: lat, Longitude: lon}
	if !co.Valid() {
		return gtfs.Coordinate{}, fmt.Errorf("latitude must be between -90 and 90 and longitude between -180 and 180")
	}
	return co, nil
}
