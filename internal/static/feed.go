package static

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	staticgtfs "github.com/jamespfennell/gtfs"

	"gtfs-arrivals/internal/db"
	"gtfs-arrivals/internal/gtfs"
	"gtfs-arrivals/internal/retry"
)

// Feed reads shapes from a GTFS static zip, local or over HTTP. Each fetch
// also re-indexes trips so the feed can answer trip lookups.
type Feed struct {
	source string
	client *http.Client

	mu    sync.RWMutex
	trips map[string]trip
}

type trip struct {
	shapeID string
	stops   []gtfs.SequenceStop
}

func NewFeed(source string, timeout time.Duration) *Feed {
	return &Feed{
		source: source,
		client: &http.Client{Timeout: timeout},
		trips:  map[string]trip{},
	}
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// FetchAllShapes downloads (or reads) and parses the feed. Shape point
// sequences are the point index within each shape.
func (f *Feed) FetchAllShapes(ctx context.Context) ([]gtfs.ShapePoint, error) {
	b, err := f.raw(ctx)
	if err != nil {
		return nil, err
	}
	staticData, err := staticgtfs.ParseStatic(b, staticgtfs.ParseStaticOptions{})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse GTFS data: %w", err))
	}

	var pts []gtfs.ShapePoint
	for _, s := range staticData.Shapes {
		for idx, pt := range s.Points {
			pts = append(pts, gtfs.ShapePoint{
				ShapeID:    s.ID,
				Sequence:   idx,
				Coordinate: gtfs.Coordinate{Latitude: pt.Latitude, Longitude: pt.Longitude},
			})
		}
	}
	f.indexTrips(staticData)
	log.Printf("parsed static feed: %d shapes, %d trips", len(staticData.Shapes), len(staticData.Trips))
	return pts, nil
}

func (f *Feed) raw(ctx context.Context) ([]byte, error) {
	if !isRemote(f.source) {
		b, err := os.ReadFile(f.source)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("read local GTFS file: %w", err))
		}
		return b, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.source, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build GTFS request: %w", err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download GTFS data: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download GTFS data: unexpected status %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read GTFS data: %w", err)
	}
	return b, nil
}

func (f *Feed) indexTrips(staticData *staticgtfs.Static) {
	trips := make(map[string]trip, len(staticData.Trips))
	for _, t := range staticData.Trips {
		var tr trip
		if t.Shape != nil {
			tr.shapeID = t.Shape.ID
		}
		for _, st := range t.StopTimes {
			if st.Stop == nil || st.Stop.Latitude == nil || st.Stop.Longitude == nil {
				continue
			}
			tr.stops = append(tr.stops, gtfs.SequenceStop{
				StopID:     st.Stop.Id,
				Sequence:   int(st.StopSequence),
				Coordinate: gtfs.Coordinate{Latitude: *st.Stop.Latitude, Longitude: *st.Stop.Longitude},
			})
		}
		sort.SliceStable(tr.stops, func(i, j int) bool { return tr.stops[i].Sequence < tr.stops[j].Sequence })
		trips[t.ID] = tr
	}
	f.mu.Lock()
	f.trips = trips
	f.mu.Unlock()
}

var errNotLoaded = errors.New("static feed not loaded")

func (f *Feed) lookup(tripID string) (trip, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.trips) == 0 {
		return trip{}, errNotLoaded
	}
	t, ok := f.trips[tripID]
	if !ok {
		return trip{}, fmt.Errorf("%w: %q", db.ErrTripNotFound, tripID)
	}
	return t, nil
}

// ShapeIDForTrip answers from the last parsed feed.
func (f *Feed) ShapeIDForTrip(_ context.Context, tripID string) (string, error) {
	t, err := f.lookup(tripID)
	if err != nil {
		return "", err
	}
	return t.shapeID, nil
}

// StopSequence answers from the last parsed feed.
func (f *Feed) StopSequence(_ context.Context, tripID string) (*gtfs.StopSequence, error) {
	t, err := f.lookup(tripID)
	if err != nil {
		return nil, err
	}
	if len(t.stops) == 0 {
		return nil, fmt.Errorf("%w: %q has no located stops", db.ErrTripNotFound, tripID)
	}
	return db.BuildStopSequence(tripID, t.stops), nil
}
