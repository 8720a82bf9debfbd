package api

import (
	"context"
	"time"

	"github.com/bluele/gcache"

	"gtfs-arrivals/internal/cache"
	"gtfs-arrivals/internal/gtfs"
)

// CachedTrips memoizes a TripLookup. Errors are not cached.
type CachedTrips struct {
	next     TripLookup
	shapeIDs gcache.Cache
	stops    gcache.Cache
}

func NewCachedTrips(next TripLookup, size int, ttl time.Duration) *CachedTrips {
	return &CachedTrips{
		next:     next,
		shapeIDs: gcache.New(size).LRU().Expiration(ttl).Build(),
		stops:    gcache.New(size).LRU().Expiration(ttl).Build(),
	}
}

func (t *CachedTrips) ShapeIDForTrip(ctx context.Context, tripID string) (string, error) {
	if v, err := t.shapeIDs.Get(tripID); err == nil {
		return v.(string), nil
	}
	shapeID, err := t.next.ShapeIDForTrip(ctx, tripID)
	if err != nil {
		return "", err
	}
	_ = t.shapeIDs.Set(tripID, shapeID)
	return shapeID, nil
}

func (t *CachedTrips) StopSequence(ctx context.Context, tripID string) (*gtfs.StopSequence, error) {
	if v, err := t.stops.Get(tripID); err == nil {
		return v.(*gtfs.StopSequence), nil
	}
	seq, err := t.next.StopSequence(ctx, tripID)
	if err != nil {
		return nil, err
	}
	_ = t.stops.Set(tripID, seq)
	return seq, nil
}

// Purge drops every cached entry, e.g. after the underlying feed changed.
func (t *CachedTrips) Purge() {
	t.shapeIDs.Purge()
	t.stops.Purge()
}

// ShapesUpdated purges on new shape content so lookups follow the same feed.
func (t *CachedTrips) ShapesUpdated(context.Context, cache.ShapesUpdated) error {
	t.Purge()
	return nil
}
