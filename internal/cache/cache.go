package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"gtfs-arrivals/internal/gtfs"
	"gtfs-arrivals/internal/retry"
	"gtfs-arrivals/internal/shape"
	"gtfs-arrivals/internal/store"
)

const (
	// DefaultMaxAge is how long a fetched shape table counts as fresh.
	DefaultMaxAge = 24 * time.Hour
	// DefaultKey is the snapshot key in the Store.
	DefaultKey = "shape-cache"
)

// State is the lifecycle of the cache.
type State int

const (
	StateEmpty State = iota
	StateLoading
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "LOADING"
	case StateReady:
		return "READY"
	case StateError:
		return "ERROR"
	default:
		return "EMPTY"
	}
}

// Fetcher returns the complete shapes table in one call.
type Fetcher interface {
	FetchAllShapes(ctx context.Context) ([]gtfs.ShapePoint, error)
}

// Metrics receives cache events. Implementations must be safe for concurrent use.
type Metrics interface {
	RefreshObserved(result string, d time.Duration)
	FetchRetried()
	ShapesCached(count int, updatedAt time.Time)
	SnapshotLoaded(result string)
}

// ShapesUpdated is emitted after a refresh that changed the content hash.
type ShapesUpdated struct {
	ContentHash string    `json:"contentHash"`
	ShapeCount  int       `json:"shapeCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Notifier interface {
	ShapesUpdated(ctx context.Context, ev ShapesUpdated) error
}

// Notifiers fans an update out to every non-nil notifier.
type Notifiers []Notifier

func (ns Notifiers) ShapesUpdated(ctx context.Context, ev ShapesUpdated) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.ShapesUpdated(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Options struct {
	Key      string
	MaxAge   time.Duration
	Retry    retry.Options
	Now      func() time.Time
	Metrics  Metrics
	Notifier Notifier
}

// Status is a read-only view of the cache metadata.
type Status struct {
	State         State
	Size          int
	LastUpdatedAt time.Time // zero when never updated
	ContentHash   string
	RetryCount    int
	LastError     string
	IsLoading     bool
}

// Cache holds every RouteShape by shape id. One instance is created at start
// and shared by reference; all refreshes go through a single flight.
type Cache struct {
	fetcher  Fetcher
	store    store.Store
	key      string
	maxAge   time.Duration
	retry    retry.Options
	now      func() time.Time
	metrics  Metrics
	notifier Notifier

	group singleflight.Group

	mu          sync.RWMutex
	shapes      map[string]*gtfs.RouteShape
	lastUpdated time.Time
	contentHash string
	retryCount  int
	state       State
	lastError   string

	bgWG          sync.WaitGroup
	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

func New(fetcher Fetcher, st store.Store, opts Options) *Cache {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Retry.Retries == 0 && opts.Retry.BaseDelay == 0 {
		opts.Retry.Retries = retry.DefaultRetries
		opts.Retry.BaseDelay = retry.DefaultBaseDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		fetcher:  fetcher,
		store:    st,
		key:      opts.Key,
		maxAge:   opts.MaxAge,
		retry:    opts.Retry,
		now:      opts.Now,
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		shapes:   make(map[string]*gtfs.RouteShape),
	}
}

// MaxAge returns the freshness window in use.
func (c *Cache) MaxAge() time.Duration { return c.maxAge }

// Initialize loads the persisted snapshot. A fresh snapshot is served at once
// and refreshed in the background; a stale or missing one is refetched before
// returning.
func (c *Cache) Initialize(ctx context.Context) error {
	if c.loadSnapshot(ctx) && c.IsFresh(c.maxAge) {
		c.bgWG.Add(1)
		go func() {
			defer c.bgWG.Done()
			if err := c.Refresh(context.Background(), true); err != nil {
				log.Printf("background shape refresh error: %v", err)
			}
		}()
		return nil
	}
	return c.Refresh(ctx, true)
}

func (c *Cache) loadSnapshot(ctx context.Context) bool {
	blob, err := c.store.Load(ctx, c.key)
	if err != nil {
		log.Printf("load shape snapshot: %v", err)
		c.observeSnapshot("error")
		return false
	}
	if blob == nil {
		c.observeSnapshot("miss")
		return false
	}
	snap, err := fromPersistable(blob)
	if err != nil {
		log.Printf("discarding shape snapshot: %v", err)
		c.observeSnapshot("corrupt")
		return false
	}

	c.mu.Lock()
	c.shapes = snap.shapes
	c.lastUpdated = snap.lastUpdated
	c.contentHash = snap.contentHash
	c.state = StateReady
	c.mu.Unlock()

	log.Printf("loaded %d shapes from snapshot (updated %s)", len(snap.shapes), snap.lastUpdated.Format(time.RFC3339))
	c.observeSnapshot("hit")
	if c.metrics != nil {
		c.metrics.ShapesCached(len(snap.shapes), snap.lastUpdated)
	}
	return true
}

func (c *Cache) observeSnapshot(result string) {
	if c.metrics != nil {
		c.metrics.SnapshotLoaded(result)
	}
}

// Refresh refetches the shape table. Without force it is a no-op while the
// data is fresh. Concurrent calls share one fetch. A failed refresh keeps the
// previous shapes and records the error.
func (c *Cache) Refresh(ctx context.Context, force bool) error {
	if !force && c.IsFresh(c.maxAge) {
		return nil
	}
	ch := c.group.DoChan("refresh", func() (any, error) {
		return nil, c.doRefresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *Cache) doRefresh(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateLoading
	c.mu.Unlock()

	start := time.Now()
	var rows []gtfs.ShapePoint
	opts := c.retry
	opts.OnRetry = func(n int, delay time.Duration, err error) {
		log.Printf("fetch shapes attempt %d failed: %v (retrying in %s)", n, err, delay)
		if c.metrics != nil {
			c.metrics.FetchRetried()
		}
	}
	err := retry.Do(ctx, func(ctx context.Context) error {
		r, err := c.fetcher.FetchAllShapes(ctx)
		if err != nil {
			return err
		}
		rows = r
		return nil
	}, opts)
	if err != nil {
		c.mu.Lock()
		c.lastError = err.Error()
		c.retryCount++
		c.state = StateError
		c.mu.Unlock()
		log.Printf("refresh shapes error: %v", err)
		if c.metrics != nil {
			c.metrics.RefreshObserved("error", time.Since(start))
		}
		return fmt.Errorf("refresh shapes: %w", err)
	}

	shapes := shape.BuildAllShapes(shape.GroupByShape(rows))
	hash := ContentHash(rows)
	now := c.now()

	c.mu.Lock()
	prevHash := c.contentHash
	c.shapes = shapes
	c.lastUpdated = now
	c.contentHash = hash
	c.retryCount = 0
	c.lastError = ""
	c.state = StateReady
	blob, perr := c.toPersistableLocked()
	c.mu.Unlock()

	log.Printf("refreshed %d shapes from %d points in %s (hash %s)", len(shapes), len(rows), time.Since(start).Round(time.Millisecond), hash)

	if perr != nil {
		log.Printf("encode shape snapshot: %v", perr)
	} else if err := c.store.Save(ctx, c.key, blob); err != nil {
		log.Printf("save shape snapshot: %v", err)
	}

	if c.metrics != nil {
		c.metrics.RefreshObserved("success", time.Since(start))
		c.metrics.ShapesCached(len(shapes), now)
	}
	if hash != prevHash && c.notifier != nil {
		ev := ShapesUpdated{ContentHash: hash, ShapeCount: len(shapes), UpdatedAt: now}
		if err := c.notifier.ShapesUpdated(ctx, ev); err != nil {
			log.Printf("notify shapes updated: %v", err)
		}
	}
	return nil
}

// Shape looks up a shape by id. It never triggers a fetch. The returned
// shape is shared and must not be modified.
func (c *Cache) Shape(shapeID string) (*gtfs.RouteShape, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shapes[shapeID]
	return s, ok
}

// IsFresh reports whether the last successful update is younger than maxAge.
func (c *Cache) IsFresh(maxAge time.Duration) bool {
	c.mu.RLock()
	last := c.lastUpdated
	c.mu.RUnlock()
	return !last.IsZero() && c.now().Sub(last) < maxAge
}

// Clear drops all shapes and the persisted snapshot and resets metadata.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.shapes = make(map[string]*gtfs.RouteShape)
	c.lastUpdated = time.Time{}
	c.contentHash = ""
	c.retryCount = 0
	c.lastError = ""
	c.state = StateEmpty
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ShapesCached(0, time.Time{})
	}
	if err := c.store.Clear(ctx, c.key); err != nil {
		return fmt.Errorf("clear shape snapshot: %w", err)
	}
	return nil
}

func (c *Cache) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		State:         c.state,
		Size:          len(c.shapes),
		LastUpdatedAt: c.lastUpdated,
		ContentHash:   c.contentHash,
		RetryCount:    c.retryCount,
		LastError:     c.lastError,
		IsLoading:     c.state == StateLoading,
	}
}

// Close stops the periodic refresher and waits for background refreshes.
func (c *Cache) Close() {
	if c.refreshCancel != nil {
		c.refreshCancel()
	}
	c.refreshWG.Wait()
	c.bgWG.Wait()
}
