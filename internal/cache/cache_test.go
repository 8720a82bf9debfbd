package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-arrivals/internal/gtfs"
	"gtfs-arrivals/internal/retry"
	"gtfs-arrivals/internal/shape"
	"gtfs-arrivals/internal/store"
)

type fakeFetcher struct {
	mu    sync.Mutex
	rows  []gtfs.ShapePoint
	err   error
	calls atomic.Int32

	started chan struct{} // closed on first call when set
	release chan struct{} // fetch blocks until closed when set
	once    sync.Once
}

func (f *fakeFetcher) FetchAllShapes(ctx context.Context) ([]gtfs.ShapePoint, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeFetcher) set(rows []gtfs.ShapePoint, err error) {
	f.mu.Lock()
	f.rows, f.err = rows, err
	f.mu.Unlock()
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func row(id string, seq int, lat, lon float64) gtfs.ShapePoint {
	return gtfs.ShapePoint{ShapeID: id, Sequence: seq, Coordinate: gtfs.Coordinate{Latitude: lat, Longitude: lon}}
}

func twoShapes() []gtfs.ShapePoint {
	return []gtfs.ShapePoint{
		row("A", 1, 0, 0), row("A", 2, 0, 0.001), row("A", 3, 0, 0.002),
		row("B", 1, 10, 10), row("B", 2, 10.001, 10),
	}
}

func noSleep() retry.Options {
	return retry.Options{
		Retries:   retry.DefaultRetries,
		BaseDelay: retry.DefaultBaseDelay,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}
}

func newTestCache(f Fetcher, st store.Store, clk *clock) *Cache {
	return New(f, st, Options{Retry: noSleep(), Now: clk.Now})
}

func TestRefreshPopulates(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := &fakeFetcher{rows: twoShapes()}
	st := store.NewMemory()
	c := newTestCache(f, st, clk)

	assert.Equal(t, StateEmpty, c.Status().State)
	require.NoError(t, c.Refresh(context.Background(), true))

	s := c.Status()
	assert.Equal(t, StateReady, s.State)
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, clk.Now(), s.LastUpdatedAt)
	assert.NotEmpty(t, s.ContentHash)
	assert.Zero(t, s.RetryCount)
	assert.Empty(t, s.LastError)
	assert.False(t, s.IsLoading)

	a, ok := c.Shape("A")
	require.True(t, ok)
	assert.Len(t, a.Segments, 2)
	_, ok = c.Shape("missing")
	assert.False(t, ok)

	blob, err := st.Load(context.Background(), DefaultKey)
	require.NoError(t, err)
	assert.NotNil(t, blob)
}

func TestRefreshNotForcedWhileFreshIsNoop(t *testing.T) {
	clk := &clock{t: time.Now()}
	f := &fakeFetcher{rows: twoShapes()}
	c := newTestCache(f, store.NewMemory(), clk)

	require.NoError(t, c.Refresh(context.Background(), true))
	require.NoError(t, c.Refresh(context.Background(), false))
	assert.EqualValues(t, 1, f.calls.Load())

	clk.Advance(DefaultMaxAge)
	require.NoError(t, c.Refresh(context.Background(), false))
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestRefreshFailureKeepsShapes(t *testing.T) {
	clk := &clock{t: time.Now()}
	f := &fakeFetcher{rows: twoShapes()}
	c := newTestCache(f, store.NewMemory(), clk)
	require.NoError(t, c.Refresh(context.Background(), true))
	before, _ := c.Shape("A")

	f.set(nil, errors.New("network unreachable"))
	err := c.Refresh(context.Background(), true)
	require.Error(t, err)

	// one initial attempt plus three retries
	assert.EqualValues(t, 1+4, f.calls.Load())

	after, ok := c.Shape("A")
	require.True(t, ok)
	assert.Same(t, before, after)

	s := c.Status()
	assert.Equal(t, StateError, s.State)
	assert.Contains(t, s.LastError, "network unreachable")
	assert.Equal(t, 1, s.RetryCount)
	assert.Equal(t, 2, s.Size)

	require.Error(t, c.Refresh(context.Background(), true))
	assert.Equal(t, 2, c.Status().RetryCount)

	f.set(twoShapes(), nil)
	require.NoError(t, c.Refresh(context.Background(), true))
	s = c.Status()
	assert.Equal(t, StateReady, s.State)
	assert.Zero(t, s.RetryCount)
	assert.Empty(t, s.LastError)
}

func TestRefreshPermanentErrorNotRetried(t *testing.T) {
	f := &fakeFetcher{err: retry.Permanent(errors.New("shapes table missing expected columns"))}
	c := newTestCache(f, store.NewMemory(), &clock{t: time.Now()})

	require.Error(t, c.Refresh(context.Background(), true))
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestRefreshSingleFlight(t *testing.T) {
	f := &fakeFetcher{
		rows:    twoShapes(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := newTestCache(f, store.NewMemory(), &clock{t: time.Now()})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = c.Refresh(context.Background(), true)
	}()
	<-f.started
	assert.True(t, c.Status().IsLoading)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = c.Refresh(context.Background(), true)
	}()
	// give the second caller time to join the in-flight refresh
	time.Sleep(50 * time.Millisecond)
	close(f.release)
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestRefreshCallerContextDoesNotCancelSharedFetch(t *testing.T) {
	f := &fakeFetcher{
		rows:    twoShapes(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := newTestCache(f, store.NewMemory(), &clock{t: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx, true) }()
	<-f.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(f.release)
	require.Eventually(t, func() bool { return c.Status().State == StateReady }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, c.Status().Size)
}

func TestSnapshotRoundTrip(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	c1 := newTestCache(&fakeFetcher{rows: twoShapes()}, st, clk)
	require.NoError(t, c1.Refresh(context.Background(), true))
	want := c1.Status()

	f2 := &fakeFetcher{err: errors.New("offline")}
	c2 := newTestCache(f2, st, clk)
	require.True(t, c2.loadSnapshot(context.Background()))
	assert.Zero(t, f2.calls.Load())

	for _, id := range []string{"A", "B"} {
		orig, ok := c1.Shape(id)
		require.True(t, ok)
		got, ok := c2.Shape(id)
		require.True(t, ok)
		assert.Equal(t, orig, got)
	}
	got := c2.Status()
	assert.Equal(t, want.ContentHash, got.ContentHash)
	assert.Equal(t, want.LastUpdatedAt.UnixMilli(), got.LastUpdatedAt.UnixMilli())
	assert.Equal(t, StateReady, got.State)
}

func TestFromPersistableRejectsTamperedSegmentLengths(t *testing.T) {
	rs := shape.BuildShape("A", twoShapes()[:3])
	require.Len(t, rs.Segments, 2)
	total := rs.TotalDistanceMeters

	// lengths still add up to the total but no longer match the endpoints
	rs.Segments[0].DistanceMeters = 100
	rs.Segments[0].CumulativeDistanceMeters = 100
	rs.Segments[1].DistanceMeters = total - 100
	rs.Segments[1].CumulativeDistanceMeters = total

	blob, err := json.Marshal(snapshot{
		Version:         snapshotVersion,
		LastUpdatedAtMs: time.Now().UnixMilli(),
		Shapes:          []shapeEntry{{ID: "A", Shape: *rs}},
	})
	require.NoError(t, err)

	_, err = fromPersistable(blob)
	require.ErrorIs(t, err, errShapeInvariant)
	assert.Contains(t, err.Error(), "segment 0 length")
}

func TestInitializeFreshSnapshotRefreshesInBackground(t *testing.T) {
	clk := &clock{t: time.Now()}
	st := store.NewMemory()
	seed := newTestCache(&fakeFetcher{rows: twoShapes()}, st, clk)
	require.NoError(t, seed.Refresh(context.Background(), true))

	clk.Advance(time.Hour)
	f := &fakeFetcher{rows: twoShapes(), release: make(chan struct{})}
	c := newTestCache(f, st, clk)
	require.NoError(t, c.Initialize(context.Background()))

	// cached data is visible before the background fetch completes
	_, ok := c.Shape("A")
	assert.True(t, ok)

	close(f.release)
	c.Close()
	assert.EqualValues(t, 1, f.calls.Load())
	assert.Equal(t, clk.Now(), c.Status().LastUpdatedAt)
}

func TestInitializeStaleSnapshotFetchesSynchronously(t *testing.T) {
	clk := &clock{t: time.Now()}
	st := store.NewMemory()
	seed := newTestCache(&fakeFetcher{rows: twoShapes()}, st, clk)
	require.NoError(t, seed.Refresh(context.Background(), true))

	clk.Advance(25 * time.Hour)
	f := &fakeFetcher{rows: twoShapes()[:3]}
	c := newTestCache(f, st, clk)
	require.NoError(t, c.Initialize(context.Background()))

	assert.EqualValues(t, 1, f.calls.Load())
	assert.Equal(t, 1, c.Status().Size)
	assert.True(t, c.IsFresh(time.Minute))
}

func TestInitializeStaleSnapshotFetchFailureKeepsSnapshot(t *testing.T) {
	clk := &clock{t: time.Now()}
	st := store.NewMemory()
	seed := newTestCache(&fakeFetcher{rows: twoShapes()}, st, clk)
	require.NoError(t, seed.Refresh(context.Background(), true))

	clk.Advance(48 * time.Hour)
	c := newTestCache(&fakeFetcher{err: errors.New("timeout")}, st, clk)
	require.Error(t, c.Initialize(context.Background()))

	assert.Equal(t, 2, c.Status().Size)
	assert.Equal(t, StateError, c.Status().State)
	assert.False(t, c.IsFresh(DefaultMaxAge))
}

func TestInitializeWithoutSnapshot(t *testing.T) {
	f := &fakeFetcher{rows: twoShapes()}
	c := newTestCache(f, store.NewMemory(), &clock{t: time.Now()})
	require.NoError(t, c.Initialize(context.Background()))
	assert.EqualValues(t, 1, f.calls.Load())
	assert.Equal(t, 2, c.Status().Size)
}

func TestInitializeCorruptSnapshotFallsBackToFetch(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{name: "not json", blob: "{{{"},
		{name: "wrong version", blob: `{"version":7,"lastUpdatedAtMs":1,"shapes":[]}`},
		{name: "object instead of tuples", blob: `{"version":1,"lastUpdatedAtMs":1,"shapes":{"A":{}}}`},
		{name: "tuple too short", blob: `{"version":1,"lastUpdatedAtMs":1,"shapes":[["A"]]}`},
		{name: "latitude out of range", blob: `{"version":1,"lastUpdatedAtMs":1,"shapes":[["A",{"id":"A","points":[{"latitude":95,"longitude":0}],"segments":[],"totalDistanceMeters":0}]]}`},
		{name: "segment count mismatch", blob: `{"version":1,"lastUpdatedAtMs":1,"shapes":[["A",{"id":"A","points":[{"latitude":0,"longitude":0},{"latitude":0,"longitude":1}],"segments":[],"totalDistanceMeters":0}]]}`},
		{name: "id mismatch", blob: `{"version":1,"lastUpdatedAtMs":1,"shapes":[["A",{"id":"B","points":[],"segments":[],"totalDistanceMeters":0}]]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemory()
			require.NoError(t, st.Save(context.Background(), DefaultKey, []byte(tt.blob)))

			f := &fakeFetcher{rows: twoShapes()}
			c := newTestCache(f, st, &clock{t: time.Now()})
			require.NoError(t, c.Initialize(context.Background()))
			assert.EqualValues(t, 1, f.calls.Load())
			assert.Equal(t, 2, c.Status().Size)
		})
	}
}

type failingStore struct{}

func (failingStore) Load(context.Context, string) ([]byte, error) { return nil, errors.New("quota") }
func (failingStore) Save(context.Context, string, []byte) error   { return errors.New("quota exceeded") }
func (failingStore) Clear(context.Context, string) error          { return errors.New("quota") }

func TestStoreFailuresAreNotFatal(t *testing.T) {
	c := newTestCache(&fakeFetcher{rows: twoShapes()}, failingStore{}, &clock{t: time.Now()})
	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, 2, c.Status().Size)
}

func TestIsFresh(t *testing.T) {
	clk := &clock{t: time.Now()}
	c := newTestCache(&fakeFetcher{rows: twoShapes()}, store.NewMemory(), clk)
	assert.False(t, c.IsFresh(time.Hour))

	require.NoError(t, c.Refresh(context.Background(), true))
	assert.True(t, c.IsFresh(time.Hour))
	clk.Advance(time.Hour)
	assert.False(t, c.IsFresh(time.Hour))
}

func TestClear(t *testing.T) {
	st := store.NewMemory()
	c := newTestCache(&fakeFetcher{rows: twoShapes()}, st, &clock{t: time.Now()})
	require.NoError(t, c.Refresh(context.Background(), true))

	require.NoError(t, c.Clear(context.Background()))
	s := c.Status()
	assert.Equal(t, StateEmpty, s.State)
	assert.Zero(t, s.Size)
	assert.True(t, s.LastUpdatedAt.IsZero())
	assert.Empty(t, s.ContentHash)
	_, ok := c.Shape("A")
	assert.False(t, ok)

	blob, err := st.Load(context.Background(), DefaultKey)
	require.NoError(t, err)
	assert.Nil(t, blob)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ShapesUpdated
}

func (n *recordingNotifier) ShapesUpdated(_ context.Context, ev ShapesUpdated) error {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

func TestNotifyOnlyOnContentChange(t *testing.T) {
	f := &fakeFetcher{rows: twoShapes()}
	n := &recordingNotifier{}
	c := New(f, store.NewMemory(), Options{Retry: noSleep(), Notifier: n})

	require.NoError(t, c.Refresh(context.Background(), true))
	require.NoError(t, c.Refresh(context.Background(), true))
	require.Len(t, n.events, 1)
	assert.Equal(t, 2, n.events[0].ShapeCount)

	f.set(twoShapes()[:3], nil)
	require.NoError(t, c.Refresh(context.Background(), true))
	require.Len(t, n.events, 2)
	assert.NotEqual(t, n.events[0].ContentHash, n.events[1].ContentHash)
}

type failingNotifier struct{}

func (failingNotifier) ShapesUpdated(context.Context, ShapesUpdated) error {
	return errors.New("nats: connection closed")
}

func TestNotifiersFanOut(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	ns := Notifiers{a, nil, failingNotifier{}, b}

	err := ns.ShapesUpdated(context.Background(), ShapesUpdated{ContentHash: "h", ShapeCount: 2})
	require.ErrorContains(t, err, "connection closed")
	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, "h", b.events[0].ContentHash)

	assert.NoError(t, Notifiers{a}.ShapesUpdated(context.Background(), ShapesUpdated{}))
}

func TestPartialBatchSkipsInvalidShape(t *testing.T) {
	rows := append(twoShapes(), row("bad", 1, 120, 0), row("bad", 2, 0, 0))
	c := newTestCache(&fakeFetcher{rows: rows}, store.NewMemory(), &clock{t: time.Now()})
	require.NoError(t, c.Refresh(context.Background(), true))

	assert.Equal(t, 2, c.Status().Size)
	_, ok := c.Shape("bad")
	assert.False(t, ok)
}

func TestStartRefresher(t *testing.T) {
	clk := &clock{t: time.Now()}
	f := &fakeFetcher{rows: twoShapes()}
	c := newTestCache(f, store.NewMemory(), clk)

	c.StartRefresher(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.calls.Load() >= 1 }, time.Second, time.Millisecond)

	// fresh data: ticks do not fetch again
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, f.calls.Load())

	clk.Advance(DefaultMaxAge + time.Minute)
	require.Eventually(t, func() bool { return f.calls.Load() >= 2 }, time.Second, time.Millisecond)
	c.Close()
}

func TestContentHashIgnoresRowOrder(t *testing.T) {
	rows := twoShapes()
	reversed := make([]gtfs.ShapePoint, len(rows))
	for i := range rows {
		reversed[len(rows)-1-i] = rows[i]
	}
	assert.Equal(t, ContentHash(rows), ContentHash(reversed))
	assert.Len(t, ContentHash(rows), 16)

	changed := twoShapes()
	changed[0].Coordinate.Latitude = 0.0000001
	assert.NotEqual(t, ContentHash(rows), ContentHash(changed))
}
