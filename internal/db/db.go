package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"gtfs-arrivals/internal/geo"
	"gtfs-arrivals/internal/gtfs"
	"gtfs-arrivals/internal/retry"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrTripNotFound is returned by Trips lookups for an unknown trip id.
var ErrTripNotFound = errors.New("trip not found")

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Handle is the current city database. The city watcher swaps it when a
// newer import lands; readers always go through DB.
type Handle struct {
	mu   sync.RWMutex
	db   *sql.DB
	name string
}

func NewHandle(db *sql.DB, name string) *Handle { return &Handle{db: db, name: name} }

func (h *Handle) DB() *sql.DB {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.db
}

func (h *Handle) Name() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.name
}

// Swap installs db and returns the previous connection for the caller to close.
func (h *Handle) Swap(db *sql.DB, name string) *sql.DB {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.db
	h.db, h.name = db, name
	return old
}

var errClosed = errors.New("database closed")

func (h *Handle) conn() (*sql.DB, error) {
	if db := h.DB(); db != nil {
		return db, nil
	}
	return nil, errClosed
}

// Close closes the current connection.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}

// ShapeSource reads the whole shapes table in one query.
type ShapeSource struct {
	h       *Handle
	timeout time.Duration
}

func NewShapeSource(h *Handle, timeout time.Duration) *ShapeSource {
	return &ShapeSource{h: h, timeout: timeout}
}

// FetchAllShapes returns every shape point ordered by shape id and sequence.
// Query failures are retryable; a shapes table without usable coordinate
// columns is not.
func (s *ShapeSource) FetchAllShapes(ctx context.Context) ([]gtfs.ShapePoint, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	conn, err := s.h.conn()
	if err != nil {
		return nil, err
	}
	q, err := shapesQuery(ctx, conn)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()

	var pts []gtfs.ShapePoint
	for rows.Next() {
		var p gtfs.ShapePoint
		if err := rows.Scan(&p.ShapeID, &p.Sequence, &p.Coordinate.Latitude, &p.Coordinate.Longitude); err != nil {
			return nil, retry.Permanent(fmt.Errorf("scan shape row: %w", err))
		}
		pts = append(pts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read shapes: %w", err)
	}
	return pts, nil
}

// shapesQuery picks the bulk query for the installed layout: plain
// shape_pt_lat/lon columns or a PostGIS shape_pt_loc geography.
func shapesQuery(ctx context.Context, db *sql.DB) (string, error) {
	cols, err := hasColumns(ctx, db, "public", "shapes", "shape_pt_lat", "shape_pt_lon", "shape_pt_loc")
	if err != nil {
		return "", fmt.Errorf("introspect shapes columns: %w", err)
	}
	switch {
	case cols["shape_pt_lat"] && cols["shape_pt_lon"]:
		return `SELECT shape_id, shape_pt_sequence, shape_pt_lat, shape_pt_lon
             FROM shapes ORDER BY shape_id, shape_pt_sequence`, nil
	case cols["shape_pt_loc"]:
		return `SELECT shape_id, shape_pt_sequence,
                    ST_Y(shape_pt_loc::geometry) AS lat,
                    ST_X(shape_pt_loc::geometry) AS lon
             FROM shapes ORDER BY shape_id, shape_pt_sequence`, nil
	default:
		return "", retry.Permanent(errors.New("shapes table missing expected columns (lat/lon or shape_pt_loc)"))
	}
}

// Trips resolves trip ids to their shape and ordered stops.
type Trips struct {
	h *Handle
}

func NewTrips(h *Handle) *Trips { return &Trips{h: h} }

// ShapeIDForTrip returns the trip's shape id, "" when the trip has none.
func (t *Trips) ShapeIDForTrip(ctx context.Context, tripID string) (string, error) {
	conn, err := t.h.conn()
	if err != nil {
		return "", err
	}
	var shapeID string
	err = conn.QueryRowContext(ctx, `SELECT COALESCE(shape_id, '') FROM trips WHERE trip_id = $1`, tripID).Scan(&shapeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %q", ErrTripNotFound, tripID)
	}
	if err != nil {
		return "", fmt.Errorf("query trip shape: %w", err)
	}
	return shapeID, nil
}

// StopSequence returns the trip's stops ordered by stop_sequence with the
// straight-line distance between consecutive stops filled in.
func (t *Trips) StopSequence(ctx context.Context, tripID string) (*gtfs.StopSequence, error) {
	conn, err := t.h.conn()
	if err != nil {
		return nil, err
	}
	q, err := stopTimesQuery(ctx, conn)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, q, tripID)
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()

	var stops []gtfs.SequenceStop
	for rows.Next() {
		var s gtfs.SequenceStop
		if err := rows.Scan(&s.Sequence, &s.StopID, &s.Coordinate.Latitude, &s.Coordinate.Longitude); err != nil {
			return nil, err
		}
		stops = append(stops, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrTripNotFound, tripID)
	}
	return BuildStopSequence(tripID, stops), nil
}

// Stops without a location are skipped, matching the static feed.
const (
	stopTimesLatLonQuery = `SELECT st.stop_sequence, st.stop_id, s.stop_lat, s.stop_lon
             FROM stop_times st
             JOIN stops s ON s.stop_id = st.stop_id
             WHERE st.trip_id = $1
               AND s.stop_lat IS NOT NULL AND s.stop_lon IS NOT NULL
             ORDER BY st.stop_sequence`
	stopTimesLocQuery = `SELECT st.stop_sequence, st.stop_id,
                    ST_Y(s.stop_loc::geometry), ST_X(s.stop_loc::geometry)
             FROM stop_times st
             JOIN stops s ON s.stop_id = st.stop_id
             WHERE st.trip_id = $1
               AND s.stop_loc IS NOT NULL
             ORDER BY st.stop_sequence`
)

func stopTimesQuery(ctx context.Context, db *sql.DB) (string, error) {
	// Prefer stop_lat/stop_lon, but support PostGIS stop_loc geography as fallback
	cols, err := hasColumns(ctx, db, "public", "stops", "stop_lat", "stop_lon", "stop_loc")
	if err != nil {
		return "", fmt.Errorf("introspect stops columns: %w", err)
	}
	switch {
	case cols["stop_lat"] && cols["stop_lon"]:
		return stopTimesLatLonQuery, nil
	case cols["stop_loc"]:
		return stopTimesLocQuery, nil
	default:
		return "", errors.New("stops table missing expected columns (stop_lat/lon or stop_loc)")
	}
}

// BuildStopSequence fills DistanceToNextMeters for stops already in travel
// order. The last stop keeps zero.
func BuildStopSequence(tripID string, stops []gtfs.SequenceStop) *gtfs.StopSequence {
	out := make([]gtfs.SequenceStop, len(stops))
	copy(out, stops)
	for i := 0; i < len(out)-1; i++ {
		out[i].DistanceToNextMeters = geo.Haversine(out[i].Coordinate, out[i+1].Coordinate)
	}
	if n := len(out); n > 0 {
		out[n-1].DistanceToNextMeters = 0
	}
	return &gtfs.StopSequence{TripID: tripID, Stops: out}
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
