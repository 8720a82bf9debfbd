package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"gtfs-arrivals/internal/geo"
	"gtfs-arrivals/internal/gtfs"
)

const snapshotVersion = 1

var validate = validator.New()

// snapshot is the persisted form of the cache. Shapes are an ordered list of
// [id, shape] tuples rather than a JSON object.
type snapshot struct {
	Version         int          `json:"version" validate:"eq=1"`
	LastUpdatedAtMs int64        `json:"lastUpdatedAtMs" validate:"gt=0"`
	ContentHash     string       `json:"contentHash"`
	Shapes          []shapeEntry `json:"shapes" validate:"dive"`
}

type shapeEntry struct {
	ID    string `validate:"required"`
	Shape gtfs.RouteShape
}

func (e shapeEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.ID, e.Shape})
}

func (e *shapeEntry) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("shape entry has %d elements, want 2", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &e.ID); err != nil {
		return fmt.Errorf("shape entry id: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &e.Shape); err != nil {
		return fmt.Errorf("shape entry %q: %w", e.ID, err)
	}
	return nil
}

type restored struct {
	shapes      map[string]*gtfs.RouteShape
	lastUpdated time.Time
	contentHash string
}

// toPersistableLocked encodes the current state. c.mu must be held.
func (c *Cache) toPersistableLocked() ([]byte, error) {
	ids := make([]string, 0, len(c.shapes))
	for id := range c.shapes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	snap := snapshot{
		Version:         snapshotVersion,
		LastUpdatedAtMs: c.lastUpdated.UnixMilli(),
		ContentHash:     c.contentHash,
		Shapes:          make([]shapeEntry, 0, len(ids)),
	}
	for _, id := range ids {
		snap.Shapes = append(snap.Shapes, shapeEntry{ID: id, Shape: *c.shapes[id]})
	}
	return json.Marshal(snap)
}

// fromPersistable decodes and validates a snapshot. Any defect rejects the
// whole snapshot.
func fromPersistable(blob []byte) (*restored, error) {
	var snap snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := validate.Struct(snap); err != nil {
		return nil, fmt.Errorf("validate snapshot: %w", err)
	}

	out := &restored{
		shapes:      make(map[string]*gtfs.RouteShape, len(snap.Shapes)),
		lastUpdated: time.UnixMilli(snap.LastUpdatedAtMs),
		contentHash: snap.ContentHash,
	}
	for i := range snap.Shapes {
		e := snap.Shapes[i]
		if e.ID != e.Shape.ID {
			return nil, fmt.Errorf("snapshot entry %q holds shape %q", e.ID, e.Shape.ID)
		}
		if _, dup := out.shapes[e.ID]; dup {
			return nil, fmt.Errorf("duplicate shape %q in snapshot", e.ID)
		}
		if err := checkShape(&e.Shape); err != nil {
			return nil, fmt.Errorf("shape %q: %w", e.ID, err)
		}
		rs := e.Shape
		out.shapes[e.ID] = &rs
	}
	return out, nil
}

var errShapeInvariant = errors.New("shape invariant violated")

// checkShape verifies the structural invariants of a built shape.
func checkShape(rs *gtfs.RouteShape) error {
	wantSegs := len(rs.Points) - 1
	if wantSegs < 0 {
		wantSegs = 0
	}
	if len(rs.Segments) != wantSegs {
		return fmt.Errorf("%w: %d segments for %d points", errShapeInvariant, len(rs.Segments), len(rs.Points))
	}
	prev := 0.0
	for i, s := range rs.Segments {
		if s.Start != rs.Points[i] || s.End != rs.Points[i+1] {
			return fmt.Errorf("%w: segment %d endpoints differ from points", errShapeInvariant, i)
		}
		if !approxEqual(s.DistanceMeters, geo.Haversine(s.Start, s.End)) {
			return fmt.Errorf("%w: segment %d length differs from its endpoints", errShapeInvariant, i)
		}
		if s.CumulativeDistanceMeters < prev {
			return fmt.Errorf("%w: cumulative distance decreases at segment %d", errShapeInvariant, i)
		}
		if !approxEqual(s.CumulativeDistanceMeters, prev+s.DistanceMeters) {
			return fmt.Errorf("%w: cumulative distance mismatch at segment %d", errShapeInvariant, i)
		}
		prev = s.CumulativeDistanceMeters
	}
	if !approxEqual(rs.TotalDistanceMeters, prev) {
		return fmt.Errorf("%w: total %f, last cumulative %f", errShapeInvariant, rs.TotalDistanceMeters, prev)
	}
	return nil
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
