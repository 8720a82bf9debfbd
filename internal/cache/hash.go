package cache

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"gtfs-arrivals/internal/gtfs"
)

// ContentHash fingerprints a fetched shape table. Rows are put in
// (shape id, sequence) order first so the hash does not depend on fetch order.
func ContentHash(rows []gtfs.ShapePoint) string {
	sorted := make([]gtfs.ShapePoint, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ShapeID != sorted[j].ShapeID {
			return sorted[i].ShapeID < sorted[j].ShapeID
		}
		return sorted[i].Sequence < sorted[j].Sequence
	})

	d := xxhash.New()
	buf := make([]byte, 0, 96)
	for _, r := range sorted {
		buf = buf[:0]
		buf = append(buf, r.ShapeID...)
		buf = append(buf, '|')
		buf = strconv.AppendInt(buf, int64(r.Sequence), 10)
		buf = append(buf, '|')
		buf = strconv.AppendFloat(buf, r.Coordinate.Latitude, 'g', -1, 64)
		buf = append(buf, '|')
		buf = strconv.AppendFloat(buf, r.Coordinate.Longitude, 'g', -1, 64)
		buf = append(buf, '\n')
		d.Write(buf)
	}
	return fmt.Sprintf("%016x", d.Sum64())
}
