package static

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-arrivals/internal/db"
	"gtfs-arrivals/internal/retry"
)

var feedFiles = map[string]string{
	"agency.txt": "agency_id,agency_name,agency_url,agency_timezone\n" +
		"A1,Test Transit,https://example.com,Europe/Madrid\n",
	"routes.txt": "route_id,agency_id,route_short_name,route_long_name,route_type\n" +
		"R1,A1,1,Line One,3\n",
	"calendar.txt": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\n" +
		"WK,1,1,1,1,1,0,0,20250101,20351231\n",
	"stops.txt": "stop_id,stop_name,stop_lat,stop_lon\n" +
		"S_A,Alpha,0,0\n" +
		"S_B,Bravo,0,0.001\n" +
		"S_C,Charlie,0,0.002\n",
	"trips.txt": "route_id,service_id,trip_id,shape_id\n" +
		"R1,WK,T1,SH1\n",
	"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
		"T1,08:00:00,08:00:00,S_A,1\n" +
		"T1,08:01:00,08:01:00,S_B,2\n" +
		"T1,08:02:00,08:02:00,S_C,3\n",
	"shapes.txt": "shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence\n" +
		"SH1,0,0,1\n" +
		"SH1,0,0.001,2\n" +
		"SH1,0,0.002,3\n",
}

func feedZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range feedFiles {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestFeedFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gtfs.zip")
	require.NoError(t, os.WriteFile(path, feedZip(t), 0o644))

	f := NewFeed(path, time.Second)
	pts, err := f.FetchAllShapes(context.Background())
	require.NoError(t, err)

	require.Len(t, pts, 3)
	for i, p := range pts {
		assert.Equal(t, "SH1", p.ShapeID)
		assert.Equal(t, i, p.Sequence)
	}
	assert.Equal(t, 0.002, pts[2].Coordinate.Longitude)

	shapeID, err := f.ShapeIDForTrip(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "SH1", shapeID)

	seq, err := f.StopSequence(context.Background(), "T1")
	require.NoError(t, err)
	require.Len(t, seq.Stops, 3)
	assert.Equal(t, "S_A", seq.Stops[0].StopID)
	assert.InDelta(t, 111.2, seq.Stops[0].DistanceToNextMeters, 0.1)

	_, err = f.ShapeIDForTrip(context.Background(), "nope")
	assert.ErrorIs(t, err, db.ErrTripNotFound)
}

func TestFeedFromURL(t *testing.T) {
	body := feedZip(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	pts, err := NewFeed(srv.URL+"/gtfs.zip", time.Second).FetchAllShapes(context.Background())
	require.NoError(t, err)
	assert.Len(t, pts, 3)
}

func TestFeedErrors(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		if code == http.StatusOK {
			_, _ = w.Write([]byte("not a zip"))
			return
		}
		w.WriteHeader(code)
	}))
	defer srv.Close()

	tests := []struct {
		name      string
		status    int
		source    string
		permanent bool
	}{
		{name: "server error is retryable", status: http.StatusInternalServerError, source: srv.URL, permanent: false},
		{name: "too many requests is retryable", status: http.StatusTooManyRequests, source: srv.URL, permanent: false},
		{name: "not found is permanent", status: http.StatusNotFound, source: srv.URL, permanent: true},
		{name: "garbage body is permanent", status: http.StatusOK, source: srv.URL, permanent: true},
		{name: "missing file is permanent", source: filepath.Join(t.TempDir(), "missing.zip"), permanent: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status.Store(int32(tt.status))
			_, err := NewFeed(tt.source, time.Second).FetchAllShapes(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.permanent, retry.IsPermanent(err))
		})
	}
}

func TestFeedLookupBeforeLoad(t *testing.T) {
	_, err := NewFeed("unused.zip", time.Second).StopSequence(context.Background(), "T1")
	assert.ErrorIs(t, err, errNotLoaded)
}
