package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpalas/street-safety-vision/internal/common"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "manifest.csv")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestCSVSource(t *testing.T) {
	path := writeCSV(t, "\ufeffnombre_foto,public_url,lat,lon,captured_at,tile,comuna\n"+
		"img001,https://cdn.example.com/img001.jpg,-33.45,-70.66,2024-05-01,T12,Santiago\n"+
		"img002,,-33.46,-70.65,2024-05-01 10:30:00,T12,Santiago\n"+
		"img001,https://cdn.example.com/dup.jpg,0,0,,,\n"+
		",https://cdn.example.com/noid.jpg,0,0,,,\n"+
		"img003,https://cdn.example.com/img003.jpg,bad,bad,,,Ñuñoa\n")

	src := NewCSVSource(CSVOptions{Path: path}, NewResolver("https://storage.example.com/bucket/", false, nil, nil), nil)
	refs, errs, err := Collect(context.Background(), src, nil)
	require.NoError(t, err)

	require.Len(t, refs, 3, "duplicate identifiers are skipped")
	require.Len(t, errs, 1)
	var rre *common.ReferenceResolutionError
	require.ErrorAs(t, errs[0], &rre)
	assert.Equal(t, "row 4", rre.Identifier)

	first := refs[0]
	assert.Equal(t, "img001", first.Identifier)
	assert.Equal(t, "https://cdn.example.com/img001.jpg", first.URL)
	require.NotNil(t, first.Lat)
	assert.Equal(t, -33.45, *first.Lat)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), first.CapturedAt)
	assert.Equal(t, "T12", first.SourceTile)
	assert.Equal(t, map[string]string{"comuna": "Santiago"}, first.Attributes)

	assert.Equal(t, "https://storage.example.com/bucket/img002.jpg", refs[1].URL, "missing urls are resolved")
	assert.Equal(t, 10, refs[1].CapturedAt.Hour())

	assert.Nil(t, refs[2].Lat, "unparseable coordinates are left empty")
	assert.Equal(t, "Ñuñoa", refs[2].Attributes["comuna"])
}

func TestCSVSource_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		src := NewCSVSource(CSVOptions{Path: filepath.Join(t.TempDir(), "nope.csv")}, nil, nil)
		_, _, err := Collect(context.Background(), src, nil)
		assert.Error(t, err)
	})

	t.Run("missing identifier column", func(t *testing.T) {
		src := NewCSVSource(CSVOptions{Path: writeCSV(t, "foto,url\na,b\n")}, nil, nil)
		_, _, err := Collect(context.Background(), src, nil)
		assert.ErrorIs(t, err, common.ErrInvalidInput)
	})

	t.Run("custom columns", func(t *testing.T) {
		src := NewCSVSource(CSVOptions{Path: writeCSV(t, "foto,url\na,https://x/a.jpg\n"), IDColumn: "foto", URLColumn: "url"}, nil, nil)
		refs, errs, err := Collect(context.Background(), src, nil)
		require.NoError(t, err)
		assert.Empty(t, errs)
		require.Len(t, refs, 1)
		assert.Equal(t, "https://x/a.jpg", refs[0].URL)
	})

	t.Run("no url and no storage base", func(t *testing.T) {
		src := NewCSVSource(CSVOptions{Path: writeCSV(t, "nombre_foto,public_url\na,\n")}, nil, nil)
		refs, errs, err := Collect(context.Background(), src, nil)
		require.NoError(t, err)
		assert.Empty(t, refs)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), `"a"`)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		src := NewCSVSource(CSVOptions{Path: writeCSV(t, "nombre_foto,public_url\na,https://x/a.jpg\n")}, nil, nil)
		_, _, err := Collect(ctx, src, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestResolver_Verify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		if strings.Contains(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewResolver(srv.URL+"/bucket", true, srv.Client(), nil)
	u, err := r.Resolve(context.Background(), "img 1")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/bucket/img%201.jpg", u)

	_, err = r.Resolve(context.Background(), "missing")
	var rre *common.ReferenceResolutionError
	require.ErrorAs(t, err, &rre)
	assert.Contains(t, err.Error(), "status 403")

	_, err = r.Resolve(context.Background(), "  ")
	assert.ErrorAs(t, err, &rre)
}

func TestCoordinateSource(t *testing.T) {
	coords := []common.Coordinate{{Lat: -33.45, Lon: -70.66}, {Lat: -33.45, Lon: -70.66}, {Lat: -33.5, Lon: -70.7}}
	src := NewCoordinateSource(coords, NewResolver("https://storage.example.com/b", false, nil, nil))

	refs, errs, err := Collect(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Empty(t, errs)
	require.Len(t, refs, 2)
	assert.Equal(t, "-33.450000_-70.660000", refs[0].Identifier)
	assert.Equal(t, "https://storage.example.com/b/-33.450000_-70.660000.jpg", refs[0].URL)
	assert.Equal(t, -70.7, *refs[1].Lon)

	unresolved := NewCoordinateSource(coords[:1], nil)
	refs, errs, err = Collect(context.Background(), unresolved, nil)
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Len(t, errs, 1)
}

func TestGridCoordinates(t *testing.T) {
	coords, err := GridCoordinates(common.BoundingBox{MinLat: -33.5, MinLon: -70.7, MaxLat: -33.4, MaxLon: -70.6}, 0.05)
	require.NoError(t, err)
	require.Len(t, coords, 9)
	assert.Equal(t, common.Coordinate{Lat: -33.5, Lon: -70.7}, coords[0])
	assert.Equal(t, common.Coordinate{Lat: -33.4, Lon: -70.6}, coords[8])

	_, err = GridCoordinates(common.BoundingBox{}, 0)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = GridCoordinates(common.BoundingBox{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}, 0.001)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestNew(t *testing.T) {
	_, err := New(common.SourceConfig{}, nil, nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	src, err := New(common.SourceConfig{BBox: &common.BoundingBox{MinLat: 1, MinLon: 1, MaxLat: 1, MaxLon: 1}, GridStep: 0.1}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &CoordinateSource{}, src)
}
