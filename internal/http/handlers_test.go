package http

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"slabview/internal/cache"
	"slabview/internal/config"
	"slabview/internal/product"
	"slabview/internal/raster_list"
	"slabview/internal/region_renderer"
	"slabview/internal/slab"
	"slabview/internal/storage"
)

type testServer struct {
	handler http.Handler
	scanner *raster_list.Scanner
	id      string
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()

	dir := t.TempDir()
	cfg.DataDir = dir

	w := product.NewRawWriter(filepath.Join(dir, "scene.slab"))
	require.NoError(t, w.WriteHeader(product.NewHeader(1, 20, 10, 20, 10)))
	samples := make([]float32, 200)
	for i := range samples {
		samples[i] = float32(i)
	}
	require.NoError(t, w.WriteBandRasterData(0, slab.Rect{Width: 20, Height: 10}, samples))
	require.NoError(t, w.Close())

	log := zap.NewNop()
	scanner := raster_list.New(dir, log)
	require.NoError(t, scanner.Scan())
	rasters := scanner.GetRasters()
	require.Len(t, rasters, 1)

	renderer := region_renderer.New(scanner, storage.Open, cache.NewMemoryCache(8, 0), region_renderer.Options{
		SlabWidth:       8,
		SlabHeight:      8,
		MaxRegionPixels: 10000,
	}, log)
	t.Cleanup(func() { renderer.Close() })

	h := New(cfg, log, scanner, renderer)
	mux := http.NewServeMux()
	h.Routes(mux)

	return &testServer{
		handler: h.CORSMiddleware(h.RequestLoggingMiddleware(mux)),
		scanner: scanner,
		id:      rasters[0].ID,
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleRasters(t *testing.T) {
	s := newTestServer(t, &config.Config{})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/rasters", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var rasters []raster_list.RasterInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rasters))
	require.Len(t, rasters, 1)
	assert.Equal(t, 20, rasters[0].Width)

	rec = s.do(httptest.NewRequest(http.MethodPost, "/api/rasters", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleRegion_Raw(t *testing.T) {
	s := newTestServer(t, &config.Config{})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/rasters/"+s.id+"/region?x=6&y=1&w=3&h=2&format=raw", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "6,1,3,2", rec.Header().Get("X-Region"))

	got := make([]float32, 6)
	product.DecodeSamples(got, rec.Body.Bytes())
	assert.Equal(t, []float32{26, 27, 28, 46, 47, 48}, got)

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/api/rasters/"+s.id+"/region?x=6&y=1&w=3&h=2&format=raw", nil)
	req.Header.Set("If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, s.do(req).Code)

	rec = s.do(httptest.NewRequest(http.MethodHead, "/api/rasters/"+s.id+"/region?x=6&y=1&w=3&h=2&format=raw", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestHandleRegion_Errors(t *testing.T) {
	s := newTestServer(t, &config.Config{})

	tests := []struct {
		name string
		url  string
		code int
	}{
		{"missing param", "/api/rasters/" + s.id + "/region?x=0&y=0&w=3", http.StatusBadRequest},
		{"bad format", "/api/rasters/" + s.id + "/region?x=0&y=0&w=3&h=3&format=gif", http.StatusBadRequest},
		{"outside", "/api/rasters/" + s.id + "/region?x=50&y=0&w=3&h=3", http.StatusBadRequest},
		{"unknown raster", "/api/rasters/nope/region?x=0&y=0&w=3&h=3", http.StatusNotFound},
		{"unknown route", "/api/rasters/" + s.id + "/tiles", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(httptest.NewRequest(http.MethodGet, tt.url, nil))
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestHandleSlabsAndMeta(t *testing.T) {
	s := newTestServer(t, &config.Config{})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/rasters/"+s.id+"/region?x=7&y=7&w=2&h=2&format=raw", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/rasters/"+s.id+"/slabs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Stats slab.Stats                  `json:"stats"`
		Slabs []region_renderer.SlabInfo `json:"slabs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 4, body.Stats.Slabs)
	require.Len(t, body.Slabs, 4)
	assert.Equal(t, slab.Rect{X: 8, Y: 8, Width: 8, Height: 2}, body.Slabs[3].Region)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/rasters/"+s.id+"/meta", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, float64(3), meta["slab_cols"])
	assert.Equal(t, float64(2), meta["slab_rows"])
}

func TestHandleUpload_RequiresToken(t *testing.T) {
	s := newTestServer(t, &config.Config{UploadToken: "secret", MaxUploadSize: 1 << 20})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "scene.slab")
	require.NoError(t, err)
	part.Write([]byte("data"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", bytes.NewReader(buf.Bytes()))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	assert.Equal(t, http.StatusUnauthorized, s.do(req).Code)
}

func TestHandleUpload_RejectsExtension(t *testing.T) {
	s := newTestServer(t, &config.Config{MaxUploadSize: 1 << 20})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	part.Write([]byte("data"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", bytes.NewReader(buf.Bytes()))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, s.do(req).Code)
}

func TestHandleHealthzAndCORS(t *testing.T) {
	s := newTestServer(t, &config.Config{AllowedOrigin: "https://maps.example.org"})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "https://maps.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = s.do(httptest.NewRequest(http.MethodOptions, "/api/rasters", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
