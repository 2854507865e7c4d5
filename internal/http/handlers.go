package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"slabview/internal/config"
	"slabview/internal/raster_list"
	"slabview/internal/region_renderer"
	"slabview/internal/slab"
	"slabview/internal/storage"
)

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	scanner  *raster_list.Scanner
	renderer *region_renderer.Renderer
}

func New(config *config.Config, logger *zap.Logger, scanner *raster_list.Scanner, renderer *region_renderer.Renderer) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		scanner:  scanner,
		renderer: renderer,
	}
}

// Routes registers every endpoint on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/rasters", h.HandleRasters)
	mux.HandleFunc("/api/rasters/", h.HandleRasterRoutes)
	mux.HandleFunc("/api/upload", h.HandleUpload)
	mux.HandleFunc("/healthz", h.HandleHealthz)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", h.extractIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Region")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleRasters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.scanner.GetRasters())
}

func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.config.IsUploadPublic() {
		token := ""
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != h.config.UploadToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadSize)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Failed to parse multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !storage.Extensions[ext] {
		http.Error(w, "Invalid file extension", http.StatusBadRequest)
		return
	}

	tempFile, err := os.CreateTemp(h.config.DataDir, ".upload_*"+ext+".part")
	if err != nil {
		h.logger.Error("Failed to create temp file", zap.Error(err))
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}
	tempPath := tempFile.Name()

	if _, err := io.Copy(tempFile, file); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		h.logger.Error("Failed to copy file", zap.Error(err))
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}
	tempFile.Close()

	rasterID, err := h.scanner.ProcessUploadedFile(tempPath, header.Filename)
	if err != nil {
		if _, statErr := os.Stat(tempPath); statErr == nil {
			os.Remove(tempPath)
		}
		h.logger.Error("Failed to process uploaded file", zap.Error(err))
		http.Error(w, "Failed to process file", http.StatusInternalServerError)
		return
	}

	if err := h.scanner.Scan(); err != nil {
		h.logger.Warn("Failed to rescan after upload", zap.Error(err))
	}

	info := h.scanner.GetRasterByID(rasterID)
	if info == nil {
		h.logger.Warn("Uploaded raster not found after scan", zap.String("id", rasterID))
		http.Error(w, "Failed to retrieve uploaded raster", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"id":     rasterID,
		"name":   info.OriginalFilename,
		"width":  info.Width,
		"height": info.Height,
		"saved":  true,
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleRasterRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/rasters/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	rasterID := parts[0]

	switch parts[1] {
	case "meta":
		h.handleRasterMeta(w, r, rasterID)
	case "region":
		h.handleRegion(w, r, rasterID)
	case "slabs":
		h.handleSlabs(w, r, rasterID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleRasterMeta(w http.ResponseWriter, r *http.Request, rasterID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	meta, err := h.renderer.GetRasterMeta(rasterID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, meta)
}

func (h *Handlers) handleRegion(w http.ResponseWriter, r *http.Request, rasterID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var region slab.Rect
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"x", &region.X},
		{"y", &region.Y},
		{"w", &region.Width},
		{"h", &region.Height},
	} {
		v, err := strconv.Atoi(q.Get(p.name))
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid %s parameter", p.name), http.StatusBadRequest)
			return
		}
		*p.dst = v
	}

	band := 0
	if v := q.Get("band"); v != "" {
		b, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "Invalid band parameter", http.StatusBadRequest)
			return
		}
		band = b
	}

	format := q.Get("format")
	if format == "" {
		format = "png"
	}

	result, err := h.renderer.RenderRegion(r.Context(), rasterID, band, region, format)
	if err != nil {
		h.writeError(w, err)
		return
	}

	etag := `"` + result.ETag + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(result.Size))
	w.Header().Set("X-Region", fmt.Sprintf("%d,%d,%d,%d", result.Region.X, result.Region.Y, result.Region.Width, result.Region.Height))

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(result.Data)
}

func (h *Handlers) handleSlabs(w http.ResponseWriter, r *http.Request, rasterID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	band, _ := strconv.Atoi(r.URL.Query().Get("band"))

	slabs, stats, err := h.renderer.SlabInfo(rasterID, band)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"stats": stats,
		"slabs": slabs,
	})
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, region_renderer.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, region_renderer.ErrBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("Failed to render region", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
