package region_renderer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"slabview/internal/cache"
	"slabview/internal/metrics"
	"slabview/internal/product"
	"slabview/internal/raster_list"
	"slabview/internal/slab"
	"slabview/internal/storage"
)

var (
	ErrNotFound   = errors.New("raster not found")
	ErrBadRequest = errors.New("bad region request")
)

// Catalog resolves raster ids to metadata and file paths.
type Catalog interface {
	GetRasterByID(id string) *raster_list.RasterInfo
	GetRasterPathByID(id string) string
}

// OpenFunc opens band of the raster at path.
type OpenFunc func(path string, band int) (storage.Raster, error)

type Options struct {
	SlabWidth       int
	SlabHeight      int
	Order           slab.Order
	MaxRegionPixels int
}

type sourceKey struct {
	id   string
	band int
}

type source struct {
	raster storage.Raster
	slabs  *slab.Cache
}

type Renderer struct {
	catalog     Catalog
	open        OpenFunc
	regionCache cache.Cache
	opts        Options
	logger      *zap.Logger

	mu      sync.Mutex
	sources map[sourceKey]*source
}

type RegionResult struct {
	Data        []byte
	ETag        string
	Size        int
	ContentType string
	Region      slab.Rect
}

// SlabInfo describes one cached slab.
type SlabInfo struct {
	Coord      slab.GridCoord `json:"coord"`
	Region     slab.Rect      `json:"region"`
	LastAccess time.Time      `json:"last_access"`
}

func New(catalog Catalog, open OpenFunc, regionCache cache.Cache, opts Options, logger *zap.Logger) *Renderer {
	return &Renderer{
		catalog:     catalog,
		open:        open,
		regionCache: regionCache,
		opts:        opts,
		logger:      logger,
		sources:     make(map[sourceKey]*source),
	}
}

// Slabs returns the slab cache of band of raster id, opening the raster on first use.
func (r *Renderer) Slabs(id string, band int) (*slab.Cache, error) {
	info := r.catalog.GetRasterByID(id)
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if band < 0 || band >= max(info.Bands, 1) {
		return nil, fmt.Errorf("%w: band %d out of range", ErrBadRequest, band)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := sourceKey{id: id, band: band}
	if src, ok := r.sources[key]; ok {
		return src.slabs, nil
	}

	path := r.catalog.GetRasterPathByID(id)
	if path == "" {
		return nil, fmt.Errorf("%w: no path for %s", ErrNotFound, id)
	}
	raster, err := r.open(path, band)
	if err != nil {
		return nil, fmt.Errorf("failed to open raster: %w", err)
	}

	slabs, err := slab.New(raster.Width(), raster.Height(), r.opts.SlabWidth, r.opts.SlabHeight, raster,
		slab.WithOrder(r.opts.Order),
		slab.WithLogger(r.logger.With(zap.String("raster", id), zap.Int("band", band))),
	)
	if err != nil {
		raster.Close()
		return nil, err
	}

	r.sources[key] = &source{raster: raster, slabs: slabs}
	r.logger.Info("Opened raster",
		zap.String("raster", id),
		zap.Int("band", band),
		zap.Int("width", raster.Width()),
		zap.Int("height", raster.Height()),
	)
	return slabs, nil
}

// RenderRegion returns region of band of raster id encoded as format
// ("raw" or "png"). The region is clipped to the raster.
func (r *Renderer) RenderRegion(ctx context.Context, id string, band int, region slab.Rect, format string) (*RegionResult, error) {
	contentType, ok := contentTypes[format]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrBadRequest, format)
	}
	if region.Empty() {
		return nil, fmt.Errorf("%w: empty region %s", ErrBadRequest, region)
	}

	slabs, err := r.Slabs(id, band)
	if err != nil {
		return nil, err
	}

	clipped := region.Intersect(slabs.Bounds())
	if clipped.Empty() {
		return nil, fmt.Errorf("%w: %s outside raster %s", ErrBadRequest, region, slabs.Bounds())
	}
	if clipped.Area() > r.opts.MaxRegionPixels {
		return nil, fmt.Errorf("%w: region has %d pixels, limit is %d", ErrBadRequest, clipped.Area(), r.opts.MaxRegionPixels)
	}

	key := cache.RegionKey{
		RasterID:   fmt.Sprintf("%s.b%d", id, band),
		SlabWidth:  r.opts.SlabWidth,
		SlabHeight: r.opts.SlabHeight,
		X:          clipped.X,
		Y:          clipped.Y,
		Width:      clipped.Width,
		Height:     clipped.Height,
		Format:     format,
	}

	result := &RegionResult{ETag: key.Hash()[:16], ContentType: contentType, Region: clipped}

	if cached, ok := r.regionCache.Get(key); ok {
		metrics.IncRegionCache("hit")
		result.Data = cached
		result.Size = len(cached)
		return result, nil
	}
	metrics.IncRegionCache("miss")

	samples := make([]float32, clipped.Area())
	if err := slabs.Read(ctx, clipped, samples); err != nil {
		return nil, fmt.Errorf("failed to read region: %w", err)
	}

	data, err := encode(format, clipped, samples)
	if err != nil {
		return nil, fmt.Errorf("failed to encode region: %w", err)
	}
	r.regionCache.Set(key, data)

	result.Data = data
	result.Size = len(data)
	return result, nil
}

var contentTypes = map[string]string{
	"raw": "application/octet-stream",
	"png": "image/png",
}

func encode(format string, region slab.Rect, samples []float32) ([]byte, error) {
	switch format {
	case "raw":
		return product.EncodeSamples(nil, samples), nil
	case "png":
		return encodePNG(region, samples)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// encodePNG stretches samples linearly from their min/max onto 8-bit gray.
func encodePNG(region slab.Rect, samples []float32) ([]byte, error) {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range samples {
		if math.IsNaN(float64(v)) {
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	scale := float32(0)
	if hi > lo {
		scale = 255 / (hi - lo)
	}

	img := image.NewGray(image.Rect(0, 0, region.Width, region.Height))
	for i, v := range samples {
		if math.IsNaN(float64(v)) {
			continue
		}
		img.Pix[(i/region.Width)*img.Stride+i%region.Width] = uint8((v - lo) * scale)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Renderer) GetRasterMeta(id string) (map[string]interface{}, error) {
	info := r.catalog.GetRasterByID(id)
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	cols := (info.Width + r.opts.SlabWidth - 1) / r.opts.SlabWidth
	rows := (info.Height + r.opts.SlabHeight - 1) / r.opts.SlabHeight

	return map[string]interface{}{
		"width":       info.Width,
		"height":      info.Height,
		"bands":       max(info.Bands, 1),
		"bytes":       info.Bytes,
		"format":      info.Format,
		"slab_width":  r.opts.SlabWidth,
		"slab_height": r.opts.SlabHeight,
		"slab_cols":   cols,
		"slab_rows":   rows,
		"slab_order":  r.opts.Order.String(),
		"encodings":   []string{"raw", "png"},
	}, nil
}

// SlabInfo lists the slabs currently cached for band of raster id.
func (r *Renderer) SlabInfo(id string, band int) ([]SlabInfo, slab.Stats, error) {
	slabs, err := r.Slabs(id, band)
	if err != nil {
		return nil, slab.Stats{}, err
	}

	list := slabs.Slabs()
	out := make([]SlabInfo, len(list))
	for i, s := range list {
		out[i] = SlabInfo{Coord: s.Coord(), Region: s.Region(), LastAccess: s.LastAccess()}
	}
	return out, slabs.Stats(), nil
}

// Prefetch loads up to limit slabs of band 0 of raster id, in row-major
// order, with at most workers concurrent storage reads.
func (r *Renderer) Prefetch(ctx context.Context, id string, limit, workers int) error {
	slabs, err := r.Slabs(id, 0)
	if err != nil {
		return err
	}
	if workers <= 0 {
		workers = 1
	}

	cols, rows := slabs.GridSize()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	n := 0
	for row := 0; row < rows && n < limit; row++ {
		for col := 0; col < cols && n < limit; col++ {
			region := slabs.CellRegion(slab.GridCoord{Col: col, Row: row})
			g.Go(func() error {
				_, err := slabs.GetRect(ctx, region)
				return err
			})
			n++
		}
	}
	return g.Wait()
}

// Close releases every opened raster.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, src := range r.sources {
		if err := src.raster.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s band %d: %w", key.id, key.band, err))
		}
	}
	r.sources = make(map[sourceKey]*source)
	return errors.Join(errs...)
}
