// Package slab implements a slab cache over a large 2D raster.
//
// The raster is partitioned into a regular grid of fixed-size slabs. A
// request for a rectangle resolves to the grid cells it touches; each cell
// is read from the backing storage the first time it is needed and served
// from memory afterwards. Slabs are kept for the lifetime of the cache.
package slab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"slabview/internal/metrics"
)

var (
	ErrInvalidGeometry = errors.New("invalid raster or slab geometry")
	ErrInvalidRegion   = errors.New("invalid region")
	ErrOutsideRaster   = errors.New("region lies outside the raster")
	ErrBufferSize      = errors.New("buffer size does not match region")
)

// Order selects the order in which Get returns slabs.
type Order int

const (
	// RowMajor walks rows top to bottom and columns left to right within a row.
	RowMajor Order = iota
	// ColumnMajor walks columns left to right and rows top to bottom within a column.
	ColumnMajor
)

// ParseOrder maps "row" / "column" to an Order.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "row", "row-major":
		return RowMajor, nil
	case "column", "col", "column-major":
		return ColumnMajor, nil
	default:
		return RowMajor, fmt.Errorf("unknown slab order: %s (supported: row, column)", s)
	}
}

func (o Order) String() string {
	if o == ColumnMajor {
		return "column"
	}
	return "row"
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Slabs        int   `json:"slabs"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Reads        int64 `json:"reads"`
	ReadFailures int64 `json:"read_failures"`
}

type Option func(*Cache)

// WithClock replaces time.Now as the source of access stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func WithOrder(order Order) Option {
	return func(c *Cache) {
		c.order = order
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) {
		c.logger = log
	}
}

// Cache maps grid coordinates to slabs. Safe for concurrent use.
type Cache struct {
	bounds     Rect
	slabWidth  int
	slabHeight int
	cols       int
	rows       int

	storage DataStorage
	now     func() time.Time
	order   Order
	logger  *zap.Logger

	mu    sync.RWMutex
	slabs map[GridCoord]*Slab
	loads singleflight.Group

	hits     atomic.Int64
	misses   atomic.Int64
	reads    atomic.Int64
	failures atomic.Int64
}

// New creates a slab cache for a rasterWidth x rasterHeight raster split
// into slabWidth x slabHeight cells.
func New(rasterWidth, rasterHeight, slabWidth, slabHeight int, storage DataStorage, opts ...Option) (*Cache, error) {
	if rasterWidth <= 0 || rasterHeight <= 0 {
		return nil, fmt.Errorf("%w: raster size %dx%d", ErrInvalidGeometry, rasterWidth, rasterHeight)
	}
	if slabWidth <= 0 || slabHeight <= 0 {
		return nil, fmt.Errorf("%w: slab size %dx%d", ErrInvalidGeometry, slabWidth, slabHeight)
	}
	if storage == nil {
		return nil, fmt.Errorf("%w: nil storage", ErrInvalidGeometry)
	}

	c := &Cache{
		bounds:     Rect{Width: rasterWidth, Height: rasterHeight},
		slabWidth:  slabWidth,
		slabHeight: slabHeight,
		cols:       (rasterWidth + slabWidth - 1) / slabWidth,
		rows:       (rasterHeight + slabHeight - 1) / slabHeight,
		storage:    storage,
		now:        time.Now,
		order:      RowMajor,
		logger:     zap.NewNop(),
		slabs:      make(map[GridCoord]*Slab),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Bounds returns the raster extent.
func (c *Cache) Bounds() Rect {
	return c.bounds
}

// SlabSize returns the slab width and height.
func (c *Cache) SlabSize() (int, int) {
	return c.slabWidth, c.slabHeight
}

// GridSize returns the number of slab columns and rows.
func (c *Cache) GridSize() (int, int) {
	return c.cols, c.rows
}

// CoordOf returns the grid cell containing pixel (x, y).
func (c *Cache) CoordOf(x, y int) GridCoord {
	return GridCoord{Col: floorDiv(x, c.slabWidth), Row: floorDiv(y, c.slabHeight)}
}

// CellRegion returns the raster area of a grid cell, clipped to the raster extent.
func (c *Cache) CellRegion(coord GridCoord) Rect {
	cell := Rect{
		X:      coord.Col * c.slabWidth,
		Y:      coord.Row * c.slabHeight,
		Width:  c.slabWidth,
		Height: c.slabHeight,
	}
	return cell.Intersect(c.bounds)
}

// Cover returns the grid cells intersecting region, in the cache's order.
func (c *Cache) Cover(region Rect) ([]GridCoord, error) {
	if region.Empty() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRegion, region)
	}
	clipped := region.Intersect(c.bounds)
	if clipped.Empty() {
		return nil, fmt.Errorf("%w: %s not in %s", ErrOutsideRaster, region, c.bounds)
	}

	first := c.CoordOf(clipped.X, clipped.Y)
	last := c.CoordOf(clipped.MaxX()-1, clipped.MaxY()-1)

	coords := make([]GridCoord, 0, (last.Col-first.Col+1)*(last.Row-first.Row+1))
	if c.order == ColumnMajor {
		for col := first.Col; col <= last.Col; col++ {
			for row := first.Row; row <= last.Row; row++ {
				coords = append(coords, GridCoord{Col: col, Row: row})
			}
		}
		return coords, nil
	}
	for row := first.Row; row <= last.Row; row++ {
		for col := first.Col; col <= last.Col; col++ {
			coords = append(coords, GridCoord{Col: col, Row: row})
		}
	}
	return coords, nil
}

// Get returns the slabs covering the rectangle (x, y, width, height).
func (c *Cache) Get(ctx context.Context, x, y, width, height int) ([]*Slab, error) {
	return c.GetRect(ctx, Rect{X: x, Y: y, Width: width, Height: height})
}

// GetRect returns the slabs covering region, loading missing ones from
// storage. The first storage error aborts the call and is returned; slabs
// that failed to load are not cached.
func (c *Cache) GetRect(ctx context.Context, region Rect) ([]*Slab, error) {
	coords, err := c.Cover(region)
	if err != nil {
		return nil, err
	}

	result := make([]*Slab, 0, len(coords))
	for _, coord := range coords {
		s, err := c.slab(ctx, coord)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, nil
}

// Read copies the samples of region into dst in row-major order. region must
// lie entirely inside the raster.
func (c *Cache) Read(ctx context.Context, region Rect, dst []float32) error {
	if region.Empty() {
		return fmt.Errorf("%w: %s", ErrInvalidRegion, region)
	}
	if !c.bounds.Contains(region) {
		return fmt.Errorf("%w: %s not in %s", ErrOutsideRaster, region, c.bounds)
	}
	if len(dst) != region.Area() {
		return fmt.Errorf("%w: have %d, need %d", ErrBufferSize, len(dst), region.Area())
	}

	slabs, err := c.GetRect(ctx, region)
	if err != nil {
		return err
	}

	for _, s := range slabs {
		part := s.region.Intersect(region)
		for y := part.Y; y < part.MaxY(); y++ {
			srcOff := (y-s.region.Y)*s.region.Width + (part.X - s.region.X)
			dstOff := (y-region.Y)*region.Width + (part.X - region.X)
			copy(dst[dstOff:dstOff+part.Width], s.data[srcOff:srcOff+part.Width])
		}
	}
	return nil
}

// Peek returns the cached slab at coord without loading it or touching its access time.
func (c *Cache) Peek(coord GridCoord) (*Slab, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.slabs[coord]
	return s, ok
}

// Len returns the number of cached slabs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slabs)
}

// Slabs returns a snapshot of all cached slabs in row-major order.
func (c *Cache) Slabs() []*Slab {
	c.mu.RLock()
	out := make([]*Slab, 0, len(c.slabs))
	for _, s := range c.slabs {
		out = append(out, s)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].coord, out[j].coord
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})
	return out
}

func (c *Cache) Stats() Stats {
	return Stats{
		Slabs:        c.Len(),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Reads:        c.reads.Load(),
		ReadFailures: c.failures.Load(),
	}
}

// slab returns the slab at coord, loading it on first use. Concurrent
// callers asking for the same missing cell share one storage read. The
// shared read is detached from the cancellation of whichever caller
// started it; each caller stops waiting when its own ctx is done.
func (c *Cache) slab(ctx context.Context, coord GridCoord) (*Slab, error) {
	if s, ok := c.Peek(coord); ok {
		s.touch(c.now())
		c.hits.Add(1)
		metrics.IncSlabHits()
		return s, nil
	}

	c.misses.Add(1)
	metrics.IncSlabMisses()

	loadCtx := context.WithoutCancel(ctx)
	ch := c.loads.DoChan(coord.String(), func() (interface{}, error) {
		// Another flight may have finished between Peek and DoChan.
		if s, ok := c.Peek(coord); ok {
			return s, nil
		}
		return c.load(loadCtx, coord)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := res.Val.(*Slab)
		s.touch(c.now())
		return s, nil
	}
}

func (c *Cache) load(ctx context.Context, coord GridCoord) (*Slab, error) {
	region := c.CellRegion(coord)
	data := make([]float32, region.Area())

	start := time.Now()
	c.reads.Add(1)
	err := c.storage.ReadRasterData(ctx, region, data)
	metrics.ObserveSlabRead(time.Since(start))
	if err != nil {
		c.failures.Add(1)
		metrics.IncSlabReadFailures()
		c.logger.Warn("Slab read failed",
			zap.Stringer("coord", coord),
			zap.Stringer("region", region),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to read slab %s %s: %w", coord, region, err)
	}

	s := newSlab(coord, region, data, c.now())

	c.mu.Lock()
	c.slabs[coord] = s
	c.mu.Unlock()

	c.logger.Debug("Slab loaded",
		zap.Stringer("coord", coord),
		zap.Stringer("region", region),
		zap.Duration("took", time.Since(start)),
	)
	return s, nil
}
