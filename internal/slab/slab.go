package slab

import (
	"context"
	"sync"
	"time"
)

// DataStorage is the backing source of raster samples.
//
// ReadRasterData must fill dst completely with the samples of region, in
// row-major order. len(dst) is always region.Width*region.Height.
type DataStorage interface {
	ReadRasterData(ctx context.Context, region Rect, dst []float32) error
}

// StorageFunc adapts a plain function to DataStorage.
type StorageFunc func(ctx context.Context, region Rect, dst []float32) error

func (f StorageFunc) ReadRasterData(ctx context.Context, region Rect, dst []float32) error {
	return f(ctx, region, dst)
}

// Slab is one cached cell of the slab grid.
type Slab struct {
	coord  GridCoord
	region Rect
	data   []float32

	mu         sync.Mutex
	lastAccess time.Time
}

func newSlab(coord GridCoord, region Rect, data []float32, now time.Time) *Slab {
	return &Slab{
		coord:      coord,
		region:     region,
		data:       data,
		lastAccess: now,
	}
}

func (s *Slab) Coord() GridCoord {
	return s.coord
}

// Region returns the slab's area in raster coordinates, clipped to the raster extent.
func (s *Slab) Region() Rect {
	return s.region
}

// Data returns the slab samples in row-major order. The slice is shared with
// the cache and must not be modified.
func (s *Slab) Data() []float32 {
	return s.data
}

// At returns the sample at raster coordinate (x, y), which must lie in Region().
func (s *Slab) At(x, y int) float32 {
	return s.data[(y-s.region.Y)*s.region.Width+(x-s.region.X)]
}

func (s *Slab) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// touch moves the access stamp forward. It never moves backwards, even if
// the clock does.
func (s *Slab) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastAccess) {
		s.lastAccess = now
	}
	s.mu.Unlock()
}
