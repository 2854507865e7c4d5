// Package storage provides the backing sources slab caches read from.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"slabview/internal/product"
	"slabview/internal/slab"
)

// Raster is a readable raster of known size.
type Raster interface {
	slab.DataStorage
	Width() int
	Height() int
	Close() error
}

// Extensions lists the file types Open understands.
var Extensions = map[string]bool{
	".tif":            true,
	".tiff":           true,
	".jpg":            true,
	".jpeg":           true,
	".png":            true,
	".webp":           true,
	product.Extension: true,
}

// Open opens the raster at path. band selects the band of a .slab product
// and is ignored for images, which are read as luminance.
func Open(path string, band int) (Raster, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == product.Extension:
		return OpenRaw(path, band)
	case Extensions[ext]:
		return OpenVips(path)
	default:
		return nil, fmt.Errorf("unsupported raster format: %s", ext)
	}
}

// checkRegion validates a read request against a width x height raster.
func checkRegion(width, height int, region slab.Rect, dst []float32) error {
	bounds := slab.Rect{Width: width, Height: height}
	if !bounds.Contains(region) {
		return fmt.Errorf("region %s outside raster %s", region, bounds)
	}
	if len(dst) != region.Area() {
		return fmt.Errorf("%w: have %d, need %d", slab.ErrBufferSize, len(dst), region.Area())
	}
	return nil
}

// MemoryStorage is a raster held in memory.
type MemoryStorage struct {
	width   int
	height  int
	samples []float32
	reads   atomic.Int64
}

// NewMemoryStorage wraps samples, a row-major width x height raster.
func NewMemoryStorage(width, height int, samples []float32) (*MemoryStorage, error) {
	if width <= 0 || height <= 0 || len(samples) != width*height {
		return nil, fmt.Errorf("invalid memory raster: %dx%d with %d samples", width, height, len(samples))
	}
	return &MemoryStorage{width: width, height: height, samples: samples}, nil
}

func (m *MemoryStorage) Width() int  { return m.width }
func (m *MemoryStorage) Height() int { return m.height }

func (m *MemoryStorage) Close() error { return nil }

// Reads returns how many times ReadRasterData has been called.
func (m *MemoryStorage) Reads() int64 {
	return m.reads.Load()
}

func (m *MemoryStorage) ReadRasterData(ctx context.Context, region slab.Rect, dst []float32) error {
	m.reads.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRegion(m.width, m.height, region, dst); err != nil {
		return err
	}
	for y := 0; y < region.Height; y++ {
		src := (region.Y+y)*m.width + region.X
		copy(dst[y*region.Width:(y+1)*region.Width], m.samples[src:src+region.Width])
	}
	return nil
}
