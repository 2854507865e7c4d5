package storage

import (
	"context"
	"fmt"
	"os"

	"slabview/internal/product"
	"slabview/internal/slab"
)

// RawStorage reads one band of a .slab product.
type RawStorage struct {
	f      *os.File
	header *product.Header
	band   int
}

func OpenRaw(path string, band int) (*RawStorage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open product: %w", err)
	}

	h, err := product.ReadHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if band < 0 || band >= int(h.Bands) {
		f.Close()
		return nil, fmt.Errorf("%s: band %d out of range [0,%d)", path, band, h.Bands)
	}

	return &RawStorage{f: f, header: h, band: band}, nil
}

// ReadRawHeader returns the header of the product at path.
func ReadRawHeader(path string) (*product.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return product.ReadHeader(f)
}

func (s *RawStorage) Header() product.Header {
	return *s.header
}

func (s *RawStorage) Width() int  { return int(s.header.Width) }
func (s *RawStorage) Height() int { return int(s.header.Height) }

func (s *RawStorage) Close() error {
	return s.f.Close()
}

func (s *RawStorage) ReadRasterData(ctx context.Context, region slab.Rect, dst []float32) error {
	if err := checkRegion(s.Width(), s.Height(), region, dst); err != nil {
		return err
	}

	buf := make([]byte, 4*region.Width)
	for y := 0; y < region.Height; y++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		off := s.header.SampleOffset(s.band, region.X, region.Y+y)
		if _, err := s.f.ReadAt(buf, off); err != nil {
			return fmt.Errorf("failed to read row %d: %w", region.Y+y, err)
		}
		product.DecodeSamples(dst[y*region.Width:(y+1)*region.Width], buf)
	}
	return nil
}
