package product

import (
	"errors"
	"fmt"
	"os"

	"slabview/internal/slab"
)

// BandWriter is the sink a Writer streams raster data into.
type BandWriter interface {
	// WriteHeader creates the output and writes the product header.
	WriteHeader(h Header) error
	// WriteBandRasterData writes samples covering region of band.
	WriteBandRasterData(band int, region slab.Rect, samples []float32) error
	// DeleteOutput removes everything written so far.
	DeleteOutput() error
	Close() error
}

var errNoHeader = errors.New("header not written")

// RawWriter writes a .slab product file.
type RawWriter struct {
	path   string
	f      *os.File
	header *Header
	buf    []byte
}

func NewRawWriter(path string) *RawWriter {
	return &RawWriter{path: path}
}

func (w *RawWriter) Path() string {
	return w.path
}

func (w *RawWriter) WriteHeader(h Header) error {
	if err := h.Validate(); err != nil {
		return err
	}
	data, err := h.Marshal()
	if err != nil {
		return err
	}

	if w.f != nil {
		w.f.Close()
	}
	f, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create product: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		f.Close()
		return fmt.Errorf("failed to write header: %w", err)
	}
	// Size the file up front so rows can land in any order.
	if err := f.Truncate(h.Size()); err != nil {
		f.Close()
		return fmt.Errorf("failed to size product: %w", err)
	}

	w.f = f
	w.header = &h
	return nil
}

func (w *RawWriter) WriteBandRasterData(band int, region slab.Rect, samples []float32) error {
	if w.f == nil {
		return errNoHeader
	}
	h := w.header
	bounds := slab.Rect{Width: int(h.Width), Height: int(h.Height)}
	if band < 0 || band >= int(h.Bands) {
		return fmt.Errorf("band %d out of range [0,%d)", band, h.Bands)
	}
	if !bounds.Contains(region) {
		return fmt.Errorf("region %s outside product %s", region, bounds)
	}
	if len(samples) != region.Area() {
		return fmt.Errorf("got %d samples for region %s", len(samples), region)
	}

	for row := 0; row < region.Height; row++ {
		line := samples[row*region.Width : (row+1)*region.Width]
		w.buf = EncodeSamples(w.buf, line)
		off := h.SampleOffset(band, region.X, region.Y+row)
		if _, err := w.f.WriteAt(w.buf, off); err != nil {
			return fmt.Errorf("failed to write row %d of band %d: %w", region.Y+row, band, err)
		}
	}
	return nil
}

func (w *RawWriter) DeleteOutput() error {
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
	w.header = nil
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	return nil
}

func (w *RawWriter) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
