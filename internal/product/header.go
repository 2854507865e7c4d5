// Package product writes raster products as tiles arrive and defines the
// on-disk .slab product format.
//
// A .slab file is a fixed header followed by band-sequential little-endian
// float32 samples, one band after another, rows top to bottom.
package product

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/lunixbochs/struc"
)

const (
	Magic     = "SLAB"
	Version   = 1
	Extension = ".slab"

	// HeaderSize is the packed size of Header in bytes.
	HeaderSize = 4 + 2 + 2 + 4*4
	sampleSize = 4
)

var ErrBadHeader = errors.New("not a slab product")

var _popts = struc.Options{Order: binary.LittleEndian}

// Header describes a .slab product.
type Header struct {
	Magic      [4]byte
	Version    uint16
	Bands      uint16
	Width      uint32
	Height     uint32
	TileWidth  uint32
	TileHeight uint32
}

func NewHeader(bands, width, height, tileWidth, tileHeight int) Header {
	h := Header{
		Version:    Version,
		Bands:      uint16(bands),
		Width:      uint32(width),
		Height:     uint32(height),
		TileWidth:  uint32(tileWidth),
		TileHeight: uint32(tileHeight),
	}
	copy(h.Magic[:], Magic)
	return h
}

func (h *Header) Validate() error {
	if string(h.Magic[:]) != Magic {
		return fmt.Errorf("%w: magic %q", ErrBadHeader, h.Magic[:])
	}
	if h.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrBadHeader, h.Version)
	}
	if h.Bands == 0 || h.Width == 0 || h.Height == 0 {
		return fmt.Errorf("%w: empty raster %dx%dx%d", ErrBadHeader, h.Bands, h.Width, h.Height)
	}
	return nil
}

// SampleOffset returns the file offset of sample (x, y) in band.
func (h *Header) SampleOffset(band, x, y int) int64 {
	bandSize := int64(h.Width) * int64(h.Height)
	return HeaderSize + (int64(band)*bandSize+int64(y)*int64(h.Width)+int64(x))*sampleSize
}

// Size returns the total file size of the product.
func (h *Header) Size() int64 {
	return h.SampleOffset(int(h.Bands), 0, 0)
}

func (h *Header) Marshal() ([]byte, error) {
	var b bytes.Buffer
	if err := struc.PackWithOptions(&b, h, &_popts); err != nil {
		return nil, fmt.Errorf("failed to pack header: %w", err)
	}
	return b.Bytes(), nil
}

// ReadHeader decodes and validates the header at the start of r.
func ReadHeader(r io.Reader) (*Header, error) {
	var h Header
	if err := struc.UnpackWithOptions(r, &h, &_popts); err != nil {
		return nil, fmt.Errorf("failed to unpack header: %w", err)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return &h, nil
}

// EncodeSamples converts samples to little-endian bytes.
func EncodeSamples(dst []byte, samples []float32) []byte {
	need := len(samples) * sampleSize
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	for i, v := range samples {
		binary.LittleEndian.PutUint32(dst[i*sampleSize:], math.Float32bits(v))
	}
	return dst
}

// DecodeSamples fills dst from little-endian bytes; len(src) must be 4*len(dst).
func DecodeSamples(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*sampleSize:]))
	}
}
