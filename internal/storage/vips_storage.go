package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"

	"slabview/internal/slab"
)

// VipsStorage reads regions of an image file through libvips. Samples are
// the 16-bit luminance of each pixel.
type VipsStorage struct {
	path   string
	width  int
	height int
}

func OpenVips(path string) (*VipsStorage, error) {
	img, err := LoadImage(path, vips.AccessSequential)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	return &VipsStorage{
		path:   path,
		width:  img.Width(),
		height: img.Height(),
	}, nil
}

func (s *VipsStorage) Width() int  { return s.width }
func (s *VipsStorage) Height() int { return s.height }

func (s *VipsStorage) Close() error { return nil }

func (s *VipsStorage) ReadRasterData(ctx context.Context, region slab.Rect, dst []float32) error {
	if err := checkRegion(s.width, s.height, region, dst); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Random access keeps the extract from decoding the whole file.
	img, err := LoadImage(s.path, vips.AccessRandom)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	if err := img.ExtractArea(region.X, region.Y, region.Width, region.Height); err != nil {
		return fmt.Errorf("failed to extract area: %w", err)
	}

	// PNG is lossless, so the round trip preserves the sample values.
	data, err := img.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return fmt.Errorf("failed to export region: %w", err)
	}

	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode region: %w", err)
	}
	return grayInto(decoded, region, dst)
}

func grayInto(img image.Image, region slab.Rect, dst []float32) error {
	b := img.Bounds()
	if b.Dx() != region.Width || b.Dy() != region.Height {
		return fmt.Errorf("decoded %dx%d, want %dx%d", b.Dx(), b.Dy(), region.Width, region.Height)
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			dst[y*region.Width+x] = float32(g.Y)
		}
	}
	return nil
}

// LoadImage loads an image based on file extension.
func LoadImage(path string, access vips.Access) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
