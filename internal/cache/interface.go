package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// RegionKey identifies one encoded region response.
type RegionKey struct {
	RasterID   string
	SlabWidth  int
	SlabHeight int
	X          int
	Y          int
	Width      int
	Height     int
	Format     string
}

// String returns a stable textual form of the key.
func (k RegionKey) String() string {
	return fmt.Sprintf("%s_%d_%d/%d_%d_%d_%d.%s",
		k.RasterID, k.SlabWidth, k.SlabHeight, k.X, k.Y, k.Width, k.Height, k.Format)
}

// Hash returns a short hex digest of the key, usable as a file name,
// memcache key or ETag.
func (k RegionKey) Hash() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])[:32]
}

type Cache interface {
	Get(key RegionKey) ([]byte, bool)
	Set(key RegionKey, value []byte)
	Has(key RegionKey) bool // Check if an entry exists without reading it
	Clear()
}
