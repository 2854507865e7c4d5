package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
)

// FileCache stores encoded regions on disk.
// Structure: {cacheDir}/{rasterID}_{slabWidth}x{slabHeight}/{hash}.{format}
type FileCache struct {
	mu       sync.RWMutex
	cacheDir string
}

func NewFileCache(cacheDir string) (*FileCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FileCache{
		cacheDir: cacheDir,
	}, nil
}

func (c *FileCache) buildFilePath(key RegionKey) string {
	dirName := fmt.Sprintf("%s_%dx%d", filepath.Base(key.RasterID), key.SlabWidth, key.SlabHeight)
	return filepath.Join(c.cacheDir, dirName, key.Hash()+"."+key.Format)
}

func (c *FileCache) Has(key RegionKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := os.Stat(c.buildFilePath(key))
	return err == nil
}

func (c *FileCache) Get(key RegionKey) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.buildFilePath(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *FileCache) Set(key RegionKey, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	filePath := c.buildFilePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return
	}
	// Readers never observe a partially written entry.
	_ = atomic.WriteFile(filePath, bytes.NewReader(value))
}

func (c *FileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.cacheDir); err != nil {
		return
	}

	os.MkdirAll(c.cacheDir, 0755)
}
