package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewCache creates a cache instance based on the cache type
func NewCache(cacheType, cacheFileDir string, cacheMemoryEntries int, cacheMemoryBytes int64, memcacheServers string, log *zap.Logger) (Cache, error) {
	switch cacheType {
	case "memory":
		log.Info("Using memory region cache",
			zap.Int("max_entries", cacheMemoryEntries),
			zap.Int64("max_bytes", cacheMemoryBytes),
		)
		return NewMemoryCache(cacheMemoryEntries, cacheMemoryBytes), nil
	case "file":
		log.Info("Using file region cache", zap.String("cache_dir", cacheFileDir))
		return NewFileCache(cacheFileDir)
	case "memcache":
		if memcacheServers == "" {
			return nil, fmt.Errorf("memcache region cache needs MEMCACHE_SERVERS")
		}
		log.Info("Using memcache region cache", zap.String("servers", memcacheServers))
		return NewMemcacheCache(memcacheServers, log), nil
	case "disabled":
		log.Info("Region cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, file, memcache, disabled)", cacheType)
	}
}
