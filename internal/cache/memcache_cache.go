package cache

import (
	"strings"

	"github.com/nci/gomemcache/memcache"
	"go.uber.org/zap"
)

// MemcacheCache shares encoded regions between server instances. It is
// best effort: memcache may drop entries at any time and errors read as misses.
type MemcacheCache struct {
	client *memcache.Client
	logger *zap.Logger
}

// NewMemcacheCache connects lazily to the comma separated server list.
func NewMemcacheCache(servers string, log *zap.Logger) *MemcacheCache {
	var list []string
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	return &MemcacheCache{
		client: memcache.New(list...),
		logger: log,
	}
}

func (c *MemcacheCache) Get(key RegionKey) ([]byte, bool) {
	item, err := c.client.Get(key.Hash())
	if err != nil {
		if err != memcache.ErrCacheMiss {
			c.logger.Debug("Memcache get failed", zap.String("key", key.String()), zap.Error(err))
		}
		return nil, false
	}
	return item.Value, true
}

func (c *MemcacheCache) Has(key RegionKey) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *MemcacheCache) Set(key RegionKey, value []byte) {
	if err := c.client.Set(&memcache.Item{Key: key.Hash(), Value: value}); err != nil {
		c.logger.Debug("Memcache set failed", zap.String("key", key.String()), zap.Error(err))
	}
}

func (c *MemcacheCache) Clear() {
	if err := c.client.FlushAll(); err != nil {
		c.logger.Warn("Memcache flush failed", zap.Error(err))
	}
}
