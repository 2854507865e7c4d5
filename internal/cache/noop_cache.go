package cache

type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(key RegionKey) ([]byte, bool) {
	return nil, false
}

func (c *NoopCache) Set(key RegionKey, value []byte) {
}

func (c *NoopCache) Has(key RegionKey) bool {
	return false
}

func (c *NoopCache) Clear() {
}
