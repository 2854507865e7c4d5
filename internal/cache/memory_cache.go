package cache

import (
	"container/list"
	"sync"
)

type entry struct {
	key   RegionKey
	value []byte
}

// MemoryCache keeps encoded regions in memory. It evicts the least recently
// used entries once either the entry count or the total payload size goes
// over its limit.
type MemoryCache struct {
	// Get reorders the list, so reads take the write lock too.
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64 // <= 0 means no byte limit
	bytes      int64
	items      map[RegionKey]*list.Element
	order      *list.List
}

// NewMemoryCache creates a cache holding at most maxEntries regions and,
// when maxBytes is positive, at most maxBytes of payload.
func NewMemoryCache(maxEntries int, maxBytes int64) *MemoryCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &MemoryCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		items:      make(map[RegionKey]*list.Element),
		order:      list.New(),
	}
}

func (c *MemoryCache) Has(key RegionKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

func (c *MemoryCache) Get(key RegionKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}

	c.order.MoveToFront(elem)
	return elem.Value.(*entry).value, true
}

// Set stores value under key. A value larger than the byte limit is not
// stored and drops any older value for key.
func (c *MemoryCache) Set(key RegionKey, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(value))
	if c.maxBytes > 0 && size > c.maxBytes {
		if elem, ok := c.items[key]; ok {
			c.remove(elem)
		}
		return
	}

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		c.bytes += size - int64(len(e.value))
		e.value = value
		c.order.MoveToFront(elem)
	} else {
		c.items[key] = c.order.PushFront(&entry{key: key, value: value})
		c.bytes += size
	}

	for c.order.Len() > c.maxEntries || (c.maxBytes > 0 && c.bytes > c.maxBytes) {
		c.remove(c.order.Back())
	}
}

func (c *MemoryCache) remove(elem *list.Element) {
	e := elem.Value.(*entry)
	delete(c.items, e.key)
	c.order.Remove(elem)
	c.bytes -= int64(len(e.value))
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Bytes returns the total payload size of the cached entries.
func (c *MemoryCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[RegionKey]*list.Element)
	c.order = list.New()
	c.bytes = 0
}
