package bloom

import (
	"container/list"
	"sync"
)

// cacheKey identifies one cached per-bucket filter snapshot: a stale
// last_lsn naturally evicts itself by never matching future lookups.
type cacheKey struct {
	dbID    uint64
	bucket  uint32
	lastLSN uint64
}

type cacheEntry struct {
	key    cacheKey
	filter []byte
}

// Cache is a bounded LRU of serialized per-bucket filter snapshots, shared by
// every Sidecar in the process to cap memory when many buckets exist
// (spec.md's "LRU-style cache" over the Bloom side-car).
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element

	hits, misses uint64
}

// NewCache builds a cache holding up to capacity entries. capacity <= 0
// disables caching: Get always misses and Put is a no-op.
func NewCache(capacity int) *Cache {
	return &Cache{capacity: capacity, ll: list.New(), items: make(map[cacheKey]*list.Element)}
}

var shared = NewCache(64)

// SharedCache is the process-wide default. It holds 64 entries until
// SetSharedCapacity resizes it; Open does not resize it.
func SharedCache() *Cache { return shared }

// SetSharedCapacity resizes the shared cache, dropping all entries.
func SetSharedCapacity(capacity int) {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	shared.capacity = capacity
	shared.ll = list.New()
	shared.items = make(map[cacheKey]*list.Element)
}

func (c *Cache) Get(dbID uint64, bucket uint32, lastLSN uint64) ([]byte, bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{dbID: dbID, bucket: bucket, lastLSN: lastLSN}
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.ll.MoveToBack(el)
	return el.Value.(*cacheEntry).filter, true
}

func (c *Cache) Put(dbID uint64, bucket uint32, lastLSN uint64, filter []byte) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{dbID: dbID, bucket: bucket, lastLSN: lastLSN}
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).filter = filter
		c.ll.MoveToBack(el)
		return
	}
	for len(c.items) >= c.capacity {
		front := c.ll.Front()
		if front == nil {
			break
		}
		c.ll.Remove(front)
		delete(c.items, front.Value.(*cacheEntry).key)
	}
	el := c.ll.PushBack(&cacheEntry{key: key, filter: filter})
	c.items[key] = el
}

// Stats returns (capacity, entries currently held).
func (c *Cache) Stats() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity, len(c.items)
}

// Counters returns (hits, misses) since the cache was created;
// SetSharedCapacity does not reset them.
func (c *Cache) Counters() (uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
