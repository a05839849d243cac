package storage

import (
	"container/list"
	"sync"
)

// valueCacheKey identifies a fully-assembled (overflow-reassembled) value.
// headPid is the KV record's first overflow chunk page id and totalLen is
// the record's declared value length; together they are stable for the
// lifetime of that record version (spec.md §4.2 value cache design note).
type valueCacheKey struct {
	db      DBID
	headPid uint64
	total   uint64
}

type valueCacheEntry struct {
	key  valueCacheKey
	data []byte
}

// ValueCache caches reassembled large-value bytes so repeated Gets of the
// same overflow-chained record skip re-walking the chain. It is budgeted by
// total bytes held rather than entry count, and only caches values at or
// above minSize, since small values are already served cheaply from a single
// page (spec.md §6 value_cache_bytes / value_cache_min_size).
type ValueCache struct {
	mu         sync.Mutex
	budget     int64
	minSize    int
	used       int64
	ll         *list.List
	index      map[valueCacheKey]*list.Element

	hits   uint64
	misses uint64
}

// NewValueCache builds a cache with the given total byte budget and minimum
// cacheable value size. A non-positive budget disables caching.
func NewValueCache(budgetBytes int64, minSize int) *ValueCache {
	return &ValueCache{
		budget:  budgetBytes,
		minSize: minSize,
		ll:      list.New(),
		index:   make(map[valueCacheKey]*list.Element),
	}
}

func (c *ValueCache) Get(db DBID, headPid, total uint64) ([]byte, bool) {
	if c.budget <= 0 {
		return nil, false
	}
	key := valueCacheKey{db, headPid, total}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++

	entry := el.Value.(*valueCacheEntry)
	out := make([]byte, len(entry.data))
	copy(out, entry.data)
	return out, true
}

// Put caches data under (db, headPid, total) if it meets the minimum size
// and fits the budget, evicting least-recently-used entries as needed. A
// value larger than the whole budget is simply not cached.
func (c *ValueCache) Put(db DBID, headPid, total uint64, data []byte) {
	if c.budget <= 0 || len(data) < c.minSize || int64(len(data)) > c.budget {
		return
	}
	key := valueCacheKey{db, headPid, total}
	stored := make([]byte, len(data))
	copy(stored, data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.used -= int64(len(el.Value.(*valueCacheEntry).data))
		el.Value.(*valueCacheEntry).data = stored
		c.used += int64(len(stored))
		c.ll.MoveToFront(el)
		c.evictToBudget()
		return
	}

	el := c.ll.PushFront(&valueCacheEntry{key: key, data: stored})
	c.index[key] = el
	c.used += int64(len(stored))
	c.evictToBudget()
}

func (c *ValueCache) evictToBudget() {
	for c.used > c.budget {
		back := c.ll.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*valueCacheEntry)
		c.used -= int64(len(entry.data))
		c.ll.Remove(back)
		delete(c.index, entry.key)
	}
}

// Invalidate drops a cached value, used when the owning record is
// overwritten or deleted.
func (c *ValueCache) Invalidate(db DBID, headPid, total uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := valueCacheKey{db, headPid, total}
	if el, ok := c.index[key]; ok {
		entry := el.Value.(*valueCacheEntry)
		c.used -= int64(len(entry.data))
		c.ll.Remove(el)
		delete(c.index, key)
	}
}

// InvalidateDB drops every cached value belonging to db.
func (c *ValueCache) InvalidateDB(db DBID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*valueCacheEntry)
		if entry.key.db == db {
			c.used -= int64(len(entry.data))
			c.ll.Remove(el)
			delete(c.index, entry.key)
		}
		el = next
	}
}

func (c *ValueCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

var sharedValueCache = NewValueCache(defaultValueCacheBytes, defaultValueCacheMinSize)

const (
	defaultValueCacheBytes   = 64 << 20
	defaultValueCacheMinSize = 512
)

// SharedValueCache returns the process-wide value cache singleton.
func SharedValueCache() *ValueCache { return sharedValueCache }
