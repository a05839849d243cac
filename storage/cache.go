package storage

import (
	"container/list"
	"sync"
)

// cacheKey identifies a cached page across every open handle to the same
// database (spec.md §9: "process-wide singleton keyed by (db_id, page_id)").
type cacheKey struct {
	db  DBID
	pid uint64
}

type cacheEntry struct {
	key  cacheKey
	data []byte
}

// PageCache is a process-wide, fixed-capacity LRU cache of raw page bytes.
// It mirrors the teacher's doubly-linked-list design (O(1) get/put/evict)
// but is keyed by (DBID, pageID) instead of a single uint32 page number, and
// stores variable-length slices instead of a fixed PageSize array, since
// page_size is configurable per database (spec.md §6).
type PageCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[cacheKey]*list.Element

	hits   uint64
	misses uint64
}

// NewPageCache builds a cache holding at most capacity pages. A non-positive
// capacity disables caching (Get always misses, Put is a no-op).
func NewPageCache(capacity int) *PageCache {
	return &PageCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[cacheKey]*list.Element),
	}
}

// Get returns a copy of the cached bytes for (db, pageID), if present, and
// marks the entry most-recently-used.
func (c *PageCache) Get(db DBID, pageID uint64) ([]byte, bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	key := cacheKey{db, pageID}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++

	entry := el.Value.(*cacheEntry)
	out := make([]byte, len(entry.data))
	copy(out, entry.data)
	return out, true
}

// Put inserts or refreshes the cached bytes for (db, pageID), evicting the
// least-recently-used entry if at capacity.
func (c *PageCache) Put(db DBID, pageID uint64, data []byte) {
	if c.capacity <= 0 {
		return
	}
	key := cacheKey{db, pageID}
	stored := make([]byte, len(data))
	copy(stored, data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		el.Value.(*cacheEntry).data = stored
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, data: stored})
	c.index[key] = el

	for c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.index, back.Value.(*cacheEntry).key)
	}
}

// Invalidate drops any cached entry for (db, pageID), used after a page is
// overwritten by a writer so readers don't observe stale bytes once they
// next miss and re-read from the pager.
func (c *PageCache) Invalidate(db DBID, pageID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{db, pageID}
	if el, ok := c.index[key]; ok {
		c.ll.Remove(el)
		delete(c.index, key)
	}
}

// InvalidateDB drops every cached entry belonging to db, used on Close so a
// later re-Open of a different file at the same DBID (after a delete and
// recreate) can't observe a stale page.
func (c *PageCache) InvalidateDB(db DBID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*cacheEntry)
		if entry.key.db == db {
			c.ll.Remove(el)
			delete(c.index, entry.key)
		}
		el = next
	}
}

// Stats reports cumulative hit/miss counters.
func (c *PageCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// sharedPageCache is the process-wide page cache instance every Pager binds
// to by default (spec.md §9). Tests may construct a private PageCache
// instead when isolation from other tests in the same process matters.
var sharedPageCache = NewPageCache(defaultPageCachePages)

// defaultPageCachePages sizes the shared cache. A Pager opened with a
// positive PagerConfig.PageCachePages uses a private cache of that size
// instead; the shared cache keeps this size.
const defaultPageCachePages = 4096

// SharedPageCache returns the process-wide page cache singleton.
func SharedPageCache() *PageCache { return sharedPageCache }
