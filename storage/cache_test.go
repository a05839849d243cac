package storage

import "testing"

func TestPageCacheGetPutRoundTrip(t *testing.T) {
	c := NewPageCache(2)
	db := DBID(1)

	if _, ok := c.Get(db, 1); ok {
		t.Fatal("expected a miss on an empty cache")
	}
	c.Put(db, 1, []byte("page1"))
	data, ok := c.Get(db, 1)
	if !ok || string(data) != "page1" {
		t.Errorf("expected cached bytes %q, got %q ok=%v", "page1", data, ok)
	}
	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got hits=%d misses=%d", hits, misses)
	}
}

func TestPageCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewPageCache(2)
	db := DBID(1)

	c.Put(db, 1, []byte("a"))
	c.Put(db, 2, []byte("b"))
	c.Get(db, 1) // 1 is now more recently used than 2
	c.Put(db, 3, []byte("c"))

	if _, ok := c.Get(db, 2); ok {
		t.Error("expected page 2 to have been evicted as least recently used")
	}
	if _, ok := c.Get(db, 1); !ok {
		t.Error("expected page 1 to survive eviction")
	}
	if _, ok := c.Get(db, 3); !ok {
		t.Error("expected newly inserted page 3 to be present")
	}
}

func TestPageCacheInvalidateDBScopesToOneDatabase(t *testing.T) {
	c := NewPageCache(10)
	dbA, dbB := DBID(1), DBID(2)
	c.Put(dbA, 1, []byte("a"))
	c.Put(dbB, 1, []byte("b"))

	c.InvalidateDB(dbA)

	if _, ok := c.Get(dbA, 1); ok {
		t.Error("expected dbA's entry to be gone after InvalidateDB(dbA)")
	}
	if _, ok := c.Get(dbB, 1); !ok {
		t.Error("expected dbB's entry to survive InvalidateDB(dbA)")
	}
}

func TestPageCacheZeroCapacityDisabled(t *testing.T) {
	c := NewPageCache(0)
	c.Put(DBID(1), 1, []byte("x"))
	if _, ok := c.Get(DBID(1), 1); ok {
		t.Error("expected a zero-capacity cache to never retain entries")
	}
}
