package quiverdb

import (
	"bytes"
	"fmt"

	"github.com/quiverdb/quiverdb/storage"
)

// BloomFilter is the negative fast-path a bloom.Sidecar provides (spec.md
// §4.8 step 1): "if fresh and a negative, return None" without walking the
// chain. DB holds one optionally, set via SetBloomFilter.
type BloomFilter interface {
	// MaybeAbsent reports a guaranteed negative for key in bucket, but only
	// if the filter is fresh as of currentLSN; a stale side-car must return
	// false (maybe present) so the caller falls through to the chain walk.
	MaybeAbsent(dbID storage.DBID, bucket uint32, key []byte, currentLSN uint64) bool
}

// SetBloomFilter attaches (or clears, with nil) the Bloom side-car Get
// consults before walking a bucket chain.
func (db *DB) SetBloomFilter(bf BloomFilter) { db.bloomFilter = bf }

// Get resolves key to its value following the tail-wins bucket chain
// (spec.md §4.8). ok is false if the key is absent, tombstoned, or expired.
func (db *DB) Get(key []byte) (value []byte, ok bool, err error) {
	bucket := db.dir.BucketOf(key)

	if db.bloomFilter != nil && db.bloomFilter.MaybeAbsent(db.pager.DBID(), bucket, key, db.pager.Meta().LastLSN) {
		return nil, false, nil
	}

	head := db.dir.Head(bucket)
	fp := storage.Fingerprint8(2, key)
	now := nowSecs()

	for pid := head; pid != storage.NoPage; {
		page, err := db.pager.ReadPage(pid)
		if err != nil {
			return nil, false, fmt.Errorf("quiverdb: read page %d: %w", pid, err)
		}
		slots := int(page.TableSlots())
		for i := slots - 1; i >= 0; i-- {
			slot := page.Slot(i)
			if slot.FP != 0 && slot.FP != fp {
				continue
			}
			k, v, expiresAtSec, vflags := page.ReadRecordAt(slot.Off)
			if !bytes.Equal(k, key) {
				continue
			}
			if vflags&storage.VFlagTombstone != 0 {
				return nil, false, nil
			}
			if expiresAtSec != 0 && expiresAtSec <= now {
				return nil, false, nil
			}
			resolved, err := db.resolveValue(v)
			if err != nil {
				return nil, false, err
			}
			return resolved, true, nil
		}
		pid = page.NextPageID()
	}
	return nil, false, nil
}

// Exists reports whether key has a live, unexpired value, without paying
// for the value's resolution (overflow chains are not followed).
func (db *DB) Exists(key []byte) (bool, error) {
	bucket := db.dir.BucketOf(key)
	head := db.dir.Head(bucket)
	fp := storage.Fingerprint8(2, key)
	now := nowSecs()

	for pid := head; pid != storage.NoPage; {
		page, err := db.pager.ReadPage(pid)
		if err != nil {
			return false, fmt.Errorf("quiverdb: read page %d: %w", pid, err)
		}
		slots := int(page.TableSlots())
		for i := slots - 1; i >= 0; i-- {
			slot := page.Slot(i)
			if slot.FP != 0 && slot.FP != fp {
				continue
			}
			k, _, expiresAtSec, vflags := page.ReadRecordAt(slot.Off)
			if !bytes.Equal(k, key) {
				continue
			}
			if vflags&storage.VFlagTombstone != 0 {
				return false, nil
			}
			if expiresAtSec != 0 && expiresAtSec <= now {
				return false, nil
			}
			return true, nil
		}
		pid = page.NextPageID()
	}
	return false, nil
}

// GetMany resolves a batch of keys in one call, preserving index
// correspondence: values[i], oks[i] answer keys[i].
func (db *DB) GetMany(keys [][]byte) (values [][]byte, oks []bool, err error) {
	values = make([][]byte, len(keys))
	oks = make([]bool, len(keys))
	for i, k := range keys {
		v, ok, gerr := db.Get(k)
		if gerr != nil {
			return nil, nil, gerr
		}
		values[i] = v
		oks[i] = ok
	}
	return values, oks, nil
}

// ExistsMany is the existence-only counterpart of GetMany.
func (db *DB) ExistsMany(keys [][]byte) ([]bool, error) {
	oks := make([]bool, len(keys))
	for i, k := range keys {
		ok, err := db.Exists(k)
		if err != nil {
			return nil, err
		}
		oks[i] = ok
	}
	return oks, nil
}

// resolveValue returns value as-is unless it is an overflow placeholder, in
// which case it walks the overflow chain, consulting the value cache first.
func (db *DB) resolveValue(value []byte) ([]byte, error) {
	totalLen, headPid, ok := storage.ParsePlaceholder(value)
	if !ok {
		return append([]byte(nil), value...), nil
	}

	if cached, ok := db.pager.ValueCache().Get(db.pager.DBID(), headPid, totalLen); ok {
		return cached, nil
	}

	var compressed []byte
	codecID := uint16(storage.CodecNone)
	for pid := headPid; pid != storage.NoPage; {
		page, err := db.pager.ReadPage(pid)
		if err != nil {
			return nil, fmt.Errorf("quiverdb: read overflow page %d: %w", pid, err)
		}
		if page.Type() != storage.PageTypeOverflow {
			return nil, fmt.Errorf("quiverdb: overflow page %d has wrong type: %w", pid, storage.ErrCorrupt)
		}
		codecID = page.CodecID()
		n := page.ChunkLen()
		compressed = append(compressed, page.OverflowPayload()[:n]...)
		pid = page.NextPageID()
	}

	var resolved []byte
	var err error
	if codecID == storage.CodecZstd {
		resolved, err = tryZstdDecompress(compressed, int(totalLen))
		if err != nil {
			return nil, err
		}
	} else {
		resolved = compressed
	}

	db.pager.ValueCache().Put(db.pager.DBID(), headPid, totalLen, resolved)
	return resolved, nil
}

// KV is one resolved record, returned by scans.
type KV struct {
	Key   []byte
	Value []byte
}

// ScanAll returns every live, unexpired key/value pair in the database.
// Result ordering is unspecified (spec.md §4.8).
func (db *DB) ScanAll() ([]KV, error) {
	return db.scan(nil)
}

// ScanPrefix returns every live, unexpired key/value pair whose key has the
// given prefix.
func (db *DB) ScanPrefix(prefix []byte) ([]KV, error) {
	return db.scan(prefix)
}

// scan walks every bucket's chain head-first, keeping only the newest
// surviving record per key (tail-wins, enforced here the same way point-get
// enforces it per chain).
func (db *DB) scan(prefix []byte) ([]KV, error) {
	now := nowSecs()
	seen := make(map[string]bool)
	var out []KV

	heads := db.dir.Heads()
	for _, head := range heads {
		for pid := head; pid != storage.NoPage; {
			page, err := db.pager.ReadPage(pid)
			if err != nil {
				return nil, fmt.Errorf("quiverdb: scan page %d: %w", pid, err)
			}
			slots := int(page.TableSlots())
			for i := slots - 1; i >= 0; i-- {
				slot := page.Slot(i)
				k, v, expiresAtSec, vflags := page.ReadRecordAt(slot.Off)
				sk := string(k)
				if seen[sk] {
					continue
				}
				seen[sk] = true
				if len(prefix) > 0 && !bytes.HasPrefix(k, prefix) {
					continue
				}
				if vflags&storage.VFlagTombstone != 0 {
					continue
				}
				if expiresAtSec != 0 && expiresAtSec <= now {
					continue
				}
				resolved, err := db.resolveValue(v)
				if err != nil {
					return nil, err
				}
				out = append(out, KV{Key: append([]byte(nil), k...), Value: resolved})
			}
			pid = page.NextPageID()
		}
	}
	return out, nil
}
