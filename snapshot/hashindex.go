package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// HashIndexFileName is the dedup-mode sidecar mapping a frozen page id to
// the SnapStore hash holding its bytes (spec.md §4.9 dedup mode). The
// original source keys this by a raw u64 hash; this port stores the
// SnapStore's actual SHA-256 hex digest instead, so a dedup-mode freeze and
// a persisted manifest identify a page's content with the same hash rather
// than needing two independent hash functions to agree.
const HashIndexFileName = "hashindex.bin"

// hashIndexRecordSize is [page_id u64][hash, 64 ASCII hex chars][page_lsn u64].
const hashIndexRecordSize = 8 + 64 + 8

// HashIndex is an append-only page_id -> SnapStore hash map, read back into
// memory at open.
type HashIndex struct {
	mu      sync.Mutex
	f       *os.File
	entries map[uint64]hashIndexEntry
}

type hashIndexEntry struct {
	hash string
	lsn  uint64
}

// OpenOrCreateHashIndex opens (creating if absent) the hash-index sidecar.
func OpenOrCreateHashIndex(path string) (*HashIndex, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open hash index: %w", err)
	}
	hi := &HashIndex{f: f, entries: make(map[uint64]hashIndexEntry)}
	if err := hi.load(); err != nil {
		return nil, err
	}
	return hi, nil
}

func (hi *HashIndex) load() error {
	if _, err := hi.f.Seek(0, os.SEEK_SET); err != nil {
		return err
	}
	buf := make([]byte, hashIndexRecordSize)
	for {
		n, err := hi.f.Read(buf)
		if n < hashIndexRecordSize {
			break // soft EOF: clean end or a torn tail record, either way stop
		}
		pageID := binary.LittleEndian.Uint64(buf[0:])
		hash := string(buf[8:72])
		lsn := binary.LittleEndian.Uint64(buf[72:80])
		hi.entries[pageID] = hashIndexEntry{hash: hash, lsn: lsn}
		if err != nil {
			break
		}
	}
	return nil
}

// Append records pageID's SnapStore hash as of pageLSN (spec.md §4.9 "dedup
// mode writes hashindex.bin entries").
func (hi *HashIndex) Append(pageID uint64, hash string, pageLSN uint64) error {
	if len(hash) != 64 {
		return fmt.Errorf("snapshot: hash index hash must be 64 hex chars, got %d", len(hash))
	}
	hi.mu.Lock()
	defer hi.mu.Unlock()

	rec := make([]byte, hashIndexRecordSize)
	binary.LittleEndian.PutUint64(rec[0:], pageID)
	copy(rec[8:72], hash)
	binary.LittleEndian.PutUint64(rec[72:], pageLSN)
	if _, err := hi.f.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	if _, err := hi.f.Write(rec); err != nil {
		return fmt.Errorf("snapshot: append hash index entry for page %d: %w", pageID, err)
	}
	if err := hi.f.Sync(); err != nil {
		return err
	}
	hi.entries[pageID] = hashIndexEntry{hash: hash, lsn: pageLSN}
	return nil
}

// Lookup returns the SnapStore hash recorded for pageID, if any.
func (hi *HashIndex) Lookup(pageID uint64) (hash string, lsn uint64, ok bool) {
	hi.mu.Lock()
	defer hi.mu.Unlock()
	e, ok := hi.entries[pageID]
	return e.hash, e.lsn, ok
}

// Close releases the underlying file handle.
func (hi *HashIndex) Close() error { return hi.f.Close() }
