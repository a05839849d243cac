package snapshot

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/quiverdb/quiverdb"
	"github.com/quiverdb/quiverdb/storage"
)

// Manager ties a database handle to its snapshot registry and freeze
// sidecar, providing snapshot_begin/snapshot_end and snapshot-consistent
// reads (spec.md §4.9).
type Manager struct {
	db        *quiverdb.DB
	registry  *Registry
	freezer   *Freezer
	store     *SnapStore
	hashIndex *HashIndex
	dedup     bool
}

// Open wires a Manager to db, creating the registry and freeze sidecar
// under db.RootDir() and the SnapStore under snapstoreDir (default
// RootDir()/.snapstore when empty). When dedup is true, FreezeBeforeReclaim
// also records a hashindex.bin entry and a SnapStore object for every page
// it preserves, and resolvePage falls back to the SnapStore when freeze.bin
// lacks a page (spec.md §4.9 dedup mode).
func Open(db *quiverdb.DB, snapstoreDir string, dedup bool) (*Manager, error) {
	root := db.RootDir()
	reg, err := OpenOrCreateRegistry(root)
	if err != nil {
		return nil, err
	}
	fz, err := OpenOrCreateFreezer(root)
	if err != nil {
		return nil, err
	}
	if snapstoreDir == "" {
		snapstoreDir = filepath.Join(root, SnapstoreDirName)
	}
	ss, err := OpenOrCreateSnapStore(snapstoreDir)
	if err != nil {
		return nil, err
	}
	hi, err := OpenOrCreateHashIndex(filepath.Join(root, HashIndexFileName))
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, registry: reg, freezer: fz, store: ss, hashIndex: hi, dedup: dedup}, nil
}

// Begin captures {id, lsn} at the database's current meta.last_lsn.
func (m *Manager) Begin(nowUnix int64) (Snapshot, error) {
	return m.registry.Begin(m.db.Pager().Meta().LastLSN, nowUnix)
}

// End marks a snapshot ended. Once no snapshot remains active, the freeze
// sidecar is cleared since no page image is pinned anymore.
func (m *Manager) End(id uint64) error {
	if _, err := m.registry.End(id); err != nil {
		return err
	}
	if _, active := m.registry.MinActiveLSN(); !active {
		return m.freezer.Clear()
	}
	return nil
}

// FreezeBeforeReclaim preserves pageID's current bytes if any active
// snapshot's view still needs them, i.e. the page's embedded LSN is at or
// below some active snapshot's LSN (spec.md §4.9 "Freeze-on-overwrite").
// Call this before a page is freed or its bytes are overwritten in place.
// In dedup mode the page is additionally content-addressed into the
// SnapStore (bumping its refcount) and recorded in hashindex.bin, so
// resolvePage can still serve it once freeze.bin is cleared by End.
func (m *Manager) FreezeBeforeReclaim(pageID uint64) error {
	minLSN, active := m.registry.MinActiveLSN()
	if !active {
		return nil
	}
	if m.freezer.IsFrozen(pageID) {
		return nil
	}
	page, err := m.db.Pager().ReadPage(pageID)
	if err != nil {
		return fmt.Errorf("snapshot: read page %d before reclaim: %w", pageID, err)
	}
	if page.LSN() > minLSN {
		return nil // already newer than every active snapshot's view
	}
	data := make([]byte, len(page.Data))
	copy(data, page.Data)

	if m.dedup {
		hashHex, _, _, err := m.store.Put(data)
		if err != nil {
			return fmt.Errorf("snapshot: dedup store page %d: %w", pageID, err)
		}
		if err := m.hashIndex.Append(pageID, hashHex, page.LSN()); err != nil {
			return fmt.Errorf("snapshot: record hash index for page %d: %w", pageID, err)
		}
	}
	return m.freezer.Freeze(pageID, page.LSN(), data)
}

// DB exposes the underlying database handle, for callers (backup, cdc)
// that need the pager/directory directly.
func (m *Manager) DB() *quiverdb.DB { return m.db }

// ResolvePage returns pageID's bytes as they stood at snapLSN, for callers
// (backup) that walk chains outside this package.
func (m *Manager) ResolvePage(pageID uint64, snapLSN uint64) (*storage.Page, error) {
	return m.resolvePage(pageID, snapLSN)
}

// resolvePage returns pageID's bytes as they stood at snapLSN: the live
// page if its embedded LSN is already ≤ snapLSN, otherwise the frozen
// image (spec.md §4.9 "if live page's embedded lsn ≤ snap.lsn use it; else
// try sidecar"). In dedup mode, if freeze.bin has no image for pageID, the
// hashindex/SnapStore pair recorded by FreezeBeforeReclaim is consulted as
// a fallback before giving up.
func (m *Manager) resolvePage(pageID uint64, snapLSN uint64) (*storage.Page, error) {
	page, err := m.db.Pager().ReadPage(pageID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read page %d: %w", pageID, err)
	}
	if page.LSN() <= snapLSN {
		return page, nil
	}
	if frozen, ok := m.freezer.Lookup(pageID); ok {
		return &storage.Page{Data: frozen}, nil
	}
	if m.dedup {
		if hashHex, _, ok := m.hashIndex.Lookup(pageID); ok {
			data, found, err := m.store.Get(hashHex)
			if err != nil {
				return nil, fmt.Errorf("snapshot: dedup store lookup for page %d: %w", pageID, err)
			}
			if found {
				return &storage.Page{Data: data}, nil
			}
		}
	}
	return nil, fmt.Errorf("snapshot: page %d newer than snapshot view and not frozen: %w", pageID, storage.ErrCorrupt)
}

// GetAt resolves key as of the snapshot id registered by Begin.
func (m *Manager) GetAt(id uint64, key []byte) (value []byte, ok bool, err error) {
	snap, found := m.registry.Get(id)
	if !found {
		return nil, false, fmt.Errorf("snapshot: id %d not found", id)
	}
	dir := m.db.Directory()
	bucket := dir.BucketOf(key)
	fp := storage.Fingerprint8(2, key)

	for pid := dir.Head(bucket); pid != storage.NoPage; {
		page, err := m.resolvePage(pid, snap.LSN)
		if err != nil {
			return nil, false, err
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
			if expiresAtSec != 0 && expiresAtSec <= snapEpoch(snap) {
				return nil, false, nil
			}
			resolved, err := m.resolveValueAt(v, snap.LSN)
			if err != nil {
				return nil, false, err
			}
			return resolved, true, nil
		}
		pid = page.NextPageID()
	}
	return nil, false, nil
}

// snapEpoch treats the snapshot's creation time as "now" for TTL
// evaluation, so a snapshot's view of expiry is stable regardless of when
// it is later read.
func snapEpoch(snap Snapshot) uint32 { return uint32(snap.CreatedAt) }

func (m *Manager) resolveValueAt(value []byte, snapLSN uint64) ([]byte, error) {
	totalLen, headPid, ok := storage.ParsePlaceholder(value)
	if !ok {
		return append([]byte(nil), value...), nil
	}
	var compressed []byte
	codecID := uint16(storage.CodecNone)
	for pid := headPid; pid != storage.NoPage; {
		page, err := m.resolvePage(pid, snapLSN)
		if err != nil {
			return nil, err
		}
		codecID = page.CodecID()
		n := page.ChunkLen()
		compressed = append(compressed, page.OverflowPayload()[:n]...)
		pid = page.NextPageID()
	}
	if codecID != storage.CodecZstd {
		return compressed, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(compressed, make([]byte, 0, totalLen))
	if err != nil {
		return nil, fmt.Errorf("snapshot: overflow zstd decode: %w", err)
	}
	return out, nil
}

// Registry exposes the underlying snapshot registry (for listing/reporting).
func (m *Manager) Registry() *Registry { return m.registry }

// Store exposes the content-addressed SnapStore backing persisted snapshots.
func (m *Manager) Store() *SnapStore { return m.store }
