package snapshot

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
)

// FreezeFileName / IndexFileName hold frozen page images and the index that
// locates them (spec.md §4.9's freeze.bin / index.bin sidecar).
const (
	FreezeFileName = "freeze.bin"
	IndexFileName  = "index.bin"
)

// freezeFrameHdrSize is [page_id u64][page_lsn u64][page_len u32][crc32 u32]
// ahead of each frame's payload in freeze.bin.
const freezeFrameHdrSize = 8 + 8 + 4 + 4

// indexRecordSize is [page_id u64][offset u64][page_lsn u64] in index.bin.
const indexRecordSize = 8 + 8 + 8

var freezeCRCTable = crc32.MakeTable(crc32.Castagnoli)

// Freezer preserves page images a writer is about to reclaim while a
// snapshot still needs them (spec.md §4.9 "Freeze-on-overwrite"). Pages
// already frozen (present in the index) are never duplicated. Each frame in
// freeze.bin carries its own page_id/page_lsn/page_len/crc32 header so a
// reader can validate it without trusting the index alone.
type Freezer struct {
	mu        sync.Mutex
	root      string
	freezeF   *os.File
	indexF    *os.File
	index     map[uint64]record // pageID -> frame offset + lsn in freeze.bin
	freezeLen int64
}

type record struct {
	offset int64
	lsn    uint64
}

// OpenOrCreateFreezer opens (creating if absent) the freeze side-car pair
// under root.
func OpenOrCreateFreezer(root string) (*Freezer, error) {
	fz := &Freezer{root: root, index: make(map[uint64]record)}

	freezeF, err := os.OpenFile(filepath.Join(root, FreezeFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open freeze.bin: %w", err)
	}
	fz.freezeF = freezeF

	info, err := freezeF.Stat()
	if err != nil {
		return nil, err
	}
	fz.freezeLen = info.Size()

	indexF, err := os.OpenFile(filepath.Join(root, IndexFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open index.bin: %w", err)
	}
	fz.indexF = indexF

	if err := fz.loadIndex(); err != nil {
		return nil, err
	}
	return fz, nil
}

func (fz *Freezer) loadIndex() error {
	if _, err := fz.indexF.Seek(0, os.SEEK_SET); err != nil {
		return err
	}
	buf := make([]byte, indexRecordSize)
	for {
		n, err := fz.indexF.Read(buf)
		if n < indexRecordSize {
			break // soft EOF: clean end or a torn tail record, either way stop
		}
		pageID := binary.LittleEndian.Uint64(buf[0:])
		offset := int64(binary.LittleEndian.Uint64(buf[8:]))
		lsn := binary.LittleEndian.Uint64(buf[16:])
		fz.index[pageID] = record{offset: offset, lsn: lsn}
		if err != nil {
			break
		}
	}
	return nil
}

// IsFrozen reports whether pageID already has a preserved image.
func (fz *Freezer) IsFrozen(pageID uint64) bool {
	fz.mu.Lock()
	defer fz.mu.Unlock()
	_, ok := fz.index[pageID]
	return ok
}

// Freeze preserves data (as of pageLSN) under pageID if it is not already
// frozen. A repeat call for an already-frozen page is a cheap no-op (the
// oldest surviving image is the one a snapshot needs). The frame written to
// freeze.bin is [page_id u64][page_lsn u64][page_len u32][crc32 u32] followed
// by data, with the CRC covering the header (sans its own field) and the
// payload, matching the snapshot sidecar's documented on-disk layout.
func (fz *Freezer) Freeze(pageID uint64, pageLSN uint64, data []byte) error {
	fz.mu.Lock()
	defer fz.mu.Unlock()
	if _, ok := fz.index[pageID]; ok {
		return nil
	}

	offset := fz.freezeLen
	hdr := make([]byte, freezeFrameHdrSize)
	binary.LittleEndian.PutUint64(hdr[0:], pageID)
	binary.LittleEndian.PutUint64(hdr[8:], pageLSN)
	binary.LittleEndian.PutUint32(hdr[16:], uint32(len(data)))
	crc := crc32.Update(crc32.Checksum(hdr[:20], freezeCRCTable), freezeCRCTable, data)
	binary.LittleEndian.PutUint32(hdr[20:], crc)

	if _, err := fz.freezeF.WriteAt(hdr, offset); err != nil {
		return fmt.Errorf("snapshot: write freeze frame header for page %d: %w", pageID, err)
	}
	if _, err := fz.freezeF.WriteAt(data, offset+int64(freezeFrameHdrSize)); err != nil {
		return fmt.Errorf("snapshot: write frozen page %d: %w", pageID, err)
	}
	fz.freezeLen += int64(freezeFrameHdrSize) + int64(len(data))

	rec := make([]byte, indexRecordSize)
	binary.LittleEndian.PutUint64(rec[0:], pageID)
	binary.LittleEndian.PutUint64(rec[8:], uint64(offset))
	binary.LittleEndian.PutUint64(rec[16:], pageLSN)
	if _, err := fz.indexF.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	if _, err := fz.indexF.Write(rec); err != nil {
		return fmt.Errorf("snapshot: append freeze index for page %d: %w", pageID, err)
	}
	if err := fz.indexF.Sync(); err != nil {
		return err
	}
	if err := fz.freezeF.Sync(); err != nil {
		return err
	}

	fz.index[pageID] = record{offset: offset, lsn: pageLSN}
	return nil
}

// Lookup returns the frozen image for pageID, if any, after verifying the
// frame's page_id and CRC. A corrupt or mismatched frame is treated as not
// frozen rather than panicking the caller; Manager.resolvePage turns that
// into storage.ErrCorrupt.
func (fz *Freezer) Lookup(pageID uint64) ([]byte, bool) {
	fz.mu.Lock()
	rec, ok := fz.index[pageID]
	fz.mu.Unlock()
	if !ok {
		return nil, false
	}

	hdr := make([]byte, freezeFrameHdrSize)
	if _, err := fz.freezeF.ReadAt(hdr, rec.offset); err != nil {
		return nil, false
	}
	gotPageID := binary.LittleEndian.Uint64(hdr[0:])
	if gotPageID != pageID {
		return nil, false
	}
	pageLen := binary.LittleEndian.Uint32(hdr[16:])
	storedCRC := binary.LittleEndian.Uint32(hdr[20:])

	payload := make([]byte, pageLen)
	if _, err := fz.freezeF.ReadAt(payload, rec.offset+int64(freezeFrameHdrSize)); err != nil {
		return nil, false
	}
	crc := crc32.Update(crc32.Checksum(hdr[:20], freezeCRCTable), freezeCRCTable, payload)
	if crc != storedCRC {
		return nil, false
	}
	return payload, true
}

// Clear discards every frozen image and truncates both side-car files; used
// by Manager.End once no active snapshot still depends on this sidecar.
func (fz *Freezer) Clear() error {
	fz.mu.Lock()
	defer fz.mu.Unlock()
	if err := fz.freezeF.Truncate(0); err != nil {
		return err
	}
	if err := fz.indexF.Truncate(0); err != nil {
		return err
	}
	fz.freezeLen = 0
	fz.index = make(map[uint64]record)
	return nil
}

// Close releases the underlying file handles.
func (fz *Freezer) Close() error {
	fz.mu.Lock()
	defer fz.mu.Unlock()
	err1 := fz.freezeF.Close()
	err2 := fz.indexF.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
