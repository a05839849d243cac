// Package bloom implements the optional per-bucket Bloom filter side-car
// that lets Get return a fast negative without walking a bucket chain
// (spec.md §4.8 step 1, §4.12 "Bloom rebuild").
package bloom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/quiverdb/quiverdb"
	"github.com/quiverdb/quiverdb/storage"
)

// FileName is the side-car's on-disk name, sibling to the meta and dir files.
const FileName = "bloom.bin"

var sidecarMagic = [8]byte{'P', '2', 'B', 'L', 'M', '0', '1', 0}

const (
	sidecarVersion = uint32(2)
	headerSize     = 48 // magic(8)+version(4)+buckets(4)+bitsPerBucket(4)+kHashes(4)+reserved(16)+lastLSN(8)
	dirEntrySize   = 12 // offset u64 + length u32
)

const (
	defaultBitsPerBucket = uint(8192) // 1 KiB per bucket
	defaultKHashes       = uint(4)
)

// Sidecar is an open Bloom side-car file: one bloom.BloomFilter blob per
// bucket, addressed through a fixed directory that follows the header.
type Sidecar struct {
	path          string
	buckets       uint32
	bitsPerBucket uint32
	kHashes       uint32
	lastLSN       uint64
	rebuilt       bool // set by a full Rebuild, or on load when a non-zero last_lsn was saved

	filters []*bloom.BloomFilter
}

// OpenOrCreate loads an existing side-car, or builds an empty (all-false)
// one sized for bucketCount buckets if none exists yet. An empty side-car
// is never "fresh" (see IsFresh) until a full Rebuild runs.
func OpenOrCreate(path string, bucketCount uint32) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		sc := &Sidecar{
			path:          path,
			buckets:       bucketCount,
			bitsPerBucket: uint32(defaultBitsPerBucket),
			kHashes:       uint32(defaultKHashes),
			filters:       make([]*bloom.BloomFilter, bucketCount),
		}
		for b := range sc.filters {
			sc.filters[b] = bloom.New(defaultBitsPerBucket, defaultKHashes)
		}
		return sc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bloom: read side-car: %w", err)
	}
	return decode(path, data)
}

func decode(path string, data []byte) (*Sidecar, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("bloom: side-car truncated")
	}
	if string(data[0:8]) != string(sidecarMagic[:]) {
		return nil, fmt.Errorf("bloom: side-car bad magic")
	}
	if binary.LittleEndian.Uint32(data[8:12]) != sidecarVersion {
		return nil, fmt.Errorf("bloom: side-car unsupported version")
	}
	sc := &Sidecar{path: path}
	sc.buckets = binary.LittleEndian.Uint32(data[12:16])
	sc.bitsPerBucket = binary.LittleEndian.Uint32(data[16:20])
	sc.kHashes = binary.LittleEndian.Uint32(data[20:24])
	sc.lastLSN = binary.LittleEndian.Uint64(data[40:48])
	sc.rebuilt = sc.lastLSN != 0 // only a full Rebuild moves last_lsn off 0

	dirOff := headerSize
	dirLen := int(sc.buckets) * dirEntrySize
	if dirOff+dirLen > len(data) {
		return nil, fmt.Errorf("bloom: side-car directory truncated")
	}
	sc.filters = make([]*bloom.BloomFilter, sc.buckets)
	for b := uint32(0); b < sc.buckets; b++ {
		entryOff := dirOff + int(b)*dirEntrySize
		off := binary.LittleEndian.Uint64(data[entryOff:])
		length := binary.LittleEndian.Uint32(data[entryOff+8:])
		if length == 0 {
			sc.filters[b] = bloom.New(uint(sc.bitsPerBucket), uint(sc.kHashes))
			continue
		}
		if int(off)+int(length) > len(data) {
			return nil, fmt.Errorf("bloom: side-car blob for bucket %d truncated", b)
		}
		f := &bloom.BloomFilter{}
		if _, err := f.ReadFrom(bytes.NewReader(data[off : off+uint64(length)])); err != nil {
			return nil, fmt.Errorf("bloom: decode bucket %d filter: %w", b, err)
		}
		sc.filters[b] = f
	}
	return sc, nil
}

// Attach wires sc into db's read path as its Bloom negative fast-path.
func Attach(db *quiverdb.DB, sc *Sidecar) { db.SetBloomFilter(sc) }

// Buckets reports how many per-bucket filters this side-car holds.
func (sc *Sidecar) Buckets() uint32 { return sc.buckets }

// LastLSN is the meta.last_lsn this side-car was consistent with as of its
// last full Rebuild. A partial RebuildBucket never advances it.
func (sc *Sidecar) LastLSN() uint64 { return sc.lastLSN }

// IsFresh reports whether the side-car is safe to use as a negative
// fast-path: it must reflect a full rebuild at exactly metaLastLSN.
func (sc *Sidecar) IsFresh(metaLastLSN uint64) bool {
	return sc.rebuilt && sc.lastLSN == metaLastLSN
}

// MaybeAbsent consults the bucket's filter: true means the key is
// definitely absent from that bucket's chain (a Bloom negative); false
// means "maybe present" and the chain must still be walked. dbID keys the
// shared cache, into which the bucket's serialized filter is stored on a
// miss; the answer itself always comes from the in-memory filter. A side-car that is not fresh as of currentLSN never
// reports a negative (spec.md §4.8 step 1: "if fresh ... and a negative").
func (sc *Sidecar) MaybeAbsent(dbID storage.DBID, bucket uint32, key []byte, currentLSN uint64) bool {
	if !sc.IsFresh(currentLSN) {
		return false
	}
	if bucket >= uint32(len(sc.filters)) || sc.filters[bucket] == nil {
		return false
	}
	if _, ok := SharedCache().Get(uint64(dbID), bucket, sc.lastLSN); !ok {
		var buf bytes.Buffer
		if _, err := sc.filters[bucket].WriteTo(&buf); err == nil {
			SharedCache().Put(uint64(dbID), bucket, sc.lastLSN, buf.Bytes())
		}
	}
	return !sc.filters[bucket].Test(key)
}

// Rebuild walks every bucket chain in db and rebuilds every filter from
// scratch, then sets last_lsn to db's current meta.last_lsn so the
// side-car becomes fresh (spec.md §4.12 "full rebuild aligns last_lsn").
func Rebuild(sc *Sidecar, db *quiverdb.DB) error {
	dir := db.Directory()
	if sc.buckets != dir.BucketCount() {
		sc.buckets = dir.BucketCount()
		sc.filters = make([]*bloom.BloomFilter, sc.buckets)
	}
	for b := uint32(0); b < sc.buckets; b++ {
		if err := rebuildBucketFilter(sc, db, b); err != nil {
			return err
		}
	}
	sc.lastLSN = db.Pager().Meta().LastLSN
	sc.rebuilt = true
	return sc.save()
}

// RebuildBucket rebuilds a single bucket's filter in place without
// touching last_lsn, so a partial rebuild never makes a stale side-car
// look fresh (spec.md §4.12).
func RebuildBucket(sc *Sidecar, db *quiverdb.DB, bucket uint32) error {
	if err := rebuildBucketFilter(sc, db, bucket); err != nil {
		return err
	}
	return sc.save()
}

// RebuildBucket is the method form of the package-level function, letting
// *Sidecar satisfy maintenance.BloomHook structurally without maintenance
// importing this package.
func (sc *Sidecar) RebuildBucket(db *quiverdb.DB, bucket uint32) error {
	return RebuildBucket(sc, db, bucket)
}

func rebuildBucketFilter(sc *Sidecar, db *quiverdb.DB, bucket uint32) error {
	pager := db.Pager()
	f := bloom.New(uint(sc.bitsPerBucket), uint(sc.kHashes))
	for pid := db.Directory().Head(bucket); pid != storage.NoPage; {
		page, err := pager.ReadPage(pid)
		if err != nil {
			return fmt.Errorf("bloom: read page %d: %w", pid, err)
		}
		slots := int(page.TableSlots())
		for i := 0; i < slots; i++ {
			slot := page.Slot(i)
			k, _, _, vflags := page.ReadRecordAt(slot.Off)
			if vflags&storage.VFlagTombstone != 0 {
				continue // tombstones carry no positive membership guarantee
			}
			f.Add(k)
		}
		pid = page.NextPageID()
	}
	if int(bucket) >= len(sc.filters) {
		grown := make([]*bloom.BloomFilter, bucket+1)
		copy(grown, sc.filters)
		sc.filters = grown
	}
	sc.filters[bucket] = f
	return nil
}

func (sc *Sidecar) save() error {
	blobs := make([][]byte, sc.buckets)
	bodyLen := 0
	for b := uint32(0); b < sc.buckets; b++ {
		var buf bytes.Buffer
		if _, err := sc.filters[b].WriteTo(&buf); err != nil {
			return fmt.Errorf("bloom: encode bucket %d filter: %w", b, err)
		}
		blobs[b] = buf.Bytes()
		bodyLen += len(blobs[b])
	}

	out := make([]byte, headerSize+int(sc.buckets)*dirEntrySize+bodyLen)
	copy(out, sidecarMagic[:])
	binary.LittleEndian.PutUint32(out[8:], sidecarVersion)
	binary.LittleEndian.PutUint32(out[12:], sc.buckets)
	binary.LittleEndian.PutUint32(out[16:], sc.bitsPerBucket)
	binary.LittleEndian.PutUint32(out[20:], sc.kHashes)
	binary.LittleEndian.PutUint64(out[40:], sc.lastLSN)

	dirOff := headerSize
	blobOff := uint64(headerSize + int(sc.buckets)*dirEntrySize)
	for b := uint32(0); b < sc.buckets; b++ {
		entryOff := dirOff + int(b)*dirEntrySize
		binary.LittleEndian.PutUint64(out[entryOff:], blobOff)
		binary.LittleEndian.PutUint32(out[entryOff+8:], uint32(len(blobs[b])))
		copy(out[blobOff:], blobs[b])
		blobOff += uint64(len(blobs[b]))
	}

	tmp := sc.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("bloom: write side-car tmp: %w", err)
	}
	if err := os.Rename(tmp, sc.path); err != nil {
		return fmt.Errorf("bloom: rename side-car into place: %w", err)
	}
	return nil
}
