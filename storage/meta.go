package storage

import (
	"encoding/binary"
	"fmt"
	"os"
)

// MetaFileName is the fixed-length binary file at the DB root holding
// database-wide configuration and the durable high-water marks (spec.md §6).
const MetaFileName = "meta"

var metaMagic = [8]byte{'P', '2', 'M', 'E', 'T', 'A', '0', '1'}

const metaVersion = uint32(4)

// ChecksumKind selects the page trailer mode.
type ChecksumKind uint8

const (
	ChecksumCRC32C ChecksumKind = 0
	ChecksumAEAD   ChecksumKind = 1
)

// HashKind selects the key-hash function used for bucket routing and slot
// fingerprints. Only one kind ships today; the field exists so a future
// hash can be introduced without a file-format break.
type HashKind uint8

const HashFNV1a64 HashKind = 0

// Meta is the persistent, single-writer database header. It is read once at
// Open and rewritten whenever next_page_id, last_lsn or clean_shutdown
// change.
type Meta struct {
	PageSize     uint32
	BucketCount  uint32
	HashKind     HashKind
	CodecID      uint8
	ChecksumKind ChecksumKind
	NextPageID   uint64
	LastLSN      uint64
	CleanShutdown bool

	TDEEnabled bool
	TDEKid     string
}

const (
	metaFixedSize = 8 + 4 + 4 + 4 + 1 + 1 + 1 + 8 + 8 + 1 + 1 + 2 // up to kidLen
	metaKidMax    = 256
	metaRecordSize = metaFixedSize + metaKidMax
)

// encode serializes m into a fixed-length record so rewrites never change
// the file's length.
func (m *Meta) encode() []byte {
	buf := make([]byte, metaRecordSize)
	off := 0
	copy(buf[off:], metaMagic[:])
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], metaVersion)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], m.PageSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], m.BucketCount)
	off += 4
	buf[off] = byte(m.HashKind)
	off++
	buf[off] = m.CodecID
	off++
	buf[off] = byte(m.ChecksumKind)
	off++
	binary.LittleEndian.PutUint64(buf[off:], m.NextPageID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.LastLSN)
	off += 8
	if m.CleanShutdown {
		buf[off] = 1
	}
	off++
	if m.TDEEnabled {
		buf[off] = 1
	}
	off++
	kid := []byte(m.TDEKid)
	if len(kid) > metaKidMax-2 {
		kid = kid[:metaKidMax-2]
	}
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(kid)))
	off += 2
	copy(buf[off:], kid)
	return buf
}

func decodeMeta(buf []byte) (*Meta, error) {
	if len(buf) < metaRecordSize {
		return nil, fmt.Errorf("storage: short meta record: %w", ErrCorrupt)
	}
	if string(buf[0:8]) != string(metaMagic[:]) {
		return nil, ErrBadMagic
	}
	off := 8
	version := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if version != metaVersion {
		return nil, ErrBadVersion
	}
	m := &Meta{}
	m.PageSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.BucketCount = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.HashKind = HashKind(buf[off])
	off++
	m.CodecID = buf[off]
	off++
	m.ChecksumKind = ChecksumKind(buf[off])
	off++
	m.NextPageID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.LastLSN = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.CleanShutdown = buf[off] != 0
	off++
	m.TDEEnabled = buf[off] != 0
	off++
	kidLen := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	if int(off)+int(kidLen) > len(buf) {
		return nil, fmt.Errorf("storage: meta kid overruns record: %w", ErrCorrupt)
	}
	m.TDEKid = string(buf[off : off+int(kidLen)])
	return m, nil
}

// loadMeta reads and decodes the meta file at path.
func loadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeMeta(data)
}

// saveMeta atomically rewrites the meta file at path (tmp+rename), matching
// the KeyRing/KMS write style used elsewhere in the module.
func saveMeta(path string, m *Meta) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, m.encode(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
