package storage

import (
	"encoding/binary"
	"fmt"
)

// PageType identifies the payload layout of a page.
type PageType uint16

const (
	PageTypeKV       PageType = 1
	PageTypeOverflow PageType = 2
)

// Magic is the 4-byte marker every page starts with.
var Magic = [4]byte{'P', '2', 'P', 'G'}

// PageVersion is the on-disk page format version this build writes.
const PageVersion uint16 = 1

// CommonHeaderSize is the shared prefix of every page: magic(4) + version(2)
// + type(2) + page_id(8).
const CommonHeaderSize = 4 + 2 + 2 + 8

// TrailerSize is the fixed-size trailer: either a CRC32C (low 4 bytes, 12
// zero bytes) or a 16-byte AEAD tag.
const TrailerSize = 16

// kvHeaderSize is the KV-specific header following the common header:
// data_start(4) + table_slots(4) + used_slots(4) + flags(4) +
// next_page_id(8) + lsn(8) + codec_id(2).
const kvHeaderSize = 4 + 4 + 4 + 4 + 8 + 8 + 2

// KVHeaderEnd is the byte offset where packed records begin.
const KVHeaderEnd = CommonHeaderSize + kvHeaderSize

// SlotSize is the size of one slot-table entry: off(4) + fp(1) + dist(1).
const SlotSize = 4 + 1 + 1

// RecordHeaderSize is the fixed prefix of a packed KV record: klen(2) +
// vlen(4) + expires_at_sec(4) + vflags(1).
const RecordHeaderSize = 2 + 4 + 4 + 1

// VFlagTombstone marks a record as a deletion.
const VFlagTombstone uint8 = 1 << 0

// ovfHeaderSize is the OVERFLOW-specific header: chunk_len(4) +
// next_page_id(8) + lsn(8) + codec_id(2).
const ovfHeaderSize = 4 + 8 + 8 + 2

// OVFHeaderEnd is the byte offset where overflow chunk payload begins.
const OVFHeaderEnd = CommonHeaderSize + ovfHeaderSize

// NoPage is the sentinel "no page" / end-of-chain value, and the head of an
// empty bucket in the directory.
const NoPage uint64 = ^uint64(0)

// Overflow placeholder TLV stored as a KV record's value.
const (
	PlaceholderTag  byte = 0x01
	PlaceholderLen  byte = 16
	PlaceholderSize      = 1 + 1 + 8 + 8
)

// Codec identifiers for overflow chunk payloads.
const (
	CodecNone uint16 = 0
	CodecZstd uint16 = 1
)

// Page is a single fixed-size page buffer. The size is determined by the
// pager at init time and is the same for every page in a database.
type Page struct {
	Data []byte
}

// NewPage allocates a zeroed page of the given size.
func NewPage(size int) *Page {
	return &Page{Data: make([]byte, size)}
}

// InitKV stamps the common header and KV-specific header of a fresh page.
func (p *Page) InitKV(pageID uint64, codecID uint16) {
	p.writeCommonHeader(PageTypeKV, pageID)
	p.SetDataStart(KVHeaderEnd)
	p.SetTableSlots(0)
	p.SetUsedSlots(0)
	p.SetFlags(0)
	p.SetNextPageID(NoPage)
	p.SetLSN(0)
	p.SetCodecID(codecID)
}

// InitOverflow stamps the common header and OVERFLOW-specific header.
func (p *Page) InitOverflow(pageID uint64, codecID uint16) {
	p.writeCommonHeader(PageTypeOverflow, pageID)
	binary.LittleEndian.PutUint32(p.Data[CommonHeaderSize:], 0) // chunk_len
	binary.LittleEndian.PutUint64(p.Data[CommonHeaderSize+4:], NoPage)
	binary.LittleEndian.PutUint64(p.Data[CommonHeaderSize+12:], 0) // lsn
	binary.LittleEndian.PutUint16(p.Data[CommonHeaderSize+20:], codecID)
}

func (p *Page) writeCommonHeader(t PageType, pageID uint64) {
	copy(p.Data[0:4], Magic[:])
	binary.LittleEndian.PutUint16(p.Data[4:6], PageVersion)
	binary.LittleEndian.PutUint16(p.Data[6:8], uint16(t))
	binary.LittleEndian.PutUint64(p.Data[8:16], pageID)
}

// ReadHeader validates the common header's magic/version and returns the
// page type and id without touching the trailer.
func (p *Page) ReadHeader() (PageType, uint64, error) {
	if len(p.Data) < CommonHeaderSize+TrailerSize {
		return 0, 0, fmt.Errorf("storage: page too small: %w", ErrBadMagic)
	}
	if [4]byte(p.Data[0:4]) != Magic {
		return 0, 0, ErrBadMagic
	}
	ver := binary.LittleEndian.Uint16(p.Data[4:6])
	if ver != PageVersion {
		return 0, 0, ErrBadVersion
	}
	t := PageType(binary.LittleEndian.Uint16(p.Data[6:8]))
	pid := binary.LittleEndian.Uint64(p.Data[8:16])
	return t, pid, nil
}

func (p *Page) Type() PageType {
	return PageType(binary.LittleEndian.Uint16(p.Data[6:8]))
}

func (p *Page) PageID() uint64 {
	return binary.LittleEndian.Uint64(p.Data[8:16])
}

// ---- KV header accessors ----

func (p *Page) DataStart() uint32 { return binary.LittleEndian.Uint32(p.Data[16:20]) }
func (p *Page) SetDataStart(v uint32) {
	binary.LittleEndian.PutUint32(p.Data[16:20], v)
}

func (p *Page) TableSlots() uint32 { return binary.LittleEndian.Uint32(p.Data[20:24]) }
func (p *Page) SetTableSlots(v uint32) {
	binary.LittleEndian.PutUint32(p.Data[20:24], v)
}

func (p *Page) UsedSlots() uint32 { return binary.LittleEndian.Uint32(p.Data[24:28]) }
func (p *Page) SetUsedSlots(v uint32) {
	binary.LittleEndian.PutUint32(p.Data[24:28], v)
}

func (p *Page) Flags() uint32 { return binary.LittleEndian.Uint32(p.Data[28:32]) }
func (p *Page) SetFlags(v uint32) {
	binary.LittleEndian.PutUint32(p.Data[28:32], v)
}

func (p *Page) NextPageID() uint64 {
	off := 32
	if p.Type() == PageTypeOverflow {
		off = CommonHeaderSize + 4
	}
	return binary.LittleEndian.Uint64(p.Data[off : off+8])
}

func (p *Page) SetNextPageID(v uint64) {
	off := 32
	if p.Type() == PageTypeOverflow {
		off = CommonHeaderSize + 4
	}
	binary.LittleEndian.PutUint64(p.Data[off:off+8], v)
}

func (p *Page) LSN() uint64 {
	off := 40
	if p.Type() == PageTypeOverflow {
		off = CommonHeaderSize + 12
	}
	return binary.LittleEndian.Uint64(p.Data[off : off+8])
}

func (p *Page) SetLSN(v uint64) {
	off := 40
	if p.Type() == PageTypeOverflow {
		off = CommonHeaderSize + 12
	}
	binary.LittleEndian.PutUint64(p.Data[off:off+8], v)
}

func (p *Page) CodecID() uint16 {
	off := 48
	if p.Type() == PageTypeOverflow {
		off = CommonHeaderSize + 20
	}
	return binary.LittleEndian.Uint16(p.Data[off : off+2])
}

func (p *Page) SetCodecID(v uint16) {
	off := 48
	if p.Type() == PageTypeOverflow {
		off = CommonHeaderSize + 20
	}
	binary.LittleEndian.PutUint16(p.Data[off:off+2], v)
}

// ---- OVERFLOW header accessors ----

func (p *Page) ChunkLen() uint32 { return binary.LittleEndian.Uint32(p.Data[CommonHeaderSize:]) }
func (p *Page) SetChunkLen(v uint32) {
	binary.LittleEndian.PutUint32(p.Data[CommonHeaderSize:], v)
}

// OverflowPayload returns the writable chunk area of an OVERFLOW page.
func (p *Page) OverflowPayload() []byte {
	return p.Data[OVFHeaderEnd : len(p.Data)-TrailerSize]
}

// OverflowCapacity is the max chunk_len an OVERFLOW page of this size can hold.
func OverflowCapacity(pageSize int) int {
	return pageSize - OVFHeaderEnd - TrailerSize
}

// Slot is a decoded entry from a KV page's slot table.
type Slot struct {
	Index int
	Off   uint32
	FP    uint8
	Dist  uint8
}

// slotTableOffset returns the byte offset of slot i (0 = oldest, appended
// first; readers walk newest-to-oldest, i.e. from TableSlots()-1 down to 0).
func (p *Page) slotTableOffset(i int) int {
	return len(p.Data) - TrailerSize - (i+1)*SlotSize
}

// Slot reads slot table entry i.
func (p *Page) Slot(i int) Slot {
	off := p.slotTableOffset(i)
	return Slot{
		Index: i,
		Off:   binary.LittleEndian.Uint32(p.Data[off : off+4]),
		FP:    p.Data[off+4],
		Dist:  p.Data[off+5],
	}
}

func (p *Page) setSlot(i int, s Slot) {
	off := p.slotTableOffset(i)
	binary.LittleEndian.PutUint32(p.Data[off:off+4], s.Off)
	p.Data[off+4] = s.FP
	p.Data[off+5] = s.Dist
}

// freeSpace returns the bytes available between packed records and the
// slot table tail.
func (p *Page) freeSpace() int {
	slotTableStart := len(p.Data) - TrailerSize - int(p.TableSlots())*SlotSize
	return slotTableStart - int(p.DataStart())
}

// Fits reports whether a record of klen/vlen bytes plus one new slot would
// fit in the page's remaining free space.
func (p *Page) Fits(klen, vlen int) bool {
	need := RecordHeaderSize + klen + vlen + SlotSize
	return p.freeSpace() >= need
}

// AppendRecord packs one record at DataStart and appends a slot for it.
// Caller must have checked Fits first. Slots are appended in insertion
// order; readers iterate from the highest index down so the most recently
// appended record within a page wins ties (spec.md §4.6).
func (p *Page) AppendRecord(key, value []byte, expiresAtSec uint32, vflags uint8, fp uint8) {
	off := p.DataStart()
	buf := p.Data[off:]
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(value)))
	binary.LittleEndian.PutUint32(buf[6:10], expiresAtSec)
	buf[10] = vflags
	n := RecordHeaderSize
	n += copy(buf[n:], key)
	n += copy(buf[n:], value)

	p.SetDataStart(off + uint32(n))

	slotIdx := int(p.TableSlots())
	p.SetTableSlots(uint32(slotIdx + 1))
	p.SetUsedSlots(p.UsedSlots() + 1)
	p.setSlot(slotIdx, Slot{Off: off, FP: fp})
}

// ReadRecordAt decodes the record stored at byte offset off.
func (p *Page) ReadRecordAt(off uint32) (key, value []byte, expiresAtSec uint32, vflags uint8) {
	buf := p.Data[off:]
	klen := binary.LittleEndian.Uint16(buf[0:2])
	vlen := binary.LittleEndian.Uint32(buf[2:6])
	expiresAtSec = binary.LittleEndian.Uint32(buf[6:10])
	vflags = buf[10]
	n := RecordHeaderSize
	key = buf[n : n+int(klen)]
	n += int(klen)
	value = buf[n : n+int(vlen)]
	return
}

// BuildPlaceholder encodes the 18-byte overflow placeholder TLV.
func BuildPlaceholder(totalLen uint64, headPageID uint64) []byte {
	out := make([]byte, PlaceholderSize)
	out[0] = PlaceholderTag
	out[1] = PlaceholderLen
	binary.LittleEndian.PutUint64(out[2:10], totalLen)
	binary.LittleEndian.PutUint64(out[10:18], headPageID)
	return out
}

// ParsePlaceholder decodes a value as an overflow placeholder TLV. ok is
// false if value is not a placeholder (wrong tag/length).
func ParsePlaceholder(value []byte) (totalLen uint64, headPageID uint64, ok bool) {
	if len(value) != PlaceholderSize || value[0] != PlaceholderTag || value[1] != PlaceholderLen {
		return 0, 0, false
	}
	totalLen = binary.LittleEndian.Uint64(value[2:10])
	headPageID = binary.LittleEndian.Uint64(value[10:18])
	return totalLen, headPageID, true
}

// Fingerprint8 is the low 8 bits of a 64-bit hash of key, seeded by seed.
// fp == 0 is reserved to mean "wildcard, no prefilter" per spec.md §4.1, so
// a real hash whose low byte is 0 is remapped to 1.
func Fingerprint8(seed uint64, key []byte) uint8 {
	h := hash64(seed, key)
	fp := uint8(h & 0xff)
	if fp == 0 {
		fp = 1
	}
	return fp
}

// hash64 is the 64-bit FNV-1a variant used for both bucket selection and
// slot fingerprints, seeded so the two uses diverge.
func hash64(seed uint64, key []byte) uint64 {
	h := uint64(14695981039346656037) ^ seed
	for _, b := range key {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

// HashKey hashes a key for bucket selection (seed=1, distinct from the
// fingerprint seed so the two derived values are independent).
func HashKey(key []byte) uint64 {
	return hash64(1, key)
}
