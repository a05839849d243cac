package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
)

// DirFileName is the bucket directory file at the DB root (spec.md §3/§4.4):
// magic, version, bucket_count, CRC over header+heads, then bucket_count ×
// u64 head page ids.
const DirFileName = "dir"

var dirMagic = [8]byte{'P', '2', 'D', 'I', 'R', '0', '1', ' '}

const (
	dirVersion = uint32(1)
	dirHdrSize = 8 + 4 + 4 + 4 // magic, version, bucket_count, crc32c
)

// Directory is the hash-bucket head table: bucket_of_key(key) selects a
// bucket, whose head page id is the newest KV page in that bucket's chain.
// Only the writer mutates it; readers take it via OpenDirectory and Head.
type Directory struct {
	mu          sync.RWMutex
	path        string
	bucketCount uint32
	heads       []uint64
	readOnly    bool
}

// CreateDirectory initializes a new directory file with every bucket empty.
func CreateDirectory(root string, bucketCount uint32) (*Directory, error) {
	path := joinRoot(root, DirFileName)
	d := &Directory{
		path:        path,
		bucketCount: bucketCount,
		heads:       make([]uint64, bucketCount),
	}
	for i := range d.heads {
		d.heads[i] = NoPage
	}
	if err := d.writeFile(); err != nil {
		return nil, err
	}
	return d, nil
}

// OpenDirectory opens an existing directory file, verifying magic, version
// and the header+heads CRC.
func OpenDirectory(root string, readOnly bool) (*Directory, error) {
	path := joinRoot(root, DirFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open directory: %w", err)
	}
	if len(data) < dirHdrSize {
		return nil, fmt.Errorf("storage: directory truncated: %w", ErrCorrupt)
	}
	if string(data[0:8]) != string(dirMagic[:]) {
		return nil, ErrBadMagic
	}
	version := binary.LittleEndian.Uint32(data[8:12])
	if version != dirVersion {
		return nil, ErrBadVersion
	}
	bucketCount := binary.LittleEndian.Uint32(data[12:16])
	storedCRC := binary.LittleEndian.Uint32(data[16:20])

	want := int(dirHdrSize) + int(bucketCount)*8
	if len(data) != want {
		return nil, fmt.Errorf("storage: directory size mismatch: %w", ErrCorrupt)
	}

	if dirCRC(version, bucketCount, data[dirHdrSize:]) != storedCRC {
		return nil, fmt.Errorf("storage: directory CRC mismatch: %w", ErrCorrupt)
	}

	heads := make([]uint64, bucketCount)
	for i := range heads {
		heads[i] = binary.LittleEndian.Uint64(data[dirHdrSize+i*8:])
	}

	return &Directory{path: path, bucketCount: bucketCount, heads: heads, readOnly: readOnly}, nil
}

func dirCRC(version, bucketCount uint32, heads []byte) uint32 {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], version)
	binary.LittleEndian.PutUint32(hdr[4:], bucketCount)
	h := crc32.New(crc32cTable)
	h.Write(hdr[:])
	h.Write(heads)
	return h.Sum32()
}

func (d *Directory) writeFile() error {
	buf := make([]byte, dirHdrSize+int(d.bucketCount)*8)
	copy(buf[0:8], dirMagic[:])
	binary.LittleEndian.PutUint32(buf[8:12], dirVersion)
	binary.LittleEndian.PutUint32(buf[12:16], d.bucketCount)
	for i, h := range d.heads {
		binary.LittleEndian.PutUint64(buf[dirHdrSize+i*8:], h)
	}
	crc := dirCRC(dirVersion, d.bucketCount, buf[dirHdrSize:])
	binary.LittleEndian.PutUint32(buf[16:20], crc)

	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}

// BucketCount returns the number of buckets.
func (d *Directory) BucketCount() uint32 {
	return d.bucketCount
}

// BucketOf computes bucket_of_key(key, hash_kind): HashKey(key) mod
// bucket_count.
func (d *Directory) BucketOf(key []byte) uint32 {
	return uint32(HashKey(key) % uint64(d.bucketCount))
}

// Head returns the head page id of bucket b, or NoPage if empty.
func (d *Directory) Head(b uint32) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.heads[b]
}

// Heads returns a copy of every bucket's head, used by compaction and
// snapshot manifests.
func (d *Directory) Heads() []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint64, len(d.heads))
	copy(out, d.heads)
	return out
}

// SetHead sets bucket b's head and persists the directory with a single CRC
// recompute. Writer-only.
func (d *Directory) SetHead(b uint32, pid uint64) error {
	if d.readOnly {
		return ErrReadOnly
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heads[b] = pid
	return d.writeFile()
}

// HeadUpdate is one (bucket, head) pair, as carried by a WAL HEADS_UPDATE
// record's payload.
type HeadUpdate struct {
	Bucket uint32
	Head   uint64
}

// SetHeads applies every update and persists the directory once, so a batch
// commit touching many buckets recomputes the CRC a single time.
func (d *Directory) SetHeads(updates []HeadUpdate) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if len(updates) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range updates {
		d.heads[u.Bucket] = u.Head
	}
	return d.writeFile()
}

// EncodeHeadsUpdate serializes updates as a WAL HEADS_UPDATE payload:
// count u32 followed by [bucket u32, head_pid u64] entries.
func EncodeHeadsUpdate(updates []HeadUpdate) []byte {
	buf := make([]byte, 4+len(updates)*12)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(updates)))
	off := 4
	for _, u := range updates {
		binary.LittleEndian.PutUint32(buf[off:], u.Bucket)
		binary.LittleEndian.PutUint64(buf[off+4:], u.Head)
		off += 12
	}
	return buf
}

// DecodeHeadsUpdate parses a WAL HEADS_UPDATE payload.
func DecodeHeadsUpdate(payload []byte) ([]HeadUpdate, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("storage: short heads-update payload: %w", ErrCorrupt)
	}
	n := binary.LittleEndian.Uint32(payload[0:])
	want := 4 + int(n)*12
	if len(payload) != want {
		return nil, fmt.Errorf("storage: heads-update payload size mismatch: %w", ErrCorrupt)
	}
	out := make([]HeadUpdate, n)
	off := 4
	for i := range out {
		out[i].Bucket = binary.LittleEndian.Uint32(payload[off:])
		out[i].Head = binary.LittleEndian.Uint64(payload[off+4:])
		off += 12
	}
	return out, nil
}
