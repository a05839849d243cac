package storage

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"
)

// WALFileName is the single WAL file at the DB root (spec.md §3/§6).
const WALFileName = "wal-000001.log"

var walMagic = [8]byte{'P', '2', 'W', 'A', 'L', '0', '0', '1'}

const (
	walHdrSize    = 16 // magic(8) + stream_id(8)
	walRecHdrSize = 28 // type(1) flags(1) reserved(2) lsn(8) page_id(8) len(4) crc32c(4)
)

// WALRecordType enumerates the record kinds in §3. PAGE_DELTA is reserved:
// replay and the reader both ignore it.
type WALRecordType uint8

const (
	WALBegin       WALRecordType = 1
	WALPageImage   WALRecordType = 2
	WALPageDelta   WALRecordType = 3
	WALCommit      WALRecordType = 4
	WALTruncate    WALRecordType = 5
	WALHeadsUpdate WALRecordType = 6
)

// WALRecord is one decoded WAL entry.
type WALRecord struct {
	Type    WALRecordType
	Flags   uint8
	LSN     uint64
	PageID  uint64
	Payload []byte
}

// WAL is the single append-only log backing group-commit durability. All
// writers for a given root share one WAL instance with a mutex over the
// file and a condition variable coordinating group fsyncs (spec.md §4.6).
type WAL struct {
	mu   sync.Mutex
	cond *sync.Cond
	file *os.File
	path string

	streamID uint64
	nextLSN  uint64

	flushedLSN    uint64
	pendingMaxLSN uint64
	flushing      bool

	coalesce time.Duration
	readOnly bool
}

// CreateWAL writes a new WAL file with a random stream id.
func CreateWAL(root string) (*WAL, error) {
	path := joinRoot(root, WALFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: create wal: %w", err)
	}

	var idBuf [8]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		f.Close()
		return nil, err
	}
	streamID := binary.LittleEndian.Uint64(idBuf[:])

	var hdr [walHdrSize]byte
	copy(hdr[0:8], walMagic[:])
	binary.LittleEndian.PutUint64(hdr[8:16], streamID)
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}

	w := &WAL{file: f, path: path, streamID: streamID, nextLSN: 1}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

// OpenWAL opens an existing WAL file. If expectedStreamID is non-nil, a
// mismatch is a hard anti-mix error (spec.md §4.13, stream_id verification
// on CDC apply and on reopening a writer against a different data set).
func OpenWAL(root string, expectedStreamID *uint64, readOnly bool) (*WAL, error) {
	path := joinRoot(root, WALFileName)
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open wal: %w", err)
	}

	var hdr [walHdrSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: read wal header: %w", err)
	}
	if string(hdr[0:8]) != string(walMagic[:]) {
		f.Close()
		return nil, ErrBadMagic
	}
	streamID := binary.LittleEndian.Uint64(hdr[8:16])
	if expectedStreamID != nil && *expectedStreamID != streamID {
		f.Close()
		return nil, ErrWALStreamMix
	}

	w := &WAL{file: f, path: path, streamID: streamID, nextLSN: 1, readOnly: readOnly}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

// StreamID returns this WAL's anti-mix identifier.
func (w *WAL) StreamID() uint64 { return w.streamID }

// Path returns the WAL file path.
func (w *WAL) Path() string { return w.path }

// SetNextLSN seeds the allocator after the pager has determined the
// durable high-water mark from meta.last_lsn.
func (w *WAL) SetNextLSN(lsn uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if lsn > w.nextLSN {
		w.nextLSN = lsn
	}
	w.flushedLSN = lsn - 1
}

// SetCoalesce sets the group-commit coalescing window; 0 disables it and
// every batch fsyncs immediately.
func (w *WAL) SetCoalesce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.coalesce = d
}

func encodeRecord(rec WALRecord) []byte {
	buf := make([]byte, walRecHdrSize+len(rec.Payload))
	buf[0] = byte(rec.Type)
	buf[1] = rec.Flags
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint64(buf[4:12], rec.LSN)
	binary.LittleEndian.PutUint64(buf[12:20], rec.PageID)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(rec.Payload)))
	copy(buf[walRecHdrSize:], rec.Payload)
	crc := crc32.Checksum(buf[:walRecHdrSize-4], crc32cTable)
	crc = crc32.Update(crc, crc32cTable, buf[walRecHdrSize:])
	binary.LittleEndian.PutUint32(buf[24:28], crc)
	return buf
}

// EncodeWALRecord frames rec the same way CommitBatch does, for callers
// (cdc ship) that write individual records to a sink outside the group-
// commit path.
func EncodeWALRecord(rec WALRecord) []byte { return encodeRecord(rec) }

// WALHeaderBytes returns the 16-byte [magic, stream_id] header for streamID,
// for callers writing a WAL file sink from scratch (cdc ship, backup).
func WALHeaderBytes(streamID uint64) []byte {
	var hdr [walHdrSize]byte
	copy(hdr[0:8], walMagic[:])
	binary.LittleEndian.PutUint64(hdr[8:16], streamID)
	return hdr[:]
}

// ReadWALHeader reads and validates the 16-byte WAL header from r, returning
// its stream_id.
func ReadWALHeader(r io.Reader) (uint64, error) {
	var hdr [walHdrSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, fmt.Errorf("storage: read wal header: %w", err)
	}
	if string(hdr[0:8]) != string(walMagic[:]) {
		return 0, ErrBadMagic
	}
	return binary.LittleEndian.Uint64(hdr[8:16]), nil
}

// BatchPlan is everything commitPagesBatch needs to turn into WAL records:
// the pages being committed (already stamped with LSNs by the caller) and
// an optional heads-update payload.
type BatchPlan struct {
	Pages       []*Page
	HeadsUpdate []HeadUpdate
}

// CommitBatch reserves numPages+2(+1 if hasHeads) consecutive LSNs, calls
// stamp with the first one so the caller can set each page's LSN (and
// recompute its trailer) before the batch is encoded, then appends BEGIN,
// one PAGE_IMAGE per page, an optional HEADS_UPDATE, and COMMIT as a single
// contiguous write — all under the same lock, so concurrent batches land in
// the file in the same order their LSNs were reserved. It then participates
// in group-commit fsync coordination: the first caller to find no flush in
// flight becomes the flusher (optionally sleeping up to the coalesce window
// first), everyone else waits until flushedLSN reaches their COMMIT's LSN.
// It returns the commit LSN.
func (w *WAL) CommitBatch(numPages int, hasHeads bool, stamp func(first uint64) BatchPlan) (uint64, error) {
	if w.readOnly {
		return 0, ErrReadOnly
	}

	n := 2 + numPages
	if hasHeads {
		n++
	}

	w.mu.Lock()
	first := w.nextLSN
	w.nextLSN += uint64(n)
	plan := stamp(first)

	lsn := first
	var buf []byte
	buf = append(buf, encodeRecord(WALRecord{Type: WALBegin, LSN: lsn})...)
	lsn++

	for _, p := range plan.Pages {
		buf = append(buf, encodeRecord(WALRecord{
			Type:    WALPageImage,
			LSN:     lsn,
			PageID:  p.PageID(),
			Payload: p.Data,
		})...)
		lsn++
	}

	if len(plan.HeadsUpdate) > 0 {
		buf = append(buf, encodeRecord(WALRecord{
			Type:    WALHeadsUpdate,
			LSN:     lsn,
			Payload: EncodeHeadsUpdate(plan.HeadsUpdate),
		})...)
		lsn++
	}

	commitLSN := lsn
	buf = append(buf, encodeRecord(WALRecord{Type: WALCommit, LSN: commitLSN})...)

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		w.mu.Unlock()
		return 0, err
	}
	if _, err := w.file.Write(buf); err != nil {
		w.mu.Unlock()
		return 0, err
	}
	if commitLSN > w.pendingMaxLSN {
		w.pendingMaxLSN = commitLSN
	}

	if w.flushing {
		for w.flushedLSN < commitLSN {
			w.cond.Wait()
		}
		w.mu.Unlock()
		return commitLSN, nil
	}

	w.flushing = true
	coalesce := w.coalesce
	w.mu.Unlock()

	if coalesce > 0 {
		time.Sleep(coalesce)
	}

	w.mu.Lock()
	target := w.pendingMaxLSN
	w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		w.mu.Lock()
		w.flushing = false
		w.cond.Broadcast()
		w.mu.Unlock()
		return 0, fmt.Errorf("storage: wal fsync: %w", err)
	}

	w.mu.Lock()
	w.flushedLSN = target
	w.flushing = false
	w.cond.Broadcast()
	w.mu.Unlock()
	return commitLSN, nil
}

// TruncateToHeader atomically discards every record, leaving only the
// 16-byte header. Called at the end of a successful replay and by explicit
// Checkpoint; commits never truncate the log.
func (w *WAL) TruncateToHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(walHdrSize); err != nil {
		return fmt.Errorf("storage: wal truncate: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("storage: wal fsync after truncate: %w", err)
	}
	w.pendingMaxLSN = 0
	w.flushedLSN = 0
	return nil
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadAll is the tolerant stateful reader used by replay, backup and CDC
// ship: it walks records from the header to EOF, treats a truncated
// trailing record as a soft EOF (not an error — a crash mid-append), stops
// at the first CRC mismatch (earlier valid records are kept), and
// transparently skips an embedded 16-byte WAL header if one is found at a
// record boundary (a concatenated/rotated segment).
func (w *WAL) ReadAll() ([]WALRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.file.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	var records []WALRecord
	offset := int64(walHdrSize)
	hdrBuf := make([]byte, walRecHdrSize)

	for offset < size {
		if offset+8 <= size {
			var peek [8]byte
			if _, err := w.file.ReadAt(peek[:], offset); err == nil && string(peek[:]) == string(walMagic[:]) {
				offset += walHdrSize
				continue
			}
		}

		if offset+walRecHdrSize > size {
			break // soft EOF: partial record header
		}
		if _, err := w.file.ReadAt(hdrBuf, offset); err != nil {
			return records, nil
		}

		rtype := WALRecordType(hdrBuf[0])
		flags := hdrBuf[1]
		lsn := binary.LittleEndian.Uint64(hdrBuf[4:12])
		pageID := binary.LittleEndian.Uint64(hdrBuf[12:20])
		plen := binary.LittleEndian.Uint32(hdrBuf[20:24])
		storedCRC := binary.LittleEndian.Uint32(hdrBuf[24:28])

		payloadStart := offset + walRecHdrSize
		if payloadStart+int64(plen) > size {
			break // soft EOF: partial payload
		}
		payload := make([]byte, plen)
		if plen > 0 {
			if _, err := w.file.ReadAt(payload, payloadStart); err != nil {
				break
			}
		}

		crcBuf := make([]byte, walRecHdrSize-4+int(plen))
		copy(crcBuf, hdrBuf[:walRecHdrSize-4])
		copy(crcBuf[walRecHdrSize-4:], payload)
		if crc32.Checksum(crcBuf, crc32cTable) != storedCRC {
			break // first bad record: stop, keep everything before it
		}

		records = append(records, WALRecord{
			Type:    rtype,
			Flags:   flags,
			LSN:     lsn,
			PageID:  pageID,
			Payload: payload,
		})
		offset = payloadStart + int64(plen)
	}

	return records, nil
}
