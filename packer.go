package quiverdb

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/quiverdb/quiverdb/storage"
)

// opKind distinguishes a put from a delete within one user batch.
type opKind uint8

const (
	opPut opKind = iota
	opDelete
)

// batchOp is one put/del request inside Batch.
type batchOp struct {
	kind         opKind
	key          []byte
	value        []byte
	expiresAtSec uint32
}

// Put writes one key/value pair with no expiry.
func (db *DB) Put(key, value []byte) error {
	return db.Batch([]batchOp{{kind: opPut, key: key, value: value}})
}

// PutTTL writes key/value with expiresAtSec ≤ now meaning "already expired";
// 0 means no expiry (spec.md §4.7).
func (db *DB) PutTTL(key, value []byte, expiresAtSec uint32) error {
	return db.Batch([]batchOp{{kind: opPut, key: key, value: value, expiresAtSec: expiresAtSec}})
}

// Delete inserts a tombstone for key.
func (db *DB) Delete(key []byte) error {
	return db.Batch([]batchOp{{kind: opDelete, key: key}})
}

// WriteBatch accumulates put/del operations for one atomic Batch call.
type WriteBatch struct {
	ops []batchOp
}

// NewWriteBatch returns an empty batch builder.
func NewWriteBatch() *WriteBatch { return &WriteBatch{} }

// Put queues a put.
func (b *WriteBatch) Put(key, value []byte) { b.PutTTL(key, value, 0) }

// PutTTL queues a put with an expiry.
func (b *WriteBatch) PutTTL(key, value []byte, expiresAtSec uint32) {
	b.ops = append(b.ops, batchOp{kind: opPut, key: append([]byte(nil), key...), value: append([]byte(nil), value...), expiresAtSec: expiresAtSec})
}

// Delete queues a tombstone.
func (b *WriteBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{kind: opDelete, key: append([]byte(nil), key...)})
}

// Apply commits every queued operation as one atomic batch (spec.md §4.7).
func (db *DB) Apply(b *WriteBatch) error {
	return db.Batch(b.ops)
}

// Batch runs the batch-commit algorithm end to end: split per bucket, build
// overflow chains for oversized values, pack KV records into new pages,
// link new heads onto the previous chain, assemble one WAL group-commit
// unit, write segments, bulk-update the directory, and publish events.
func (db *DB) Batch(ops []batchOp) error {
	if db.readOnly {
		return storage.ErrReadOnly
	}
	if len(ops) == 0 {
		return nil
	}

	byBucket := make(map[uint32][]batchOp)
	order := make([]uint32, 0)
	for _, op := range ops {
		b := db.dir.BucketOf(op.key)
		if _, ok := byBucket[b]; !ok {
			order = append(order, b)
		}
		byBucket[b] = append(byBucket[b], op)
	}

	pageSize := int(db.pager.PageSize())
	var allPages []*storage.Page
	var headUpdates []storage.HeadUpdate
	var toPublish []publishedEvent

	for _, bucket := range order {
		bucketOps := byBucket[bucket]
		prevHead := db.dir.Head(bucket)

		var newPages []*storage.Page
		cur := storage.NewPage(pageSize)
		pid, err := db.pager.AllocateOnePage()
		if err != nil {
			return fmt.Errorf("quiverdb: allocate kv page: %w", err)
		}
		cur.InitKV(pid, uint16(storage.CodecNone))

		finalize := func(p *storage.Page, next uint64) {
			p.SetNextPageID(next)
			newPages = append(newPages, p)
		}

		for _, op := range bucketOps {
			var storedValue []byte
			vflags := uint8(0)

			switch {
			case op.kind == opDelete:
				vflags = storage.VFlagTombstone
			case len(op.value) > db.cfg.overflowThreshold():
				headPid, totalLen, err := db.writeOverflowChain(op.value)
				if err != nil {
					return err
				}
				allPages = append(allPages, db.pendingOverflowPages...)
				db.pendingOverflowPages = nil
				storedValue = storage.BuildPlaceholder(totalLen, headPid)
			default:
				storedValue = op.value
			}

			fp := storage.Fingerprint8(2, op.key)

			if !cur.Fits(len(op.key), len(storedValue)) {
				finalize(cur, 0) // next filled in during linking below
				npid, err := db.pager.AllocateOnePage()
				if err != nil {
					return fmt.Errorf("quiverdb: allocate kv page: %w", err)
				}
				cur = storage.NewPage(pageSize)
				cur.InitKV(npid, uint16(storage.CodecNone))
				if !cur.Fits(len(op.key), len(storedValue)) {
					return fmt.Errorf("quiverdb: record does not fit in an empty page: %w", storage.ErrNoSpace)
				}
			}
			cur.AppendRecord(op.key, storedValue, op.expiresAtSec, vflags, fp)

			if op.kind == opDelete {
				toPublish = append(toPublish, publishedEvent{key: op.key, del: true})
			} else {
				toPublish = append(toPublish, publishedEvent{key: op.key, value: op.value})
			}
		}
		finalize(cur, 0)

		// Link the newly produced pages newest-first: each page points at the
		// one produced before it, and the first one points at the previous
		// head so chain history is preserved (spec.md §4.7 step 4). The last
		// page produced becomes the new bucket head, so tail-wins holds even
		// when one batch writes the same key into several pages.
		next := prevHead
		for _, p := range newPages {
			p.SetNextPageID(next)
			next = p.PageID()
		}
		newHead := next
		headUpdates = append(headUpdates, storage.HeadUpdate{Bucket: bucket, Head: newHead})
		allPages = append(allPages, newPages...)
	}

	commitLSN, err := db.pager.CommitBatch(allPages, headUpdates)
	if err != nil {
		return err
	}

	db.publish(toPublish, commitLSN)
	return nil
}

func (db *DB) writeOverflowChain(value []byte) (headPid uint64, totalLen uint64, err error) {
	payload := value
	codecID := uint16(storage.CodecNone)
	if db.cfg.overflowThreshold() > 0 {
		if compressed, ok := tryZstdCompress(value); ok && len(compressed) < len(value) {
			payload = compressed
			codecID = storage.CodecZstd
		}
	}

	pageSize := int(db.pager.PageSize())
	capacity := storage.OverflowCapacity(pageSize)
	if capacity <= 0 {
		return 0, 0, fmt.Errorf("quiverdb: page size too small for overflow chunks")
	}

	var chunkPages []*storage.Page
	for off := 0; off < len(payload) || (len(payload) == 0 && off == 0); {
		end := off + capacity
		if end > len(payload) {
			end = len(payload)
		}
		pid, aerr := db.pager.AllocateOnePage()
		if aerr != nil {
			return 0, 0, fmt.Errorf("quiverdb: allocate overflow page: %w", aerr)
		}
		p := storage.NewPage(pageSize)
		p.InitOverflow(pid, codecID)
		chunk := payload[off:end]
		copy(p.OverflowPayload(), chunk)
		p.SetChunkLen(uint32(len(chunk)))
		chunkPages = append(chunkPages, p)
		if end == len(payload) {
			break
		}
		off = end
	}

	for i := len(chunkPages) - 1; i >= 0; i-- {
		if i == len(chunkPages)-1 {
			chunkPages[i].SetNextPageID(storage.NoPage)
		} else {
			chunkPages[i].SetNextPageID(chunkPages[i+1].PageID())
		}
	}

	db.pendingOverflowPages = append(db.pendingOverflowPages, chunkPages...)
	return chunkPages[0].PageID(), uint64(len(value)), nil
}

func tryZstdCompress(value []byte) ([]byte, bool) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, false
	}
	defer enc.Close()
	out := enc.EncodeAll(value, nil)
	return out, true
}

func tryZstdDecompress(payload []byte, totalLen int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(payload, make([]byte, 0, totalLen))
	if err != nil {
		return nil, fmt.Errorf("quiverdb: overflow zstd decode: %w", err)
	}
	return out, nil
}
