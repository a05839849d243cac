package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LockFileName is the empty advisory-lock file at the DB root (spec.md §6).
const LockFileName = "LOCK"

// SegmentSize is the fixed size of each segment file (spec.md §4.1): S = 32
// MiB, regardless of page_size.
const SegmentSize = 32 << 20

// PagerConfig carries the per-database knobs enumerated in spec.md §6.
type PagerConfig struct {
	PageSize           uint32
	HashKind           HashKind
	CodecID            uint8
	ChecksumKind       ChecksumKind
	DataFsync          bool
	StrictZeroChecksum bool
	PageCachePages     int
}

// HeadsApplier lets the pager hand a committed HEADS_UPDATE payload to the
// bucket directory without importing it directly, keeping the two files'
// on-disk formats independently testable (spec.md §4.4/§4.7).
type HeadsApplier interface {
	ApplyHeads(lsn uint64, updates []HeadUpdate) error
}

// Pager owns the segmented page store: the meta file, the free list, the
// WAL, and the page/value caches. It is the single-writer/multi-reader
// engine under storage.Directory and the root package facade (spec.md
// §4.1).
type Pager struct {
	mu   sync.RWMutex
	root string
	dbid DBID
	cfg  PagerConfig
	meta *Meta

	lock     *fileLock
	readOnly bool

	wal  *WAL
	free *FreeList

	segMu           sync.Mutex
	segments        map[int]*os.File
	pagesPerSegment uint64

	cache      *PageCache
	valueCache *ValueCache

	aeadKey      *[32]byte
	headsApplier HeadsApplier
}

// OpenPager creates (if absent) or opens the pager at root. Init happens
// implicitly on first open: a meta file, the first segment, and an empty
// WAL and free list are created.
func OpenPager(root string, cfg PagerConfig, readOnly bool) (*Pager, error) {
	if err := os.MkdirAll(root, 0755); err != nil && !readOnly {
		return nil, err
	}
	lock, err := lockFile(root, !readOnly)
	if err != nil {
		return nil, err
	}

	dbid, err := ComputeDBID(root)
	if err != nil {
		lock.unlock()
		return nil, err
	}

	p := &Pager{
		root:     root,
		dbid:     dbid,
		cfg:      cfg,
		lock:     lock,
		readOnly: readOnly,
		segments: make(map[int]*os.File),
		cache:    SharedPageCache(),
	}
	if cfg.PageCachePages > 0 {
		p.cache = NewPageCache(cfg.PageCachePages)
	}
	p.valueCache = SharedValueCache()
	p.pagesPerSegment = uint64(SegmentSize) / uint64(cfg.PageSize)

	metaPath := joinRoot(root, MetaFileName)
	if _, statErr := os.Stat(metaPath); statErr != nil {
		if readOnly {
			lock.unlock()
			return nil, fmt.Errorf("storage: cannot init database in read-only mode")
		}
		if err := p.initFresh(); err != nil {
			lock.unlock()
			return nil, err
		}
		return p, nil
	}

	meta, err := loadMeta(metaPath)
	if err != nil {
		lock.unlock()
		return nil, fmt.Errorf("storage: load meta: %w", err)
	}
	p.meta = meta

	free, err := OpenFreeList(root)
	if err != nil {
		lock.unlock()
		return nil, err
	}
	p.free = free

	if !readOnly {
		wal, err := OpenWAL(root, nil, false)
		if err != nil {
			lock.unlock()
			return nil, err
		}
		p.wal = wal
		wal.SetNextLSN(meta.LastLSN + 1)

		if !meta.CleanShutdown {
			if err := p.replay(); err != nil {
				wal.Close()
				lock.unlock()
				return nil, fmt.Errorf("storage: replay: %w", err)
			}
		}
		meta.CleanShutdown = false
		if err := p.flushMeta(); err != nil {
			wal.Close()
			lock.unlock()
			return nil, err
		}
	}

	return p, nil
}

func (p *Pager) initFresh() error {
	p.meta = &Meta{
		PageSize:     p.cfg.PageSize,
		HashKind:     p.cfg.HashKind,
		CodecID:      p.cfg.CodecID,
		ChecksumKind: p.cfg.ChecksumKind,
		NextPageID:   0,
		LastLSN:      0,
		CleanShutdown: false,
	}
	if err := p.flushMeta(); err != nil {
		return err
	}
	free, err := CreateFreeList(p.root)
	if err != nil {
		return err
	}
	p.free = free

	// Touch the first segment so reads against an empty database don't
	// fail on a missing file.
	if _, err := p.segmentFile(1); err != nil {
		return err
	}

	wal, err := CreateWAL(p.root)
	if err != nil {
		return err
	}
	p.wal = wal
	wal.SetNextLSN(1)
	return nil
}

// SetAEADKey installs the page-trailer authentication key used when
// meta.ChecksumKind is ChecksumAEAD. The crypto package calls this after
// resolving the database's current DEK.
func (p *Pager) SetAEADKey(key [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aeadKey = &key
}

// SetHeadsApplier installs the directory as the sink for HEADS_UPDATE
// payloads applied during replay and batch commit.
func (p *Pager) SetHeadsApplier(a HeadsApplier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.headsApplier = a
}

// SetWALCoalesce forwards wal_coalesce_ms to the WAL's group-commit window.
func (p *Pager) SetWALCoalesce(ms uint64) {
	if p.wal != nil {
		p.wal.SetCoalesce(time.Duration(ms) * time.Millisecond)
	}
}

// DBID returns the process-wide cache identity for this database.
func (p *Pager) DBID() DBID { return p.dbid }

// IsReadOnly reports whether writes are rejected.
func (p *Pager) IsReadOnly() bool { return p.readOnly }

// PageSize returns the fixed page size chosen at init.
func (p *Pager) PageSize() uint32 { return p.meta.PageSize }

// Meta returns a copy of the current meta header.
func (p *Pager) Meta() Meta {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.meta
}

// Close flushes meta with clean_shutdown=true and releases all handles.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	if !p.readOnly {
		p.meta.CleanShutdown = true
		if err := p.flushMeta(); err != nil {
			firstErr = err
		}
	}

	p.segMu.Lock()
	for _, f := range p.segments {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.segMu.Unlock()

	if p.wal != nil {
		if err := p.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.cache.InvalidateDB(p.dbid)
	p.valueCache.InvalidateDB(p.dbid)

	if err := p.lock.unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (p *Pager) flushMeta() error {
	return saveMeta(joinRoot(p.root, MetaFileName), p.meta)
}

// ---------- segment management ----------

func (p *Pager) segmentForPage(pid uint64) (idx int, offset int64) {
	idx = 1 + int(pid/p.pagesPerSegment)
	offset = int64(pid%p.pagesPerSegment) * int64(p.meta.PageSize)
	return
}

func (p *Pager) segmentPath(idx int) string {
	return filepath.Join(p.root, fmt.Sprintf("data-%06d.p2seg", idx))
}

func (p *Pager) segmentFile(idx int) (*os.File, error) {
	p.segMu.Lock()
	defer p.segMu.Unlock()
	if f, ok := p.segments[idx]; ok {
		return f, nil
	}
	flags := os.O_RDWR | os.O_CREATE
	if p.readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(p.segmentPath(idx), flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open segment %d: %w", idx, err)
	}
	p.segments[idx] = f
	return f, nil
}

// ---------- allocation ----------

// AllocateOnePage pops a free page id if one exists, else extends
// next_page_id.
func (p *Pager) AllocateOnePage() (uint64, error) {
	if p.readOnly {
		return 0, ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocateOnePageLocked()
}

func (p *Pager) allocateOnePageLocked() (uint64, error) {
	if pid, ok, err := p.free.Pop(); err != nil {
		return 0, err
	} else if ok {
		return pid, nil
	}
	pid := p.meta.NextPageID
	p.meta.NextPageID++
	return pid, nil
}

// ensureAllocatedLocked extends meta.next_page_id to cover pid, used by
// replay and CDC apply which see page ids out of normal allocation order.
func (p *Pager) ensureAllocatedLocked(pid uint64) {
	if pid >= p.meta.NextPageID {
		p.meta.NextPageID = pid + 1
	}
}

// FreePage pushes pid back onto the free list. Callers (compaction, sweep)
// must ensure no live chain still references it.
func (p *Pager) FreePage(pid uint64) error {
	if p.readOnly {
		return ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Push(pid)
}

// ---------- raw page I/O ----------

// WritePageRaw bounds-checks and writes data directly to its segment,
// bypassing the WAL. Used by replay and CDC apply, which are themselves
// reconstructing already-logged state.
func (p *Pager) WritePageRaw(pid uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writePageRawLocked(pid, data)
}

func (p *Pager) writePageRawLocked(pid uint64, data []byte) error {
	if pid >= p.meta.NextPageID {
		return ErrBounds
	}
	idx, off := p.segmentForPage(pid)
	f, err := p.segmentFile(idx)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, off); err != nil {
		return fmt.Errorf("storage: write page %d: %w", pid, err)
	}
	p.cache.Put(p.dbid, pid, data)
	return nil
}

// ReadPage reads and verifies a page, consulting the cache first.
func (p *Pager) ReadPage(pid uint64) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readPageLocked(pid)
}

func (p *Pager) readPageLocked(pid uint64) (*Page, error) {
	if pid >= p.meta.NextPageID {
		return nil, ErrBounds
	}
	if data, ok := p.cache.Get(p.dbid, pid); ok {
		return &Page{Data: data}, nil
	}

	idx, off := p.segmentForPage(pid)
	f, err := p.segmentFile(idx)
	if err != nil {
		return nil, err
	}
	data := make([]byte, p.meta.PageSize)
	if _, err := f.ReadAt(data, off); err != nil {
		return nil, fmt.Errorf("storage: read page %d: %w", pid, err)
	}
	page := &Page{Data: data}
	if err := p.verifyTrailer(page); err != nil {
		return nil, err
	}
	p.cache.Put(p.dbid, pid, data)
	return page, nil
}

func (p *Pager) verifyTrailer(page *Page) error {
	switch p.meta.ChecksumKind {
	case ChecksumAEAD:
		if p.aeadKey == nil {
			return fmt.Errorf("storage: AEAD checksum mode requires a key: %w", ErrCorrupt)
		}
		if !page.VerifyAEADTag(*p.aeadKey, page.PageID(), page.LSN()) {
			return fmt.Errorf("storage: page %d: %w", page.PageID(), ErrCorrupt)
		}
	default:
		if !page.VerifyChecksum(p.cfg.StrictZeroChecksum) {
			if allZeroTrailer(page) {
				return fmt.Errorf("storage: page %d: %w", page.PageID(), ErrZeroTrailer)
			}
			return fmt.Errorf("storage: page %d: %w", page.PageID(), ErrCorrupt)
		}
	}
	return nil
}

func allZeroTrailer(page *Page) bool {
	off := trailerOffset(len(page.Data))
	for _, b := range page.Data[off : off+TrailerSize] {
		if b != 0 {
			return false
		}
	}
	return true
}

func (p *Pager) stampTrailer(page *Page) error {
	switch p.meta.ChecksumKind {
	case ChecksumAEAD:
		if p.aeadKey == nil {
			return fmt.Errorf("storage: AEAD checksum mode requires a key")
		}
		return page.UpdateAEADTag(*p.aeadKey, page.PageID(), page.LSN())
	default:
		page.UpdateChecksum()
		return nil
	}
}

// ---------- commit ----------

// CommitPage stamps page with the next LSN, recomputes its trailer, appends
// a one-page WAL batch, and writes it to its segment.
func (p *Pager) CommitPage(page *Page) (uint64, error) {
	return p.CommitBatch([]*Page{page}, nil)
}

// CommitBatch is commit_pages_batch (spec.md §4.1): every page is stamped
// with a monotonically assigned LSN, the whole batch (BEGIN, PAGE_IMAGEs,
// optional HEADS_UPDATE, COMMIT) is appended to the WAL as one group-commit
// unit, then pages are written to their segments. If any step before the
// WAL fsync fails, nothing durable has changed: meta.last_lsn only advances
// after the fsync succeeds.
func (p *Pager) CommitBatch(pages []*Page, headsUpdate []HeadUpdate) (uint64, error) {
	if p.readOnly {
		return 0, ErrReadOnly
	}
	if len(pages) == 0 && len(headsUpdate) == 0 {
		return 0, nil
	}

	var headsLSN uint64
	var stampErr error
	commitLSN, err := p.wal.CommitBatch(len(pages), len(headsUpdate) > 0, func(first uint64) BatchPlan {
		p.mu.Lock()
		defer p.mu.Unlock()
		lsn := first + 1
		for _, pg := range pages {
			pg.SetLSN(lsn)
			if err := p.stampTrailer(pg); err != nil {
				stampErr = err
				return BatchPlan{}
			}
			lsn++
		}
		if len(headsUpdate) > 0 {
			headsLSN = lsn
		}
		return BatchPlan{Pages: pages, HeadsUpdate: headsUpdate}
	})
	if stampErr != nil {
		return 0, stampErr
	}
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	touchedSegs := make(map[int]bool)
	for _, pg := range pages {
		idx, _ := p.segmentForPage(pg.PageID())
		if err := p.writePageRawLocked(pg.PageID(), pg.Data); err != nil {
			p.mu.Unlock()
			return 0, err
		}
		touchedSegs[idx] = true
	}
	if commitLSN > p.meta.LastLSN {
		p.meta.LastLSN = commitLSN
	}
	if err := p.flushMeta(); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	p.mu.Unlock()

	if p.cfg.DataFsync {
		p.segMu.Lock()
		for idx := range touchedSegs {
			if f, ok := p.segments[idx]; ok {
				f.Sync()
			}
		}
		p.segMu.Unlock()
	}

	if len(headsUpdate) > 0 && p.headsApplier != nil {
		if err := p.headsApplier.ApplyHeads(headsLSN, headsUpdate); err != nil {
			return 0, err
		}
	}

	return commitLSN, nil
}

// ---------- replay ----------

func (p *Pager) replay() error {
	records, err := p.wal.ReadAll()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	var maxLSN uint64
	for _, rec := range records {
		switch rec.Type {
		case WALPageImage:
			if err := p.applyPageImageLocked(rec.PageID, rec.Payload, rec.LSN); err != nil {
				return err
			}
		case WALHeadsUpdate:
			if p.headsApplier == nil {
				continue
			}
			updates, err := DecodeHeadsUpdate(rec.Payload)
			if err != nil {
				return err
			}
			if err := p.headsApplier.ApplyHeads(rec.LSN, updates); err != nil {
				return err
			}
		}
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
	}

	if maxLSN > p.meta.LastLSN {
		p.meta.LastLSN = maxLSN
	}
	p.meta.CleanShutdown = true
	if err := p.flushMeta(); err != nil {
		return err
	}
	return p.wal.TruncateToHeader()
}

// Checkpoint acquires no additional lock beyond the pager's own write path:
// it truncates the WAL to its header and marks clean_shutdown, matching
// maintenance.Checkpoint's exclusive-lock contract at the caller level.
func (p *Pager) Checkpoint() error {
	if p.readOnly {
		return ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.wal.TruncateToHeader(); err != nil {
		return err
	}
	p.meta.CleanShutdown = true
	return p.flushMeta()
}

// WALPath returns the WAL file path, for diagnostics and CDC.
func (p *Pager) WALPath() string {
	if p.wal == nil {
		return ""
	}
	return p.wal.Path()
}

// WAL exposes the underlying log for CDC ship and backup.
func (p *Pager) WAL() *WAL { return p.wal }

// FreeList exposes the free-page stack for maintenance operations.
func (p *Pager) FreeList() *FreeList { return p.free }

// ValueCache exposes the value cache so the root package can resolve
// overflow placeholders without duplicating cache-key derivation.
func (p *Pager) ValueCache() *ValueCache { return p.valueCache }

// CacheStats reports page-cache hit/miss counters.
func (p *Pager) CacheStats() (hits, misses uint64) { return p.cache.Stats() }

// applyPageImageLocked extends allocation to cover pageID, then writes data
// raw unless the page already on disk is a recognized type with an embedded
// LSN at or above lsn (LSN gating). Shared by replay and ApplyPageImage so
// CDC apply stays byte-for-byte identical to replay's own page-image path
// (spec.md §4.11 "PAGE_IMAGE path is identical to replay").
func (p *Pager) applyPageImageLocked(pageID uint64, data []byte, lsn uint64) error {
	p.ensureAllocatedLocked(pageID)
	cur, err := p.readPageLocked(pageID)
	if err == nil && (cur.Type() == PageTypeKV || cur.Type() == PageTypeOverflow) && cur.LSN() >= lsn {
		return nil
	}
	return p.writePageRawLocked(pageID, data)
}

// ApplyPageImage is the exported form of applyPageImageLocked, for CDC
// apply and any other out-of-process page-image replay.
func (p *Pager) ApplyPageImage(pageID uint64, data []byte, lsn uint64) error {
	if p.readOnly {
		return ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applyPageImageLocked(pageID, data, lsn)
}

// AdvanceLastLSN raises meta.last_lsn to lsn if lsn is greater, for callers
// (CDC apply) that advance durability state without going through the
// WAL commit path.
func (p *Pager) AdvanceLastLSN(lsn uint64) error {
	if p.readOnly {
		return ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if lsn > p.meta.LastLSN {
		p.meta.LastLSN = lsn
	}
	return p.flushMeta()
}

// EnsureAllocated extends meta.next_page_id to cover pid if needed, for
// callers (CDC apply, snapshot/backup restore) that write page images out
// of normal allocation order and must make WritePageRaw's bounds check
// accept pid before writing it.
func (p *Pager) EnsureAllocated(pid uint64) error {
	if p.readOnly {
		return ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureAllocatedLocked(pid)
	return p.flushMeta()
}
