// Package maintenance implements compaction, orphan-overflow sweep, vacuum,
// checkpoint and the doctor scan (spec.md §4.12).
package maintenance

import (
	"fmt"
	"time"

	"github.com/quiverdb/quiverdb"
	"github.com/quiverdb/quiverdb/storage"
)

// FreezeHook lets a snapshot.Manager preserve a page's bytes before
// maintenance reclaims it, when some active snapshot's view still needs
// them (spec.md §4.9 "Freeze-on-overwrite"). Pass nil when no snapshots
// are in use.
type FreezeHook interface {
	FreezeBeforeReclaim(pageID uint64) error
}

// BloomHook lets a bloom.Sidecar stay aligned with a bucket that
// compaction just rebuilt, without this package importing bloom. Pass nil
// when no side-car is attached.
type BloomHook interface {
	RebuildBucket(db *quiverdb.DB, bucket uint32) error
}

// CompactionReport summarizes one compact_bucket run.
type CompactionReport struct {
	Bucket       uint32
	OldChainLen  int
	KeysKept     int
	KeysDeleted  int
	PagesWritten int
	NewHead      uint64
}

// CompactBucket walks bucket's chain end to end, keeps only the newest live
// (non-tombstone, non-expired) record per key plus its overflow chain
// unchanged, repacks into new KV pages, and replaces the head with a single
// HEADS_UPDATE (spec.md §4.12). The old chain's pages are freed afterward,
// giving hook a chance to freeze any a live snapshot still needs.
func CompactBucket(db *quiverdb.DB, bucket uint32, hook FreezeHook, bloomHook BloomHook) (CompactionReport, error) {
	pager := db.Pager()
	dir := db.Directory()
	report := CompactionReport{Bucket: bucket}

	head := dir.Head(bucket)
	now := uint32(time.Now().Unix())

	type liveRecord struct {
		key          []byte
		value        []byte
		expiresAtSec uint32
	}
	kept := make(map[string]liveRecord)
	deletedKeys := make(map[string]bool)
	var oldChainPages []uint64

	for pid := head; pid != storage.NoPage; {
		page, err := pager.ReadPage(pid)
		if err != nil {
			return report, fmt.Errorf("maintenance: read page %d: %w", pid, err)
		}
		oldChainPages = append(oldChainPages, pid)
		report.OldChainLen++
		slots := int(page.TableSlots())
		for i := slots - 1; i >= 0; i-- {
			slot := page.Slot(i)
			k, v, expiresAtSec, vflags := page.ReadRecordAt(slot.Off)
			sk := string(k)
			if _, ok := kept[sk]; ok || deletedKeys[sk] {
				continue // a newer page already decided this key
			}
			if vflags&storage.VFlagTombstone != 0 {
				deletedKeys[sk] = true
				continue
			}
			if expiresAtSec != 0 && expiresAtSec <= now {
				deletedKeys[sk] = true
				continue
			}
			kept[sk] = liveRecord{key: append([]byte(nil), k...), value: append([]byte(nil), v...), expiresAtSec: expiresAtSec}
		}
		pid = page.NextPageID()
	}

	report.KeysKept = len(kept)
	report.KeysDeleted = len(deletedKeys)

	pageSize := int(pager.PageSize())
	var newPages []*storage.Page
	cur := storage.NewPage(pageSize)
	pid, err := pager.AllocateOnePage()
	if err != nil {
		return report, fmt.Errorf("maintenance: allocate kv page: %w", err)
	}
	cur.InitKV(pid, 0)

	for _, rec := range kept {
		fp := storage.Fingerprint8(2, rec.key)
		if !cur.Fits(len(rec.key), len(rec.value)) {
			newPages = append(newPages, cur)
			npid, err := pager.AllocateOnePage()
			if err != nil {
				return report, fmt.Errorf("maintenance: allocate kv page: %w", err)
			}
			cur = storage.NewPage(pageSize)
			cur.InitKV(npid, 0)
		}
		cur.AppendRecord(rec.key, rec.value, rec.expiresAtSec, 0, fp)
	}
	newPages = append(newPages, cur)
	report.PagesWritten = len(newPages)

	// Chain the new pages among themselves (oldest page has no previous
	// head to preserve: compaction discards chain history for this
	// bucket), then commit and replace the head.
	var next uint64 = storage.NoPage
	for i := len(newPages) - 1; i >= 0; i-- {
		newPages[i].SetNextPageID(next)
		next = newPages[i].PageID()
	}
	report.NewHead = newPages[0].PageID()

	if _, err := pager.CommitBatch(newPages, []storage.HeadUpdate{{Bucket: bucket, Head: report.NewHead}}); err != nil {
		return report, fmt.Errorf("maintenance: commit compacted bucket %d: %w", bucket, err)
	}

	for _, pid := range oldChainPages {
		if hook != nil {
			if err := hook.FreezeBeforeReclaim(pid); err != nil {
				return report, fmt.Errorf("maintenance: freeze page %d before reclaim: %w", pid, err)
			}
		}
		if err := pager.FreePage(pid); err != nil {
			return report, fmt.Errorf("maintenance: free old chain page %d: %w", pid, err)
		}
	}

	if bloomHook != nil {
		if err := bloomHook.RebuildBucket(db, bucket); err != nil {
			return report, fmt.Errorf("maintenance: rebuild bloom for bucket %d: %w", bucket, err)
		}
	}
	return report, nil
}

// CompactAll runs CompactBucket over every bucket.
func CompactAll(db *quiverdb.DB, hook FreezeHook, bloomHook BloomHook) ([]CompactionReport, error) {
	dir := db.Directory()
	reports := make([]CompactionReport, 0, dir.BucketCount())
	for b := uint32(0); b < dir.BucketCount(); b++ {
		r, err := CompactBucket(db, b, hook, bloomHook)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// SweepReport summarizes an orphan-overflow sweep.
type SweepReport struct {
	Scanned int
	Freed   int
}

// SweepOrphanOverflow marks every overflow page reachable from a live
// placeholder in any bucket chain, then frees every unreachable overflow
// page back to the free list (spec.md §4.12).
func SweepOrphanOverflow(db *quiverdb.DB, hook FreezeHook) (SweepReport, error) {
	pager := db.Pager()
	dir := db.Directory()
	var report SweepReport

	reachable := make(map[uint64]bool)
	heads := dir.Heads()
	for _, head := range heads {
		for pid := head; pid != storage.NoPage; {
			page, err := pager.ReadPage(pid)
			if err != nil {
				return report, fmt.Errorf("maintenance: read page %d: %w", pid, err)
			}
			slots := int(page.TableSlots())
			for i := 0; i < slots; i++ {
				slot := page.Slot(i)
				_, v, _, vflags := page.ReadRecordAt(slot.Off)
				if vflags&storage.VFlagTombstone != 0 {
					continue
				}
				if totalLen, headPid, ok := storage.ParsePlaceholder(v); ok {
					_ = totalLen
					for opid := headPid; opid != storage.NoPage && !reachable[opid]; {
						reachable[opid] = true
						opage, err := pager.ReadPage(opid)
						if err != nil {
							return report, fmt.Errorf("maintenance: read overflow page %d: %w", opid, err)
						}
						opid = opage.NextPageID()
					}
				}
			}
			pid = page.NextPageID()
		}
	}

	nextPageID := pager.Meta().NextPageID
	for pid := uint64(0); pid < nextPageID; pid++ {
		page, err := pager.ReadPage(pid)
		if err != nil {
			continue // unallocated / already freed page id, or a free-list entry
		}
		if page.Type() != storage.PageTypeOverflow {
			continue
		}
		report.Scanned++
		if reachable[pid] {
			continue
		}
		if hook != nil {
			if err := hook.FreezeBeforeReclaim(pid); err != nil {
				return report, fmt.Errorf("maintenance: freeze orphan overflow page %d: %w", pid, err)
			}
		}
		if err := pager.FreePage(pid); err != nil {
			return report, fmt.Errorf("maintenance: free orphan overflow page %d: %w", pid, err)
		}
		report.Freed++
	}
	return report, nil
}

// VacuumReport bundles a full compaction pass with an orphan sweep.
type VacuumReport struct {
	Compaction []CompactionReport
	Sweep      SweepReport
}

// Vacuum runs CompactAll followed by SweepOrphanOverflow. bloomHook's
// per-bucket rebuilds never advance the side-car's last_lsn, so Vacuum
// alone does not make it fresh again — call bloom.Rebuild separately to
// realign last_lsn with meta.last_lsn once all buckets have settled.
func Vacuum(db *quiverdb.DB, hook FreezeHook, bloomHook BloomHook) (VacuumReport, error) {
	var report VacuumReport
	compaction, err := CompactAll(db, hook, bloomHook)
	report.Compaction = compaction
	if err != nil {
		return report, err
	}
	sweep, err := SweepOrphanOverflow(db, hook)
	report.Sweep = sweep
	return report, err
}

// Checkpoint truncates the WAL to its header and marks clean_shutdown,
// under the writer's exclusive lock (already held by an Open'd writer
// handle; spec.md §4.12 "acquire exclusive lock").
func Checkpoint(db *quiverdb.DB) error {
	return db.Pager().Checkpoint()
}

// PageStatus is one page's doctor verdict.
type PageStatus struct {
	PageID uint64
	Status string // "ok", "free", "corrupt"
	Detail string
}

// Doctor scans every allocated page id and reports its status, never
// aborting on a single bad page (spec.md's supplemented per-page report).
func Doctor(db *quiverdb.DB) ([]PageStatus, error) {
	pager := db.Pager()
	nextPageID := pager.Meta().NextPageID
	out := make([]PageStatus, 0, nextPageID)
	for pid := uint64(0); pid < nextPageID; pid++ {
		page, err := pager.ReadPage(pid)
		if err != nil {
			out = append(out, PageStatus{PageID: pid, Status: "corrupt", Detail: err.Error()})
			continue
		}
		if page.Type() != storage.PageTypeKV && page.Type() != storage.PageTypeOverflow {
			out = append(out, PageStatus{PageID: pid, Status: "free"})
			continue
		}
		out = append(out, PageStatus{PageID: pid, Status: "ok"})
	}
	return out, nil
}
