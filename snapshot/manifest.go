package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quiverdb/quiverdb/storage"
)

// ManifestVersion is the persisted-snapshot manifest format version
// (spec.md §4.9 "manifest v2").
const ManifestVersion = 2

// ManifestPage is one page captured by a persisted snapshot: its content
// lives in the SnapStore under Hash.
type ManifestPage struct {
	PageID uint64 `json:"page_id"`
	Hash   string `json:"hash"`
	Length uint32 `json:"length"`
}

// Manifest records everything needed to reconstruct a database as of one
// snapshot: per-bucket heads plus every reachable page's SnapStore hash.
type Manifest struct {
	Version     int            `json:"version"`
	SnapshotID  uint64         `json:"snapshot_id"`
	LSN         uint64         `json:"lsn"`
	PageSize    uint32         `json:"page_size"`
	BucketHeads []uint64       `json:"bucket_heads"`
	Pages       []ManifestPage `json:"pages"`
}

func manifestPath(root string, id uint64) string {
	return filepath.Join(root, "snapshots", fmt.Sprintf("%d.manifest.json", id))
}

// Persist walks every page reachable from the snapshot's bucket heads
// (resolving each through resolvePage so frozen versions are honored),
// stores each one in the SnapStore, and writes the manifest to
// root/snapshots/<id>.manifest.json.
func (m *Manager) Persist(id uint64) (*Manifest, error) {
	snap, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("snapshot: id %d not found", id)
	}

	dir := m.db.Directory()
	heads := dir.Heads()
	manifest := &Manifest{
		Version:     ManifestVersion,
		SnapshotID:  id,
		LSN:         snap.LSN,
		PageSize:    m.db.Pager().PageSize(),
		BucketHeads: append([]uint64(nil), heads...),
	}

	seen := make(map[uint64]bool)
	for _, head := range heads {
		for pid := head; pid != storage.NoPage; {
			if seen[pid] {
				break
			}
			seen[pid] = true
			page, err := m.resolvePage(pid, snap.LSN)
			if err != nil {
				return nil, err
			}
			hashHex, _, _, err := m.store.Put(page.Data)
			if err != nil {
				return nil, fmt.Errorf("snapshot: store page %d: %w", pid, err)
			}
			manifest.Pages = append(manifest.Pages, ManifestPage{PageID: pid, Hash: hashHex, Length: uint32(len(page.Data))})

			slots := int(page.TableSlots())
			for i := 0; i < slots; i++ {
				slot := page.Slot(i)
				_, v, _, vflags := page.ReadRecordAt(slot.Off)
				if vflags&storage.VFlagTombstone != 0 {
					continue
				}
				if _, headPid, ok := storage.ParsePlaceholder(v); ok {
					for opid := headPid; opid != storage.NoPage && !seen[opid]; {
						seen[opid] = true
						opage, err := m.resolvePage(opid, snap.LSN)
						if err != nil {
							return nil, err
						}
						ohash, _, _, err := m.store.Put(opage.Data)
						if err != nil {
							return nil, fmt.Errorf("snapshot: store overflow page %d: %w", opid, err)
						}
						manifest.Pages = append(manifest.Pages, ManifestPage{PageID: opid, Hash: ohash, Length: uint32(len(opage.Data))})
						opid = opage.NextPageID()
					}
				}
			}
			pid = page.NextPageID()
		}
	}

	path := manifestPath(m.db.RootDir(), id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create manifest dir: %w", err)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("snapshot: write manifest tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("snapshot: rename manifest into place: %w", err)
	}
	return manifest, nil
}

// ReadManifest loads a previously persisted manifest for id under root.
func ReadManifest(root string, id uint64) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath(root, id))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read manifest %d: %w", id, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("snapshot: decode manifest %d: %w", id, err)
	}
	return &manifest, nil
}

// ListManifests returns every persisted snapshot id under root.
func ListManifests(root string) ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(root, "snapshots"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: list manifests: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "%d.manifest.json", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// RestoreFromID materializes manifest id's view into a fresh database root
// dstRoot, writing each page at its original id and truncating the WAL to
// its header (spec.md §4.9 "restore_from_id writes meta/dir/segments
// consistent with manifest and truncates WAL to header").
func RestoreFromID(dstRoot string, store *SnapStore, manifest *Manifest) error {
	if err := os.MkdirAll(dstRoot, 0o755); err != nil {
		return fmt.Errorf("snapshot: create dst root: %w", err)
	}

	bucketCount := uint32(len(manifest.BucketHeads))
	if _, err := storage.CreateDirectory(dstRoot, bucketCount); err != nil {
		return fmt.Errorf("snapshot: create directory at dst: %w", err)
	}

	pager, err := storage.OpenPager(dstRoot, storage.PagerConfig{
		PageSize:     manifest.PageSize,
		HashKind:     storage.HashFNV1a64,
		ChecksumKind: storage.ChecksumCRC32C,
		DataFsync:    true,
	}, false)
	if err != nil {
		return fmt.Errorf("snapshot: open pager at dst: %w", err)
	}
	defer pager.Close()

	for _, p := range manifest.Pages {
		data, ok, err := store.Get(p.Hash)
		if err != nil {
			return fmt.Errorf("snapshot: read snapstore object for page %d: %w", p.PageID, err)
		}
		if !ok {
			return fmt.Errorf("snapshot: snapstore object %s missing for page %d", p.Hash, p.PageID)
		}
		if err := pager.EnsureAllocated(p.PageID); err != nil {
			return fmt.Errorf("snapshot: allocate page %d at dst: %w", p.PageID, err)
		}
		if err := pager.WritePageRaw(p.PageID, data); err != nil {
			return fmt.Errorf("snapshot: write page %d at dst: %w", p.PageID, err)
		}
	}

	dir, err := storage.OpenDirectory(dstRoot, false)
	if err != nil {
		return fmt.Errorf("snapshot: reopen directory at dst: %w", err)
	}
	updates := make([]storage.HeadUpdate, len(manifest.BucketHeads))
	for b, head := range manifest.BucketHeads {
		updates[b] = storage.HeadUpdate{Bucket: uint32(b), Head: head}
	}
	if err := dir.SetHeads(updates); err != nil {
		return fmt.Errorf("snapshot: set heads at dst: %w", err)
	}

	return pager.Checkpoint()
}
