// Package quiverdb is an embedded, single-writer/multi-reader persistent
// key-value store: segmented pager, write-ahead log with group commit, a
// hash-bucket directory of tail-wins chains, and overflow-chained large
// values (see DESIGN.md for the grounding of each part).
package quiverdb

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/quiverdb/quiverdb/crypto"
	"github.com/quiverdb/quiverdb/storage"
)

// DB is an open database handle. A single process may hold one writer
// handle and any number of reader handles against the same root (spec.md
// §5): the writer holds an exclusive advisory lock, readers a shared one.
type DB struct {
	root     string
	cfg      Config
	readOnly bool

	pager *storage.Pager
	dir   *storage.Directory

	subMu sync.Mutex
	subs  []*subscription

	cryptoMgr *crypto.Manager

	bloomFilter BloomFilter

	// pendingOverflowPages is scratch state threaded from writeOverflowChain
	// back to Batch within a single call; safe unsynchronized because Batch
	// is serialized by the single-writer contract (spec.md §5).
	pendingOverflowPages []*storage.Page
}

// Open creates (if absent) or opens root for read/write access.
func Open(root string, cfg Config) (*DB, error) {
	return open(root, cfg, false)
}

// OpenReadOnly opens an existing database for reads only; it never
// initializes a fresh one.
func OpenReadOnly(root string, cfg Config) (*DB, error) {
	return open(root, cfg, true)
}

func open(root string, cfg Config, readOnly bool) (*DB, error) {
	if cfg.PageSize == 0 {
		d := DefaultConfig()
		cfg.PageSize = d.PageSize
	}
	if cfg.BucketCount == 0 {
		cfg.BucketCount = DefaultConfig().BucketCount
	}

	checksumKind := storage.ChecksumCRC32C
	if cfg.TDEEnabled {
		checksumKind = storage.ChecksumAEAD
	}

	pager, err := storage.OpenPager(root, cfg.pagerConfig(checksumKind, codecForConfig(cfg)), readOnly)
	if err != nil {
		return nil, fmt.Errorf("quiverdb: open pager: %w", err)
	}
	pager.SetWALCoalesce(cfg.WALCoalesceMs)

	db := &DB{root: root, cfg: cfg, readOnly: readOnly, pager: pager}

	var dir *storage.Directory
	if existing, derr := storage.OpenDirectory(root, readOnly); derr == nil {
		dir = existing
	} else if !readOnly {
		dir, err = storage.CreateDirectory(root, cfg.BucketCount)
		if err != nil {
			pager.Close()
			return nil, fmt.Errorf("quiverdb: create directory: %w", err)
		}
	} else {
		pager.Close()
		return nil, fmt.Errorf("quiverdb: open directory: %w", derr)
	}
	db.dir = dir

	if !readOnly {
		pager.SetHeadsApplier(dirHeadsApplier{dir})
	}

	if cfg.TDEEnabled {
		if cfg.TDEProvider == nil {
			pager.Close()
			return nil, fmt.Errorf("quiverdb: tde_enabled requires a TDEProvider")
		}
		ring, err := crypto.OpenOrCreateKeyRing(filepath.Join(root, crypto.KeyRingFileName))
		if err != nil {
			pager.Close()
			return nil, fmt.Errorf("quiverdb: open key ring: %w", err)
		}
		journal, err := crypto.OpenOrCreateKeyJournal(filepath.Join(root, crypto.KeyJournalFileName))
		if err != nil {
			pager.Close()
			return nil, fmt.Errorf("quiverdb: open key journal: %w", err)
		}
		mgr := crypto.NewManager(cfg.TDEProvider, ring, journal, cfg.TDEKEK)
		key, kid, err := mgr.Resolve()
		if err != nil {
			pager.Close()
			return nil, fmt.Errorf("quiverdb: resolve DEK: %w", err)
		}
		if len(journal.Epochs()) == 0 {
			if err := mgr.Rotate(pager.Meta().LastLSN+1, key, kid); err != nil {
				pager.Close()
				return nil, fmt.Errorf("quiverdb: record initial key epoch: %w", err)
			}
		}
		crypto.WarnIfLSNNearWrap(pager.Meta().LastLSN)
		pager.SetAEADKey(key)
		db.cryptoMgr = mgr
	}

	return db, nil
}

// dirHeadsApplier adapts *storage.Directory to storage.HeadsApplier so the
// pager can apply a committed HEADS_UPDATE without importing this package.
type dirHeadsApplier struct{ dir *storage.Directory }

func (a dirHeadsApplier) ApplyHeads(_ uint64, updates []storage.HeadUpdate) error {
	return a.dir.SetHeads(updates)
}

// codecForConfig is the database-wide default codec id recorded in meta;
// actual overflow chunk compression is chosen per chain by the packer (see
// packer.go), so this stays CodecNone.
func codecForConfig(cfg Config) uint8 {
	return uint8(storage.CodecNone)
}

// Close flushes and releases the database. Safe to call once.
func (db *DB) Close() error {
	return db.pager.Close()
}

// RootDir returns the filesystem root this handle was opened against.
func (db *DB) RootDir() string { return db.root }

// IsReadOnly reports whether this handle rejects writes.
func (db *DB) IsReadOnly() bool { return db.readOnly }

// Pager exposes the underlying storage engine for the maintenance, backup,
// snapshot and cdc packages.
func (db *DB) Pager() *storage.Pager { return db.pager }

// Directory exposes the bucket directory for the same packages.
func (db *DB) Directory() *storage.Directory { return db.dir }

// CryptoManager returns the TDE key manager, or nil if TDE is not enabled.
func (db *DB) CryptoManager() *crypto.Manager { return db.cryptoMgr }

func nowSecs() uint32 { return uint32(time.Now().Unix()) }
