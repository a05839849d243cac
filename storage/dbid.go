package storage

import (
	"os"
	"path/filepath"
	"sync"
)

// DBID identifies a database root for the process-wide page/value/Bloom
// caches (spec.md §3 "Lifecycle and ownership", §9 design note on cache
// keys). It is derived from the canonical filesystem path, plus device and
// inode where the platform exposes them, so the same database opened
// through two different path aliases shares one cache entry instead of
// duplicating it.
type DBID uint64

var (
	dbidMu   sync.Mutex
	dbidNext uint64 = 1
	dbidByFS        = map[string]DBID{}
)

// ComputeDBID resolves root to a canonical identity and assigns (or
// reuses) a stable in-process DBID for it.
func ComputeDBID(root string) (DBID, error) {
	canon, err := filepath.Abs(root)
	if err != nil {
		return 0, err
	}
	if resolved, err := filepath.EvalSymlinks(canon); err == nil {
		canon = resolved
	}

	fsKey := canon
	if fi, err := os.Stat(canon); err == nil {
		if dk, ok := deviceInodeKey(fi); ok {
			fsKey = dk
		}
	}

	dbidMu.Lock()
	defer dbidMu.Unlock()
	if id, ok := dbidByFS[fsKey]; ok {
		return id, nil
	}
	id := DBID(dbidNext)
	dbidNext++
	dbidByFS[fsKey] = id
	return id, nil
}
