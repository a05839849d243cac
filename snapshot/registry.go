// Package snapshot implements point-in-time reads via freeze-on-overwrite:
// snapshot_begin/snapshot_end, a sidecar that preserves pages a writer is
// about to reclaim, and a content-addressed SnapStore for persisted
// snapshots (spec.md §4.9).
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RegistryFileName is the JSON snapshot registry, sibling to the meta file.
const RegistryFileName = "snapshots.json"

// Snapshot is one registered point-in-time view.
type Snapshot struct {
	ID        uint64 `json:"id"`
	LSN       uint64 `json:"lsn"`
	Ended     bool   `json:"ended"`
	CreatedAt int64  `json:"created_at"`
}

// Registry tracks every snapshot ever taken against a root, persisted as
// JSON (the teacher's stack carries no embedded-DB dependency for this, and
// the registry is small and human-inspectable, so JSON over stdlib
// encoding/json is used rather than a binary format).
type Registry struct {
	mu      sync.Mutex
	path    string
	nextID  uint64
	entries []Snapshot
}

// OpenOrCreateRegistry loads root/snapshots.json, or starts an empty one.
func OpenOrCreateRegistry(root string) (*Registry, error) {
	path := filepath.Join(root, RegistryFileName)
	r := &Registry{path: path, nextID: 1}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read registry: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &r.entries); err != nil {
			return nil, fmt.Errorf("snapshot: decode registry: %w", err)
		}
	}
	for _, s := range r.entries {
		if s.ID >= r.nextID {
			r.nextID = s.ID + 1
		}
	}
	return r, nil
}

func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write registry tmp: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Begin registers a new snapshot at lsn and returns its assigned id.
func (r *Registry) Begin(lsn uint64, nowUnix int64) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{ID: r.nextID, LSN: lsn, Ended: false, CreatedAt: nowUnix}
	r.nextID++
	r.entries = append(r.entries, s)
	if err := r.save(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// End marks id as ended. Returns the snapshot as it was before ending.
func (r *Registry) End(id uint64) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].ID == id {
			prev := r.entries[i]
			r.entries[i].Ended = true
			if err := r.save(); err != nil {
				return prev, err
			}
			return prev, nil
		}
	}
	return Snapshot{}, fmt.Errorf("snapshot: id %d not found", id)
}

// Get returns the snapshot with the given id.
func (r *Registry) Get(id uint64) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.entries {
		if s.ID == id {
			return s, true
		}
	}
	return Snapshot{}, false
}

// Active returns every snapshot that has not been ended, in any order.
func (r *Registry) Active() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, s := range r.entries {
		if !s.Ended {
			out = append(out, s)
		}
	}
	return out
}

// MinActiveLSN returns the smallest LSN among active snapshots, and false
// if there are none (nothing needs freezing).
func (r *Registry) MinActiveLSN() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	var min uint64
	for _, s := range r.entries {
		if s.Ended {
			continue
		}
		if !found || s.LSN < min {
			min = s.LSN
			found = true
		}
	}
	return min, found
}
