package storage

import "path/filepath"

// joinRoot joins a DB-root-relative file name, matching the fixed file
// layout in spec.md §6 (meta, dir, free, data-NNNNNN.p2seg, wal-000001.log,
// LOCK, and the dotfile markers).
func joinRoot(root, name string) string {
	return filepath.Join(root, name)
}
