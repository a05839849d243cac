//go:build windows || js || wasip1

package storage

import "os"

// deviceInodeKey has no portable equivalent on these platforms; ComputeDBID
// falls back to the canonical path string alone.
func deviceInodeKey(fi os.FileInfo) (string, bool) {
	return "", false
}
