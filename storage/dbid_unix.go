//go:build !windows && !js && !wasip1

package storage

import (
	"fmt"
	"os"
	"syscall"
)

// deviceInodeKey returns a (dev, inode) derived key when the platform's
// os.FileInfo exposes a *syscall.Stat_t, so bind mounts / hardlinked
// aliases of the same file resolve to the same cache entry.
func deviceInodeKey(fi os.FileInfo) (string, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("dev:%d/ino:%d", st.Dev, st.Ino), true
}
