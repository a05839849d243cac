package storage

import (
	"encoding/binary"
	"fmt"
	"os"
)

// FreeListFileName is the free-page stack file at the DB root (spec.md §3,
// §6): magic+version header, then a LIFO stream of u64 page ids.
const FreeListFileName = "free"

var freeListMagic = [8]byte{'P', '2', 'F', 'R', 'E', 'E', '0', '1'}

const (
	freeListVersion = uint32(1)
	freeListHdrSize = 16
)

// FreeList is an append-only stack of reclaimed page ids. The file's length
// is the source of truth for the count; push/pop extend or truncate it.
// Callers serialize access externally (the writer's single-threaded path),
// matching the teacher's pager lock discipline.
type FreeList struct {
	path string
}

// CreateFreeList writes a new, empty free list file. It fails if one
// already exists.
func CreateFreeList(root string) (*FreeList, error) {
	path := joinRoot(root, FreeListFileName)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("storage: free list already exists at %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: create free list: %w", err)
	}
	defer f.Close()

	hdr := make([]byte, freeListHdrSize)
	copy(hdr, freeListMagic[:])
	binary.LittleEndian.PutUint32(hdr[8:], freeListVersion)
	if _, err := f.Write(hdr); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	return &FreeList{path: path}, nil
}

// OpenFreeList opens and validates an existing free list file.
func OpenFreeList(root string) (*FreeList, error) {
	path := joinRoot(root, FreeListFileName)
	hdr, err := readHeaderBytes(path, freeListHdrSize)
	if err != nil {
		return nil, err
	}
	if string(hdr[0:8]) != string(freeListMagic[:]) {
		return nil, ErrBadMagic
	}
	if binary.LittleEndian.Uint32(hdr[8:12]) != freeListVersion {
		return nil, ErrBadVersion
	}
	return &FreeList{path: path}, nil
}

func readHeaderBytes(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open free list: %w", err)
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("storage: read free list header: %w", err)
	}
	return buf, nil
}

// Path returns the free list's file path, for diagnostics.
func (fl *FreeList) Path() string { return fl.path }

// Count returns the number of free page ids currently on the stack.
func (fl *FreeList) Count() (uint64, error) {
	info, err := os.Stat(fl.path)
	if err != nil {
		return 0, err
	}
	if info.Size() < freeListHdrSize {
		return 0, fmt.Errorf("storage: free list truncated below header: %w", ErrCorrupt)
	}
	return uint64(info.Size()-freeListHdrSize) / 8, nil
}

// Push appends pageID to the top of the stack.
func (fl *FreeList) Push(pageID uint64) error {
	f, err := os.OpenFile(fl.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("storage: open free list for push: %w", err)
	}
	defer f.Close()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], pageID)
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	if _, err := f.Write(buf[:]); err != nil {
		return err
	}
	return f.Sync()
}

// Pop removes and returns the top page id, or ok=false if the stack is
// empty.
func (fl *FreeList) Pop() (pageID uint64, ok bool, err error) {
	f, err := os.OpenFile(fl.path, os.O_RDWR, 0644)
	if err != nil {
		return 0, false, fmt.Errorf("storage: open free list for pop: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false, err
	}
	if info.Size() < freeListHdrSize {
		return 0, false, fmt.Errorf("storage: free list truncated below header: %w", ErrCorrupt)
	}
	if info.Size() == freeListHdrSize {
		return 0, false, nil
	}

	lastOff := info.Size() - 8
	var buf [8]byte
	if _, err := f.ReadAt(buf[:], lastOff); err != nil {
		return 0, false, err
	}
	pageID = binary.LittleEndian.Uint64(buf[:])

	if err := f.Truncate(lastOff); err != nil {
		return 0, false, err
	}
	if err := f.Sync(); err != nil {
		return 0, false, err
	}
	return pageID, true, nil
}
