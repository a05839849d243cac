package storage

import "errors"

// Sentinel errors returned by the storage layer. Callers compose context
// with fmt.Errorf("%w", ...) the way the teacher's Pager does for
// ErrReadOnly.
var (
	ErrReadOnly      = errors.New("storage: database is read-only")
	ErrLocked        = errors.New("storage: database is locked by another writer")
	ErrNotFound      = errors.New("storage: page not found")
	ErrBounds        = errors.New("storage: page id out of range")
	ErrCorrupt       = errors.New("storage: checksum/AEAD verification failed")
	ErrZeroTrailer   = errors.New("storage: zero trailer rejected in strict mode")
	ErrBadMagic      = errors.New("storage: bad magic number")
	ErrBadVersion    = errors.New("storage: unsupported version")
	ErrUnknownType   = errors.New("storage: unknown page type")
	ErrWALStreamMix  = errors.New("storage: WAL stream_id mismatch")
	ErrRecordCRC     = errors.New("storage: WAL record CRC mismatch")
	ErrNoSpace       = errors.New("storage: record does not fit in a page")
	ErrValueTooLarge = errors.New("storage: value exceeds configured maximum")
)
