package crypto

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// KeyRingFileName is the DB-root file storing wrapped DEKs by KID (spec.md
// §4.9/§6): magic+version+reserved header, then sorted-by-KID entries of
// [kid_len u16, kid, wrapped_len u32, wrapped_blob].
const KeyRingFileName = "keyring.bin"

var keyRingMagic = [8]byte{'P', '2', 'K', 'E', 'Y', 'R', '0', '1'}

const (
	keyRingVersion = uint32(1)
	keyRingHdrSize = 16 // magic(8) version(4) reserved(4)
)

type keyRingEntry struct {
	kid     string
	wrapped []byte
}

// KeyRing is the wrapped-DEK store. Every Put rewrites the whole file
// atomically with entries in KID-sorted order (spec.md §4.9).
type KeyRing struct {
	path    string
	entries map[string][]byte
}

// OpenOrCreateKeyRing loads an existing key ring, or initializes an empty
// one in memory (persisted on first Put) if none exists yet.
func OpenOrCreateKeyRing(path string) (*KeyRing, error) {
	kr := &KeyRing{path: path, entries: make(map[string][]byte)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return kr, nil
	}
	if err != nil {
		return nil, fmt.Errorf("crypto: read key ring: %w", err)
	}
	if err := kr.decode(data); err != nil {
		return nil, err
	}
	return kr, nil
}

func (kr *KeyRing) decode(data []byte) error {
	if len(data) < keyRingHdrSize {
		return fmt.Errorf("crypto: key ring truncated")
	}
	if string(data[0:8]) != string(keyRingMagic[:]) {
		return fmt.Errorf("crypto: key ring bad magic")
	}
	if binary.LittleEndian.Uint32(data[8:12]) != keyRingVersion {
		return fmt.Errorf("crypto: key ring unsupported version")
	}
	off := keyRingHdrSize
	for off < len(data) {
		if off+2 > len(data) {
			return fmt.Errorf("crypto: key ring entry header truncated")
		}
		kidLen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if off+kidLen+4 > len(data) {
			return fmt.Errorf("crypto: key ring entry truncated")
		}
		kid := string(data[off : off+kidLen])
		off += kidLen
		wrappedLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+wrappedLen > len(data) {
			return fmt.Errorf("crypto: key ring wrapped blob truncated")
		}
		kr.entries[kid] = append([]byte(nil), data[off:off+wrappedLen]...)
		off += wrappedLen
	}
	return nil
}

// Get returns the wrapped DEK blob for kid.
func (kr *KeyRing) Get(kid string) ([]byte, bool) {
	blob, ok := kr.entries[kid]
	return blob, ok
}

// KIDs returns every KID currently in the ring, sorted.
func (kr *KeyRing) KIDs() []string {
	out := make([]string, 0, len(kr.entries))
	for k := range kr.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Put stores wrapped under kid and atomically rewrites the file with every
// entry in KID-sorted order.
func (kr *KeyRing) Put(kid string, wrapped []byte) error {
	kr.entries[kid] = append([]byte(nil), wrapped...)
	return kr.writeFile()
}

func (kr *KeyRing) writeFile() error {
	kids := kr.KIDs()
	entries := make([]keyRingEntry, 0, len(kids))
	for _, kid := range kids {
		entries = append(entries, keyRingEntry{kid: kid, wrapped: kr.entries[kid]})
	}

	size := keyRingHdrSize
	for _, e := range entries {
		size += 2 + len(e.kid) + 4 + len(e.wrapped)
	}
	buf := make([]byte, size)
	copy(buf[0:8], keyRingMagic[:])
	binary.LittleEndian.PutUint32(buf[8:12], keyRingVersion)

	off := keyRingHdrSize
	for _, e := range entries {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.kid)))
		off += 2
		off += copy(buf[off:], e.kid)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.wrapped)))
		off += 4
		off += copy(buf[off:], e.wrapped)
	}

	tmp := kr.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, kr.path)
}
