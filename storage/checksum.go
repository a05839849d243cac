package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"hash/crc32"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// aeadAADPrefix is prepended to the first 16 header bytes to build the AEAD
// additional-authenticated-data, per spec.md §4.1.
var aeadAADPrefix = []byte("P2AEAD01")

// trailerOffset returns the start of the 16-byte trailer for a page of this
// size.
func trailerOffset(pageSize int) int { return pageSize - TrailerSize }

// UpdateChecksum zeroes the trailer, computes CRC32C over the whole page,
// and writes the low 4 bytes of the trailer to the checksum (12 zero bytes
// follow).
func (p *Page) UpdateChecksum() {
	off := trailerOffset(len(p.Data))
	for i := 0; i < TrailerSize; i++ {
		p.Data[off+i] = 0
	}
	sum := crc32.Checksum(p.Data, crc32cTable)
	p.Data[off] = byte(sum)
	p.Data[off+1] = byte(sum >> 8)
	p.Data[off+2] = byte(sum >> 16)
	p.Data[off+3] = byte(sum >> 24)
}

// VerifyChecksum recomputes CRC32C over a copy of the page with the trailer
// zeroed and compares it to the stored value. A stored all-zero trailer is
// accepted unless strictZero is set.
func (p *Page) VerifyChecksum(strictZero bool) bool {
	off := trailerOffset(len(p.Data))
	trailer := p.Data[off : off+TrailerSize]

	allZero := true
	for _, b := range trailer {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return !strictZero
	}

	stored := uint32(trailer[0]) | uint32(trailer[1])<<8 | uint32(trailer[2])<<16 | uint32(trailer[3])<<24
	cp := make([]byte, len(p.Data))
	copy(cp, p.Data)
	for i := 0; i < TrailerSize; i++ {
		cp[off+i] = 0
	}
	sum := crc32.Checksum(cp, crc32cTable)
	return sum == stored
}

// aeadNonce derives the 12-byte AES-GCM nonce from (page_id, lsn): the low
// 48 bits of each, concatenated. Spec.md §4.1 / §4.13 warn that this nonce
// space is exhausted if lsn approaches 2^48; see crypto.WarnIfLSNNearWrap.
func aeadNonce(pageID, lsn uint64) [12]byte {
	var n [12]byte
	pidLE := littleEndian8(pageID)
	lsnLE := littleEndian8(lsn)
	copy(n[0:6], pidLE[0:6])
	copy(n[6:12], lsnLE[0:6])
	return n
}

func littleEndian8(v uint64) [8]byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func aeadAAD(p *Page) []byte {
	aad := make([]byte, 0, len(aeadAADPrefix)+CommonHeaderSize)
	aad = append(aad, aeadAADPrefix...)
	aad = append(aad, p.Data[0:CommonHeaderSize]...)
	return aad
}

// UpdateAEADTag encrypts nothing (the page body stays in the clear; only
// its integrity is authenticated) and stamps the trailer with a 16-byte
// GCM tag over the whole page-minus-trailer, keyed by key and the
// (page_id, lsn) derived nonce.
func (p *Page) UpdateAEADTag(key [32]byte, pageID, lsn uint64) error {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TrailerSize)
	if err != nil {
		return err
	}
	off := trailerOffset(len(p.Data))
	for i := 0; i < TrailerSize; i++ {
		p.Data[off+i] = 0
	}
	nonce := aeadNonce(pageID, lsn)
	// Tag-only mode (spec.md §4.1): no ciphertext is produced, the whole
	// page body (header prefix + everything before the trailer) is
	// authenticated as additional data and GCM's Seal on an empty
	// plaintext yields exactly the 16-byte tag.
	aad := append(aeadAAD(p), p.Data[CommonHeaderSize:off]...)
	tag := gcm.Seal(nil, nonce[:], nil, aad)
	copy(p.Data[off:off+TrailerSize], tag)
	return nil
}

// VerifyAEADTag recomputes the GCM tag and compares it to the stored one in
// constant time.
func (p *Page) VerifyAEADTag(key [32]byte, pageID, lsn uint64) bool {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return false
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TrailerSize)
	if err != nil {
		return false
	}
	off := trailerOffset(len(p.Data))
	stored := make([]byte, TrailerSize)
	copy(stored, p.Data[off:off+TrailerSize])

	cp := make([]byte, len(p.Data))
	copy(cp, p.Data)
	for i := 0; i < TrailerSize; i++ {
		cp[off+i] = 0
	}
	nonce := aeadNonce(pageID, lsn)
	aad := aeadAAD(p)
	expected := gcm.Seal(nil, nonce[:], nil, append(aad, cp[CommonHeaderSize:off]...))
	return subtle.ConstantTimeCompare(expected, stored) == 1
}
