package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// kmsMagic marks a wrapped-DEK envelope. kmsVersion is bumped if the
// envelope layout changes.
var kmsMagic = [8]byte{'P', '2', 'K', 'M', 'S', '0', '1', 0}

const kmsVersion = uint32(1)

// WrapDEK encrypts dek under kek with AES-256-GCM, binding kid into the
// additional authenticated data so a wrapped blob can't be replayed under a
// different KID (spec.md §4.9 "AAD including a version tag and KID").
//
// Layout: magic(8) version(4) kid_len(2) kid nonce(12) tag(16) ct_len(4) ct.
func WrapDEK(kek [32]byte, kid string, dek [32]byte) ([]byte, error) {
	block, err := aes.NewCipher(kek[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	aad := wrapAAD(kid)
	sealed := gcm.Seal(nil, nonce, dek[:], aad) // ciphertext || tag

	ct := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]

	kidBytes := []byte(kid)
	out := make([]byte, 0, 8+4+2+len(kidBytes)+len(nonce)+len(tag)+4+len(ct))
	out = append(out, kmsMagic[:]...)
	out = appendU32(out, kmsVersion)
	out = appendU16(out, uint16(len(kidBytes)))
	out = append(out, kidBytes...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = appendU32(out, uint32(len(ct)))
	out = append(out, ct...)
	return out, nil
}

// UnwrapDEK reverses WrapDEK and returns the KID stored in the blob. That
// KID is part of the AEAD's additional data, so a blob whose KID was altered
// fails decryption.
func UnwrapDEK(kek [32]byte, blob []byte) (dek [32]byte, kid string, err error) {
	if len(blob) < 8+4+2 {
		return dek, "", fmt.Errorf("crypto: wrapped DEK truncated")
	}
	if string(blob[0:8]) != string(kmsMagic[:]) {
		return dek, "", fmt.Errorf("crypto: wrapped DEK bad magic")
	}
	version := binary.LittleEndian.Uint32(blob[8:12])
	if version != kmsVersion {
		return dek, "", fmt.Errorf("crypto: wrapped DEK unsupported version %d", version)
	}
	off := 12
	kidLen := int(binary.LittleEndian.Uint16(blob[off:]))
	off += 2
	if off+kidLen > len(blob) {
		return dek, "", fmt.Errorf("crypto: wrapped DEK kid overruns blob")
	}
	kid = string(blob[off : off+kidLen])
	off += kidLen

	block, err := aes.NewCipher(kek[:])
	if err != nil {
		return dek, "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return dek, "", err
	}

	if off+gcm.NonceSize()+gcm.Overhead()+4 > len(blob) {
		return dek, "", fmt.Errorf("crypto: wrapped DEK truncated")
	}
	nonce := blob[off : off+gcm.NonceSize()]
	off += gcm.NonceSize()
	tag := blob[off : off+gcm.Overhead()]
	off += gcm.Overhead()
	ctLen := int(binary.LittleEndian.Uint32(blob[off:]))
	off += 4
	if off+ctLen > len(blob) {
		return dek, "", fmt.Errorf("crypto: wrapped DEK ciphertext overruns blob")
	}
	ct := blob[off : off+ctLen]

	sealed := append(append([]byte(nil), ct...), tag...)
	plain, err := gcm.Open(nil, nonce, sealed, wrapAAD(kid))
	if err != nil {
		return dek, "", fmt.Errorf("crypto: unwrap DEK: %w", err)
	}
	if len(plain) != 32 {
		return dek, "", fmt.Errorf("crypto: unwrapped DEK has wrong length %d", len(plain))
	}
	copy(dek[:], plain)
	return dek, kid, nil
}

func wrapAAD(kid string) []byte {
	aad := append([]byte(nil), kmsMagic[:]...)
	aad = appendU32(aad, kmsVersion)
	aad = append(aad, []byte(kid)...)
	return aad
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}
