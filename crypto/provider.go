// Package crypto implements QuiverDB's transparent-data-encryption surface:
// DEK providers, the KMS wrap/unwrap envelope, the on-disk KeyRing, and the
// KID epoch journal (spec.md §4.9/§6).
package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
)

// KeyProvider resolves the active data-encryption key and its key id.
type KeyProvider interface {
	// ActiveKey returns the current 32-byte DEK and its KID.
	ActiveKey() (key [32]byte, kid string, err error)
}

// StaticKeyProvider always returns the same in-memory key, for tests and
// single-process deployments that don't rotate.
type StaticKeyProvider struct {
	Key [32]byte
	Kid string
}

func (s StaticKeyProvider) ActiveKey() ([32]byte, string, error) {
	return s.Key, s.Kid, nil
}

// NewStaticKeyProvider builds a StaticKeyProvider from raw key bytes, which
// must be exactly 32 bytes.
func NewStaticKeyProvider(key []byte, kid string) (StaticKeyProvider, error) {
	var out StaticKeyProvider
	if len(key) != 32 {
		return out, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
	}
	copy(out.Key[:], key)
	out.Kid = kid
	return out, nil
}

// EnvKeyProvider resolves the DEK from an environment variable, accepting
// either hex or base64 encoding, plus a separate KID variable (spec.md §6
// "env-derived (hex or base64 + KID)").
type EnvKeyProvider struct {
	KeyVar string
	KidVar string
}

func (e EnvKeyProvider) ActiveKey() ([32]byte, string, error) {
	var zero [32]byte
	raw := os.Getenv(e.KeyVar)
	if raw == "" {
		return zero, "", fmt.Errorf("crypto: %s is not set", e.KeyVar)
	}
	kid := os.Getenv(e.KidVar)
	if kid == "" {
		return zero, "", fmt.Errorf("crypto: %s is not set", e.KidVar)
	}

	key, err := decodeKey(raw)
	if err != nil {
		return zero, "", fmt.Errorf("crypto: decode %s: %w", e.KeyVar, err)
	}
	return key, kid, nil
}

func decodeKey(raw string) ([32]byte, error) {
	var out [32]byte
	if b, err := hex.DecodeString(raw); err == nil && len(b) == 32 {
		copy(out[:], b)
		return out, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		copy(out[:], b)
		return out, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		copy(out[:], b)
		return out, nil
	}
	return out, fmt.Errorf("value is neither 32-byte hex nor base64")
}
