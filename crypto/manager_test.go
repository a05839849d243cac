package crypto

import (
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T, provider KeyProvider) *Manager {
	t.Helper()
	dir := t.TempDir()
	ring, err := OpenOrCreateKeyRing(filepath.Join(dir, "keyring.bin"))
	if err != nil {
		t.Fatalf("open keyring: %v", err)
	}
	journal, err := OpenOrCreateKeyJournal(filepath.Join(dir, "journal.bin"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	var kek [32]byte
	kek[0] = 7
	return NewManager(provider, ring, journal, kek)
}

func TestManagerResolveWrapsAndCachesOnFirstUse(t *testing.T) {
	var dek [32]byte
	dek[0] = 42
	provider := StaticKeyProvider{Key: dek, Kid: "kid-1"}
	m := newTestManager(t, provider)

	key, kid, err := m.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if kid != "kid-1" || key != dek {
		t.Fatalf("expected (kid-1, dek), got (%s, %v)", kid, key)
	}
	if _, ok := m.ring.Get("kid-1"); !ok {
		t.Error("expected Resolve to wrap and store the key on first use")
	}

	// A second resolve with the same provider KID must not error, and must
	// reuse the already-stored ring entry rather than re-wrapping blindly.
	key2, kid2, err := m.Resolve()
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if kid2 != "kid-1" || key2 != dek {
		t.Errorf("expected resolve to be idempotent, got (%s, %v)", kid2, key2)
	}
}

func TestManagerRotateProviderKidWinsOnMismatch(t *testing.T) {
	var providerKey [32]byte
	providerKey[0] = 1
	provider := StaticKeyProvider{Key: providerKey, Kid: "kid-provider"}
	m := newTestManager(t, provider)

	var requestedKey [32]byte
	requestedKey[0] = 2
	if err := m.Rotate(10, requestedKey, "kid-requested"); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	kid, ok := m.journal.ActiveKIDAt(10)
	if !ok || kid != "kid-provider" {
		t.Errorf("expected provider's kid to win on mismatch, got %q ok=%v", kid, ok)
	}
	if _, ok := m.ring.Get("kid-provider"); !ok {
		t.Error("expected the winning kid to be stored in the ring")
	}
}

func TestManagerKeyForLSNResolvesHistoricalEpoch(t *testing.T) {
	var keyA, keyB [32]byte
	keyA[0], keyB[0] = 1, 2
	provider := StaticKeyProvider{Key: keyA, Kid: "kid-a"}
	m := newTestManager(t, provider)

	if err := m.Rotate(1, keyA, "kid-a"); err != nil {
		t.Fatalf("rotate a: %v", err)
	}
	// Rotate prefers the provider's KID, so the provider moves to kid-b
	// before the second rotation.
	m.provider = StaticKeyProvider{Key: keyB, Kid: "kid-b"}
	if err := m.Rotate(100, keyB, "kid-b"); err != nil {
		t.Fatalf("rotate b: %v", err)
	}

	gotKey, gotKid, err := m.KeyForLSN(50)
	if err != nil {
		t.Fatalf("key for lsn 50: %v", err)
	}
	if gotKid != "kid-a" || gotKey != keyA {
		t.Errorf("expected kid-a active at lsn 50, got (%s, %v)", gotKid, gotKey)
	}

	gotKey, gotKid, err = m.KeyForLSN(150)
	if err != nil {
		t.Fatalf("key for lsn 150: %v", err)
	}
	if gotKid != "kid-b" || gotKey != keyB {
		t.Errorf("expected kid-b active at lsn 150, got (%s, %v)", gotKid, gotKey)
	}

	if _, _, err := m.KeyForLSN(0); err == nil {
		t.Error("expected an lsn before the first epoch to be rejected")
	}
}

func TestWarnIfLSNNearWrapReturnsNearOnlyCloseToLimit(t *testing.T) {
	if WarnIfLSNNearWrap(1) {
		t.Error("expected an early lsn to not be near the wrap limit")
	}
	if !WarnIfLSNNearWrap(lsnWrapLimit - 1) {
		t.Error("expected an lsn right at the wrap limit to be reported as near")
	}
}
