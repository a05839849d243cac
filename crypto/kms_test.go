package crypto

import "testing"

func TestWrapUnwrapDEKRoundTrip(t *testing.T) {
	var kek [32]byte
	for i := range kek {
		kek[i] = byte(i)
	}
	var dek [32]byte
	for i := range dek {
		dek[i] = byte(255 - i)
	}

	blob, err := WrapDEK(kek, "kid-1", dek)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	gotDEK, gotKid, err := UnwrapDEK(kek, blob)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if gotDEK != dek {
		t.Error("expected unwrapped DEK to match original")
	}
	if gotKid != "kid-1" {
		t.Errorf("expected kid 'kid-1', got %q", gotKid)
	}
}

func TestUnwrapDEKRejectsWrongKEK(t *testing.T) {
	var kek [32]byte
	kek[0] = 1
	var dek [32]byte
	dek[0] = 2

	blob, err := WrapDEK(kek, "kid-1", dek)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	var wrongKEK [32]byte
	wrongKEK[0] = 9
	if _, _, err := UnwrapDEK(wrongKEK, blob); err == nil {
		t.Fatal("expected unwrap with the wrong KEK to fail")
	}
}

func TestUnwrapDEKRejectsTamperedKID(t *testing.T) {
	var kek [32]byte
	var dek [32]byte
	blob, err := WrapDEK(kek, "kid-1", dek)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	// The KID is bound into the AEAD's additional data, so flipping a byte
	// inside the plaintext kid region must invalidate the tag.
	blob[14] ^= 0xFF
	if _, _, err := UnwrapDEK(kek, blob); err == nil {
		t.Fatal("expected tampering with the bound kid to be detected")
	}
}
