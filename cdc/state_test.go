package cdc

import "testing"

func TestLastHeadsLSNDefaultsToZero(t *testing.T) {
	root := t.TempDir()
	v, err := LoadLastHeadsLSN(root)
	if err != nil || v != 0 {
		t.Fatalf("expected (0, nil) for an unset marker, got (%d, %v)", v, err)
	}
	if err := StoreLastHeadsLSN(root, 42); err != nil {
		t.Fatalf("store: %v", err)
	}
	v, err = LoadLastHeadsLSN(root)
	if err != nil || v != 42 {
		t.Errorf("expected 42 after store, got %d err=%v", v, err)
	}
}

func TestCheckAndStoreStreamIDAssignsOnFirstSight(t *testing.T) {
	root := t.TempDir()
	if err := CheckAndStoreStreamID(root, 7); err != nil {
		t.Fatalf("first check: %v", err)
	}
	stored, err := LoadStreamID(root)
	if err != nil || stored != 7 {
		t.Fatalf("expected stream id 7 to be recorded, got %d err=%v", stored, err)
	}
}

func TestCheckAndStoreStreamIDRejectsMismatch(t *testing.T) {
	root := t.TempDir()
	if err := CheckAndStoreStreamID(root, 7); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if err := CheckAndStoreStreamID(root, 8); err == nil {
		t.Fatal("expected a differing stream id to be rejected")
	}
	if err := CheckAndStoreStreamID(root, 7); err != nil {
		t.Errorf("expected the original stream id to keep matching, got %v", err)
	}
}

func TestLastSeqAndShipSeqAreIndependentMarkers(t *testing.T) {
	root := t.TempDir()
	if err := StoreLastSeq(root, 5); err != nil {
		t.Fatalf("store last seq: %v", err)
	}
	if err := StoreShipSeq(root, 9); err != nil {
		t.Fatalf("store ship seq: %v", err)
	}
	lastSeq, err := LoadLastSeq(root)
	if err != nil || lastSeq != 5 {
		t.Errorf("expected last seq 5, got %d err=%v", lastSeq, err)
	}
	shipSeq, err := LoadShipSeq(root)
	if err != nil || shipSeq != 9 {
		t.Errorf("expected ship seq 9, got %d err=%v", shipSeq, err)
	}
}
