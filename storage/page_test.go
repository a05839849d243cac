package storage

import "testing"

func TestPageAppendAndReadRecord(t *testing.T) {
	page := NewPage(256)
	page.InitKV(1, 0)

	if !page.Fits(3, 5) {
		t.Fatal("expected small record to fit in an empty page")
	}
	page.AppendRecord([]byte("key"), []byte("value"), 0, 0, Fingerprint8(2, []byte("key")))

	if page.TableSlots() != 1 {
		t.Fatalf("expected 1 slot, got %d", page.TableSlots())
	}
	slot := page.Slot(0)
	k, v, expires, vflags := page.ReadRecordAt(slot.Off)
	if string(k) != "key" || string(v) != "value" {
		t.Errorf("expected key=%q value=%q, got key=%q value=%q", "key", "value", k, v)
	}
	if expires != 0 || vflags != 0 {
		t.Errorf("expected no expiry/flags, got expires=%d vflags=%d", expires, vflags)
	}
}

func TestPageFitsRejectsOversizedRecord(t *testing.T) {
	page := NewPage(128)
	page.InitKV(1, 0)
	if page.Fits(1000, 1000) {
		t.Error("expected an oversized record not to fit")
	}
}

func TestBuildAndParsePlaceholderRoundTrip(t *testing.T) {
	ph := BuildPlaceholder(12345, 9)
	total, head, ok := ParsePlaceholder(ph)
	if !ok {
		t.Fatal("expected a valid placeholder to parse")
	}
	if total != 12345 || head != 9 {
		t.Errorf("expected total=12345 head=9, got total=%d head=%d", total, head)
	}
}

func TestParsePlaceholderRejectsOrdinaryValue(t *testing.T) {
	if _, _, ok := ParsePlaceholder([]byte("just a value")); ok {
		t.Error("expected an ordinary value not to parse as a placeholder")
	}
}

func TestFingerprint8NeverZero(t *testing.T) {
	for i := 0; i < 10000; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		if Fingerprint8(1, key) == 0 {
			t.Fatalf("fingerprint for key %v was 0, the reserved wildcard value", key)
		}
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	page := NewPage(256)
	page.InitKV(1, 0)
	page.AppendRecord([]byte("k"), []byte("v"), 0, 0, 1)
	page.UpdateChecksum()

	if !page.VerifyChecksum(false) {
		t.Fatal("expected freshly stamped checksum to verify")
	}

	page.Data[10] ^= 0xFF
	if page.VerifyChecksum(false) {
		t.Error("expected corrupted page to fail checksum verification")
	}
}

func TestVerifyChecksumZeroTrailerStrictMode(t *testing.T) {
	page := NewPage(256)
	page.InitKV(1, 0)
	// Trailer left all-zero: never stamped.
	if !page.VerifyChecksum(false) {
		t.Error("expected an all-zero trailer to verify when strictZero is false")
	}
	if page.VerifyChecksum(true) {
		t.Error("expected an all-zero trailer to fail verification when strictZero is true")
	}
}

func TestAEADTagRoundTrip(t *testing.T) {
	page := NewPage(256)
	page.InitKV(1, 0)
	page.AppendRecord([]byte("k"), []byte("v"), 0, 0, 1)
	page.SetLSN(7)

	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	if err := page.UpdateAEADTag(key, page.PageID(), page.LSN()); err != nil {
		t.Fatalf("update aead tag: %v", err)
	}
	if !page.VerifyAEADTag(key, page.PageID(), page.LSN()) {
		t.Fatal("expected AEAD tag to verify with the same key")
	}

	var wrongKey [32]byte
	wrongKey[0] = 0xFF
	if page.VerifyAEADTag(wrongKey, page.PageID(), page.LSN()) {
		t.Error("expected AEAD tag to fail verification with the wrong key")
	}
}
