package cdc

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	psk := bytes.Repeat([]byte("k"), 16)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, psk, 1, []byte("payload")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	seq, payload, err := ReadFrame(&buf, psk, 0)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if seq != 1 || string(payload) != "payload" {
		t.Errorf("expected (1, payload), got (%d, %q)", seq, payload)
	}
}

func TestReadFrameRejectsTamperedPayload(t *testing.T) {
	psk := bytes.Repeat([]byte("k"), 16)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, psk, 1, []byte("payload")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // flip last payload byte

	if _, _, err := ReadFrame(bytes.NewReader(raw), psk, 0); err == nil {
		t.Fatal("expected a tampered payload to fail MAC verification")
	}
}

func TestReadFrameRejectsWrongPSK(t *testing.T) {
	psk := bytes.Repeat([]byte("k"), 16)
	wrongPSK := bytes.Repeat([]byte("x"), 16)
	var buf bytes.Buffer
	WriteFrame(&buf, psk, 1, []byte("payload"))

	if _, _, err := ReadFrame(&buf, wrongPSK, 0); err == nil {
		t.Fatal("expected a mismatched PSK to fail MAC verification")
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	psk := bytes.Repeat([]byte("k"), 16)
	var buf bytes.Buffer
	if _, _, err := ReadFrame(&buf, psk, 0); err == nil {
		t.Fatal("expected reading from an empty stream to report EOF")
	}
}

func TestValidatePSKRejectsShortKey(t *testing.T) {
	if _, err := validatePSK([]byte("short")); err != ErrPSKTooShort {
		t.Errorf("expected ErrPSKTooShort, got %v", err)
	}
}
