package cdc

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/quiverdb/quiverdb"
	"github.com/quiverdb/quiverdb/storage"
)

func TestShipToFileAndApplyFromFileRoundTrip(t *testing.T) {
	producerRoot := t.TempDir()
	producer, err := quiverdb.Open(producerRoot, quiverdb.DefaultConfig())
	if err != nil {
		t.Fatalf("open producer: %v", err)
	}
	producer.Put([]byte("a"), []byte("1"))
	producer.Put([]byte("b"), []byte("2"))
	defer producer.Close()

	sinkPath := filepath.Join(t.TempDir(), "ship.wal")
	report, err := ShipToFile(producer, 0, true, sinkPath)
	if err != nil {
		t.Fatalf("ship to file: %v", err)
	}
	if report.Frames == 0 {
		t.Fatal("expected at least one shipped frame")
	}

	followerRoot := t.TempDir()
	follower, err := quiverdb.Open(followerRoot, quiverdb.DefaultConfig())
	if err != nil {
		t.Fatalf("open follower: %v", err)
	}
	defer follower.Close()

	applyReport, err := ApplyFromFile(follower, sinkPath)
	if err != nil {
		t.Fatalf("apply from file: %v", err)
	}
	if applyReport.RecordsApplied == 0 {
		t.Fatal("expected at least one applied record")
	}

	for _, pair := range []struct{ k, v string }{{"a", "1"}, {"b", "2"}} {
		v, ok, err := follower.Get([]byte(pair.k))
		if err != nil || !ok || !bytes.Equal(v, []byte(pair.v)) {
			t.Errorf("expected follower %s=%s, got %q ok=%v err=%v", pair.k, pair.v, v, ok, err)
		}
	}
}

func TestShipToStreamAndApplyFromStreamRoundTrip(t *testing.T) {
	producerRoot := t.TempDir()
	producer, err := quiverdb.Open(producerRoot, quiverdb.DefaultConfig())
	if err != nil {
		t.Fatalf("open producer: %v", err)
	}
	producer.Put([]byte("k"), []byte("v"))
	defer producer.Close()

	psk := bytes.Repeat([]byte("p"), 16)
	var stream bytes.Buffer
	if _, err := ShipToStream(&stream, producer, 0, true, psk); err != nil {
		t.Fatalf("ship to stream: %v", err)
	}

	followerRoot := t.TempDir()
	follower, err := quiverdb.Open(followerRoot, quiverdb.DefaultConfig())
	if err != nil {
		t.Fatalf("open follower: %v", err)
	}
	defer follower.Close()

	report, err := ApplyFromStream(&stream, follower, psk, 0)
	if err != nil {
		t.Fatalf("apply from stream: %v", err)
	}
	if report.RecordsApplied == 0 {
		t.Fatal("expected at least one applied record")
	}

	v, ok, err := follower.Get([]byte("k"))
	if err != nil || !ok || string(v) != "v" {
		t.Errorf("expected follower k=v, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestApplyFromFileStreamMismatchFailsWithoutAdvancing(t *testing.T) {
	producerRoot := t.TempDir()
	producer, err := quiverdb.Open(producerRoot, quiverdb.DefaultConfig())
	if err != nil {
		t.Fatalf("open producer: %v", err)
	}
	producer.Put([]byte("a"), []byte("1"))
	defer producer.Close()

	sinkPath := filepath.Join(t.TempDir(), "ship.wal")
	if _, err := ShipToFile(producer, 0, true, sinkPath); err != nil {
		t.Fatalf("ship: %v", err)
	}

	followerRoot := t.TempDir()
	follower, err := quiverdb.Open(followerRoot, quiverdb.DefaultConfig())
	if err != nil {
		t.Fatalf("open follower: %v", err)
	}
	defer follower.Close()

	if _, err := ApplyFromFile(follower, sinkPath); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	lastHeadsBefore, err := LoadLastHeadsLSN(followerRoot)
	if err != nil {
		t.Fatalf("load last heads lsn: %v", err)
	}

	// Stamp the follower's stored stream_id to a different value, then
	// re-ship: apply must fail with a stream-mismatch error and must not
	// advance last_heads_lsn.
	if err := StoreStreamID(followerRoot, 0xDEADBEEF); err != nil {
		t.Fatalf("store stream id: %v", err)
	}
	producer.Put([]byte("b"), []byte("2"))
	if _, err := ShipToFile(producer, 0, true, sinkPath); err != nil {
		t.Fatalf("re-ship: %v", err)
	}
	if _, err := ApplyFromFile(follower, sinkPath); err == nil {
		t.Fatal("expected a stream_id mismatch to be rejected")
	}

	lastHeadsAfter, err := LoadLastHeadsLSN(followerRoot)
	if err != nil {
		t.Fatalf("load last heads lsn: %v", err)
	}
	if lastHeadsAfter != lastHeadsBefore {
		t.Errorf("expected last_heads_lsn to stay at %d after a rejected apply, got %d", lastHeadsBefore, lastHeadsAfter)
	}
}

func TestApplyFromStreamRejectsNonIncreasingSeq(t *testing.T) {
	psk := bytes.Repeat([]byte("p"), 16)
	followerRoot := t.TempDir()
	follower, err := quiverdb.Open(followerRoot, quiverdb.DefaultConfig())
	if err != nil {
		t.Fatalf("open follower: %v", err)
	}
	defer follower.Close()

	var stream bytes.Buffer
	WriteFrame(&stream, psk, 1, storage.WALHeaderBytes(123))
	WriteFrame(&stream, psk, 1, storage.WALHeaderBytes(123)) // repeats seq 1

	if _, err := ApplyFromStream(&stream, follower, psk, 0); err == nil {
		t.Fatal("expected a repeated/non-increasing seq to be rejected")
	}
}
