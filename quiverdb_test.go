package quiverdb

import (
	"bytes"
	"testing"
	"time"
)

func TestPutGetRoundTrip(t *testing.T) {
	db, err := Open(t.TempDir(), DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Put([]byte("hello"), []byte("world")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, err := db.Get([]byte("hello"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || !bytes.Equal(v, []byte("world")) {
		t.Errorf("expected (world, true), got (%q, %v)", v, ok)
	}

	if _, ok, err := db.Get([]byte("missing")); err != nil || ok {
		t.Errorf("expected missing key to be absent, got ok=%v err=%v", ok, err)
	}
}

func TestPutOverwriteTailWins(t *testing.T) {
	db, err := Open(t.TempDir(), DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("put1: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("put2: %v", err)
	}
	v, ok, err := db.Get([]byte("k"))
	if err != nil || !ok || !bytes.Equal(v, []byte("v2")) {
		t.Errorf("expected the newest write v2 to win, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestDeleteTombstonesKey(t *testing.T) {
	db, err := Open(t.TempDir(), DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	db.Put([]byte("k"), []byte("v"))
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := db.Get([]byte("k")); err != nil || ok {
		t.Errorf("expected deleted key to be absent, got ok=%v err=%v", ok, err)
	}
	if ok, err := db.Exists([]byte("k")); err != nil || ok {
		t.Errorf("expected Exists to report false for a tombstoned key")
	}
}

func TestPutTTLExpiry(t *testing.T) {
	db, err := Open(t.TempDir(), DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	past := uint32(time.Now().Add(-time.Hour).Unix())
	if err := db.PutTTL([]byte("k"), []byte("v"), past); err != nil {
		t.Fatalf("put ttl: %v", err)
	}
	if _, ok, err := db.Get([]byte("k")); err != nil || ok {
		t.Errorf("expected an already-expired record to be absent, got ok=%v err=%v", ok, err)
	}
}

func TestBatchAtomicMultiKey(t *testing.T) {
	db, err := Open(t.TempDir(), DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	b := NewWriteBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("c"))
	if err := db.Apply(b); err != nil {
		t.Fatalf("apply: %v", err)
	}

	for _, pair := range []struct{ k, v string }{{"a", "1"}, {"b", "2"}} {
		v, ok, err := db.Get([]byte(pair.k))
		if err != nil || !ok || string(v) != pair.v {
			t.Errorf("expected %s=%s, got %q ok=%v err=%v", pair.k, pair.v, v, ok, err)
		}
	}
}

func TestOverflowRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OverflowThresholdBytes = 16
	db, err := Open(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	large := bytes.Repeat([]byte("abcdefgh"), 2000) // well past the 16-byte threshold
	if err := db.Put([]byte("big"), large); err != nil {
		t.Fatalf("put large: %v", err)
	}
	v, ok, err := db.Get([]byte("big"))
	if err != nil || !ok {
		t.Fatalf("expected overflow value to be retrievable, got ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(v, large) {
		t.Errorf("expected resolved overflow value to round-trip exactly, lengths got=%d want=%d", len(v), len(large))
	}
}

func TestScanPrefix(t *testing.T) {
	db, err := Open(t.TempDir(), DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	db.Put([]byte("user:1"), []byte("alice"))
	db.Put([]byte("user:2"), []byte("bob"))
	db.Put([]byte("order:1"), []byte("widget"))

	got, err := db.ScanPrefix([]byte("user:"))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results for prefix user:, got %d", len(got))
	}
	seen := map[string]string{}
	for _, kv := range got {
		seen[string(kv.Key)] = string(kv.Value)
	}
	if seen["user:1"] != "alice" || seen["user:2"] != "bob" {
		t.Errorf("unexpected scan results: %+v", seen)
	}
}

func TestReadOnlyRejectsWrite(t *testing.T) {
	root := t.TempDir()
	db, err := Open(root, DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.Put([]byte("k"), []byte("v"))
	db.Close()

	ro, err := OpenReadOnly(root, DefaultConfig())
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()

	v, ok, err := ro.Get([]byte("k"))
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("expected read-only handle to see existing data, got %q ok=%v err=%v", v, ok, err)
	}
	if err := ro.Put([]byte("k2"), []byte("v2")); err == nil {
		t.Error("expected Put on a read-only handle to fail")
	}
}

func TestSubscribeReceivesPostCommitEvents(t *testing.T) {
	db, err := Open(t.TempDir(), DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	ch, unsubscribe := db.Subscribe(nil, 4)
	defer unsubscribe()

	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}

	select {
	case ev := <-ch:
		if string(ev.Key) != "k" || string(ev.Value) != "v" {
			t.Errorf("expected event for k=v, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-commit event")
	}
}

func TestReopenPersistsAcrossClose(t *testing.T) {
	root := t.TempDir()
	db, err := Open(root, DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.Put([]byte("k"), []byte("v"))
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(root, DefaultConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	v, ok, err := db2.Get([]byte("k"))
	if err != nil || !ok || string(v) != "v" {
		t.Errorf("expected data to survive close/reopen, got %q ok=%v err=%v", v, ok, err)
	}
}
