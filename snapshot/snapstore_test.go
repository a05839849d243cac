package snapshot

import "testing"

func TestSnapStorePutDedupesByContent(t *testing.T) {
	ss, err := OpenOrCreateSnapStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	hash1, existed1, ref1, err := ss.Put([]byte("same bytes"))
	if err != nil {
		t.Fatalf("put 1: %v", err)
	}
	if existed1 || ref1 != 1 {
		t.Errorf("expected first put to be new with refcount 1, got existed=%v ref=%d", existed1, ref1)
	}

	hash2, existed2, ref2, err := ss.Put([]byte("same bytes"))
	if err != nil {
		t.Fatalf("put 2: %v", err)
	}
	if hash1 != hash2 {
		t.Fatal("expected identical content to hash identically")
	}
	if !existed2 || ref2 != 2 {
		t.Errorf("expected the second put to be deduped with refcount 2, got existed=%v ref=%d", existed2, ref2)
	}

	data, ok, err := ss.Get(hash1)
	if err != nil || !ok || string(data) != "same bytes" {
		t.Errorf("expected stored object to round-trip, got %q ok=%v err=%v", data, ok, err)
	}
}

func TestSnapStoreAddRefDecRefLifecycle(t *testing.T) {
	ss, err := OpenOrCreateSnapStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	hash, _, _, err := ss.Put([]byte("v"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := ss.AddRef(hash); err != nil {
		t.Fatalf("addref: %v", err)
	}
	// refcount is now 2 (1 from Put, 1 from AddRef).
	if n, err := ss.DecRef(hash); err != nil || n != 1 {
		t.Fatalf("decref 1: n=%d err=%v", n, err)
	}
	if !ss.Has(hash) {
		t.Fatal("expected object to still exist with refcount 1")
	}
	if n, err := ss.DecRef(hash); err != nil || n != 0 {
		t.Fatalf("decref 2: n=%d err=%v", n, err)
	}
	if ss.Has(hash) {
		t.Error("expected object to be removed once refcount reaches zero")
	}
}

func TestSnapStoreCompactSweepsZeroRefObjects(t *testing.T) {
	ss, err := OpenOrCreateSnapStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	hash, _, _, err := ss.Put([]byte("x"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	ss.DecRef(hash) // drops to zero, should already be removed by DecRef itself

	removed, err := ss.Compact()
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected Compact to find nothing left over after DecRef already removed it, got %d", removed)
	}
}
