package snapshot

import "testing"

func TestRegistryBeginEndLifecycle(t *testing.T) {
	reg, err := OpenOrCreateRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s1, err := reg.Begin(10, 1000)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	s2, err := reg.Begin(20, 2000)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if s1.ID == s2.ID {
		t.Fatal("expected distinct snapshot ids")
	}

	if min, ok := reg.MinActiveLSN(); !ok || min != 10 {
		t.Errorf("expected min active lsn 10, got %d ok=%v", min, ok)
	}

	if _, err := reg.End(s1.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if min, ok := reg.MinActiveLSN(); !ok || min != 20 {
		t.Errorf("expected min active lsn 20 after ending s1, got %d ok=%v", min, ok)
	}

	if _, err := reg.End(s2.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, ok := reg.MinActiveLSN(); ok {
		t.Error("expected no active snapshots once both are ended")
	}
}

func TestRegistryEndUnknownIDFails(t *testing.T) {
	reg, err := OpenOrCreateRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := reg.End(999); err == nil {
		t.Error("expected ending an unknown snapshot id to fail")
	}
}

func TestRegistryReopenPersists(t *testing.T) {
	root := t.TempDir()
	reg, err := OpenOrCreateRegistry(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s, err := reg.Begin(5, 500)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	reopened, err := OpenOrCreateRegistry(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get(s.ID)
	if !ok || got.LSN != 5 {
		t.Errorf("expected snapshot to survive reopen, got %+v ok=%v", got, ok)
	}

	// A fresh registry built from the same reopened path must not reuse IDs.
	next, err := reopened.Begin(6, 600)
	if err != nil {
		t.Fatalf("begin after reopen: %v", err)
	}
	if next.ID <= s.ID {
		t.Errorf("expected next id to exceed the previously persisted id, got %d after %d", next.ID, s.ID)
	}
}
