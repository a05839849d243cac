package storage

import "testing"

func TestFreeListPushPopLIFO(t *testing.T) {
	root := t.TempDir()
	fl, err := CreateFreeList(root)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := fl.Push(10); err != nil {
		t.Fatalf("push 10: %v", err)
	}
	if err := fl.Push(20); err != nil {
		t.Fatalf("push 20: %v", err)
	}

	count, err := fl.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}

	pid, ok, err := fl.Pop()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if !ok || pid != 20 {
		t.Errorf("expected LIFO pop to return 20, got %d ok=%v", pid, ok)
	}

	pid, ok, err = fl.Pop()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if !ok || pid != 10 {
		t.Errorf("expected next pop to return 10, got %d ok=%v", pid, ok)
	}

	_, ok, err = fl.Pop()
	if err != nil {
		t.Fatalf("pop empty: %v", err)
	}
	if ok {
		t.Error("expected pop on an empty free list to report ok=false")
	}
}

func TestFreeListReopenPersists(t *testing.T) {
	root := t.TempDir()
	fl, err := CreateFreeList(root)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fl.Push(5); err != nil {
		t.Fatalf("push: %v", err)
	}

	reopened, err := OpenFreeList(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	pid, ok, err := reopened.Pop()
	if err != nil {
		t.Fatalf("pop after reopen: %v", err)
	}
	if !ok || pid != 5 {
		t.Errorf("expected reopened free list to still contain 5, got %d ok=%v", pid, ok)
	}
}
