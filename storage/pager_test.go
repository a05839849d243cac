package storage

import (
	"os"
	"testing"
)

func testPagerConfig() PagerConfig {
	return PagerConfig{
		PageSize:     4096,
		HashKind:     HashFNV1a64,
		CodecID:      uint8(CodecNone),
		ChecksumKind: ChecksumCRC32C,
		DataFsync:    true,
	}
}

func TestPagerOpenCreatesFreshState(t *testing.T) {
	root := t.TempDir()
	p, err := OpenPager(root, testPagerConfig(), false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	meta := p.Meta()
	if meta.PageSize != 4096 {
		t.Errorf("expected page size 4096, got %d", meta.PageSize)
	}
	if meta.NextPageID != 0 {
		t.Errorf("expected next_page_id 0 on fresh db, got %d", meta.NextPageID)
	}
	if _, err := os.Stat(p.WALPath()); err != nil {
		t.Fatalf("expected wal file to exist: %v", err)
	}
}

func TestPagerReopenPersistsMeta(t *testing.T) {
	root := t.TempDir()
	p, err := OpenPager(root, testPagerConfig(), false)
	if err != nil {
		t.Fatalf("open1: %v", err)
	}
	pid, err := p.AllocateOnePage()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	page := NewPage(4096)
	page.InitKV(pid, 0)
	if _, err := p.CommitPage(page); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p2, err := OpenPager(root, testPagerConfig(), false)
	if err != nil {
		t.Fatalf("open2: %v", err)
	}
	defer p2.Close()

	got, err := p2.ReadPage(pid)
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if got.PageID() != pid {
		t.Errorf("expected page id %d, got %d", pid, got.PageID())
	}
	if p2.Meta().NextPageID != pid+1 {
		t.Errorf("expected next_page_id %d after reopen, got %d", pid+1, p2.Meta().NextPageID)
	}
}

func TestPagerReadOnlyRejectsWrites(t *testing.T) {
	root := t.TempDir()
	p, err := OpenPager(root, testPagerConfig(), false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p.Close()

	ro, err := OpenPager(root, testPagerConfig(), true)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()

	if _, err := ro.AllocateOnePage(); err != ErrReadOnly {
		t.Errorf("expected ErrReadOnly from AllocateOnePage, got %v", err)
	}
	if err := ro.FreePage(0); err != ErrReadOnly {
		t.Errorf("expected ErrReadOnly from FreePage, got %v", err)
	}
}

func TestPagerCommitBatchAssignsMonotonicLSN(t *testing.T) {
	root := t.TempDir()
	p, err := OpenPager(root, testPagerConfig(), false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	pid1, _ := p.AllocateOnePage()
	page1 := NewPage(4096)
	page1.InitKV(pid1, 0)
	lsn1, err := p.CommitPage(page1)
	if err != nil {
		t.Fatalf("commit1: %v", err)
	}

	pid2, _ := p.AllocateOnePage()
	page2 := NewPage(4096)
	page2.InitKV(pid2, 0)
	lsn2, err := p.CommitPage(page2)
	if err != nil {
		t.Fatalf("commit2: %v", err)
	}

	if lsn2 <= lsn1 {
		t.Errorf("expected strictly increasing commit lsn, got %d then %d", lsn1, lsn2)
	}
	if p.Meta().LastLSN != lsn2 {
		t.Errorf("expected meta.last_lsn %d, got %d", lsn2, p.Meta().LastLSN)
	}
}

func TestPagerReplayRecoversUncommittedMeta(t *testing.T) {
	root := t.TempDir()
	p, err := OpenPager(root, testPagerConfig(), false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	pid, _ := p.AllocateOnePage()
	page := NewPage(4096)
	page.InitKV(pid, 0)
	if _, err := p.CommitPage(page); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Simulate a crash: close the WAL/segment handles without flushing
	// clean_shutdown, leaving meta.clean_shutdown false on disk.
	p.segMu.Lock()
	for _, f := range p.segments {
		f.Close()
	}
	p.segMu.Unlock()
	p.wal.Close()
	p.lock.unlock()

	p2, err := OpenPager(root, testPagerConfig(), false)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer p2.Close()

	got, err := p2.ReadPage(pid)
	if err != nil {
		t.Fatalf("read after replay: %v", err)
	}
	if got.PageID() != pid {
		t.Errorf("expected replay to recover page %d", pid)
	}
	// Replay persists clean_shutdown=true, then the writer open marks it
	// false again until Close.
	if p2.Meta().CleanShutdown {
		t.Errorf("expected clean_shutdown false while the recovered writer is open")
	}
}

func TestApplyPageImageLSNGating(t *testing.T) {
	root := t.TempDir()
	p, err := OpenPager(root, testPagerConfig(), false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	pid, _ := p.AllocateOnePage()
	newer := NewPage(4096)
	newer.InitKV(pid, 0)
	newer.AppendRecord([]byte("k"), []byte("v2"), 0, 0, 1)
	newer.SetLSN(10)
	newer.UpdateChecksum()
	if err := p.ApplyPageImage(pid, newer.Data, 10); err != nil {
		t.Fatalf("apply newer: %v", err)
	}

	stale := NewPage(4096)
	stale.InitKV(pid, 0)
	stale.AppendRecord([]byte("k"), []byte("v1"), 0, 0, 1)
	stale.SetLSN(5)
	stale.UpdateChecksum()
	if err := p.ApplyPageImage(pid, stale.Data, 5); err != nil {
		t.Fatalf("apply stale: %v", err)
	}

	got, err := p.ReadPage(pid)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.LSN() != 10 {
		t.Errorf("expected the page to keep lsn 10 after a stale apply, got %d", got.LSN())
	}
}

func TestAdvanceLastLSNOnlyIncreases(t *testing.T) {
	root := t.TempDir()
	p, err := OpenPager(root, testPagerConfig(), false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	if err := p.AdvanceLastLSN(100); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if p.Meta().LastLSN != 100 {
		t.Fatalf("expected last_lsn 100, got %d", p.Meta().LastLSN)
	}
	if err := p.AdvanceLastLSN(50); err != nil {
		t.Fatalf("advance lower: %v", err)
	}
	if p.Meta().LastLSN != 100 {
		t.Errorf("expected last_lsn to stay at 100, got %d", p.Meta().LastLSN)
	}
}
