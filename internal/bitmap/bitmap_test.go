package bitmap

import "testing"

func TestAllocFillsExactlyTotal(t *testing.T) {
	b := New(130) // spans three words, last partial
	seen := make(map[uint64]bool)
	for i := 0; i < 130; i++ {
		idx, ok := b.Alloc()
		if !ok {
			t.Fatalf("alloc %d: exhausted early", i)
		}
		if seen[idx] {
			t.Fatalf("alloc %d: duplicate index %d", i, idx)
		}
		seen[idx] = true
	}
	if _, ok := b.Alloc(); ok {
		t.Fatal("alloc succeeded past total capacity")
	}
}

func TestAbortReversesAllocsOnly(t *testing.T) {
	b := New(64)
	idx, ok := b.Alloc()
	if !ok {
		t.Fatal("alloc failed")
	}
	b.Commit()

	b.Free(idx)
	other, ok := b.Alloc()
	if !ok {
		t.Fatal("alloc failed")
	}
	b.Abort()

	if b.IsSet(other) {
		t.Errorf("abort left a freshly staged alloc set")
	}
	if !b.IsSet(idx) {
		t.Errorf("abort cleared a bit staged for free, not alloc")
	}
}

func TestCommitClearsFreedBits(t *testing.T) {
	b := New(64)
	idx, _ := b.Alloc()
	b.Commit()

	b.Free(idx)
	b.Commit()

	if b.IsSet(idx) {
		t.Error("commit left a freed bit set")
	}
}

func TestFreshlyAlloced(t *testing.T) {
	b := New(8)
	idx, _ := b.Alloc()
	if !b.FreshlyAlloced(idx) {
		t.Error("just-allocated index should report freshly alloced")
	}
	b.Commit()
	if b.FreshlyAlloced(idx) {
		t.Error("committed index should no longer report freshly alloced")
	}
}

func TestUnallocAndUnfree(t *testing.T) {
	b := New(8)
	idx, _ := b.Alloc()
	b.Unalloc(idx)
	if b.IsSet(idx) {
		t.Error("unalloc should clear the bit")
	}

	idx2, _ := b.Alloc()
	b.Commit()
	b.Free(idx2)
	b.Unfree(idx2)
	b.Commit()
	if !b.IsSet(idx2) {
		t.Error("unfree then commit should leave the bit set")
	}
}

func TestResizeGrowThenAbortRestoresCapacity(t *testing.T) {
	b := New(64)
	for i := 0; i < 64; i++ {
		b.Alloc()
	}
	b.Commit()
	b.Resize(128)
	idx, ok := b.Alloc()
	if !ok || idx < 64 {
		t.Fatalf("expected an index in the grown range, got %d ok=%v", idx, ok)
	}
	b.Abort()
	if b.Total() != 64 {
		t.Fatalf("abort should restore prior total, got %d", b.Total())
	}
}

func TestResizeShrinkThroughSetBitPanics(t *testing.T) {
	b := New(128)
	b.Alloc()
	b.Commit()

	defer func() {
		if recover() == nil {
			t.Error("expected panic shrinking through a set bit")
		}
	}()
	b.Resize(0)
}

func TestFreeOfClearBitPanics(t *testing.T) {
	b := New(8)
	defer func() {
		if recover() == nil {
			t.Error("expected panic freeing a clear bit")
		}
	}()
	b.Free(0)
}
