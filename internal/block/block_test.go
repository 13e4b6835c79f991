package block

import (
	"testing"

	"github.com/bpram/bpfs/internal/bpram"
	"github.com/bpram/bpfs/internal/ondisk"
)

func newTestRegion(t *testing.T, nblocks uint64) *bpram.Region {
	t.Helper()
	r, err := bpram.MapAnon(nblocks)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestAllocNeverReturnsReservedBlocks(t *testing.T) {
	region := newTestRegion(t, 16)
	b := NewBlocks(region, 16)
	for i := 0; i < 13; i++ {
		blockno := b.Alloc()
		if blockno == Invalid {
			t.Fatalf("alloc %d: unexpected exhaustion", i)
		}
		if blockno < ondisk.FirstAllocBlock {
			t.Fatalf("alloc %d: returned reserved block %d", i, blockno)
		}
	}
	if got := b.Alloc(); got != Invalid {
		t.Errorf("expected exhaustion, got block %d", got)
	}
}

func TestFreeReservedBlockPanics(t *testing.T) {
	region := newTestRegion(t, 16)
	b := NewBlocks(region, 16)
	defer func() {
		if recover() == nil {
			t.Error("expected panic freeing a reserved block")
		}
	}()
	b.Free(ondisk.BlockSuper)
}

func TestBlocksCommitAndAbort(t *testing.T) {
	region := newTestRegion(t, 16)
	b := NewBlocks(region, 16)

	blockno := b.Alloc()
	b.Commit()
	if b.IsFree(blockno) {
		t.Fatal("committed alloc should not be free")
	}

	b.Free(blockno)
	b.Abort()
	if b.IsFree(blockno) {
		t.Fatal("abort of a staged free should leave the block allocated")
	}
}

func TestInodesAreOneBased(t *testing.T) {
	i := NewInodes(4)
	ino := i.Alloc()
	if ino != 1 {
		t.Fatalf("first allocated inode should be 1, got %d", ino)
	}
	i.Commit()
	if i.IsFree(1) {
		t.Error("committed inode 1 should not be free")
	}
}

func TestInodesResizeGrowsCapacity(t *testing.T) {
	i := NewInodes(1)
	i.Alloc()
	i.Commit()

	i.Resize(2)
	second := i.Alloc()
	if second != 2 {
		t.Fatalf("expected newly grown inode 2, got %d", second)
	}
}
