package tree

import (
	"testing"

	"github.com/bpram/bpfs/internal/block"
	"github.com/bpram/bpfs/internal/bpram"
	"github.com/bpram/bpfs/internal/ondisk"
	"github.com/bpram/bpfs/internal/policy"
)

func TestMaxNBlocks(t *testing.T) {
	cases := []struct {
		height uint8
		want   uint64
	}{
		{0, 1},
		{1, ondisk.BlocknosPerIndir},
		{2, ondisk.BlocknosPerIndir * ondisk.BlocknosPerIndir},
	}
	for _, c := range cases {
		if got := MaxNBlocks(c.height); got != c.want {
			t.Errorf("MaxNBlocks(%d) = %d, want %d", c.height, got, c.want)
		}
	}
}

func TestHeightForRoundTrips(t *testing.T) {
	for h := uint8(0); h < 3; h++ {
		max := MaxNBlocks(h)
		if got := HeightFor(max); got != h {
			t.Errorf("HeightFor(%d) = %d, want %d", max, got, h)
		}
	}
	if got := HeightFor(ondisk.BlocknosPerIndir + 1); got != 2 {
		t.Errorf("HeightFor(%d) = %d, want 2", ondisk.BlocknosPerIndir+1, got)
	}
}

func TestChangeHeightGrowThenShrinkRoundTrips(t *testing.T) {
	region, err := bpram.MapAnon(16)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	defer region.Close()
	blocks := block.NewBlocks(region, 16)

	leaf := blocks.Alloc()
	if leaf == block.Invalid {
		t.Fatal("alloc failed")
	}
	ha := ondisk.PackHA(0, leaf)

	grown, err := ChangeHeight(region, blocks, ha, 2, policy.Copy)
	if err != nil {
		t.Fatalf("ChangeHeight grow: %v", err)
	}
	if grown.Height() != 2 {
		t.Fatalf("grown height = %d, want 2", grown.Height())
	}

	shrunk, err := ChangeHeight(region, blocks, grown, 0, policy.Copy)
	if err != nil {
		t.Fatalf("ChangeHeight shrink: %v", err)
	}
	if shrunk.Height() != 0 || shrunk.Addr() != leaf {
		t.Fatalf("shrunk = {%d,%d}, want {0,%d}", shrunk.Height(), shrunk.Addr(), leaf)
	}
}

func TestChangeHeightGrowExhaustionReportsOutOfSpace(t *testing.T) {
	region, err := bpram.MapAnon(ondisk.FirstAllocBlock + 1)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	defer region.Close()
	blocks := block.NewBlocks(region, ondisk.FirstAllocBlock+1)

	leaf := blocks.Alloc()
	if leaf == block.Invalid {
		t.Fatal("alloc failed")
	}
	ha := ondisk.PackHA(0, leaf)

	_, err = ChangeHeight(region, blocks, ha, 3, policy.Copy)
	if err == nil {
		t.Fatal("expected out-of-space error, got nil")
	}
}

func TestFreeTreeOfEmptyRootIsNoop(t *testing.T) {
	region, err := bpram.MapAnon(4)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	defer region.Close()
	blocks := block.NewBlocks(region, 4)
	FreeTree(region, blocks, ondisk.TreeRoot{})
}
