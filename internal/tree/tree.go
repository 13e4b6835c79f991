// Package tree implements the height-indexed block tree utilities: leaf
// capacity at a given height, the height required for a given
// block count, and growing/shrinking the number of indirect levels wrapping
// a tree root. Crawling the tree to read or write bytes is the crawler
// package's job; this package only manipulates the {height, addr} atom and
// the indirect-block chain hanging off of it.
package tree

import (
	"github.com/bpram/bpfs/internal/block"
	"github.com/bpram/bpfs/internal/bpfserr"
	"github.com/bpram/bpfs/internal/bpram"
	"github.com/bpram/bpfs/internal/ondisk"
	"github.com/bpram/bpfs/internal/policy"
)

// MaxNBlocks returns the leaf capacity of a tree of the given height:
// 512^height.
func MaxNBlocks(height uint8) uint64 {
	n := uint64(1)
	for i := uint8(0); i < height; i++ {
		n *= ondisk.BlocknosPerIndir
	}
	return n
}

// HeightFor returns the smallest height h such that MaxNBlocks(h) >= nblocks.
func HeightFor(nblocks uint64) uint8 {
	var h uint8
	for MaxNBlocks(h) < nblocks {
		h++
	}
	return h
}

// ChangeHeight grows or shrinks the number of indirect levels wrapping ha to
// newHeight, returning the replacement atom. Growing wraps the existing
// root in newHeight-height levels of indirect blocks whose slot 0 chains
// down to the old root and whose remaining slots are BlockInvalid (this
// preserves sparsity semantics). Shrinking walks down the
// slot-0 trunk, freeing the indirect blocks above the new height — callers
// must already have freed or never-materialized anything reachable only
// through a dropped slot, since ChangeHeight never inspects slots other
// than 0. ChangeHeight only allocates on the growth path; it reports
// OutOfSpace if the block allocator is exhausted partway through
// growing, leaving every block it allocated up to that point still in the
// caller's reversible alloc set so the surrounding transaction's abort
// reclaims them.
func ChangeHeight(region *bpram.Region, blocks *block.Blocks, ha ondisk.HA, newHeight uint8, pol policy.Policy) (ondisk.HA, error) {
	height := ha.Height()
	addr := ha.Addr()

	for height < newHeight {
		nb := blocks.Alloc()
		if nb == block.Invalid {
			return ondisk.PackHA(height, addr), bpfserr.New("grow-tree", bpfserr.OutOfSpace, nil)
		}
		var ib ondisk.IndirectBlock
		ib[0] = addr
		for i := 1; i < len(ib); i++ {
			ib[i] = ondisk.BlockInvalid
		}
		ib.Write(region.Block(nb))
		addr = nb
		height++
	}
	for height > newHeight {
		if addr == ondisk.BlockInvalid {
			height--
			continue
		}
		ib, _ := ondisk.ReadIndirectBlock(region.Block(addr))
		child := ib[0]
		blocks.Free(addr)
		addr = child
		height--
	}
	if addr == ondisk.BlockInvalid {
		return ondisk.PackHA(height, ondisk.BlockInvalid), nil
	}
	return ondisk.PackHA(height, addr), nil
}

// TruncateBlockZero frees or detaches every block lying wholly inside the
// half-open byte range [begin, end) of the tree described by ha; a leaf
// only partly inside the range is left as it is (crawler.Truncate zeroes
// that leaf's tail itself). It is used both when
// extending a file past end-of-file (materializing the sparse gap as
// reads-as-zero without necessarily allocating anything — an all-invalid
// subtree already reads as zero) and when shrinking a file (detaching and
// freeing everything beyond the new size).
//
// free, when true, frees every block wholly inside [begin, end) rather
// than merely leaving it as an implicit (already-zero) hole; callers pass
// true when shrinking a file and false when only extending it (extension
// never needs to allocate anything: an absent subtree already reads back
// as zero).
//
// An indirect block that loses only some of its children (a partial drop
// that doesn't free the whole subtree) is never mutated in its existing,
// already-reachable location: it is copied into a freshly allocated
// replacement with the dropped slots cleared, the original is freed, and
// the new address is returned for the caller to re-publish through its
// own pointer. This mirrors the copy-before-publish discipline every
// other structural change in this tree follows (see internal/crawler),
// so a truncate that is aborted midway — or whose surrounding SetAttr
// fails for an unrelated reason afterward — never leaves a live block
// holding an edit nobody has acknowledged. It can therefore report
// OutOfSpace even though it frees more than it allocates overall,
// because this one byte range replacement needs exactly one scratch
// block at a time.
func TruncateBlockZero(region *bpram.Region, blocks *block.Blocks, ha ondisk.HA, begin, end uint64, free bool) (ondisk.HA, error) {
	if begin >= end {
		return ha, nil
	}
	if !free {
		// Extending past EOF: an untouched subtree already reads as zero
		// on next access (hole handling); nothing to do.
		return ha, nil
	}
	addr := ha.Addr()
	height := ha.Height()
	if addr == ondisk.BlockInvalid {
		return ha, nil
	}
	newAddr, err := truncateRec(region, blocks, addr, height, begin, end)
	if err != nil {
		return ha, err
	}
	return ondisk.PackHA(height, newAddr), nil
}

// truncateRec frees every block wholly inside [begin, end) (byte offsets
// relative to the start of the subtree rooted at blockno/height) and
// returns the replacement block number for this level, unchanged unless
// one of its children was actually dropped or rewritten.
func truncateRec(region *bpram.Region, blocks *block.Blocks, blockno uint64, height uint8, begin, end uint64) (uint64, error) {
	span := MaxNBlocks(height) * ondisk.BlockSize
	if begin <= 0 && end >= span {
		freeSubtree(region, blocks, blockno, height)
		return ondisk.BlockInvalid, nil
	}
	if height == 0 {
		// Partial zero of a single leaf: crawler.Truncate zeroes the leaf's
		// tail through an ordinary Write; here only whole blocks are
		// dropped.
		return blockno, nil
	}
	childSpan := span / ondisk.BlocknosPerIndir
	ib, _ := ondisk.ReadIndirectBlock(region.Block(blockno))
	changed := false
	for i := uint64(0); i < ondisk.BlocknosPerIndir; i++ {
		childBegin := i * childSpan
		childEnd := childBegin + childSpan
		if childEnd <= begin || childBegin >= end {
			continue
		}
		if ib[i] == ondisk.BlockInvalid {
			continue
		}
		cb, ce := uint64(0), childSpan
		if begin > childBegin {
			cb = begin - childBegin
		}
		if end < childEnd {
			ce = end - childBegin
		}
		newChild, err := truncateRec(region, blocks, ib[i], height-1, cb, ce)
		if err != nil {
			return blockno, err
		}
		if newChild != ib[i] {
			ib[i] = newChild
			changed = true
		}
	}
	if !changed {
		return blockno, nil
	}
	na := blocks.Alloc()
	if na == block.Invalid {
		return blockno, bpfserr.New("truncate-shrink", bpfserr.OutOfSpace, nil)
	}
	ib.Write(region.Block(na))
	blocks.Free(blockno)
	return na, nil
}

func freeSubtree(region *bpram.Region, blocks *block.Blocks, blockno uint64, height uint8) {
	if blockno == ondisk.BlockInvalid {
		return
	}
	if height > 0 {
		ib, _ := ondisk.ReadIndirectBlock(region.Block(blockno))
		for _, child := range ib {
			freeSubtree(region, blocks, child, height-1)
		}
	}
	blocks.Free(blockno)
}

// FreeTree frees every block referenced by root, leaf and indirect alike.
func FreeTree(region *bpram.Region, blocks *block.Blocks, root ondisk.TreeRoot) {
	if root.Empty() {
		return
	}
	freeSubtree(region, blocks, root.HA.Addr(), root.HA.Height())
}
