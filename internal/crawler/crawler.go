// Package crawler implements the recursive descent over a height-indexed
// block tree that both reads and writes drive through: ReadAt
// walks the tree handing back zeros for unmaterialized holes, Write grows
// the tree as needed and copies-on-write according to the mount's commit
// policy, and Truncate detaches or frees the tail. The copy-on-write
// primitives (cow_block / cow_block_hole / cow_block_entire in the
// original) are folded directly into the recursive write helpers here
// rather than split into their own package, since in this single-process,
// single-mapped-region model they have no life of their own outside a
// crawl step — see DESIGN.md.
package crawler

import (
	"github.com/bpram/bpfs/internal/block"
	"github.com/bpram/bpfs/internal/bpfserr"
	"github.com/bpram/bpfs/internal/bpram"
	"github.com/bpram/bpfs/internal/ondisk"
	"github.com/bpram/bpfs/internal/policy"
	"github.com/bpram/bpfs/internal/scsp"
	"github.com/bpram/bpfs/internal/tree"
)

// Crawler bundles the mapped region, the block allocator, and the commit
// mode that governs how aggressively writes may land in place.
type Crawler struct {
	Region *bpram.Region
	Blocks *block.Blocks
	Mode   ondisk.Commit

	// err latches the first allocation failure seen during the in-flight
	// Write/WriteRegions call. Every recursive helper checks it on entry
	// and returns immediately once set, so a write that runs out of space
	// partway through unwinds without touching any block the committed
	// tree can reach; the caller discards the still-staged allocations via
	// Blocks.Abort once Write reports the error.
	err error
}

// New builds a Crawler over an already-mapped region and block allocator.
func New(region *bpram.Region, blocks *block.Blocks, mode ondisk.Commit) *Crawler {
	return &Crawler{Region: region, Blocks: blocks, Mode: mode}
}

// alloc wraps Blocks.Alloc, latching c.err on exhaustion so callers deep in
// the recursion can bail out without individually checking a sentinel
// return value at every call site.
func (c *Crawler) alloc() uint64 {
	if c.err != nil {
		return ondisk.BlockInvalid
	}
	b := c.Blocks.Alloc()
	if b == block.Invalid {
		c.err = bpfserr.New("crawl-write", bpfserr.OutOfSpace, nil)
		return ondisk.BlockInvalid
	}
	return b
}

// ReadAt copies min(len(buf), root.NBytes-offset) bytes starting at offset
// into buf, returning the number of bytes copied. Unmaterialized holes
// within NBytes read as zeros. An offset at or past NBytes copies nothing
// and returns 0; the part of buf past the returned count is left untouched.
func (c *Crawler) ReadAt(root ondisk.TreeRoot, offset uint64, buf []byte) int {
	if offset >= root.NBytes {
		return 0
	}
	n := uint64(len(buf))
	if offset+n > root.NBytes {
		n = root.NBytes - offset
	}
	out := buf[:n]
	for i := range out {
		out[i] = 0
	}
	if !root.Empty() {
		c.readRange(root.HA, offset, out)
	}
	return int(n)
}

func (c *Crawler) readRange(ha ondisk.HA, offset uint64, out []byte) {
	height := ha.Height()
	addr := ha.Addr()
	if addr == ondisk.BlockInvalid {
		return // untouched subtree reads as the zeros already in out
	}
	span := tree.MaxNBlocks(height) * ondisk.BlockSize
	if offset >= span {
		return
	}
	if height == 0 {
		n := uint64(len(out))
		if offset+n > ondisk.BlockSize {
			n = ondisk.BlockSize - offset
		}
		copy(out[:n], c.Region.Block(addr)[offset:offset+n])
		return
	}
	childSpan := span / ondisk.BlocknosPerIndir
	ib, _ := ondisk.ReadIndirectBlock(c.Region.Block(addr))
	pos := uint64(0)
	for pos < uint64(len(out)) {
		abs := offset + pos
		childIdx := abs / childSpan
		childOff := abs % childSpan
		n := childSpan - childOff
		if rem := uint64(len(out)) - pos; n > rem {
			n = rem
		}
		c.readRange(ondisk.PackHA(height-1, ib[childIdx]), childOff, out[pos:pos+n])
		pos += n
	}
}

// leafPolicy decides, for a length-byte write at localOffset within an
// existing (possibly absent) leaf block, whether the write may land in
// place or must land in a freshly copied block. It governs CommitSP and
// CommitBPFS; CommitSCSP never calls it, since SCSP defers every decision
// to its own staged-commit walk (see writeRangeSCSP/internal/scsp).
func (c *Crawler) leafPolicy(addr uint64, localOffset uint64, length int) policy.Policy {
	if addr == ondisk.BlockInvalid {
		return policy.Free
	}
	if c.Blocks.FreshlyAlloced(addr) {
		return policy.Free
	}
	if c.Mode == ondisk.CommitSP {
		return policy.Copy
	}
	if length <= 8 && localOffset%8 == 0 {
		return policy.Atomic
	}
	return policy.Copy
}

// writeLeaf applies one write within a single leaf block under the given
// policy, returning the (possibly new) block address.
func (c *Crawler) writeLeaf(addr uint64, pol policy.Policy, localOffset uint64, data []byte) uint64 {
	if c.err != nil {
		return addr
	}
	switch pol {
	case policy.Free, policy.Atomic:
		if addr == ondisk.BlockInvalid {
			addr = c.alloc()
			if c.err != nil {
				return ondisk.BlockInvalid
			}
			bpram.Poison(c.Region.Block(addr))
			for i := range c.Region.Block(addr) {
				c.Region.Block(addr)[i] = 0
			}
		}
		copy(c.Region.Block(addr)[localOffset:], data)
		return addr
	default: // policy.Copy
		na := c.alloc()
		if c.err != nil {
			return addr
		}
		dst := c.Region.Block(na)
		if addr != ondisk.BlockInvalid {
			copy(dst, c.Region.Block(addr))
		} else {
			for i := range dst {
				dst[i] = 0
			}
		}
		copy(dst[localOffset:], data)
		if addr != ondisk.BlockInvalid {
			c.Blocks.Free(addr)
		}
		return na
	}
}

// indirectPolicy decides whether an indirect block whose single child at
// slot i is changing may be updated with one in-place 8-byte child-pointer
// store, or must be copied wholesale (an indirect-block commit
// is itself an atomic single-word store of the changed slot when nothing
// else about the block changes). Governs CommitSP and CommitBPFS only; see
// leafPolicy.
func (c *Crawler) indirectPolicy(addr uint64, touched int) policy.Policy {
	if addr == ondisk.BlockInvalid {
		return policy.Free
	}
	if c.Blocks.FreshlyAlloced(addr) {
		return policy.Free
	}
	if c.Mode == ondisk.CommitSP {
		return policy.Copy
	}
	if touched == 1 {
		return policy.Atomic
	}
	return policy.Copy
}

// writeRange writes data at a byte offset local to the subtree rooted at
// ha/height, returning the replacement atom.
func (c *Crawler) writeRange(ha ondisk.HA, height uint8, offset uint64, data []byte) ondisk.HA {
	if c.err != nil {
		return ha
	}
	addr := ha.Addr()
	if height == 0 {
		pol := c.leafPolicy(addr, offset, len(data))
		na := c.writeLeaf(addr, pol, offset, data)
		if c.err != nil {
			return ha
		}
		return ondisk.PackHA(0, na)
	}

	span := tree.MaxNBlocks(height) * ondisk.BlockSize
	childSpan := span / ondisk.BlocknosPerIndir

	var ib ondisk.IndirectBlock
	if addr != ondisk.BlockInvalid {
		ib, _ = ondisk.ReadIndirectBlock(c.Region.Block(addr))
	} else {
		for i := range ib {
			ib[i] = ondisk.BlockInvalid
		}
	}

	firstChild := offset / childSpan
	lastChild := (offset + uint64(len(data)) - 1) / childSpan
	touched := int(lastChild-firstChild) + 1

	pol := c.indirectPolicy(addr, touched)

	newIB := ib
	pos := uint64(0)
	for pos < uint64(len(data)) {
		abs := offset + pos
		childIdx := abs / childSpan
		childOff := abs % childSpan
		n := childSpan - childOff
		if rem := uint64(len(data)) - pos; n > rem {
			n = rem
		}
		newIB[childIdx] = c.writeRange(ondisk.PackHA(height-1, ib[childIdx]), height-1, childOff, data[pos:pos+n]).Addr()
		if c.err != nil {
			return ha
		}
		pos += n
	}

	switch pol {
	case policy.Atomic:
		// Exactly one child slot changed: publish it with a single atomic
		// 8-byte store directly into the existing indirect block.
		i := firstChild
		bpram.AtomicStoreHA(c.Region.Block(addr), int(i*8), ondisk.HA(newIB[i]))
		return ondisk.PackHA(height, addr)
	case policy.Free:
		if addr == ondisk.BlockInvalid {
			addr = c.alloc()
			if c.err != nil {
				return ha
			}
		}
		newIB.Write(c.Region.Block(addr))
		return ondisk.PackHA(height, addr)
	default: // policy.Copy
		na := c.alloc()
		if c.err != nil {
			return ha
		}
		newIB.Write(c.Region.Block(na))
		if addr != ondisk.BlockInvalid {
			c.Blocks.Free(addr)
		}
		return ondisk.PackHA(height, na)
	}
}

// Write stores data at offset, growing the tree and extending NBytes as
// needed, and returns the replacement tree root. The gap between the old
// NBytes and offset, if any, reads back as zero without requiring any
// allocation. On OutOfSpace the original root is returned
// unchanged — every allocation this call staged is still sitting in the
// block allocator's reversible allocs list, so the caller's Blocks.Abort
// (invoked as part of the surrounding transaction's abort) cleanly
// reverses them.
func (c *Crawler) Write(root ondisk.TreeRoot, offset uint64, data []byte) (ondisk.TreeRoot, error) {
	c.err = nil
	if len(data) == 0 {
		return root, nil
	}
	newSize := root.NBytes
	if end := offset + uint64(len(data)); end > newSize {
		newSize = end
	}
	needHeight := tree.HeightFor((newSize + ondisk.BlockSize - 1) / ondisk.BlockSize)

	ha := root.HA
	if root.Empty() {
		ha = ondisk.PackHA(0, ondisk.BlockInvalid)
	}
	ha, err := tree.ChangeHeight(c.Region, c.Blocks, ha, needHeight, policy.Copy)
	if err != nil {
		return root, err
	}

	if c.Mode == ondisk.CommitSCSP {
		ha, err = c.writeSCSP(ha, needHeight, offset, data)
		if err != nil {
			return root, err
		}
		return ondisk.TreeRoot{HA: ha, NBytes: newSize}, nil
	}

	ha = c.writeRange(ha, needHeight, offset, data)
	if c.err != nil {
		return root, c.err
	}
	return ondisk.TreeRoot{HA: ha, NBytes: newSize}, nil
}

// writeSCSP drives an SCSP-mode write through internal/scsp: the whole
// touched path is staged into DRAM first, and only Commit ever writes
// BPRAM, choosing the deepest point that can be published as a single
// atomic word store and reverting everything staged above it.
func (c *Crawler) writeSCSP(ha ondisk.HA, height uint8, offset uint64, data []byte) (ondisk.HA, error) {
	g := scsp.New()
	root := g.Push(ha.Addr())
	c.writeRangeSCSP(g, root, ha, height, offset, data)
	g.Pop()
	if c.err != nil {
		g.Abort(c.Blocks)
		return ha, c.err
	}
	newAddr, err := g.Commit(c.Region, c.Blocks, root)
	if err != nil {
		g.Abort(c.Blocks)
		return ha, err
	}
	return ondisk.PackHA(height, newAddr), nil
}

// writeRangeSCSP mirrors writeRange's recursive structure, but stages
// every touched block into g's DRAM buffers instead of ever writing
// through to BPRAM directly; node is the graph node Write (or the parent
// call) has already Pushed for ha's address.
func (c *Crawler) writeRangeSCSP(g *scsp.Graph, node *scsp.Node, ha ondisk.HA, height uint8, offset uint64, data []byte) {
	if c.err != nil {
		return
	}
	addr := ha.Addr()
	buf := g.Stage(c.Region, c.Blocks, node)
	if g.Err() != nil {
		c.err = g.Err()
		return
	}

	if height == 0 {
		copy(buf[offset:], data)
		node.MarkRequired() // a leaf has no child to continue the search into
		return
	}

	span := tree.MaxNBlocks(height) * ondisk.BlockSize
	childSpan := span / ondisk.BlocknosPerIndir

	var ib ondisk.IndirectBlock
	if addr != ondisk.BlockInvalid {
		ib, _ = ondisk.ReadIndirectBlock(c.Region.Block(addr))
	} else {
		for i := range ib {
			ib[i] = ondisk.BlockInvalid
		}
	}

	firstChild := offset / childSpan
	lastChild := (offset + uint64(len(data)) - 1) / childSpan
	touched := int(lastChild-firstChild) + 1

	pos := uint64(0)
	for pos < uint64(len(data)) {
		abs := offset + pos
		childIdx := abs / childSpan
		childOff := abs % childSpan
		n := childSpan - childOff
		if rem := uint64(len(data)) - pos; n > rem {
			n = rem
		}
		childHA := ondisk.PackHA(height-1, ib[childIdx])
		childNode := g.Push(ib[childIdx])
		c.writeRangeSCSP(g, childNode, childHA, height-1, childOff, data[pos:pos+n])
		g.Pop()
		if c.err != nil {
			return
		}
		ib[childIdx] = childNode.StageBlkno
		pos += n
	}
	ib.Write(buf)

	if touched > 1 {
		// More than one child pointer changed: this node's own edit can
		// no longer be expressed as the single child-pointer swap the
		// commit walk looks for, so it must stop exactly here.
		node.MarkRequired()
	}
}

// Truncate changes the logical size of the tree rooted at root to newSize,
// freeing trailing blocks when shrinking and leaving newly exposed bytes as
// an implicit zero hole when growing.
// On OutOfSpace (only possible while shrinking, and only when dropping a
// partial indirect block requires one scratch block to replace it — see
// tree.TruncateBlockZero) the original root is returned unchanged: nothing
// reachable from it has been mutated in place, so the caller's surrounding
// transaction abort needs only unwind the allocator's staged state, same
// as every other failure path through this package.
func (c *Crawler) Truncate(root ondisk.TreeRoot, newSize uint64) (ondisk.TreeRoot, error) {
	if newSize == root.NBytes {
		return root, nil
	}
	if newSize == 0 {
		tree.FreeTree(c.Region, c.Blocks, root)
		return ondisk.TreeRoot{}, nil
	}
	if newSize < root.NBytes {
		ha, err := tree.TruncateBlockZero(c.Region, c.Blocks, root.HA, newSize, root.NBytes, true)
		if err != nil {
			return root, err
		}
		needHeight := tree.HeightFor((newSize + ondisk.BlockSize - 1) / ondisk.BlockSize)
		// Shrinking the wrapper levels themselves only ever frees blocks
		// (it walks the slot-0 trunk dropping whole levels), so this
		// ChangeHeight call cannot itself report exhaustion.
		ha, _ = tree.ChangeHeight(c.Region, c.Blocks, ha, needHeight, policy.Copy)
		shrunk := ondisk.TreeRoot{HA: ha, NBytes: newSize}
		// Zero the rest of the last remaining leaf, so that bytes past
		// newSize read back as zero if the tree later grows again.
		if tail := newSize % ondisk.BlockSize; tail != 0 {
			zeroed, err := c.Write(shrunk, newSize, make([]byte, ondisk.BlockSize-tail))
			if err != nil {
				return root, err
			}
			shrunk.HA = zeroed.HA
		}
		return shrunk, nil
	}
	// Growing: nothing to materialize, the gap already reads as zero.
	return ondisk.TreeRoot{HA: root.HA, NBytes: newSize}, nil
}

// FreeAll frees every block referenced by root.
func (c *Crawler) FreeAll(root ondisk.TreeRoot) {
	tree.FreeTree(c.Region, c.Blocks, root)
}

// Region is one disjoint byte range of an atomic multi-region write
// (generalized past exactly two regions): Offset and
// len(Data) together must fit within a single leaf block's span of the
// tree the WriteRegions call targets, as is always true of one inode's
// 128-byte slot within the inode table's tree.
type Region struct {
	Offset uint64
	Data   []byte
}

// WriteRegions commits every region in regions as a single indivisible
// unit: either all of them become visible or none do, regardless of commit
// mode. It achieves this the way BPFS's rename path does for its two
// inode-slot update: copy every block on the path to every
// touched region (never mutate a live, reachable block in place), then
// publish the whole change with one atomic store of the replacement root
// pointer. This is strictly more conservative than the single-region
// Write's mode-sensitive in-place/atomic fast paths, because two
// independent regions cannot in general be made visible together with a
// single word store unless they already share every block above their
// common ancestor.
func (c *Crawler) WriteRegions(root ondisk.TreeRoot, regions []Region) (ondisk.TreeRoot, error) {
	c.err = nil
	if len(regions) == 0 {
		return root, nil
	}
	newSize := root.NBytes
	for _, r := range regions {
		if end := r.Offset + uint64(len(r.Data)); end > newSize {
			newSize = end
		}
	}
	needHeight := tree.HeightFor((newSize + ondisk.BlockSize - 1) / ondisk.BlockSize)
	ha := root.HA
	if root.Empty() {
		ha = ondisk.PackHA(0, ondisk.BlockInvalid)
	}
	ha, err := tree.ChangeHeight(c.Region, c.Blocks, ha, needHeight, policy.Copy)
	if err != nil {
		return root, err
	}
	for _, r := range regions {
		if len(r.Data) == 0 {
			continue
		}
		ha = c.writeRangeForced(ha, needHeight, r.Offset, r.Data)
		if c.err != nil {
			return root, c.err
		}
	}
	return ondisk.TreeRoot{HA: ha, NBytes: newSize}, nil
}

// writeRangeForced behaves like writeRange but never takes the Atomic
// single-word in-place path for already-published blocks: every touched
// block on the path is unconditionally shadow-copied (unless freshly
// allocated this transaction already), so that the whole multi-region edit
// hangs off of blocks invisible to readers until the final root-pointer
// swap performed by the caller.
func (c *Crawler) writeRangeForced(ha ondisk.HA, height uint8, offset uint64, data []byte) ondisk.HA {
	if c.err != nil {
		return ha
	}
	addr := ha.Addr()
	if height == 0 {
		pol := policy.Copy
		if addr == ondisk.BlockInvalid || c.Blocks.FreshlyAlloced(addr) {
			pol = policy.Free
		}
		na := c.writeLeaf(addr, pol, offset, data)
		if c.err != nil {
			return ha
		}
		return ondisk.PackHA(0, na)
	}

	span := tree.MaxNBlocks(height) * ondisk.BlockSize
	childSpan := span / ondisk.BlocknosPerIndir

	var ib ondisk.IndirectBlock
	if addr != ondisk.BlockInvalid {
		ib, _ = ondisk.ReadIndirectBlock(c.Region.Block(addr))
	} else {
		for i := range ib {
			ib[i] = ondisk.BlockInvalid
		}
	}

	pos := uint64(0)
	for pos < uint64(len(data)) {
		abs := offset + pos
		childIdx := abs / childSpan
		childOff := abs % childSpan
		n := childSpan - childOff
		if rem := uint64(len(data)) - pos; n > rem {
			n = rem
		}
		ib[childIdx] = c.writeRangeForced(ondisk.PackHA(height-1, ib[childIdx]), height-1, childOff, data[pos:pos+n]).Addr()
		if c.err != nil {
			return ha
		}
		pos += n
	}

	if addr != ondisk.BlockInvalid && c.Blocks.FreshlyAlloced(addr) {
		ib.Write(c.Region.Block(addr))
		return ondisk.PackHA(height, addr)
	}
	na := c.alloc()
	if c.err != nil {
		return ha
	}
	ib.Write(c.Region.Block(na))
	if addr != ondisk.BlockInvalid {
		c.Blocks.Free(addr)
	}
	return ondisk.PackHA(height, na)
}
