// Package scsp implements the staged shadow-copy commit discipline for
// CommitSCSP: a write never touches BPRAM in place while it is in flight.
// Every indirect block and leaf it touches is first copied into a DRAM
// buffer tracked by a Graph; only Commit ever writes BPRAM, and it does so
// by walking the single chain of staged blocks from the tree root down,
// looking for the deepest point whose own content can still be published
// as one atomic 8-byte store into its *original* location. Everything
// above that point turns out to have needed no change at all and is
// unwound (its staged allocation released, its original block untouched);
// everything at or below it is copied into freshly allocated BPRAM for
// real, and the chosen block's single changed word is what actually
// publishes the edit.
//
// This is grounded directly on original_source/indirect_cow.c's
// block/hash-map staging engine (indirect_cow_block_cow,
// indirect_cow_commit, indirect_cow_abort): Node mirrors struct block,
// Graph mirrors the pair of blkno_map_orig/blkno_map_cow hash maps plus
// the fixed-size parent stack, and Commit implements the same
// "find the highest atomically writable block, revert its ancestors,
// materialize its descendants" walk as indirect_cow_commit, simplified to
// a single registry of staged nodes (Go's map replaces the two hand-rolled
// hash maps) and to releasing the original block only once a node is
// confirmed to need real replacement, rather than provisionally freeing
// every staged original up front and unfreeing the reverted ones again.
package scsp

import (
	"encoding/binary"

	"github.com/bpram/bpfs/internal/block"
	"github.com/bpram/bpfs/internal/bpfserr"
	"github.com/bpram/bpfs/internal/bpram"
	"github.com/bpram/bpfs/internal/ondisk"
)

// maxHeight bounds the deepest chain the graph ever needs to stage: the
// inode table's own tree height stacked on top of one file's tree height.
// parentStackSize mirrors the original's fixed PARENT_STACK_SIZE array
// (2*BPFS_TREE_MAX_HEIGHT + 2) rather than a growable slice.
const (
	maxHeight       = 8
	parentStackSize = 2*maxHeight + 2
)

// Node is one block staged into the shadow graph.
type Node struct {
	OrigBlkno uint64
	StageBlkno uint64
	DRAM      []byte
	Required  bool
	Child     *Node
}

// Graph is the DRAM staging area for one in-flight SCSP write. It is not
// safe for concurrent use; callers hold whatever lock already serializes a
// single filesystem transaction.
type Graph struct {
	byOrig map[uint64]*Node
	all    []*Node
	stack  [parentStackSize]*Node
	top    int
	err    error
}

// New returns an empty staging graph for one write transaction.
func New() *Graph {
	return &Graph{byOrig: make(map[uint64]*Node)}
}

// Err returns the first allocation failure Stage has recorded, if any.
func (g *Graph) Err() error { return g.err }

// Push records that origBlkno's pointer is about to be followed, creating
// a graph node for it (parented to whatever Push call is currently on top
// of the stack) the first time it is visited this transaction. BlockInvalid
// denotes a not-yet-materialized hole and is never shared across pushes,
// since each occurrence along the path is its own future allocation.
func (g *Graph) Push(origBlkno uint64) *Node {
	var n *Node
	if origBlkno != ondisk.BlockInvalid {
		n = g.byOrig[origBlkno]
	}
	if n == nil {
		n = &Node{OrigBlkno: origBlkno, StageBlkno: ondisk.BlockInvalid}
		g.all = append(g.all, n)
		if origBlkno != ondisk.BlockInvalid {
			g.byOrig[origBlkno] = n
		}
	}
	if g.top > 0 {
		g.stack[g.top-1].Child = n
	}
	g.stack[g.top] = n
	g.top++
	return n
}

// Pop undoes the most recent Push once the caller is done descending
// through that node.
func (g *Graph) Pop() { g.top-- }

// Stage ensures n has a DRAM buffer to mutate, allocating the real BPRAM
// block number it will eventually occupy if Commit decides it needs one,
// and seeding the buffer with n's original content (or zeros, for a
// not-yet-materialized hole). Calling Stage again for the same node
// within a transaction returns the same buffer.
func (g *Graph) Stage(region *bpram.Region, blocks *block.Blocks, n *Node) []byte {
	if n.DRAM != nil {
		return n.DRAM
	}
	dram := make([]byte, ondisk.BlockSize)
	if n.OrigBlkno != ondisk.BlockInvalid {
		copy(dram, region.Block(n.OrigBlkno))
	}
	blkno := blocks.Alloc()
	if blkno == block.Invalid {
		g.err = bpfserr.New("scsp-stage", bpfserr.OutOfSpace, nil)
		return dram
	}
	n.StageBlkno = blkno
	n.DRAM = dram
	return dram
}

// MarkRequired flags n as a change the commit walk must stop at: a true
// leaf (which has no child to continue the search into) or an indirect
// block whose edit cannot be expressed as a single child-pointer change
// (more than one of its children were touched this transaction).
func (n *Node) MarkRequired() { n.Required = true }

// atomicWritable reports whether orig and staged differ in at most one
// aligned 8-byte word, mirroring cow_is_atomically_writable.
func atomicWritable(orig, staged []byte) (offset int, value uint64, ok bool) {
	offset = -1
	for off := 0; off+8 <= len(staged); off += 8 {
		a := binary.LittleEndian.Uint64(orig[off : off+8])
		b := binary.LittleEndian.Uint64(staged[off : off+8])
		if a != b {
			if offset != -1 {
				return 0, 0, false
			}
			offset = off
			value = b
		}
	}
	return offset, value, true
}

// Commit publishes the staged edit whose outermost node is root (the node
// the first Push call of the transaction returned). It returns the block
// number the caller should now treat as root's replacement address: either
// root's own original address (the common case — the whole edit folded
// into one in-place atomic word store somewhere along the chain) or a
// freshly materialized address if even root itself needed wholesale
// replacement (e.g. the tree grew out of a hole with no original to patch).
func (g *Graph) Commit(region *bpram.Region, blocks *block.Blocks, root *Node) (uint64, error) {
	if g.err != nil {
		return root.OrigBlkno, g.err
	}
	if root.DRAM == nil {
		return root.OrigBlkno, nil
	}

	atomicNode := root
	for {
		child := atomicNode.Child
		if atomicNode.OrigBlkno == ondisk.BlockInvalid {
			break // nothing to patch in place; must materialize for real
		}
		if child != nil {
			childOrig := bpram.ZeroBlock()
			if child.OrigBlkno != ondisk.BlockInvalid {
				childOrig = region.Block(child.OrigBlkno)
			}
			if _, _, ok := atomicWritable(childOrig, child.DRAM); !ok || child.OrigBlkno == ondisk.BlockInvalid {
				break
			}
		}
		if atomicNode.Required || child == nil {
			break
		}
		atomicNode = child
	}

	// Every node the search loop moved into was already confirmed
	// atomically writable relative to its own original as a condition of
	// the move; root is the one exception (nothing checked root itself
	// against its original before the loop started), so it is verified
	// here too. canFold is false exactly when atomicNode is root and
	// root's own edit cannot be folded into a single word — e.g. the
	// write's very first level already touched more than one child, or
	// root itself is a freshly materialized hole with nothing to patch.
	off, value, ok := -1, uint64(0), false
	if atomicNode.OrigBlkno != ondisk.BlockInvalid {
		off, value, ok = atomicWritable(region.Block(atomicNode.OrigBlkno), atomicNode.DRAM)
	}
	canFold := ok

	// Everything strictly above atomicNode in the chain needed no change
	// at all and is reverted; atomicNode itself joins the reverted set
	// only when its own edit folds into its original location, otherwise
	// it has to be materialized for real, same as everything below it.
	reverted := make(map[*Node]bool)
	for n := root; n != atomicNode; n = n.Child {
		reverted[n] = true
	}
	if canFold {
		reverted[atomicNode] = true
	}

	for _, n := range g.all {
		if reverted[n] {
			if n.StageBlkno != ondisk.BlockInvalid {
				blocks.Unalloc(n.StageBlkno)
			}
			continue
		}
		copy(region.Block(n.StageBlkno), n.DRAM)
		if n.OrigBlkno != ondisk.BlockInvalid {
			blocks.Free(n.OrigBlkno)
		}
	}

	if !canFold {
		return atomicNode.StageBlkno, nil
	}
	if off >= 0 {
		bpram.AtomicStoreHA(region.Block(atomicNode.OrigBlkno), off, ondisk.HA(value))
	}
	return root.OrigBlkno, nil
}

// Abort releases every block this transaction staged without publishing
// any of it: every original block is left exactly as it was.
func (g *Graph) Abort(blocks *block.Blocks) {
	for _, n := range g.all {
		if n.StageBlkno != ondisk.BlockInvalid {
			blocks.Unalloc(n.StageBlkno)
		}
	}
}
