package fs

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bpram/bpfs/internal/block"
	"github.com/bpram/bpfs/internal/bpram"
	"github.com/bpram/bpfs/internal/crawler"
	"github.com/bpram/bpfs/internal/dcache"
	"github.com/bpram/bpfs/internal/ondisk"
	"github.com/bpram/bpfs/internal/super"
)

// FS is the single owning context for a mounted volume: every operation
// handler takes a *FS and mutates its in-memory state directly. It is not
// safe for concurrent use: callers must serialize operations themselves,
// so FS holds no lock of its own.
type FS struct {
	region  *bpram.Region
	blocks  *block.Blocks
	inodes  *block.Inodes
	crawler *crawler.Crawler
	dcache  *dcache.Cache

	super ondisk.Superblock
	clock func() time.Time

	// pending{InodeRoot,NInodes} hold the not-yet-published inode table
	// root produced by writes staged so far in the current transaction;
	// commit publishes them through super.Publish, abort discards them.
	pendingInodeRoot ondisk.HA
	pendingNInodes   uint64
	dirty            bool
}

// DCacheCapacity is the fixed number of (parent, name) entries the
// directory-entry cache holds before evicting under LRU pressure.
const DCacheCapacity = 4096

// Mount attaches to an already-mapped, already-formatted region: it
// recovers the superblock (repairing an inconsistent SP shadow copy if
// needed), rebuilds the in-memory block and inode bitmaps by scanning the
// live inode tree, and returns a ready-to-use FS.
func Mount(region *bpram.Region, clock func() time.Time) (*FS, error) {
	sb, err := super.Read(region)
	if err != nil {
		return nil, err
	}
	blocks := block.NewBlocks(region, sb.NBlocks)
	inodes := block.NewInodes(sb.NInodes)

	f := &FS{
		region:           region,
		blocks:           blocks,
		inodes:           inodes,
		crawler:          crawler.New(region, blocks, sb.CommitMode),
		dcache:           dcache.New(DCacheCapacity),
		super:            sb,
		clock:            clock,
		pendingInodeRoot: ondisk.HA(sb.InodeRootAddr),
		pendingNInodes:   sb.NInodes,
	}
	if err := f.rebuildBitmaps(); err != nil {
		return nil, err
	}
	return f, nil
}

// Format initializes region as a brand-new empty volume under the given
// commit mode and mounts it.
func Format(region *bpram.Region, mode ondisk.Commit, clock func() time.Time) (*FS, error) {
	sb, err := super.Format(region, mode)
	if err != nil {
		return nil, err
	}
	blocks := block.NewBlocks(region, sb.NBlocks)
	inodes := block.NewInodes(sb.NInodes)
	f := &FS{
		region:           region,
		blocks:           blocks,
		inodes:           inodes,
		crawler:          crawler.New(region, blocks, sb.CommitMode),
		dcache:           dcache.New(DCacheCapacity),
		super:            sb,
		clock:            clock,
		pendingInodeRoot: ondisk.HA(sb.InodeRootAddr),
		pendingNInodes:   sb.NInodes,
	}
	if err := f.rebuildBitmaps(); err != nil {
		return nil, err
	}
	return f, nil
}

// inodeScanChunk is the number of inode-table slots one rebuildBitmaps
// worker scans before returning its findings for a sequential merge.
const inodeScanChunk = ondisk.InodesPerBlock * 8

// rebuildBitmaps walks every block reachable from the inode tree and marks
// it used, then does the same for inode slots, rebuilding the in-memory
// bitmaps entirely from live on-medium state rather than trusting a cached
// summary. The inode-table scan is fanned out across chunks of
// inode-table pages: each worker only reads the mapped region and collects
// its findings into a private slice, so results can be merged into the
// shared bitmaps sequentially once every worker returns — the bitmaps
// themselves are never touched concurrently. This is safe because
// rebuildBitmaps always completes before the per-operation single-threaded
// dispatch loop starts servicing requests.
func (f *FS) rebuildBitmaps() error {
	root := f.inodeTree()
	f.blocks.MarkUsed(ondisk.BlockSuper)
	f.blocks.MarkUsed(ondisk.BlockSuperShadow)
	for _, b := range collectTreeBlocks(f.region, root) {
		f.blocks.MarkUsed(b)
	}

	n := f.super.NInodes
	type chunkResult struct {
		inos   []uint64
		blocks []uint64
	}
	nChunks := (n + inodeScanChunk - 1) / inodeScanChunk
	results := make([]chunkResult, nChunks)

	g := new(errgroup.Group)
	for c := uint64(0); c < nChunks; c++ {
		c := c
		g.Go(func() error {
			lo := c*inodeScanChunk + 1
			hi := lo + inodeScanChunk - 1
			if hi > n {
				hi = n
			}
			var res chunkResult
			for ino := lo; ino <= hi; ino++ {
				var buf [ondisk.InodeSize]byte
				off := (ino - 1) * ondisk.InodeSize
				if f.crawler.ReadAt(root, off, buf[:]) < ondisk.InodeSize {
					continue
				}
				in := ondisk.ReadInode(buf[:])
				if in.Nlinks == 0 {
					continue
				}
				res.inos = append(res.inos, ino)
				res.blocks = append(res.blocks, collectTreeBlocks(f.region, in.Root)...)
			}
			results[c] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, res := range results {
		for _, ino := range res.inos {
			f.inodes.MarkUsed(ino)
		}
		for _, b := range res.blocks {
			f.blocks.MarkUsed(b)
		}
	}
	return nil
}

// collectTreeBlocks returns every block number referenced by root (leaf
// and indirect alike) without mutating any shared allocator state, so it
// can run concurrently across disjoint trees.
func collectTreeBlocks(region *bpram.Region, root ondisk.TreeRoot) []uint64 {
	if root.Empty() {
		return nil
	}
	var out []uint64
	collectSubtreeBlocks(region, root.HA.Addr(), root.HA.Height(), &out)
	return out
}

func collectSubtreeBlocks(region *bpram.Region, addr uint64, height uint8, out *[]uint64) {
	if addr == ondisk.BlockInvalid {
		return
	}
	*out = append(*out, addr)
	if height == 0 {
		return
	}
	ib, _ := ondisk.ReadIndirectBlock(region.Block(addr))
	for _, child := range ib {
		collectSubtreeBlocks(region, child, height-1, out)
	}
}

// begin marks the start of a transaction; present mostly for symmetry and
// readability at call sites.
func (f *FS) begin() {
	f.pendingInodeRoot = ondisk.HA(f.super.InodeRootAddr)
	f.pendingNInodes = f.super.NInodes
	f.dirty = false
}

// commit finalizes every staged bitmap alloc/free and publishes the
// pending inode-table root through the superblock.
func (f *FS) commit() {
	if f.dirty {
		super.Publish(f.region, &f.super, f.pendingInodeRoot, f.pendingNInodes)
	}
	f.blocks.Commit()
	f.inodes.Commit()
}

// abort reverses every staged bitmap alloc/free and discards the pending
// inode-table root.
func (f *FS) abort() {
	f.blocks.Abort()
	f.inodes.Abort()
	f.pendingInodeRoot = ondisk.HA(f.super.InodeRootAddr)
	f.pendingNInodes = f.super.NInodes
}

// StatFS reports aggregate volume usage.
type StatFS struct {
	Blocks     uint64
	BlocksFree uint64
	Inodes     uint64
	InodesFree uint64
}

func (f *FS) StatFS() StatFS {
	total := f.blocks.Total()
	usedBlocks := uint64(0)
	for i := uint64(0); i < total; i++ {
		if !f.blocks.IsFree(i + ondisk.FirstAllocBlock) {
			usedBlocks++
		}
	}
	totalInodes := f.inodes.Total()
	usedInodes := uint64(0)
	for i := uint64(1); i <= totalInodes; i++ {
		if !f.inodes.IsFree(i) {
			usedInodes++
		}
	}
	return StatFS{
		Blocks:     total,
		BlocksFree: total - usedBlocks,
		Inodes:     totalInodes,
		InodesFree: totalInodes - usedInodes,
	}
}

// Parent returns the remembered parent of ino from the dcache's parent
// index, populated as a side effect of Lookup, create, link and rename
// traffic.
// It reports false for inodes the cache has since evicted; callers fall
// back to ino itself, the same degenerate behavior "." would show.
func (f *FS) Parent(ino uint64) (uint64, bool) {
	if ino == ondisk.InoRoot {
		return ondisk.InoRoot, true
	}
	return f.dcache.Parent(ino)
}

// Destroy releases the region mapping. Callers must have no further
// in-flight operations: every operation already flushes and commits
// before returning, so Destroy only needs to unmap.
func (f *FS) Destroy() error {
	return f.region.Close()
}
