// Package block wraps the block and inode bitmaps with BPRAM
// region access and the reserved-range/poisoning policy layered on top of
// the generic staged bitmap@internal/bitmap.
package block

import (
	"github.com/bpram/bpfs/internal/bitmap"
	"github.com/bpram/bpfs/internal/bpram"
	"github.com/bpram/bpfs/internal/ondisk"
)

// Invalid is the sentinel returned by AllocBlock/AllocInode on exhaustion.
const Invalid = ^uint64(0)

// Blocks tracks which BPRAM blocks are free, under staged alloc/free
// discipline. Blocks 1..FirstAllocBlock-1 are reserved and never appear in
// the bitmap at all: AllocBlock can never return them, FreeBlock asserts
// against them.
type Blocks struct {
	bm     *bitmap.Bitmap
	region *bpram.Region
	poison bool
}

// NewBlocks creates a block allocator over a region with `nblocks` total
// blocks. The bitmap is sized nblocks-FirstAllocBlock (indices are shifted
// so index 0 corresponds to block FirstAllocBlock).
func NewBlocks(region *bpram.Region, nblocks uint64) *Blocks {
	n := uint64(0)
	if nblocks > ondisk.FirstAllocBlock {
		n = nblocks - ondisk.FirstAllocBlock
	}
	return &Blocks{bm: bitmap.New(n), region: region}
}

// SetPoison controls whether freshly allocated blocks are poisoned with a
// recognizable pattern before being handed to the caller.
func (b *Blocks) SetPoison(enabled bool) { b.poison = enabled }

func toBlockno(idx uint64) uint64 { return idx + ondisk.FirstAllocBlock }
func toIndex(blockno uint64) uint64 { return blockno - ondisk.FirstAllocBlock }

// Alloc returns a freshly staged block number, optionally poisoned, or
// Invalid on exhaustion.
func (b *Blocks) Alloc() uint64 {
	idx, ok := b.bm.Alloc()
	if !ok {
		return Invalid
	}
	blockno := toBlockno(idx)
	if b.poison {
		bpram.Poison(b.region.Block(blockno))
	}
	if err := b.region.Unprotect(blockno); err != nil {
		panic(err)
	}
	return blockno
}

// Free stages blockno for freeing. It is a programming error to free a
// reserved block number.
func (b *Blocks) Free(blockno uint64) {
	if blockno < ondisk.FirstAllocBlock {
		panic("block: free of a reserved block number")
	}
	b.bm.Free(toIndex(blockno))
}

// FreshlyAlloced reports whether blockno was allocated within the current
// transaction.
func (b *Blocks) FreshlyAlloced(blockno uint64) bool {
	if blockno < ondisk.FirstAllocBlock {
		return false
	}
	return b.bm.FreshlyAlloced(toIndex(blockno))
}

// Unalloc reverses a staged allocation of blockno mid-transaction.
func (b *Blocks) Unalloc(blockno uint64) { b.bm.Unalloc(toIndex(blockno)) }

// Unfree reverses a staged free of blockno mid-transaction.
func (b *Blocks) Unfree(blockno uint64) { b.bm.Unfree(toIndex(blockno)) }

// IsFree reports whether blockno is currently unallocated (and not staged).
func (b *Blocks) IsFree(blockno uint64) bool {
	if blockno < ondisk.FirstAllocBlock {
		return false
	}
	return !b.bm.IsSet(toIndex(blockno))
}

// Commit finalizes every staged alloc/free for this transaction.
func (b *Blocks) Commit() { b.bm.Commit() }

// Abort reverses every staged alloc/free for this transaction.
func (b *Blocks) Abort() { b.bm.Abort() }

// Resize grows or shrinks the total number of allocatable blocks, e.g.
// when the BPRAM region itself is extended.
func (b *Blocks) Resize(nblocks uint64) {
	n := uint64(0)
	if nblocks > ondisk.FirstAllocBlock {
		n = nblocks - ondisk.FirstAllocBlock
	}
	b.bm.Resize(n)
}

// Total returns the number of allocatable (non-reserved) blocks.
func (b *Blocks) Total() uint64 { return b.bm.Total() }

// MarkUsed seeds the bitmap with an already-allocated, already-committed
// block number; used when rebuilding the in-memory bitmap by scanning the
// live tree at mount. Reserved block numbers are not in the bitmap and are
// ignored.
func (b *Blocks) MarkUsed(blockno uint64) {
	if blockno < ondisk.FirstAllocBlock {
		return
	}
	b.bm.MarkUsed(toIndex(blockno))
}

// Inodes tracks which inode-table slots are free, under the same staged
// discipline. Unlike Blocks, it has no reserved range of its own (inode 0
// is never issued because bitmap index 0 stands for inode 1), but it can
// grow: when exhausted, the caller (the fs
// layer, which alone has access to the crawler) extends the inode tree by
// one block, calls Resize, and retries Alloc.
type Inodes struct {
	bm *bitmap.Bitmap
}

// NewInodes creates an inode allocator tracking `total` inode slots.
func NewInodes(total uint64) *Inodes {
	return &Inodes{bm: bitmap.New(total)}
}

// Alloc returns a freshly staged inode number (1-based; index 0 of the
// bitmap corresponds to inode number 1, since inode 0 is never valid and is
// never represented in the bitmap), or Invalid on exhaustion.
func (i *Inodes) Alloc() uint64 {
	idx, ok := i.bm.Alloc()
	if !ok {
		return Invalid
	}
	return idx + 1
}

// Free stages ino for freeing.
func (i *Inodes) Free(ino uint64) { i.bm.Free(ino - 1) }

// FreshlyAlloced reports whether ino was allocated this transaction.
func (i *Inodes) FreshlyAlloced(ino uint64) bool { return i.bm.FreshlyAlloced(ino - 1) }

// Unalloc reverses a staged allocation of ino mid-transaction.
func (i *Inodes) Unalloc(ino uint64) { i.bm.Unalloc(ino - 1) }

// Unfree reverses a staged free of ino mid-transaction.
func (i *Inodes) Unfree(ino uint64) { i.bm.Unfree(ino - 1) }

// IsFree reports whether ino is currently unallocated.
func (i *Inodes) IsFree(ino uint64) bool { return !i.bm.IsSet(ino - 1) }

// Commit finalizes every staged alloc/free for this transaction.
func (i *Inodes) Commit() { i.bm.Commit() }

// Abort reverses every staged alloc/free for this transaction.
func (i *Inodes) Abort() { i.bm.Abort() }

// Resize grows or shrinks the number of tracked inode slots, reversible by
// Abort within the same transaction (open question: alloc-inode-
// then-abort must also roll back the grow).
func (i *Inodes) Resize(total uint64) { i.bm.Resize(total) }

// Total returns the number of inode slots currently tracked.
func (i *Inodes) Total() uint64 { return i.bm.Total() }

// MarkUsed seeds the bitmap with an already-committed inode number; used
// when rebuilding the in-memory bitmap from the live dirent graph at mount.
func (i *Inodes) MarkUsed(ino uint64) {
	i.bm.MarkUsed(ino - 1)
}
