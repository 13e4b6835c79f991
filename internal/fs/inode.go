// Package fs implements the POSIX-shaped operation handlers on top of the
// crawler, block/inode allocators, dcache and superblock packages: lookup,
// getattr/setattr, create/mkdir/mknod/symlink, unlink/rmdir, rename, link,
// read/write, readdir, statfs. Every handler follows the same shape:
// read-only crawls first, then staged mutations, then commit or abort.
package fs

import (
	"time"

	"github.com/bpram/bpfs/internal/bpfserr"
	"github.com/bpram/bpfs/internal/crawler"
	"github.com/bpram/bpfs/internal/ondisk"
)

// inodeTree returns the packed inode table as a crawlable byte tree,
// reflecting any not-yet-committed growth/writes staged so far in the
// current transaction (pendingInodeRoot/pendingNInodes are always kept in
// sync with the last write, transaction or not: Mount/Format seed them,
// commit copies them into the superblock, abort resets them back to the
// superblock's last-committed values).
func (f *FS) inodeTree() ondisk.TreeRoot {
	return ondisk.TreeRoot{
		HA:     f.pendingInodeRoot,
		NBytes: f.pendingNInodes * ondisk.InodeSize,
	}
}

// readInode loads inode number ino from the inode table.
func (f *FS) readInode(ino uint64) (ondisk.Inode, error) {
	if ino == ondisk.InoInvalid || ino > f.pendingNInodes {
		return ondisk.Inode{}, bpfserr.New("readInode", bpfserr.InvalidArgument, nil)
	}
	var buf [ondisk.InodeSize]byte
	off := (ino - 1) * ondisk.InodeSize
	n := f.crawler.ReadAt(f.inodeTree(), off, buf[:])
	if n < ondisk.InodeSize {
		return ondisk.Inode{}, bpfserr.New("readInode", bpfserr.NotFound, nil)
	}
	return ondisk.ReadInode(buf[:]), nil
}

// writeInode stages a write of in into slot ino, growing the table in
// place via the crawler's ATOMIC/COPY discipline — a single inode slot
// always fits inside one leaf block (InodesPerBlock divides BlockSize
// evenly), so this is always a single-region crawler write.
func (f *FS) writeInode(ino uint64, in ondisk.Inode) error {
	var buf [ondisk.InodeSize]byte
	in.Write(buf[:])
	off := (ino - 1) * ondisk.InodeSize
	root := f.inodeTree()
	root, err := f.crawler.Write(root, off, buf[:])
	if err != nil {
		return err
	}
	f.setInodeRoot(root)
	return nil
}

// writeInodePair stages an atomic two-slot update, used by rename to flip
// both the source and destination directory entries' containing inodes
// together.
func (f *FS) writeInodePair(ino1 uint64, in1 ondisk.Inode, ino2 uint64, in2 ondisk.Inode) error {
	var b1, b2 [ondisk.InodeSize]byte
	in1.Write(b1[:])
	in2.Write(b2[:])
	root := f.inodeTree()
	root, err := f.crawler.WriteRegions(root, []crawler.Region{
		{Offset: (ino1 - 1) * ondisk.InodeSize, Data: b1[:]},
		{Offset: (ino2 - 1) * ondisk.InodeSize, Data: b2[:]},
	})
	if err != nil {
		return err
	}
	f.setInodeRoot(root)
	return nil
}

// setInodeRoot grows the in-memory inode bitmap to match and records the
// new inode-table root as pending; commit publishes it through the
// superblock.
func (f *FS) setInodeRoot(root ondisk.TreeRoot) {
	nInodes := root.NBytes / ondisk.InodeSize
	if nInodes > f.inodes.Total() {
		f.inodes.Resize(nInodes)
	}
	f.pendingInodeRoot = root.HA
	f.pendingNInodes = nInodes
	f.dirty = true
}

// allocInode stages a new inode slot, growing the inode table (and
// bitmap) if the allocator reports exhaustion. It reports OutOfSpace if
// either the inode bitmap or the underlying block allocator backing the
// inode table's growth is exhausted.
func (f *FS) allocInode() (uint64, error) {
	ino := f.inodes.Alloc()
	if ino == inodesInvalid {
		f.inodes.Resize(f.inodes.Total() + ondisk.InodesPerBlock)
		ino = f.inodes.Alloc()
	}
	if ino == inodesInvalid {
		return inodesInvalid, bpfserr.New("allocInode", bpfserr.OutOfSpace, nil)
	}
	if ino > f.pendingNInodes {
		if err := f.growInodeTable(ino); err != nil {
			return inodesInvalid, err
		}
	}
	f.dirty = true
	return ino, nil
}

// growInodeTable extends the inode tree so it has room for at least
// uptoIno inode slots, writing zeroed inode records into the new tail.
func (f *FS) growInodeTable(uptoIno uint64) error {
	root := f.inodeTree()
	need := uptoIno * ondisk.InodeSize
	if need <= root.NBytes {
		return nil
	}
	zero := make([]byte, need-root.NBytes)
	root, err := f.crawler.Write(root, root.NBytes, zero)
	if err != nil {
		return err
	}
	f.pendingInodeRoot = root.HA
	f.pendingNInodes = root.NBytes / ondisk.InodeSize
	f.dirty = true
	return nil
}

const inodesInvalid = ^uint64(0)

// now returns the injected clock's current time truncated to seconds, the
// resolution of the on-medium atime/ctime/mtime fields.
func (f *FS) now() uint32 {
	return uint32(f.Clock().Unix())
}

// Clock returns the "now" function the FS was constructed with, defaulting
// to time.Now: the clock is always injected by the caller rather than read
// from the wall clock directly, so timestamps stay reproducible in tests.
func (f *FS) Clock() func() time.Time {
	if f.clock != nil {
		return f.clock
	}
	return time.Now
}
