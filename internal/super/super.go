// Package super reads, formats and publishes the BPRAM superblock.
// Formatting and mount-time recovery follow a squashfs-style reader/writer
// pair: fixed-size struct decode/encode via encoding/binary, with a single
// well-known location to start reading from — here complicated only by SP
// mode's double superblock, whose recovery rule (prefer the self-consistent
// copy, repair the other) is recorded as a design decision in DESIGN.md.
package super

import (
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/bpram/bpfs/internal/block"
	"github.com/bpram/bpfs/internal/bpram"
	"github.com/bpram/bpfs/internal/ondisk"
)

// Format initializes a freshly mapped region as an empty file system: it
// poisons the two reserved superblock blocks, allocates a one-block inode
// table holding only the root directory's inode (an empty directory), and
// writes the superblock(s) over the poisoned blocks, storing the magic
// number last. For CommitSP it publishes both the primary and shadow
// superblock, self-consistent with each other, matching the normal mount
// recovery rule.
func Format(region *bpram.Region, mode ondisk.Commit) (ondisk.Superblock, error) {
	nblocks := region.NBlocks()
	if nblocks <= ondisk.FirstAllocBlock {
		return ondisk.Superblock{}, xerrors.Errorf("super: region too small to hold any data blocks (%d blocks)", nblocks)
	}

	bpram.Poison(region.Block(ondisk.BlockSuper))
	bpram.Poison(region.Block(ondisk.BlockSuperShadow))

	blocks := block.NewBlocks(region, nblocks)
	inodeTableBlock := blocks.Alloc()
	for i := range region.Block(inodeTableBlock) {
		region.Block(inodeTableBlock)[i] = 0
	}

	root := ondisk.Inode{
		Generation: 1,
		Uid:        0,
		Gid:        0,
		Mode:       0040755, // S_IFDIR | rwxr-xr-x
		Nlinks:     2,       // "." is implicit, ".." of any child counts against the parent
	}
	root.Write(region.Block(inodeTableBlock)[0:ondisk.InodeSize])
	blocks.Commit()

	inodeRoot := ondisk.PackHA(0, inodeTableBlock)

	id, err := uuid.NewRandom()
	if err != nil {
		return ondisk.Superblock{}, xerrors.Errorf("super: generating volume UUID: %w", err)
	}

	sb := ondisk.Superblock{
		Magic:          ondisk.Magic,
		Version:        ondisk.FormatVersion,
		NBlocks:        nblocks,
		InodeRootAddr:  uint64(inodeRoot),
		InodeRootAddr2: uint64(inodeRoot),
		NInodes:        1,
		CommitMode:     mode,
		EphemeralValid: 1,
	}
	copy(sb.UUID[:], id[:])

	// The magic number goes in last, so a region whose formatting stops
	// partway never reads back as a BPFS volume.
	unsealed := sb
	unsealed.Magic = 0
	unsealed.Write(region.Block(ondisk.BlockSuper))
	if mode == ondisk.CommitSP {
		unsealed.Write(region.Block(ondisk.BlockSuperShadow))
		binary.LittleEndian.PutUint32(region.Block(ondisk.BlockSuperShadow)[0:4], ondisk.Magic)
	}
	binary.LittleEndian.PutUint32(region.Block(ondisk.BlockSuper)[0:4], ondisk.Magic)
	return sb, nil
}

// consistent reports whether a decoded superblock looks like a valid,
// self-consistent BPFS superblock: correct magic/version and,
// under SP mode, agreement between the two inode-root copies.
func consistent(sb ondisk.Superblock) bool {
	if sb.Magic != ondisk.Magic || sb.Version != ondisk.FormatVersion {
		return false
	}
	if sb.CommitMode == ondisk.CommitSP && sb.InodeRootAddr != sb.InodeRootAddr2 {
		return false
	}
	return true
}

// Read selects the active superblock out of the primary and (for SP mode)
// shadow copy, repairing whichever copy disagrees. SCSP and BPFS modes
// carry no shadow copy and simply require the primary to be well formed.
//
// The recovery rule mirrors a double-buffered atomic-write discipline:
// whichever of the two copies last finished its write in full is
// self-consistent (InodeRootAddr == InodeRootAddr2). The commit code
// always writes the shadow first and the primary last (see Publish): a
// crash between the two copy writes leaves both copies self-consistent,
// and Read keeps the primary, i.e. the old state; a crash in the middle of
// the primary's write leaves it torn, and the shadow (the new state) wins.
func Read(region *bpram.Region) (ondisk.Superblock, error) {
	primary := ondisk.ReadSuperblock(region.Block(ondisk.BlockSuper))
	if primary.Magic != ondisk.Magic {
		return ondisk.Superblock{}, xerrors.Errorf("super: bad magic %#x, not a BPFS volume", primary.Magic)
	}
	if primary.CommitMode != ondisk.CommitSP {
		if !consistent(primary) {
			return ondisk.Superblock{}, io.ErrUnexpectedEOF
		}
		return primary, nil
	}

	shadow := ondisk.ReadSuperblock(region.Block(ondisk.BlockSuperShadow))
	switch {
	case consistent(primary):
		if !consistent(shadow) || shadow != primary {
			primary.Write(region.Block(ondisk.BlockSuperShadow))
		}
		return primary, nil
	case consistent(shadow):
		shadow.Write(region.Block(ondisk.BlockSuper))
		return shadow, nil
	default:
		return ondisk.Superblock{}, xerrors.Errorf("super: neither superblock copy is self-consistent")
	}
}

// Publish durably installs a new inode root pointer (and inode count) into
// sb and writes it back to the region, following each commit mode's
// discipline:
//
//   - BPFS/SCSP: the inode count is stored first, then a single 8-byte
//     atomic store of the new inode root into the one superblock copy —
//     the mount has no shadow copy to keep in sync, so this word store is
//     itself the transaction's commit point.
//   - SP: write the shadow copy in full first (self-consistent, with its
//     own InodeRootAddr2 already matching), then the primary copy last —
//     a crash between the two leaves both copies self-consistent, the
//     primary still describing the old state, and Read keeps the primary.
func Publish(region *bpram.Region, sb *ondisk.Superblock, newInodeRoot ondisk.HA, nInodes uint64) {
	sb.InodeRootAddr = uint64(newInodeRoot)
	sb.NInodes = nInodes

	if sb.CommitMode != ondisk.CommitSP {
		binary.LittleEndian.PutUint64(region.Block(ondisk.BlockSuper)[48:56], nInodes)
		bpram.AtomicStoreHA(region.Block(ondisk.BlockSuper), 32, newInodeRoot)
		return
	}

	sb.InodeRootAddr2 = uint64(newInodeRoot)
	sb.Write(region.Block(ondisk.BlockSuperShadow))
	sb.Write(region.Block(ondisk.BlockSuper))
}
