// Package ondisk defines the BPRAM wire formats: the superblock, the
// packed height/addr atom, indirect blocks, inodes and directory entries.
// Every type here is read and written with encoding/binary in
// little-endian byte order, the same squashfs-header idiom used to decode
// SquashFS's fixed-size headers — BPRAM has no compression or
// variable-width header to special-case, so the struct-plus-
// binary.Read/Write idiom applies almost verbatim.
package ondisk

import (
	"encoding/binary"
	"io"
)

// BlockSize is the fixed BPRAM block size.
const BlockSize = 4096

// Reserved block numbers.
const (
	BlockInvalid     uint64 = 0
	BlockSuper       uint64 = 1
	BlockSuperShadow uint64 = 2
	FirstAllocBlock  uint64 = 3
)

// Reserved inode numbers.
const (
	InoInvalid uint64 = 0
	InoRoot    uint64 = 1
)

// BlocknosPerIndir is the number of child block numbers held in one
// indirect block: BlockSize / sizeof(uint64).
const BlocknosPerIndir = BlockSize / 8

// InodeSize is the fixed, packed size of one on-medium inode.
const InodeSize = 128

// InodesPerBlock is how many packed inodes fit in one block.
const InodesPerBlock = BlockSize / InodeSize

// Commit modes stored in the superblock.
const (
	CommitSP Commit = iota
	CommitSCSP
	CommitBPFS
)

// Commit identifies which of the three operating modes governs
// how a mounted file system publishes updates.
type Commit uint8

func (c Commit) String() string {
	switch c {
	case CommitSP:
		return "sp"
	case CommitSCSP:
		return "scsp"
	case CommitBPFS:
		return "bpfs"
	default:
		return "unknown"
	}
}

// Magic is the superblock magic number; writing it is the last step of
// formatting.
const Magic uint32 = 0xB9F5

// FormatVersion is the on-medium structure version this package reads and
// writes.
const FormatVersion uint32 = 7

// HA is the packed {height:3, addr:61} atom. It occupies
// exactly one 8-byte word and must always be replaced with a single atomic
// store — see internal/bpram.AtomicStoreHA.
type HA uint64

const (
	haHeightBits = 3
	haHeightMask = (uint64(1) << haHeightBits) - 1
	haAddrShift  = haHeightBits
)

// PackHA builds an HA atom from a tree height and block address.
func PackHA(height uint8, addr uint64) HA {
	return HA(uint64(height)&haHeightMask | addr<<haAddrShift)
}

// Height returns the tree height encoded in ha (0 = leaf block).
func (ha HA) Height() uint8 { return uint8(uint64(ha) & haHeightMask) }

// Addr returns the block address encoded in ha.
func (ha HA) Addr() uint64 { return uint64(ha) >> haAddrShift }

// TreeRoot locates a height-indexed block tree. NBytes==0 denotes
// an empty tree whose Addr is treated as invalid.
type TreeRoot struct {
	HA     HA
	NBytes uint64
}

// Empty reports whether the tree root describes a zero-length tree.
func (r TreeRoot) Empty() bool { return r.NBytes == 0 }

// Addr returns BlockInvalid for an empty tree, else the root block number.
func (r TreeRoot) Addr() uint64 {
	if r.Empty() {
		return BlockInvalid
	}
	return r.HA.Addr()
}

// IndirectBlock is an array of BlocknosPerIndir child block numbers.
type IndirectBlock [BlocknosPerIndir]uint64

// ReadIndirectBlock decodes an indirect block from raw bytes.
func ReadIndirectBlock(b []byte) (IndirectBlock, error) {
	var ib IndirectBlock
	if len(b) < BlockSize {
		return ib, io.ErrShortBuffer
	}
	for i := range ib {
		ib[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return ib, nil
}

// Write encodes ib into b, which must be at least BlockSize bytes.
func (ib IndirectBlock) Write(b []byte) {
	for i, v := range ib {
		binary.LittleEndian.PutUint64(b[i*8:], v)
	}
}

// File-type tags stored in directory entries.
const (
	TypeUnknown uint8 = iota
	TypeFile
	TypeDir
	TypeChrdev
	TypeBlkdev
	TypeFifo
	TypeSock
	TypeSymlink
)

// DirentAlign is the alignment every directory entry record length is
// rounded up to.
const DirentAlign = 8

// direntHeaderSize is the fixed portion of a directory entry: ino(8) +
// rec_len(2) + file_type(1) + name_len(1).
const direntHeaderSize = 12

// DirentMinLen is the record length of a zero-length name entry, already
// aligned.
const DirentMinLen = (direntHeaderSize + DirentAlign - 1) / DirentAlign * DirentAlign

// DirentMaxNameLen is the longest name a directory entry can hold: bounded
// by both the 1-byte name-length field and the block size.
const DirentMaxNameLen = 255

// DirentLen returns the 8-byte-aligned record length required to hold a
// name of the given length.
func DirentLen(nameLen int) uint16 {
	n := direntHeaderSize + nameLen
	n = (n + DirentAlign - 1) / DirentAlign * DirentAlign
	return uint16(n)
}

// Dirent is one variable-length directory record. Ino==0 marks an
// erased slot; RecLen==0 marks end-of-entries for the containing block.
// Entries never cross block boundaries, and "." / ".." are never stored.
type Dirent struct {
	Ino      uint64
	RecLen   uint16
	FileType uint8
	NameLen  uint8
	Name     string
}

// ReadDirent decodes one directory entry starting at b[0]. It returns the
// decoded entry and ok=false if RecLen==0 (end-of-entries sentinel).
func ReadDirent(b []byte) (d Dirent, ok bool) {
	d.Ino = binary.LittleEndian.Uint64(b[0:8])
	d.RecLen = binary.LittleEndian.Uint16(b[8:10])
	d.FileType = b[10]
	d.NameLen = b[11]
	if d.RecLen == 0 {
		return d, false
	}
	d.Name = string(b[direntHeaderSize : direntHeaderSize+int(d.NameLen)])
	return d, true
}

// Write encodes d into b, which must be at least int(d.RecLen) bytes.
func (d Dirent) Write(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], d.Ino)
	binary.LittleEndian.PutUint16(b[8:10], d.RecLen)
	b[10] = d.FileType
	b[11] = d.NameLen
	copy(b[direntHeaderSize:], d.Name)
	for i := direntHeaderSize + len(d.Name); i < int(d.RecLen); i++ {
		b[i] = 0
	}
}

// Inode is the fixed 128-byte on-medium inode. A freed inode number is
// handed out again by a later allocation, within the same session too;
// Generation increases on every allocation to let clients detect stale
// handles.
type Inode struct {
	Generation uint64
	Uid        uint32
	Gid        uint32
	Mode       uint32
	Nlinks     uint32
	Flags      uint64
	Root       TreeRoot
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
}

// ReadInode decodes one inode from raw bytes (must be >= InodeSize).
func ReadInode(b []byte) Inode {
	var in Inode
	in.Generation = binary.LittleEndian.Uint64(b[0:8])
	in.Uid = binary.LittleEndian.Uint32(b[8:12])
	in.Gid = binary.LittleEndian.Uint32(b[12:16])
	in.Mode = binary.LittleEndian.Uint32(b[16:20])
	in.Nlinks = binary.LittleEndian.Uint32(b[20:24])
	in.Flags = binary.LittleEndian.Uint64(b[24:32])
	in.Root.HA = HA(binary.LittleEndian.Uint64(b[32:40]))
	in.Root.NBytes = binary.LittleEndian.Uint64(b[40:48])
	in.Atime = binary.LittleEndian.Uint32(b[48:52])
	in.Ctime = binary.LittleEndian.Uint32(b[52:56])
	in.Mtime = binary.LittleEndian.Uint32(b[56:60])
	return in
}

// Write encodes in into b, which must be at least InodeSize bytes. Bytes
// [60:128) are left zeroed padding.
func (in Inode) Write(b []byte) {
	for i := 0; i < InodeSize; i++ {
		b[i] = 0
	}
	binary.LittleEndian.PutUint64(b[0:8], in.Generation)
	binary.LittleEndian.PutUint32(b[8:12], in.Uid)
	binary.LittleEndian.PutUint32(b[12:16], in.Gid)
	binary.LittleEndian.PutUint32(b[16:20], in.Mode)
	binary.LittleEndian.PutUint32(b[20:24], in.Nlinks)
	binary.LittleEndian.PutUint64(b[24:32], in.Flags)
	binary.LittleEndian.PutUint64(b[32:40], uint64(in.Root.HA))
	binary.LittleEndian.PutUint64(b[40:48], in.Root.NBytes)
	binary.LittleEndian.PutUint32(b[48:52], in.Atime)
	binary.LittleEndian.PutUint32(b[52:56], in.Ctime)
	binary.LittleEndian.PutUint32(b[56:60], in.Mtime)
}

// SuperblockSize is fixed to one block.
const SuperblockSize = BlockSize

// Superblock is the persistent file-system descriptor, padded
// to exactly one block.
type Superblock struct {
	Magic          uint32
	Version        uint32
	UUID           [16]byte
	NBlocks        uint64
	InodeRootAddr  uint64 // packed HA of the inode table's tree root
	InodeRootAddr2 uint64 // shadow copy, SP mode only
	NInodes        uint64 // inode slots currently allocated in the table
	CommitMode     Commit
	EphemeralValid uint8
}

const superHeaderSize = 4 + 4 + 16 + 8 + 8 + 8 + 8 + 1 + 1 // 58 bytes

// ReadSuperblock decodes a superblock from raw bytes (must be >= BlockSize).
func ReadSuperblock(b []byte) Superblock {
	var sb Superblock
	sb.Magic = binary.LittleEndian.Uint32(b[0:4])
	sb.Version = binary.LittleEndian.Uint32(b[4:8])
	copy(sb.UUID[:], b[8:24])
	sb.NBlocks = binary.LittleEndian.Uint64(b[24:32])
	sb.InodeRootAddr = binary.LittleEndian.Uint64(b[32:40])
	sb.InodeRootAddr2 = binary.LittleEndian.Uint64(b[40:48])
	sb.NInodes = binary.LittleEndian.Uint64(b[48:56])
	sb.CommitMode = Commit(b[56])
	sb.EphemeralValid = b[57]
	return sb
}

// Write encodes sb into b, which must be at least SuperblockSize bytes. The
// remainder of the block is zero padding.
func (sb Superblock) Write(b []byte) {
	for i := 0; i < SuperblockSize; i++ {
		b[i] = 0
	}
	binary.LittleEndian.PutUint32(b[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(b[4:8], sb.Version)
	copy(b[8:24], sb.UUID[:])
	binary.LittleEndian.PutUint64(b[24:32], sb.NBlocks)
	binary.LittleEndian.PutUint64(b[32:40], sb.InodeRootAddr)
	binary.LittleEndian.PutUint64(b[40:48], sb.InodeRootAddr2)
	binary.LittleEndian.PutUint64(b[48:56], sb.NInodes)
	b[56] = byte(sb.CommitMode)
	b[57] = sb.EphemeralValid
}

var _ = superHeaderSize // documents the header layout used by Write/Read above
