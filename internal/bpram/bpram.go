// Package bpram maps the byte-addressable persistent-memory region the rest
// of the core treats as its backing store: a pointer and a block-aligned
// length. It is the only package permitted to hold the raw mutable
// byte slice; every other component receives block-sized views through
// Region.Block.
//
// Mapping BPRAM is a raw mmap(2)/mprotect(2) concern with no higher-level
// library that fits, so it is built directly on golang.org/x/sys/unix
// rather than on a file-backed abstraction.
package bpram

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/bpram/bpfs/internal/ondisk"
)

// Region is a contiguous mutable mapping of BPRAM, organized as fixed-size
// blocks. Block number 0 is never dereferenced (reserved invalid).
type Region struct {
	data    []byte
	nblocks uint64
	guarded bool // memory-protection debug build: non-current blocks are mprotect'd read-only
}

// MapFile memory-maps an existing BPRAM-backing file read-write. The file's
// size must already be a multiple of ondisk.BlockSize.
func MapFile(fd int, size int64) (*Region, error) {
	if size%ondisk.BlockSize != 0 {
		return nil, xerrors.Errorf("bpram: size %d is not block-aligned", size)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, xerrors.Errorf("bpram: mmap: %w", err)
	}
	return &Region{data: data, nblocks: uint64(size / ondisk.BlockSize)}, nil
}

// MapAnon allocates an anonymous block-aligned region not backed by any
// file, used to format and mount a throwaway volume without a backing path.
func MapAnon(nblocks uint64) (*Region, error) {
	size := int(nblocks * ondisk.BlockSize)
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, xerrors.Errorf("bpram: anonymous mmap: %w", err)
	}
	return &Region{data: data, nblocks: nblocks}, nil
}

// Close unmaps the region.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

// NBlocks returns the total number of blocks, including the reserved ones.
func (r *Region) NBlocks() uint64 { return r.nblocks }

// Block returns a byte slice view of block number b. The slice aliases the
// mapping directly; callers mutate BPRAM by writing into it.
func (r *Region) Block(b uint64) []byte {
	off := b * ondisk.BlockSize
	return r.data[off : off+ondisk.BlockSize]
}

// ZeroBlock returns a shared, never-written all-zero block, used by the
// crawler to hand NONE-policy callbacks a view into an
// uninstantiated hole without allocating anything.
var zeroBlock [ondisk.BlockSize]byte

// ZeroBlock returns the shared read-only all-zero block.
func ZeroBlock() []byte { return zeroBlock[:] }

// AtomicStoreHA performs the single 8-byte aligned store that publishes a
// new height_addr atom. On amd64/arm64 an aligned 64-bit store
// is inherently atomic with respect to a concurrent reader observing either
// the old or the new value; this wrapper exists so every atomic commit point
// in the codebase funnels through one auditable call site.
func AtomicStoreHA(block []byte, offset int, ha ondisk.HA) {
	binary.LittleEndian.PutUint64(block[offset:offset+8], uint64(ha))
}

// Poison overwrites a freshly allocated block with a recognizable
// non-zero pattern in debug builds, so that code which forgets to
// initialize an allocated block before reading it fails loudly instead of
// silently reading zeros.
func Poison(block []byte) {
	for i := range block {
		block[i] = 0xA5
	}
}

// Guard enables the optional memory-protection discipline described for
// BPFS mode: once enabled, Protect/Unprotect calls actually
// mprotect the underlying pages. It is off by default because it requires
// page-aligned, page-sized blocks and is intended for debug builds only.
func (r *Region) Guard(enabled bool) { r.guarded = enabled }

// Protect marks block b read-only, catching accidental in-place writes to
// blocks that are not the current atomic commit target.
func (r *Region) Protect(b uint64) error {
	if !r.guarded {
		return nil
	}
	off := int(b * ondisk.BlockSize)
	return unix.Mprotect(r.data[off:off+ondisk.BlockSize], unix.PROT_READ)
}

// Unprotect marks block b read-write again.
func (r *Region) Unprotect(b uint64) error {
	if !r.guarded {
		return nil
	}
	off := int(b * ondisk.BlockSize)
	return unix.Mprotect(r.data[off:off+ondisk.BlockSize], unix.PROT_READ|unix.PROT_WRITE)
}
