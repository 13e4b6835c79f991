package fs

import (
	"github.com/bpram/bpfs/internal/ondisk"
)

// dirBlockCount returns how many leaf blocks dirRoot's data tree spans.
func dirBlockCount(dirRoot ondisk.TreeRoot) uint64 {
	return (dirRoot.NBytes + ondisk.BlockSize - 1) / ondisk.BlockSize
}

// readDirBlock returns the full contents of the blockIdx'th block of a
// directory's data tree.
func (f *FS) readDirBlock(dirRoot ondisk.TreeRoot, blockIdx uint64) []byte {
	buf := make([]byte, ondisk.BlockSize)
	f.crawler.ReadAt(dirRoot, blockIdx*ondisk.BlockSize, buf)
	return buf
}

// dirLookup scans every block of a directory's data tree for name,
// returning the ino of a live entry if found. Directory entries never
// cross block boundaries, so each block is scanned
// independently up to its first end-of-entries sentinel.
func (f *FS) dirLookup(dirRoot ondisk.TreeRoot, name string) (uint64, bool) {
	nblocks := dirBlockCount(dirRoot)
	for b := uint64(0); b < nblocks; b++ {
		block := f.readDirBlock(dirRoot, b)
		cursor := 0
		for cursor < ondisk.BlockSize {
			d, ok := ondisk.ReadDirent(block[cursor:])
			if !ok {
				break
			}
			if d.Ino != ondisk.InoInvalid && d.Name == name {
				return d.Ino, true
			}
			cursor += int(d.RecLen)
		}
	}
	return 0, false
}

// dirForEach invokes fn for every live entry in the directory, in on-medium
// order. fn returning false stops the scan early.
func (f *FS) dirForEach(dirRoot ondisk.TreeRoot, fn func(name string, ino uint64, fileType uint8) bool) {
	nblocks := dirBlockCount(dirRoot)
	for b := uint64(0); b < nblocks; b++ {
		block := f.readDirBlock(dirRoot, b)
		cursor := 0
		for cursor < ondisk.BlockSize {
			d, ok := ondisk.ReadDirent(block[cursor:])
			if !ok {
				break
			}
			if d.Ino != ondisk.InoInvalid {
				if !fn(d.Name, d.Ino, d.FileType) {
					return
				}
			}
			cursor += int(d.RecLen)
		}
	}
}

// dirIsEmpty reports whether a directory has no live entries.
func (f *FS) dirIsEmpty(dirRoot ondisk.TreeRoot) bool {
	empty := true
	f.dirForEach(dirRoot, func(string, uint64, uint8) bool {
		empty = false
		return false
	})
	return empty
}

// dirInsert places a new (name, ino, fileType) entry into parentIno's
// data tree. It first asks the dcache's cached hole list for a first-fit
// erased slot (O(1) average, mirroring dcache_take_free); only when the
// cache has nothing to offer — empty, or its one candidate turns out stale
// against the real block — does it fall back to a full linear rescan for
// an erased slot or block-end slack, appending a new block only when no
// existing block has room. Callers are responsible for checking dirLookup
// first if the name must not already be live; dirInsert itself does not
// dedupe.
func (f *FS) dirInsert(parentIno uint64, dirRoot ondisk.TreeRoot, name string, ino uint64, fileType uint8) (ondisk.TreeRoot, error) {
	need := ondisk.DirentLen(len(name))

	if off, ok := f.dcache.TakeFree(parentIno, need); ok {
		blockIdx := off / ondisk.BlockSize
		cursor := int(off % ondisk.BlockSize)
		block := f.readDirBlock(dirRoot, blockIdx)
		if d, ok := ondisk.ReadDirent(block[cursor:]); ok && d.Ino == ondisk.InoInvalid && uint64(d.RecLen) >= uint64(need) {
			return f.insertIntoSlot(parentIno, dirRoot, blockIdx, block, cursor, d.RecLen, name, ino, fileType)
		}
		// The cached hole no longer matches the real block (e.g. the
		// directory was rewritten outside the cache's view); fall through
		// to the rescan below rather than trusting it.
	}

	nblocks := dirBlockCount(dirRoot)
	for b := uint64(0); b < nblocks; b++ {
		block := f.readDirBlock(dirRoot, b)
		cursor := 0
		for cursor < ondisk.BlockSize {
			d, ok := ondisk.ReadDirent(block[cursor:])
			if !ok {
				// End-of-entries sentinel: the rest of the block
				// (BlockSize-cursor bytes) is free.
				if uint64(ondisk.BlockSize-cursor) >= uint64(need) {
					return f.writeNewEntry(dirRoot, b, block, cursor, name, ino, fileType, true)
				}
				break
			}
			if d.Ino == ondisk.InoInvalid && uint64(d.RecLen) >= uint64(need) {
				return f.insertIntoSlot(parentIno, dirRoot, b, block, cursor, d.RecLen, name, ino, fileType)
			}
			cursor += int(d.RecLen)
		}
	}

	// No room in any existing block: append a fresh one.
	block := make([]byte, ondisk.BlockSize)
	return f.writeNewEntry(dirRoot, nblocks, block, 0, name, ino, fileType, true)
}

// insertIntoSlot writes (name, ino, fileType) into an erased slot of
// slotRecLen bytes at cursor within blockIdx. When the slot is bigger than
// the new entry needs by enough to still hold a valid dirent of its own, it
// splits the slot: the new entry gets exactly the record length it needs,
// and the leftover is written back as its own erased dirent and pushed onto
// parentIno's cached hole list (mirroring the dcache_add_free call after
// carving a hole during insert). Otherwise the whole slot is consumed as
// one record, since a leftover too small to scan on its own would be an
// unreachable gap.
func (f *FS) insertIntoSlot(parentIno uint64, dirRoot ondisk.TreeRoot, blockIdx uint64, block []byte, cursor int, slotRecLen uint16, name string, ino uint64, fileType uint8) (ondisk.TreeRoot, error) {
	need := ondisk.DirentLen(len(name))
	recLen := slotRecLen
	leftover := slotRecLen - need
	if leftover < ondisk.DirentMinLen {
		leftover = 0
	} else {
		recLen = need
	}

	d := ondisk.Dirent{Ino: ino, RecLen: recLen, FileType: fileType, NameLen: uint8(len(name)), Name: name}
	d.Write(block[cursor : cursor+int(recLen)])

	if leftover > 0 {
		stubOff := cursor + int(recLen)
		stub := ondisk.Dirent{Ino: ondisk.InoInvalid, RecLen: leftover}
		stub.Write(block[stubOff : stubOff+int(leftover)])
		f.dcache.AddFree(parentIno, blockIdx*ondisk.BlockSize+uint64(stubOff), leftover)
	}

	return f.crawler.Write(dirRoot, blockIdx*ondisk.BlockSize, block)
}

// writeNewEntry writes one dirent at cursor within blockIdx and persists
// the whole block via the crawler, growing the tree if blockIdx is beyond
// the current span. fresh indicates the entry is being carved out of
// previously-unused space (end-of-block slack or a brand new block), so the
// new end-of-entries sentinel (if any) must be (re)written right after it;
// reusing an erased slot goes through insertIntoSlot instead.
func (f *FS) writeNewEntry(dirRoot ondisk.TreeRoot, blockIdx uint64, block []byte, cursor int, name string, ino uint64, fileType uint8, fresh bool) (ondisk.TreeRoot, error) {
	recLen := ondisk.DirentLen(len(name))
	d := ondisk.Dirent{Ino: ino, RecLen: recLen, FileType: fileType, NameLen: uint8(len(name)), Name: name}
	d.Write(block[cursor : cursor+int(recLen)])
	if fresh && cursor+int(recLen) < ondisk.BlockSize {
		// Leave an explicit zeroed sentinel right after the new entry:
		// its ino and rec_len, the first 10 bytes of a header.
		for i := cursor + int(recLen); i < cursor+int(recLen)+10 && i < ondisk.BlockSize; i++ {
			block[i] = 0
		}
	}
	return f.crawler.Write(dirRoot, blockIdx*ondisk.BlockSize, block)
}

// dirReplace updates an existing live entry named name in place to point at
// newIno with newFileType, without disturbing its neighbors — used by
// rename when overwriting an existing destination entry, where inserting a
// second entry for the same name (as plain dirInsert would) would leave a
// duplicate behind.
func (f *FS) dirReplace(dirRoot ondisk.TreeRoot, name string, newIno uint64, newFileType uint8) (ondisk.TreeRoot, error) {
	nblocks := dirBlockCount(dirRoot)
	for b := uint64(0); b < nblocks; b++ {
		block := f.readDirBlock(dirRoot, b)
		cursor := 0
		for cursor < ondisk.BlockSize {
			d, ok := ondisk.ReadDirent(block[cursor:])
			if !ok {
				break
			}
			if d.Ino != ondisk.InoInvalid && d.Name == name {
				rep := ondisk.Dirent{Ino: newIno, RecLen: d.RecLen, FileType: newFileType, NameLen: d.NameLen, Name: name}
				rep.Write(block[cursor : cursor+int(d.RecLen)])
				return f.crawler.Write(dirRoot, b*ondisk.BlockSize, block)
			}
			cursor += int(d.RecLen)
		}
	}
	return dirRoot, nil
}

// dirRemove erases the entry named name, returning the (unchanged-size)
// tree root. The vacated slot's bytes are zeroed (ino=0, the "erased slot"
// convention, RecLen left intact so it stays scannable), and its offset is
// pushed onto parentIno's cached hole list so the next dirInsert can reuse
// it in O(1) rather than rediscovering it by rescan (mirroring the
// dcache_add_free call after erasing a dirent).
func (f *FS) dirRemove(parentIno uint64, dirRoot ondisk.TreeRoot, name string) (ondisk.TreeRoot, error) {
	nblocks := dirBlockCount(dirRoot)
	for b := uint64(0); b < nblocks; b++ {
		block := f.readDirBlock(dirRoot, b)
		cursor := 0
		for cursor < ondisk.BlockSize {
			d, ok := ondisk.ReadDirent(block[cursor:])
			if !ok {
				break
			}
			if d.Ino != ondisk.InoInvalid && d.Name == name {
				for i := cursor; i < cursor+8; i++ { // zero ino (8 bytes)
					block[i] = 0
				}
				f.dcache.AddFree(parentIno, b*ondisk.BlockSize+uint64(cursor), d.RecLen)
				return f.crawler.Write(dirRoot, b*ondisk.BlockSize, block)
			}
			cursor += int(d.RecLen)
		}
	}
	return dirRoot, nil
}
