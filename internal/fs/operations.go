package fs

import (
	"github.com/bpram/bpfs/internal/bpfserr"
	"github.com/bpram/bpfs/internal/ondisk"
)

func checkName(op, name string) error {
	if len(name) == 0 || len(name) > ondisk.DirentMaxNameLen {
		return bpfserr.New(op, bpfserr.NameTooLong, nil)
	}
	return nil
}

// Lookup resolves name within parentIno, consulting the dcache before
// falling back to a directory crawl.
func (f *FS) Lookup(parentIno uint64, name string) (Attr, error) {
	const op = "lookup"
	parent, err := f.readInode(parentIno)
	if err != nil {
		return Attr{}, err
	}
	if !isDir(parent) {
		return Attr{}, bpfserr.New(op, bpfserr.NotDir, nil)
	}

	ino, ok := f.dcache.Lookup(parentIno, name)
	if !ok {
		ino, ok = f.dirLookup(parent.Root, name)
		if ok {
			f.dcache.Insert(parentIno, name, ino)
		}
	}
	if !ok {
		return Attr{}, bpfserr.New(op, bpfserr.NotFound, nil)
	}
	child, err := f.readInode(ino)
	if err != nil {
		return Attr{}, err
	}
	f.dcache.Parent(ino) // read only; the parent index is filled by dcache.Insert above
	return attrOf(ino, child), nil
}

// GetAttr returns the current attributes of ino.
func (f *FS) GetAttr(ino uint64) (Attr, error) {
	in, err := f.readInode(ino)
	if err != nil {
		return Attr{}, err
	}
	if in.Nlinks == 0 {
		return Attr{}, bpfserr.New("getattr", bpfserr.NotFound, nil)
	}
	return attrOf(ino, in), nil
}

// SetAttrReq names the fields to change; a nil field is left untouched.
type SetAttrReq struct {
	Size  *uint64
	Mode  *uint32
	Uid   *uint32
	Gid   *uint32
	Atime *uint32
	Mtime *uint32
}

// SetAttr applies req to ino. A size change alone takes the crawler's
// truncate path (free trailing blocks, or leave the new tail as an
// implicit zero hole); any other combination of fields falls back to a
// single COPY-policy inode rewrite.
func (f *FS) SetAttr(ino uint64, req SetAttrReq) (Attr, error) {
	f.begin()
	in, err := f.readInode(ino)
	if err != nil {
		return Attr{}, err
	}

	if req.Size != nil {
		root, err := f.crawler.Truncate(in.Root, *req.Size)
		if err != nil {
			f.abort()
			return Attr{}, err
		}
		in.Root = root
	}
	if req.Mode != nil {
		in.Mode = *req.Mode
	}
	if req.Uid != nil {
		in.Uid = *req.Uid
	}
	if req.Gid != nil {
		in.Gid = *req.Gid
	}
	if req.Atime != nil {
		in.Atime = *req.Atime
	}
	if req.Mtime != nil {
		in.Mtime = *req.Mtime
	}
	in.Ctime = f.now()

	if err := f.writeInode(ino, in); err != nil {
		f.abort()
		return Attr{}, err
	}
	f.commit()
	return attrOf(ino, in), nil
}

// newChildInode stages a freshly allocated inode with the given mode and
// ownership, generation bumped past whatever the slot last held.
func (f *FS) newChildInode(mode uint32, uid, gid uint32, nlinks uint32) (uint64, ondisk.Inode, error) {
	ino, err := f.allocInode()
	if err != nil {
		return 0, ondisk.Inode{}, err
	}
	prior, _ := f.readInode(ino)
	now := f.now()
	in := ondisk.Inode{
		Generation: prior.Generation + 1,
		Uid:        uid,
		Gid:        gid,
		Mode:       mode,
		Nlinks:     nlinks,
		Atime:      now,
		Ctime:      now,
		Mtime:      now,
	}
	return ino, in, nil
}

// createEntry is the shared body of create/mkdir/mknod/symlink: allocate
// an inode, plug a dirent into parent, and (for directories) bump parent's
// nlinks, all staged in one transaction.
func (f *FS) createEntry(parentIno uint64, name string, mode uint32, uid, gid uint32, data []byte) (Attr, error) {
	const op = "create"
	if err := checkName(op, name); err != nil {
		return Attr{}, err
	}
	f.begin()
	parent, err := f.readInode(parentIno)
	if err != nil {
		f.abort()
		return Attr{}, err
	}
	if !isDir(parent) {
		f.abort()
		return Attr{}, bpfserr.New(op, bpfserr.NotDir, nil)
	}
	if _, found := f.dirLookup(parent.Root, name); found {
		f.abort()
		return Attr{}, bpfserr.New(op, bpfserr.Exists, nil)
	}

	nlinks := uint32(1)
	isDirMode := mode&ModeFmt == ModeDir
	if isDirMode {
		nlinks = 2
	}
	ino, in, err := f.newChildInode(mode, uid, gid, nlinks)
	if err != nil {
		f.abort()
		return Attr{}, err
	}
	if len(data) > 0 {
		in.Root, err = f.crawler.Write(in.Root, 0, data)
		if err != nil {
			f.abort()
			return Attr{}, err
		}
	}

	parent.Root, err = f.dirInsert(parentIno, parent.Root, name, ino, fileTypeOf(mode))
	if err != nil {
		f.abort()
		return Attr{}, err
	}
	parent.Mtime = f.now()
	if isDirMode {
		parent.Nlinks++
	}

	if err := f.writeInode(ino, in); err != nil {
		f.abort()
		return Attr{}, err
	}
	if err := f.writeInode(parentIno, parent); err != nil {
		f.abort()
		return Attr{}, err
	}
	f.commit()

	f.dcache.Insert(parentIno, name, ino)
	return attrOf(ino, in), nil
}

// Create makes a regular file.
func (f *FS) Create(parentIno uint64, name string, mode uint32, uid, gid uint32) (Attr, error) {
	return f.createEntry(parentIno, name, (mode&^ModeFmt)|ModeFile, uid, gid, nil)
}

// Mkdir makes a directory.
func (f *FS) Mkdir(parentIno uint64, name string, mode uint32, uid, gid uint32) (Attr, error) {
	return f.createEntry(parentIno, name, (mode&^ModeFmt)|ModeDir, uid, gid, nil)
}

// Mknod creates a regular file or a directory. Every other type, device
// nodes, FIFOs and sockets included, reports NotSupported.
func (f *FS) Mknod(parentIno uint64, name string, mode uint32, uid, gid uint32) (Attr, error) {
	const op = "mknod"
	switch mode & ModeFmt {
	case ModeFile, ModeDir:
		return f.createEntry(parentIno, name, mode, uid, gid, nil)
	default:
		return Attr{}, bpfserr.New(op, bpfserr.NotSupported, nil)
	}
}

// Symlink creates a symbolic link whose target is target.
func (f *FS) Symlink(parentIno uint64, name, target string, uid, gid uint32) (Attr, error) {
	const op = "symlink"
	if len(target) > ondisk.BlockSize {
		return Attr{}, bpfserr.New(op, bpfserr.NameTooLong, nil)
	}
	return f.createEntry(parentIno, name, ModeSymlink|0777, uid, gid, []byte(target))
}

// Readlink returns a symlink's target.
func (f *FS) Readlink(ino uint64) (string, error) {
	const op = "readlink"
	in, err := f.readInode(ino)
	if err != nil {
		return "", err
	}
	if in.Mode&ModeFmt != ModeSymlink {
		return "", bpfserr.New(op, bpfserr.InvalidArgument, nil)
	}
	buf := make([]byte, in.Root.NBytes)
	f.crawler.ReadAt(in.Root, 0, buf)
	return string(buf), nil
}

// removeEntry is the shared body of unlink/rmdir.
func (f *FS) removeEntry(parentIno uint64, name string, wantDir bool) error {
	op := "unlink"
	if wantDir {
		op = "rmdir"
	}
	f.begin()
	parent, err := f.readInode(parentIno)
	if err != nil {
		f.abort()
		return err
	}
	ino, found := f.dirLookup(parent.Root, name)
	if !found {
		f.abort()
		return bpfserr.New(op, bpfserr.NotFound, nil)
	}
	child, err := f.readInode(ino)
	if err != nil {
		f.abort()
		return err
	}
	if wantDir && !isDir(child) {
		f.abort()
		return bpfserr.New(op, bpfserr.NotDir, nil)
	}
	if !wantDir && isDir(child) {
		f.abort()
		return bpfserr.New(op, bpfserr.IsDir, nil)
	}
	if wantDir && !f.dirIsEmpty(child.Root) {
		f.abort()
		return bpfserr.New(op, bpfserr.NotEmpty, nil)
	}

	parent.Root, err = f.dirRemove(parentIno, parent.Root, name)
	if err != nil {
		f.abort()
		return err
	}
	parent.Mtime = f.now()
	if wantDir {
		parent.Nlinks--
		child.Nlinks = 0
	} else {
		child.Nlinks--
	}
	child.Ctime = f.now()

	if child.Nlinks == 0 {
		f.crawler.FreeAll(child.Root)
		child.Root = ondisk.TreeRoot{}
		f.inodes.Free(ino)
	}

	if err := f.writeInode(parentIno, parent); err != nil {
		f.abort()
		return err
	}
	if err := f.writeInode(ino, child); err != nil {
		f.abort()
		return err
	}
	f.commit()

	f.dcache.Remove(parentIno, name)
	return nil
}

// Unlink removes a non-directory dirent, freeing the inode if this was its
// last link.
func (f *FS) Unlink(parentIno uint64, name string) error {
	return f.removeEntry(parentIno, name, false)
}

// Rmdir removes an empty directory.
func (f *FS) Rmdir(parentIno uint64, name string) error {
	return f.removeEntry(parentIno, name, true)
}

// Link adds a new dirent for an existing non-directory inode; linking a
// directory is rejected below.
func (f *FS) Link(parentIno, ino uint64, name string) (Attr, error) {
	const op = "link"
	if err := checkName(op, name); err != nil {
		return Attr{}, err
	}
	f.begin()
	parent, err := f.readInode(parentIno)
	if err != nil {
		f.abort()
		return Attr{}, err
	}
	if !isDir(parent) {
		f.abort()
		return Attr{}, bpfserr.New(op, bpfserr.NotDir, nil)
	}
	if _, found := f.dirLookup(parent.Root, name); found {
		f.abort()
		return Attr{}, bpfserr.New(op, bpfserr.Exists, nil)
	}
	in, err := f.readInode(ino)
	if err != nil {
		f.abort()
		return Attr{}, err
	}
	if isDir(in) {
		f.abort()
		return Attr{}, bpfserr.New(op, bpfserr.NotSupported, nil)
	}
	if in.Nlinks == ^uint32(0) {
		f.abort()
		return Attr{}, bpfserr.New(op, bpfserr.TooManyLinks, nil)
	}

	in.Nlinks++
	in.Ctime = f.now()
	parent.Root, err = f.dirInsert(parentIno, parent.Root, name, ino, fileTypeOf(in.Mode))
	if err != nil {
		f.abort()
		return Attr{}, err
	}
	parent.Mtime = f.now()

	if err := f.writeInode(ino, in); err != nil {
		f.abort()
		return Attr{}, err
	}
	if err := f.writeInode(parentIno, parent); err != nil {
		f.abort()
		return Attr{}, err
	}
	f.commit()

	f.dcache.Insert(parentIno, name, ino)
	return attrOf(ino, in), nil
}

// Rename moves/renames a dirent, using the crawler's two-region atomic
// commit so that a crash never observes the source removed without the
// destination present, or vice versa. Overwriting an existing destination
// unlinks its inode on success; moving a directory across parents adjusts
// both parents' link counts.
func (f *FS) Rename(srcParentIno uint64, srcName string, dstParentIno uint64, dstName string) error {
	const op = "rename"
	f.begin()

	srcParent, err := f.readInode(srcParentIno)
	if err != nil {
		f.abort()
		return err
	}
	srcIno, found := f.dirLookup(srcParent.Root, srcName)
	if !found {
		f.abort()
		return bpfserr.New(op, bpfserr.NotFound, nil)
	}
	srcChild, err := f.readInode(srcIno)
	if err != nil {
		f.abort()
		return err
	}

	var dstParent ondisk.Inode
	if dstParentIno == srcParentIno {
		dstParent = srcParent
	} else {
		dstParent, err = f.readInode(dstParentIno)
		if err != nil {
			f.abort()
			return err
		}
		if !isDir(dstParent) {
			f.abort()
			return bpfserr.New(op, bpfserr.NotDir, nil)
		}
	}

	var replacedIno uint64
	var replacedChild ondisk.Inode
	if existingIno, found := f.dirLookup(dstParent.Root, dstName); found {
		if existingIno == srcIno {
			f.abort()
			return nil // renaming onto itself: no-op
		}
		replacedChild, err = f.readInode(existingIno)
		if err != nil {
			f.abort()
			return err
		}
		if isDir(srcChild) != isDir(replacedChild) {
			f.abort()
			if isDir(srcChild) {
				return bpfserr.New(op, bpfserr.NotDir, nil)
			}
			return bpfserr.New(op, bpfserr.IsDir, nil)
		}
		if isDir(replacedChild) && !f.dirIsEmpty(replacedChild.Root) {
			f.abort()
			return bpfserr.New(op, bpfserr.NotEmpty, nil)
		}
		replacedIno = existingIno
	}

	now := f.now()
	if replacedIno != 0 {
		// An existing destination entry is replaced in place rather than
		// inserted alongside: dirInsert does not dedupe by name, so a
		// second insert here would leave two dirents for dstName behind.
		dstParent.Root, err = f.dirReplace(dstParent.Root, dstName, srcIno, fileTypeOf(srcChild.Mode))
	} else {
		dstParent.Root, err = f.dirInsert(dstParentIno, dstParent.Root, dstName, srcIno, fileTypeOf(srcChild.Mode))
	}
	if err != nil {
		f.abort()
		return err
	}
	srcParent.Root, err = f.dirRemove(srcParentIno, srcParent.Root, srcName)
	if err != nil {
		f.abort()
		return err
	}
	dstParent.Mtime = now
	srcParent.Mtime = now
	srcChild.Ctime = now

	if isDir(srcChild) && srcParentIno != dstParentIno {
		srcParent.Nlinks--
		dstParent.Nlinks++
	}

	if srcParentIno == dstParentIno {
		if err := f.writeInode(srcParentIno, dstParent); err != nil {
			f.abort()
			return err
		}
	} else {
		if err := f.writeInodePair(srcParentIno, srcParent, dstParentIno, dstParent); err != nil {
			f.abort()
			return err
		}
	}
	if err := f.writeInode(srcIno, srcChild); err != nil {
		f.abort()
		return err
	}

	if replacedIno != 0 {
		replacedChild.Nlinks--
		if replacedChild.Nlinks == 0 {
			f.crawler.FreeAll(replacedChild.Root)
			replacedChild.Root = ondisk.TreeRoot{}
			f.inodes.Free(replacedIno)
		}
		if err := f.writeInode(replacedIno, replacedChild); err != nil {
			f.abort()
			return err
		}
	}

	f.commit()

	f.dcache.Remove(srcParentIno, srcName)
	f.dcache.Remove(dstParentIno, dstName)
	f.dcache.Insert(dstParentIno, dstName, srcIno)
	return nil
}

// ReadAt reads up to len(buf) bytes from ino at offset, returning the
// number of bytes copied and bumping atime.
func (f *FS) ReadAt(ino uint64, offset uint64, buf []byte) (int, error) {
	in, err := f.readInode(ino)
	if err != nil {
		return 0, err
	}
	n := f.crawler.ReadAt(in.Root, offset, buf)
	f.begin()
	in.Atime = f.now()
	if err := f.writeInode(ino, in); err != nil {
		f.abort()
		return 0, err
	}
	f.commit()
	return n, nil
}

// WriteAt writes data to ino at offset, growing the file and bumping
// mtime. On OutOfSpace the transaction aborts and every field of
// ino, including atime/mtime, is left exactly as it was before the call.
func (f *FS) WriteAt(ino uint64, offset uint64, data []byte) (int, error) {
	const op = "write"
	f.begin()
	in, err := f.readInode(ino)
	if err != nil {
		f.abort()
		return 0, err
	}
	if isDir(in) {
		f.abort()
		return 0, bpfserr.New(op, bpfserr.IsDir, nil)
	}

	in.Root, err = f.crawler.Write(in.Root, offset, data)
	if err != nil {
		f.abort()
		return 0, err
	}
	in.Mtime = f.now()
	if err := f.writeInode(ino, in); err != nil {
		f.abort()
		return 0, err
	}
	f.commit()
	return len(data), nil
}

// ReadDir returns every directory entry, synthesizing "." and ".." from
// directory ino and parent map.
type DirEntry struct {
	Name     string
	Ino      uint64
	FileType uint8
}

func (f *FS) ReadDir(ino uint64, parentIno uint64) ([]DirEntry, error) {
	in, err := f.readInode(ino)
	if err != nil {
		return nil, err
	}
	if !isDir(in) {
		return nil, bpfserr.New("readdir", bpfserr.NotDir, nil)
	}
	entries := []DirEntry{
		{Name: ".", Ino: ino, FileType: ondisk.TypeDir},
		{Name: "..", Ino: parentIno, FileType: ondisk.TypeDir},
	}
	f.dirForEach(in.Root, func(name string, childIno uint64, ft uint8) bool {
		entries = append(entries, DirEntry{Name: name, Ino: childIno, FileType: ft})
		return true
	})

	f.begin()
	in.Atime = f.now()
	if err := f.writeInode(ino, in); err != nil {
		f.abort()
		return nil, err
	}
	f.commit()
	return entries, nil
}
