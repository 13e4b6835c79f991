// Command bpfsmount is a thin FUSE bridge over the core: it translates
// fuseops.*Op messages to and from the operation surface in internal/fs and
// contains no file-system semantics of its own — every decision is made by
// internal/fs, this package only shuttles bytes and error kinds.
//
// Built around a flag.NewFlagSet-based CLI, a fuseutil.FileSystemServer
// wrapping a handler struct, and fuse.Mount/mfs.Join for the lifetime of
// the mount.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/bpram/bpfs/internal/atexit"
	"github.com/bpram/bpfs/internal/bpfserr"
	"github.com/bpram/bpfs/internal/bpram"
	"github.com/bpram/bpfs/internal/fs"
	"github.com/bpram/bpfs/internal/oninterrupt"
	"github.com/bpram/bpfs/internal/ondisk"
)

const help = `bpfsmount [-flags] <image> <mountpoint>

Mount a BPFS volume backed by <image> at <mountpoint>.

Example:
  % bpfsmount /var/bpram/vol0.img /mnt/bpfs
`

func main() {
	fset := flag.NewFlagSet("bpfsmount", flag.ExitOnError)
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, help)
		fmt.Fprintln(os.Stderr, "Flags:")
		fset.PrintDefaults()
	}
	fset.Parse(os.Args[1:])
	if fset.NArg() != 2 {
		fset.Usage()
		os.Exit(2)
	}
	image, mountpoint := fset.Arg(0), fset.Arg(1)

	if err := run(image, mountpoint); err != nil {
		fmt.Fprintf(os.Stderr, "bpfsmount: %v\n", err)
		os.Exit(1)
	}
	if err := atexit.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "bpfsmount: cleanup: %v\n", err)
		os.Exit(1)
	}
}

func run(image, mountpoint string) error {
	f, err := os.OpenFile(image, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	region, err := bpram.MapFile(int(f.Fd()), st.Size())
	if err != nil {
		return err
	}

	volume, err := fs.Mount(region, time.Now)
	if err != nil {
		region.Close()
		return err
	}
	atexit.Register(volume.Destroy)

	server := fuseutil.NewFileSystemServer(&bridge{fs: volume})

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName: "bpfs",
		Options: map[string]string{
			"allow_other": "",
		},
	})
	if err != nil {
		return fmt.Errorf("fuse.Mount: %w", err)
	}
	oninterrupt.Register(func() { fuse.Unmount(mountpoint) })

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("Join: %w", err)
	}
	return nil
}

// bridge adapts internal/fs's operation surface to jacobsa/fuse's
// fuseutil.FileSystem interface. It holds no filesystem state of its own
// beyond the *fs.FS handle: every method is a direct translation of one
// fuseops.*Op to one or two core calls.
type bridge struct {
	fuseutil.NotImplementedFileSystem

	fs *fs.FS
}

// toErrno maps a classified core error to the errno FUSE expects.
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case bpfserr.Is(err, bpfserr.NotFound):
		return fuse.ENOENT
	case bpfserr.Is(err, bpfserr.Exists):
		return fuse.EEXIST
	case bpfserr.Is(err, bpfserr.NotDir):
		return syscall.ENOTDIR
	case bpfserr.Is(err, bpfserr.IsDir):
		return syscall.EISDIR
	case bpfserr.Is(err, bpfserr.NotEmpty):
		return syscall.ENOTEMPTY
	case bpfserr.Is(err, bpfserr.NameTooLong):
		return syscall.ENAMETOOLONG
	case bpfserr.Is(err, bpfserr.TooManyLinks):
		return syscall.EMLINK
	case bpfserr.Is(err, bpfserr.OutOfSpace):
		return syscall.ENOSPC
	case bpfserr.Is(err, bpfserr.OutOfMemory):
		return syscall.ENOMEM
	case bpfserr.Is(err, bpfserr.InvalidArgument):
		return syscall.EINVAL
	case bpfserr.Is(err, bpfserr.NotSupported):
		return syscall.ENOTSUP
	default:
		return fuse.EIO
	}
}

func toAttributes(a fs.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: a.Nlinks,
		Mode:  toFileMode(a.Mode),
		Uid:   a.Uid,
		Gid:   a.Gid,
		Atime: time.Unix(int64(a.Atime), 0),
		Mtime: time.Unix(int64(a.Mtime), 0),
		Ctime: time.Unix(int64(a.Ctime), 0),
	}
}

func toFileMode(mode uint32) os.FileMode {
	perm := os.FileMode(mode & 0777)
	switch mode & fs.ModeFmt {
	case fs.ModeDir:
		return perm | os.ModeDir
	case fs.ModeSymlink:
		return perm | os.ModeSymlink
	default:
		return perm
	}
}

func fromFileMode(mode os.FileMode) uint32 {
	perm := uint32(mode.Perm())
	switch {
	case mode&os.ModeDir != 0:
		return perm | fs.ModeDir
	case mode&os.ModeSymlink != 0:
		return perm | fs.ModeSymlink
	default:
		return perm | fs.ModeFile
	}
}

// entryExpiration is how long the kernel may cache a lookup result before
// re-validating it; short because the volume can be mutated concurrently
// by other mounts of the same BPRAM region in principle, even though this
// bridge itself dispatches single-threaded.
const entryExpiration = time.Second

func (b *bridge) childEntry(ino uint64, a fs.Attr) fuseops.ChildInodeEntry {
	return fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(ino),
		Generation:           fuseops.GenerationNumber(a.Generation),
		Attributes:           toAttributes(a),
		AttributesExpiration: time.Now().Add(entryExpiration),
		EntryExpiration:      time.Now().Add(entryExpiration),
	}
}

func (b *bridge) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	st := b.fs.StatFS()
	op.BlockSize = 4096
	op.Blocks = st.Blocks
	op.BlocksFree = st.BlocksFree
	op.BlocksAvailable = st.BlocksFree
	op.Inodes = st.Inodes
	op.InodesFree = st.InodesFree
	op.IoSize = 65536
	return nil
}

func (b *bridge) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	attr, err := b.fs.Lookup(uint64(op.Parent), op.Name)
	if err != nil {
		return toErrno(err)
	}
	op.Entry = b.childEntry(attr.Ino, attr)
	return nil
}

func (b *bridge) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	attr, err := b.fs.GetAttr(uint64(op.Inode))
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = toAttributes(attr)
	op.AttributesExpiration = time.Now().Add(entryExpiration)
	return nil
}

func (b *bridge) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	var req fs.SetAttrReq
	if op.Size != nil {
		req.Size = op.Size
	}
	if op.Mode != nil {
		m := fromFileMode(*op.Mode)
		req.Mode = &m
	}
	if op.Atime != nil {
		t := uint32(op.Atime.Unix())
		req.Atime = &t
	}
	if op.Mtime != nil {
		t := uint32(op.Mtime.Unix())
		req.Mtime = &t
	}
	attr, err := b.fs.SetAttr(uint64(op.Inode), req)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = toAttributes(attr)
	op.AttributesExpiration = time.Now().Add(entryExpiration)
	return nil
}

func (b *bridge) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	attr, err := b.fs.Mkdir(uint64(op.Parent), op.Name, fromFileMode(op.Mode), 0, 0)
	if err != nil {
		return toErrno(err)
	}
	op.Entry = b.childEntry(attr.Ino, attr)
	return nil
}

func (b *bridge) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	attr, err := b.fs.Mknod(uint64(op.Parent), op.Name, fromFileMode(op.Mode), 0, 0)
	if err != nil {
		return toErrno(err)
	}
	op.Entry = b.childEntry(attr.Ino, attr)
	return nil
}

func (b *bridge) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	attr, err := b.fs.Create(uint64(op.Parent), op.Name, fromFileMode(op.Mode), 0, 0)
	if err != nil {
		return toErrno(err)
	}
	op.Entry = b.childEntry(attr.Ino, attr)
	return nil
}

func (b *bridge) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	attr, err := b.fs.Symlink(uint64(op.Parent), op.Name, op.Target, 0, 0)
	if err != nil {
		return toErrno(err)
	}
	op.Entry = b.childEntry(attr.Ino, attr)
	return nil
}

func (b *bridge) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	attr, err := b.fs.Link(uint64(op.Parent), uint64(op.Target), op.Name)
	if err != nil {
		return toErrno(err)
	}
	op.Entry = b.childEntry(attr.Ino, attr)
	return nil
}

func (b *bridge) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	target, err := b.fs.Readlink(uint64(op.Inode))
	if err != nil {
		return toErrno(err)
	}
	op.Target = target
	return nil
}

func (b *bridge) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return toErrno(b.fs.Rmdir(uint64(op.Parent), op.Name))
}

func (b *bridge) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return toErrno(b.fs.Unlink(uint64(op.Parent), op.Name))
}

func (b *bridge) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	return toErrno(b.fs.Rename(uint64(op.OldParent), op.OldName, uint64(op.NewParent), op.NewName))
}

func (b *bridge) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return nil
}

func (b *bridge) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	parent, ok := b.fs.Parent(uint64(op.Inode))
	if !ok {
		parent = uint64(op.Inode)
	}
	entries, err := b.fs.ReadDir(uint64(op.Inode), parent)
	if err != nil {
		return toErrno(err)
	}
	if op.Offset > fuseops.DirOffset(len(entries)) {
		return syscall.EINVAL
	}
	for _, e := range entries[op.Offset:] {
		dt := fuseutil.DT_File
		switch e.FileType {
		case ondisk.TypeDir:
			dt = fuseutil.DT_Directory
		case ondisk.TypeSymlink:
			dt = fuseutil.DT_Link
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(op.Offset) + 1,
			Inode:  fuseops.InodeID(e.Ino),
			Name:   e.Name,
			Type:   dt,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
		op.Offset++
	}
	return nil
}

func (b *bridge) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	return nil
}

func (b *bridge) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	n, err := b.fs.ReadAt(uint64(op.Inode), uint64(op.Offset), op.Dst)
	if err != nil {
		return toErrno(err)
	}
	op.BytesRead = n
	return nil
}

func (b *bridge) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	_, err := b.fs.WriteAt(uint64(op.Inode), uint64(op.Offset), op.Data)
	return toErrno(err)
}

func (b *bridge) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}

func (b *bridge) Destroy() {}
