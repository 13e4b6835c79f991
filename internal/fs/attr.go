package fs

import "github.com/bpram/bpfs/internal/ondisk"

// Mode bits this core understands.
const (
	ModeDir     = 0040000
	ModeFile    = 0100000
	ModeSymlink = 0120000
	ModeFmt     = 0170000
)

// Attr is the POSIX-shaped attribute view returned by lookup/getattr/
// create and friends.
type Attr struct {
	Ino        uint64
	Generation uint64
	Size       uint64
	Mode       uint32
	Nlinks     uint32
	Uid        uint32
	Gid        uint32
	Atime      uint32
	Mtime      uint32
	Ctime      uint32
}

func attrOf(ino uint64, in ondisk.Inode) Attr {
	return Attr{
		Ino:        ino,
		Generation: in.Generation,
		Size:       in.Root.NBytes,
		Mode:       in.Mode,
		Nlinks:     in.Nlinks,
		Uid:        in.Uid,
		Gid:        in.Gid,
		Atime:      in.Atime,
		Mtime:      in.Mtime,
		Ctime:      in.Ctime,
	}
}

func fileTypeOf(mode uint32) uint8 {
	switch mode & ModeFmt {
	case ModeDir:
		return ondisk.TypeDir
	case ModeSymlink:
		return ondisk.TypeSymlink
	default:
		return ondisk.TypeFile
	}
}

func isDir(in ondisk.Inode) bool { return in.Mode&ModeFmt == ModeDir }
