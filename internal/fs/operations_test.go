package fs_test

import (
	"bytes"
	"testing"

	"github.com/bpram/bpfs/internal/bpfserr"
	"github.com/bpram/bpfs/internal/bpfstest"
	"github.com/bpram/bpfs/internal/fs"
	"github.com/bpram/bpfs/internal/ondisk"
)

func TestCreateAndLookup(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)

	created, err := volume.Create(ondisk.InoRoot, "hello.txt", 0100644, 1000, 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := volume.Lookup(ondisk.InoRoot, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Ino != created.Ino {
		t.Errorf("Lookup().Ino = %d, want %d", got.Ino, created.Ino)
	}
}

func TestLookupMissingReturnsNotFound(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	_, err := volume.Lookup(ondisk.InoRoot, "nope")
	if !bpfserr.Is(err, bpfserr.NotFound) {
		t.Errorf("Lookup() error = %v, want NotFound", err)
	}
}

func TestCreateDuplicateNameFails(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	if _, err := volume.Create(ondisk.InoRoot, "dup", 0100644, 0, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := volume.Create(ondisk.InoRoot, "dup", 0100644, 0, 0); !bpfserr.Is(err, bpfserr.Exists) {
		t.Errorf("second Create() error = %v, want Exists", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	created, err := volume.Create(ondisk.InoRoot, "f", 0100644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := []byte("hello, bpram")
	if _, err := volume.WriteAt(created.Ino, 0, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(want))
	n, err := volume.ReadAt(created.Ino, 0, got)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(want) || !bytes.Equal(got, want) {
		t.Errorf("ReadAt() = %q, want %q", got[:n], want)
	}
}

func TestWriteGrowsSize(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitSCSP)
	created, err := volume.Create(ondisk.InoRoot, "f", 0100644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := volume.WriteAt(created.Ino, 0, []byte("abc")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	attr, err := volume.GetAttr(created.Ino)
	if err != nil {
		t.Fatalf("GetAttr: %v", err)
	}
	if attr.Size != 3 {
		t.Errorf("Size = %d, want 3", attr.Size)
	}
}

func TestMkdirAndReadDir(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	sub, err := volume.Mkdir(ondisk.InoRoot, "sub", 0040755, 0, 0)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := volume.Create(sub.Ino, "a", 0100644, 0, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	entries, err := volume.ReadDir(sub.Ino, ondisk.InoRoot)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	for _, want := range []string{".", "..", "a"} {
		if !names[want] {
			t.Errorf("ReadDir() missing entry %q, got %+v", want, entries)
		}
	}
}

func TestRmdirNonEmptyFails(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	sub, err := volume.Mkdir(ondisk.InoRoot, "sub", 0040755, 0, 0)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := volume.Create(sub.Ino, "a", 0100644, 0, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := volume.Rmdir(ondisk.InoRoot, "sub"); !bpfserr.Is(err, bpfserr.NotEmpty) {
		t.Errorf("Rmdir() error = %v, want NotEmpty", err)
	}
}

func TestUnlinkLastLinkFreesInode(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	created, err := volume.Create(ondisk.InoRoot, "f", 0100644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := volume.Unlink(ondisk.InoRoot, "f"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := volume.GetAttr(created.Ino); err == nil {
		t.Error("GetAttr on a freed inode should fail")
	}
}

func TestUnlinkThenCreateReusesErasedDirentSlot(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)

	// The very first create has to materialize the directory's first
	// block; only growth *beyond* that baseline would indicate the erased
	// slot isn't being reused.
	if _, err := volume.Create(ondisk.InoRoot, "churn", 0100644, 0, 0); err != nil {
		t.Fatalf("initial Create: %v", err)
	}
	if err := volume.Unlink(ondisk.InoRoot, "churn"); err != nil {
		t.Fatalf("initial Unlink: %v", err)
	}
	root, err := volume.GetAttr(ondisk.InoRoot)
	if err != nil {
		t.Fatalf("GetAttr(root): %v", err)
	}
	before := root.Size

	for i := 0; i < 8; i++ {
		if _, err := volume.Create(ondisk.InoRoot, "churn", 0100644, 0, 0); err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		if err := volume.Unlink(ondisk.InoRoot, "churn"); err != nil {
			t.Fatalf("Unlink #%d: %v", i, err)
		}
	}

	root, err = volume.GetAttr(ondisk.InoRoot)
	if err != nil {
		t.Fatalf("GetAttr(root) after churn: %v", err)
	}
	if root.Size != before {
		t.Errorf("directory grew from %d to %d bytes across repeated unlink+create of a same-size name, want no growth (the erased slot should be reused)", before, root.Size)
	}
}

func TestLinkIncrementsNlinksAndSurvivesUnlinkOfOneName(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	created, err := volume.Create(ondisk.InoRoot, "f", 0100644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := volume.Link(ondisk.InoRoot, created.Ino, "g"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := volume.Unlink(ondisk.InoRoot, "f"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	attr, err := volume.GetAttr(created.Ino)
	if err != nil {
		t.Fatalf("GetAttr after unlinking one of two names: %v", err)
	}
	if attr.Nlinks != 1 {
		t.Errorf("Nlinks = %d, want 1", attr.Nlinks)
	}
}

func TestLinkDirectoryRejected(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	sub, err := volume.Mkdir(ondisk.InoRoot, "sub", 0040755, 0, 0)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := volume.Link(ondisk.InoRoot, sub.Ino, "sub2"); !bpfserr.Is(err, bpfserr.NotSupported) {
		t.Errorf("Link() error = %v, want NotSupported", err)
	}
}

func TestRenameMovesEntryAndUpdatesDcache(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	created, err := volume.Create(ondisk.InoRoot, "old", 0100644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := volume.Rename(ondisk.InoRoot, "old", ondisk.InoRoot, "new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := volume.Lookup(ondisk.InoRoot, "old"); !bpfserr.Is(err, bpfserr.NotFound) {
		t.Errorf("Lookup(old) error = %v, want NotFound", err)
	}
	got, err := volume.Lookup(ondisk.InoRoot, "new")
	if err != nil {
		t.Fatalf("Lookup(new): %v", err)
	}
	if got.Ino != created.Ino {
		t.Errorf("Lookup(new).Ino = %d, want %d", got.Ino, created.Ino)
	}
}

func TestRenameOverwritesDestinationAndFreesIt(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	src, err := volume.Create(ondisk.InoRoot, "src", 0100644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	dst, err := volume.Create(ondisk.InoRoot, "dst", 0100644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := volume.Rename(ondisk.InoRoot, "src", ondisk.InoRoot, "dst"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	got, err := volume.Lookup(ondisk.InoRoot, "dst")
	if err != nil {
		t.Fatalf("Lookup(dst): %v", err)
	}
	if got.Ino != src.Ino {
		t.Errorf("Lookup(dst).Ino = %d, want source inode %d", got.Ino, src.Ino)
	}
	if _, err := volume.GetAttr(dst.Ino); err == nil {
		t.Error("GetAttr on the overwritten destination inode should fail, it had only one link")
	}
}

func TestRenameOntoSelfIsNoop(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	if _, err := volume.Create(ondisk.InoRoot, "f", 0100644, 0, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := volume.Rename(ondisk.InoRoot, "f", ondisk.InoRoot, "f"); err != nil {
		t.Fatalf("Rename onto self: %v", err)
	}
	if _, err := volume.Lookup(ondisk.InoRoot, "f"); err != nil {
		t.Errorf("Lookup(f) after self-rename: %v", err)
	}
}

func TestSymlinkReadlink(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	if _, err := volume.Symlink(ondisk.InoRoot, "link", "/target/path", 0, 0); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	attr, err := volume.Lookup(ondisk.InoRoot, "link")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	target, err := volume.Readlink(attr.Ino)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "/target/path" {
		t.Errorf("Readlink() = %q, want %q", target, "/target/path")
	}
}

func TestSetAttrTruncateShrinksSize(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	created, err := volume.Create(ondisk.InoRoot, "f", 0100644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := volume.WriteAt(created.Ino, 0, bytes.Repeat([]byte{1}, 100)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	newSize := uint64(10)
	attr, err := volume.SetAttr(created.Ino, fs.SetAttrReq{Size: &newSize})
	if err != nil {
		t.Fatalf("SetAttr: %v", err)
	}
	if attr.Size != 10 {
		t.Errorf("Size = %d, want 10", attr.Size)
	}
}

func TestMknodDeviceNodeNotSupported(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	if _, err := volume.Mknod(ondisk.InoRoot, "dev", 0020000, 0, 0); !bpfserr.Is(err, bpfserr.NotSupported) {
		t.Errorf("Mknod() error = %v, want NotSupported", err)
	}
}

func TestStatFSReflectsAllocation(t *testing.T) {
	volume := bpfstest.New(t, ondisk.CommitBPFS)
	before := volume.StatFS()
	if _, err := volume.Create(ondisk.InoRoot, "f", 0100644, 0, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := volume.WriteAt(mustLookup(t, volume, "f"), 0, bytes.Repeat([]byte{1}, ondisk.BlockSize)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	after := volume.StatFS()
	if after.BlocksFree >= before.BlocksFree {
		t.Errorf("BlocksFree did not decrease: before=%d after=%d", before.BlocksFree, after.BlocksFree)
	}
	// The inode table grows on demand, so InodesFree can rise; count the
	// inodes in use instead.
	usedBefore := before.Inodes - before.InodesFree
	usedAfter := after.Inodes - after.InodesFree
	if usedAfter <= usedBefore {
		t.Errorf("inodes in use did not increase: before=%d after=%d", usedBefore, usedAfter)
	}
}

func mustLookup(t *testing.T, volume *fs.FS, name string) uint64 {
	t.Helper()
	attr, err := volume.Lookup(ondisk.InoRoot, name)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", name, err)
	}
	return attr.Ino
}
