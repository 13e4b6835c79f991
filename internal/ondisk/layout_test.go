package ondisk

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHAPackUnpack(t *testing.T) {
	cases := []struct {
		height uint8
		addr   uint64
	}{
		{0, 0},
		{7, 1},
		{3, 1<<61 - 1},
	}
	for _, c := range cases {
		ha := PackHA(c.height, c.addr)
		if got := ha.Height(); got != c.height {
			t.Errorf("Height() = %d, want %d", got, c.height)
		}
		if got := ha.Addr(); got != c.addr {
			t.Errorf("Addr() = %d, want %d", got, c.addr)
		}
	}
}

func TestIndirectBlockRoundTrip(t *testing.T) {
	var ib IndirectBlock
	for i := range ib {
		ib[i] = uint64(i) * 7
	}
	buf := make([]byte, BlockSize)
	ib.Write(buf)

	got, err := ReadIndirectBlock(buf)
	if err != nil {
		t.Fatalf("ReadIndirectBlock: %v", err)
	}
	if diff := cmp.Diff(ib, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDirentRoundTrip(t *testing.T) {
	d := Dirent{
		Ino:      42,
		FileType: TypeDir,
		NameLen:  uint8(len("subdir")),
		Name:     "subdir",
	}
	d.RecLen = DirentLen(len(d.Name))

	buf := make([]byte, d.RecLen)
	d.Write(buf)

	got, ok := ReadDirent(buf)
	if !ok {
		t.Fatal("ReadDirent reported end-of-entries for a real record")
	}
	if diff := cmp.Diff(d, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadDirentEndOfEntriesSentinel(t *testing.T) {
	buf := make([]byte, DirentMinLen)
	if _, ok := ReadDirent(buf); ok {
		t.Error("zero RecLen should report ok=false")
	}
}

func TestInodeRoundTrip(t *testing.T) {
	in := Inode{
		Generation: 5,
		Uid:        1000,
		Gid:        1000,
		Mode:       0100644,
		Nlinks:     1,
		Root:       TreeRoot{HA: PackHA(1, 9), NBytes: 4096},
		Atime:      111,
		Ctime:      222,
		Mtime:      333,
	}
	buf := make([]byte, InodeSize)
	in.Write(buf)

	got := ReadInode(buf)
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := Superblock{
		Magic:          Magic,
		Version:        FormatVersion,
		NBlocks:        1024,
		InodeRootAddr:  uint64(PackHA(0, 3)),
		InodeRootAddr2: uint64(PackHA(0, 4)),
		NInodes:        1,
		CommitMode:     CommitBPFS,
		EphemeralValid: 1,
	}
	copy(sb.UUID[:], []byte("0123456789abcdef"))

	buf := make([]byte, SuperblockSize)
	sb.Write(buf)

	got := ReadSuperblock(buf)
	if diff := cmp.Diff(sb, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestTreeRootEmpty(t *testing.T) {
	var empty TreeRoot
	if !empty.Empty() {
		t.Error("zero-value TreeRoot should be empty")
	}
	if empty.Addr() != BlockInvalid {
		t.Errorf("Addr() of empty root = %d, want BlockInvalid", empty.Addr())
	}

	full := TreeRoot{HA: PackHA(0, 5), NBytes: 10}
	if full.Empty() {
		t.Error("non-zero-length TreeRoot should not be empty")
	}
	if full.Addr() != 5 {
		t.Errorf("Addr() = %d, want 5", full.Addr())
	}
}
