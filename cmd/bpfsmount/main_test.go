package main

import (
	"os"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse"

	"github.com/bpram/bpfs/internal/bpfserr"
	"github.com/bpram/bpfs/internal/fs"
)

func TestToErrnoMapsKnownKinds(t *testing.T) {
	cases := []struct {
		kind bpfserr.Kind
		want error
	}{
		{bpfserr.NotFound, fuse.ENOENT},
		{bpfserr.Exists, fuse.EEXIST},
		{bpfserr.NotDir, syscall.ENOTDIR},
		{bpfserr.IsDir, syscall.EISDIR},
		{bpfserr.NotEmpty, syscall.ENOTEMPTY},
		{bpfserr.NameTooLong, syscall.ENAMETOOLONG},
		{bpfserr.TooManyLinks, syscall.EMLINK},
		{bpfserr.OutOfSpace, syscall.ENOSPC},
		{bpfserr.OutOfMemory, syscall.ENOMEM},
		{bpfserr.InvalidArgument, syscall.EINVAL},
		{bpfserr.NotSupported, syscall.ENOTSUP},
	}
	for _, c := range cases {
		err := bpfserr.New("op", c.kind, nil)
		if got := toErrno(err); got != c.want {
			t.Errorf("toErrno(%v) = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestToErrnoNilIsNil(t *testing.T) {
	if err := toErrno(nil); err != nil {
		t.Errorf("toErrno(nil) = %v, want nil", err)
	}
}

func TestToErrnoUnclassifiedFallsBackToEIO(t *testing.T) {
	if got := toErrno(os.ErrClosed); got != fuse.EIO {
		t.Errorf("toErrno(unclassified) = %v, want EIO", got)
	}
}

func TestToFileModeRoundTripsDir(t *testing.T) {
	mode := fs.ModeDir | 0755
	fm := toFileMode(mode)
	if fm&os.ModeDir == 0 {
		t.Errorf("toFileMode(dir) missing ModeDir: %v", fm)
	}
	if fm.Perm() != 0755 {
		t.Errorf("toFileMode(dir) perm = %v, want 0755", fm.Perm())
	}
}

func TestToFileModeSymlink(t *testing.T) {
	fm := toFileMode(fs.ModeSymlink | 0777)
	if fm&os.ModeSymlink == 0 {
		t.Errorf("toFileMode(symlink) missing ModeSymlink: %v", fm)
	}
}

func TestFromFileModeRoundTripsThroughToFileMode(t *testing.T) {
	cases := []os.FileMode{
		0644,
		os.ModeDir | 0755,
		os.ModeSymlink | 0777,
	}
	for _, want := range cases {
		got := toFileMode(fromFileMode(want))
		if got.Perm() != want.Perm() {
			t.Errorf("perm round-trip: got %v, want %v", got.Perm(), want.Perm())
		}
		if got&os.ModeDir != want&os.ModeDir {
			t.Errorf("ModeDir round-trip mismatch for %v", want)
		}
		if got&os.ModeSymlink != want&os.ModeSymlink {
			t.Errorf("ModeSymlink round-trip mismatch for %v", want)
		}
	}
}

func TestFromFileModeRegularFileGetsModeFile(t *testing.T) {
	got := fromFileMode(0600)
	if got&fs.ModeFmt != fs.ModeFile {
		t.Errorf("fromFileMode(regular) type bits = %o, want ModeFile", got&fs.ModeFmt)
	}
}
