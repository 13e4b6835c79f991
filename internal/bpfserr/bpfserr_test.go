package bpfserr_test

import (
	"testing"

	"github.com/bpram/bpfs/internal/bpfserr"
	"golang.org/x/xerrors"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	err := bpfserr.New("lookup", bpfserr.NotFound, nil)
	if !bpfserr.Is(err, bpfserr.NotFound) {
		t.Error("Is(NotFound) = false, want true")
	}
	if bpfserr.Is(err, bpfserr.Exists) {
		t.Error("Is(Exists) = true, want false")
	}
}

func TestIsUnwrapsThroughFmtWrap(t *testing.T) {
	inner := bpfserr.New("rename", bpfserr.NotEmpty, nil)
	wrapped := xerrors.Errorf("outer: %w", inner)
	if !bpfserr.Is(wrapped, bpfserr.NotEmpty) {
		t.Error("Is should see through an xerrors wrap")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if bpfserr.Is(xerrors.New("boom"), bpfserr.NotFound) {
		t.Error("Is on an unrelated error = true, want false")
	}
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := bpfserr.New("unlink", bpfserr.NotDir, nil)
	want := "unlink: not a directory"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorfWrapsFormattedCause(t *testing.T) {
	err := bpfserr.Errorf("mount", bpfserr.InvalidArgument, "bad size %d", 7)
	if !bpfserr.Is(err, bpfserr.InvalidArgument) {
		t.Error("Is(InvalidArgument) = false, want true")
	}
	want := "mount: invalid argument: bad size 7"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
