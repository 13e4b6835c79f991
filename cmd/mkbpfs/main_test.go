package main

import (
	"testing"

	"github.com/bpram/bpfs/internal/ondisk"
)

func TestParseSizeSuffixes(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"4096", 4096},
		{"1KiB", ondisk.BlockSize}, // rounded up to one block
		{"16MiB", 16 << 20},
		{"1GiB", 1 << 30},
	}
	for _, c := range cases {
		got, err := parseSize(c.in)
		if err != nil {
			t.Errorf("parseSize(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseSizeRoundsUpToBlockSize(t *testing.T) {
	got, err := parseSize("1B")
	if err != nil {
		t.Fatalf("parseSize: %v", err)
	}
	if got != ondisk.BlockSize {
		t.Errorf("parseSize(1B) = %d, want %d", got, ondisk.BlockSize)
	}
}

func TestParseSizeRejectsBadSuffix(t *testing.T) {
	if _, err := parseSize("16XiB"); err == nil {
		t.Error("parseSize with unknown suffix should fail")
	}
}

func TestParseModeKnownValues(t *testing.T) {
	cases := map[string]ondisk.Commit{
		"sp":   ondisk.CommitSP,
		"scsp": ondisk.CommitSCSP,
		"bpfs": ondisk.CommitBPFS,
	}
	for s, want := range cases {
		got, err := parseMode(s)
		if err != nil {
			t.Errorf("parseMode(%q): %v", s, err)
			continue
		}
		if got != want {
			t.Errorf("parseMode(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestParseModeRejectsUnknown(t *testing.T) {
	if _, err := parseMode("bogus"); err == nil {
		t.Error("parseMode with unknown mode should fail")
	}
}
