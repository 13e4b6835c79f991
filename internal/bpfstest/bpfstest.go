// Package bpfstest sets up an in-process, throwaway volume for package
// tests: an anonymous BPRAM region formatted and mounted in one call, torn
// down by a cleanup registered with t.Cleanup.
package bpfstest

import (
	"testing"
	"time"

	"github.com/bpram/bpfs/internal/bpram"
	"github.com/bpram/bpfs/internal/fs"
	"github.com/bpram/bpfs/internal/ondisk"
)

// NBlocks is the default region size new volumes are formatted with, large
// enough to exercise indirect blocks without making tests slow.
const NBlocks = 4096

// New formats and mounts a fresh volume backed by anonymous BPRAM, under the
// given commit mode, and returns it; a cleanup registered with t.Cleanup
// unmaps the region. The clock is time.Now.
func New(t testing.TB, mode ondisk.Commit) *fs.FS {
	return NewSize(t, mode, NBlocks)
}

// NewSize is New with an explicit region size in blocks.
func NewSize(t testing.TB, mode ondisk.Commit, nblocks uint64) *fs.FS {
	t.Helper()
	region, err := bpram.MapAnon(nblocks)
	if err != nil {
		t.Fatalf("bpfstest: MapAnon: %v", err)
	}
	volume, err := fs.Format(region, mode, time.Now)
	if err != nil {
		region.Close()
		t.Fatalf("bpfstest: Format: %v", err)
	}
	t.Cleanup(func() {
		if err := volume.Destroy(); err != nil {
			t.Errorf("bpfstest: Destroy: %v", err)
		}
	})
	return volume
}
