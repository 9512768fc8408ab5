package trunk

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/marmos91/blockgrid/pkg/cmn"
)

type fakeArchiver struct {
	mu    sync.Mutex
	blobs map[uint64][]byte
	err   error
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{blobs: make(map[uint64][]byte)}
}

func (f *fakeArchiver) Archive(_ context.Context, trunkID uint64, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.blobs[trunkID] = cp
	return nil
}

func TestReclaimColdNilArchiverIsNoOp(t *testing.T) {
	dir := t.TempDir()
	a := New([]string{dir}, 1)
	defer a.Close()

	if _, err := a.Alloc(cmn.BlockKey{OID: 1}, 512); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	stats := a.ReclaimCold(context.Background(), nil, 0.5)
	if stats.Scanned != 0 || stats.Archived != 0 {
		t.Fatalf("expected no-op stats, got %+v", stats)
	}
}

func TestReclaimColdArchivesUnderutilizedTrunks(t *testing.T) {
	dir := t.TempDir()
	a := New([]string{dir}, 1)
	defer a.Close()

	key := cmn.BlockKey{OID: 1}
	spaces, err := a.Alloc(key, 512)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	space := spaces[0]
	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}
	if err := a.WriteAt(space, data); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	archiver := newFakeArchiver()
	stats := a.ReclaimCold(context.Background(), archiver, 1.0)
	if stats.Scanned != 1 || stats.Archived != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v, want 1 scanned/archived, 0 errors", stats)
	}

	blob, ok := archiver.blobs[space.ID.ID]
	if !ok {
		t.Fatalf("trunk %d was not archived", space.ID.ID)
	}
	if len(blob) != len(data) {
		t.Fatalf("archived %d bytes, want %d", len(blob), len(data))
	}

	// A second pass must skip the now-reclaiming trunk.
	stats2 := a.ReclaimCold(context.Background(), archiver, 1.0)
	if stats2.Scanned != 0 {
		t.Fatalf("expected already-reclaiming trunk to be skipped, got %+v", stats2)
	}
}

func TestReclaimColdSkipsTrunksAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	a := New([]string{dir}, 1)
	defer a.Close()

	spaces, err := a.Alloc(cmn.BlockKey{OID: 1}, cmn.MemAlignSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	space := spaces[0]
	if err := a.WriteAt(space, make([]byte, space.Size)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	stats := a.ReclaimCold(context.Background(), newFakeArchiver(), 0.0)
	if stats.Scanned != 0 {
		t.Fatalf("expected trunk above threshold to be skipped, got %+v", stats)
	}
}

func TestReclaimColdRecordsArchiveErrors(t *testing.T) {
	dir := t.TempDir()
	a := New([]string{dir}, 1)
	defer a.Close()

	if _, err := a.Alloc(cmn.BlockKey{OID: 1}, 512); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	archiver := newFakeArchiver()
	archiver.err = errors.New("upload failed")

	stats := a.ReclaimCold(context.Background(), archiver, 1.0)
	if stats.Scanned != 1 || stats.Archived != 0 || stats.Errors != 1 {
		t.Fatalf("stats = %+v, want 1 scanned, 0 archived, 1 error", stats)
	}
}
