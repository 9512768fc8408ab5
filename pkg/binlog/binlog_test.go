package binlog

import (
	"path/filepath"
	"testing"

	"github.com/marmos91/blockgrid/pkg/cmn"
	"github.com/marmos91/blockgrid/pkg/index"
)

func TestAppendThenLoadReplaysIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binlog.log")

	idx := index.New(16)
	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	key := cmn.SliceKey{
		Block: cmn.BlockKey{OID: 1, Offset: 0},
		Range: cmn.SliceRange{Offset: 0, Length: 4096},
	}
	space := cmn.TrunkSpaceInfo{ID: cmn.TrunkIDInfo{ID: 1}, Offset: 0, Size: 4096}

	if err := b.AppendAdd(key, index.SliceKindFile, space); err != nil {
		t.Fatalf("AppendAdd: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	replayIdx := index.New(16)
	loaded, err := Load(path, replayIdx, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loaded.Close()

	views, err := replayIdx.GetSlices(key)
	if err != nil {
		t.Fatalf("GetSlices: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d views after replay, want 1", len(views))
	}
	_ = idx
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binlog.log")

	idx := index.New(16)
	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.AppendAdd(
		cmn.SliceKey{Block: cmn.BlockKey{OID: 2, Offset: 0}, Range: cmn.SliceRange{Offset: 0, Length: 512}},
		index.SliceKindFile,
		cmn.TrunkSpaceInfo{ID: cmn.TrunkIDInfo{ID: 1}, Offset: 0, Size: 512},
	); err != nil {
		t.Fatalf("AppendAdd: %v", err)
	}
	if err := b.writeAndSync("not a valid record\n"); err != nil {
		t.Fatalf("writeAndSync: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	loaded, err := Load(path, idx, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loaded.Close()

	views, err := idx.GetSlices(cmn.SliceKey{
		Block: cmn.BlockKey{OID: 2, Offset: 0},
		Range: cmn.SliceRange{Offset: 0, Length: 512},
	})
	if err != nil {
		t.Fatalf("GetSlices: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d views, want 1 (malformed line must be skipped, not fatal)", len(views))
	}
}

func TestDeleteRangeReplays(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binlog.log")

	idx := index.New(16)
	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	key := cmn.SliceKey{Block: cmn.BlockKey{OID: 3, Offset: 0}, Range: cmn.SliceRange{Offset: 0, Length: 4096}}
	if err := b.AppendAdd(key, index.SliceKindFile, cmn.TrunkSpaceInfo{ID: cmn.TrunkIDInfo{ID: 1}, Offset: 0, Size: 4096}); err != nil {
		t.Fatalf("AppendAdd: %v", err)
	}
	del := cmn.SliceKey{Block: cmn.BlockKey{OID: 3, Offset: 0}, Range: cmn.SliceRange{Offset: 1024, Length: 1024}}
	if err := b.AppendDeleteRange(del); err != nil {
		t.Fatalf("AppendDeleteRange: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	replayIdx := index.New(16)
	loaded, err := Load(path, replayIdx, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loaded.Close()

	views, err := replayIdx.GetSlices(key)
	if err != nil {
		t.Fatalf("GetSlices: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d views after delete-range replay, want 2", len(views))
	}
}
