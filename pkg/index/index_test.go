package index

import (
	"testing"

	"github.com/marmos91/blockgrid/pkg/cmn"
)

func space(off, size uint64) cmn.TrunkSpaceInfo {
	return cmn.TrunkSpaceInfo{StorePathIndex: 0, ID: cmn.TrunkIDInfo{ID: 1}, Offset: off, Size: size}
}

func sliceKey(oid, boff uint64, soff, slen uint32) cmn.SliceKey {
	return cmn.SliceKey{
		Block: cmn.BlockKey{OID: oid, Offset: boff},
		Range: cmn.SliceRange{Offset: soff, Length: slen},
	}
}

// S1: write then read round-trips the exact byte range.
func TestAddThenGetRoundTrips(t *testing.T) {
	idx := New(16)
	key := sliceKey(1, 0, 0, 4096)

	if _, err := idx.AddSlice(key, SliceKindFile, space(0, 4096)); err != nil {
		t.Fatalf("AddSlice: %v", err)
	}

	views, err := idx.GetSlices(key)
	if err != nil {
		t.Fatalf("GetSlices: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d views, want 1", len(views))
	}
	if views[0].Range != key.Range {
		t.Fatalf("got range %+v, want %+v", views[0].Range, key.Range)
	}
}

// S2: overwriting the middle of an existing slice splits it into a left
// residual, the new slice, and a right residual — three slices, with
// inc_alloc accounting for only the net new bytes (the overwritten
// middle fragment is released, offsetting the new slice's space).
func TestAddSliceSplitsOverlap(t *testing.T) {
	idx := New(16)
	base := sliceKey(1, 0, 0, 3072)
	if _, err := idx.AddSlice(base, SliceKindFile, space(0, 3072)); err != nil {
		t.Fatalf("AddSlice base: %v", err)
	}

	mid := sliceKey(1, 0, 1024, 1024)
	result, err := idx.AddSlice(mid, SliceKindFile, space(5000, 1024))
	if err != nil {
		t.Fatalf("AddSlice mid: %v", err)
	}

	views, err := idx.GetSlices(sliceKey(1, 0, 0, 3072))
	if err != nil {
		t.Fatalf("GetSlices: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("got %d slices, want 3", len(views))
	}
	if views[0].Range != (cmn.SliceRange{Offset: 0, Length: 1024}) {
		t.Fatalf("left residual = %+v", views[0].Range)
	}
	if views[1].Range != (cmn.SliceRange{Offset: 1024, Length: 1024}) {
		t.Fatalf("new slice = %+v", views[1].Range)
	}
	if views[2].Range != (cmn.SliceRange{Offset: 2048, Length: 1024}) {
		t.Fatalf("right residual = %+v", views[2].Range)
	}

	// The evicted 1024-byte middle fragment is released; the new slice
	// brings in 1024 bytes of its own space, so the net allocation is
	// unchanged.
	if result.IncAlloc != 0 {
		t.Fatalf("IncAlloc = %d, want 0", result.IncAlloc)
	}
}

// S3: deleting a sub-range leaves two surviving slices and reports the
// freed byte count.
func TestDeleteSlicesSplitsAndReportsDecAlloc(t *testing.T) {
	idx := New(16)
	base := sliceKey(1, 0, 0, 4096)
	if _, err := idx.AddSlice(base, SliceKindFile, space(0, 4096)); err != nil {
		t.Fatalf("AddSlice: %v", err)
	}

	del := sliceKey(1, 0, 1280, 1536)
	result, err := idx.DeleteSlices(del)
	if err != nil {
		t.Fatalf("DeleteSlices: %v", err)
	}
	if result.DecAlloc != 1536 {
		t.Fatalf("DecAlloc = %d, want 1536", result.DecAlloc)
	}

	views, err := idx.GetSlices(sliceKey(1, 0, 0, 4096))
	if err != nil {
		t.Fatalf("GetSlices: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d slices, want 2", len(views))
	}
	if views[0].Range != (cmn.SliceRange{Offset: 0, Length: 1280}) {
		t.Fatalf("left survivor = %+v", views[0].Range)
	}
	if views[1].Range != (cmn.SliceRange{Offset: 2816, Length: 1280}) {
		t.Fatalf("right survivor = %+v", views[1].Range)
	}
}

func TestDeleteSlicesNotFound(t *testing.T) {
	idx := New(16)
	_, err := idx.DeleteSlices(sliceKey(1, 0, 0, 100))
	if cmn.KindOf(err) != cmn.KindNotFound {
		t.Fatalf("KindOf(err) = %v, want KindNotFound", cmn.KindOf(err))
	}
}

func TestDeleteBlockRemovesAllSlices(t *testing.T) {
	idx := New(16)
	if _, err := idx.AddSlice(sliceKey(1, 0, 0, 1024), SliceKindFile, space(0, 1024)); err != nil {
		t.Fatalf("AddSlice: %v", err)
	}
	if _, err := idx.AddSlice(sliceKey(1, 0, 2048, 1024), SliceKindFile, space(2048, 1024)); err != nil {
		t.Fatalf("AddSlice: %v", err)
	}

	result, err := idx.DeleteBlock(cmn.BlockKey{OID: 1, Offset: 0})
	if err != nil {
		t.Fatalf("DeleteBlock: %v", err)
	}
	if result.DecAlloc != 2048 {
		t.Fatalf("DecAlloc = %d, want 2048", result.DecAlloc)
	}

	views, err := idx.GetSlices(sliceKey(1, 0, 0, 4096))
	if err != nil {
		t.Fatalf("GetSlices: %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("got %d slices after delete_block, want 0", len(views))
	}
}

// Invariant 1: slices within one OBEntry never overlap and stay sorted
// by offset after an arbitrary sequence of adds.
func TestSlicesStayOrderedAndNonOverlapping(t *testing.T) {
	idx := New(16)
	inserts := []cmn.SliceRange{
		{Offset: 2048, Length: 512},
		{Offset: 0, Length: 512},
		{Offset: 1024, Length: 512},
		{Offset: 512, Length: 256},
	}
	for _, r := range inserts {
		key := cmn.SliceKey{Block: cmn.BlockKey{OID: 9, Offset: 0}, Range: r}
		if _, err := idx.AddSlice(key, SliceKindFile, space(uint64(r.Offset), uint64(r.Length))); err != nil {
			t.Fatalf("AddSlice(%+v): %v", r, err)
		}
	}

	views, err := idx.GetSlices(sliceKey(9, 0, 0, 4096))
	if err != nil {
		t.Fatalf("GetSlices: %v", err)
	}
	for i := 1; i < len(views); i++ {
		if views[i-1].Range.End() > views[i].Range.Offset {
			t.Fatalf("overlap/order violation between %+v and %+v", views[i-1].Range, views[i].Range)
		}
	}
}

func TestSN_MonotonicAcrossMutations(t *testing.T) {
	idx := New(16)
	r1, _ := idx.AddSlice(sliceKey(1, 0, 0, 1024), SliceKindFile, space(0, 1024))
	r2, err := idx.DeleteSlices(sliceKey(1, 0, 0, 1024))
	if err != nil {
		t.Fatalf("DeleteSlices: %v", err)
	}
	if r2.SN <= r1.SN {
		t.Fatalf("sn did not advance: r1=%d r2=%d", r1.SN, r2.SN)
	}
}

func TestAddSliceByBinlogSkipsSN(t *testing.T) {
	idx := New(16)
	if err := idx.AddSliceByBinlog(sliceKey(1, 0, 0, 1024), SliceKindFile, space(0, 1024)); err != nil {
		t.Fatalf("AddSliceByBinlog: %v", err)
	}
	if idx.sn.Load() != 0 {
		t.Fatalf("sn = %d, want 0 (binlog replay must not assign sn)", idx.sn.Load())
	}
}
