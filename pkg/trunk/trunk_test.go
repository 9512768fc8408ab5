package trunk

import (
	"testing"

	"github.com/marmos91/blockgrid/pkg/cmn"
)

func TestAllocThenFreeRoundTrips(t *testing.T) {
	dir := t.TempDir()
	a := New([]string{dir}, 2)
	defer a.Close()

	key := cmn.BlockKey{OID: 1, Offset: 0}
	spaces, err := a.Alloc(key, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(spaces) != 1 {
		t.Fatalf("got %d spaces, want 1", len(spaces))
	}
	space := spaces[0]
	if space.Size != 4096 {
		t.Fatalf("Size = %d, want 4096", space.Size)
	}

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	if err := a.WriteAt(space, data); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, 4096)
	if _, err := a.ReadAt(space, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], data[i])
		}
	}

	a.Free(key, space, false)
}

func TestAllocReusesFreedSpace(t *testing.T) {
	dir := t.TempDir()
	a := New([]string{dir}, 1)
	defer a.Close()

	key := cmn.BlockKey{OID: 1, Offset: 0}
	spaces1, err := a.Alloc(key, 512)
	if err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}
	s1 := spaces1[0]
	a.Free(key, s1, false)

	spaces2, err := a.Alloc(key, 512)
	if err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}
	s2 := spaces2[0]
	if s2.ID != s1.ID || s2.Offset != s1.Offset {
		t.Fatalf("expected reuse of freed extent, got different space: %+v vs %+v", s1, s2)
	}
}

func TestMemAlignRoundsUpAllocSize(t *testing.T) {
	dir := t.TempDir()
	a := New([]string{dir}, 1)
	defer a.Close()

	spaces, err := a.Alloc(cmn.BlockKey{OID: 1}, 100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if spaces[0].Size != cmn.MemAlignSize {
		t.Fatalf("Size = %d, want %d", spaces[0].Size, cmn.MemAlignSize)
	}
}

func TestFreeSizeTopN(t *testing.T) {
	dir := t.TempDir()
	a := New([]string{dir}, 4)
	defer a.Close()

	for i := uint64(0); i < 4; i++ {
		if _, err := a.Alloc(cmn.BlockKey{OID: i}, (i+1)*1024); err != nil {
			t.Fatalf("Alloc: %v", err)
		}
	}

	top := a.FreeSizeTopN(2)
	if len(top) != 2 {
		t.Fatalf("got %d entries, want 2", len(top))
	}
	if top[0].Free < top[1].Free {
		t.Fatalf("not sorted descending: %+v", top)
	}
}
