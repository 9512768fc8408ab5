package recovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/marmos91/blockgrid/pkg/binlog"
	"github.com/marmos91/blockgrid/pkg/cmn"
	"github.com/marmos91/blockgrid/pkg/index"
	"github.com/marmos91/blockgrid/pkg/trunk"
)

func TestRecordKeyForLineAddAndDeleteRange(t *testing.T) {
	line := addLine(1, 0, 0, 4096, 1, 0, 4096)
	key, isDelete, err := recordKeyForLine(line)
	if err != nil {
		t.Fatalf("recordKeyForLine: %v", err)
	}
	if key != "1:0:0" {
		t.Fatalf("key = %q, want %q", key, "1:0:0")
	}
	if isDelete {
		t.Fatalf("isDelete = true for an add record")
	}

	delRange := "2 d 1 0 0 4096"
	key, isDelete, err = recordKeyForLine(delRange)
	if err != nil {
		t.Fatalf("recordKeyForLine: %v", err)
	}
	if key != "1:0:0" || !isDelete {
		t.Fatalf("got key=%q isDelete=%v, want key=1:0:0 isDelete=true", key, isDelete)
	}
}

func TestRecordKeyForLineDeleteBlock(t *testing.T) {
	key, isDelete, err := recordKeyForLine("3 D 1 0")
	if err != nil {
		t.Fatalf("recordKeyForLine: %v", err)
	}
	if key != "1:0" || !isDelete {
		t.Fatalf("got key=%q isDelete=%v, want key=1:0 isDelete=true", key, isDelete)
	}
}

func TestRecordKeyForLineRejectsGarbage(t *testing.T) {
	if _, _, err := recordKeyForLine("not a binlog line"); err == nil {
		t.Fatalf("expected error for malformed line")
	}
}

func TestBinlogFeedFetchSinceReturnsOnlyNewerRecords(t *testing.T) {
	dir := t.TempDir()
	alloc := trunk.New([]string{filepath.Join(dir, "store")}, 1)
	defer alloc.Close()

	log, err := binlog.Open(filepath.Join(dir, "binlog.log"))
	if err != nil {
		t.Fatalf("binlog.Open: %v", err)
	}
	defer log.Close()

	key1 := cmn.SliceKey{Block: cmn.BlockKey{OID: 1, Offset: 0}, Range: cmn.SliceRange{Offset: 0, Length: 4}}
	spaces1, err := alloc.Alloc(key1.Block, 4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	space1 := spaces1[0]
	if err := log.AppendAdd(key1, index.SliceKindFile, space1); err != nil {
		t.Fatalf("AppendAdd: %v", err)
	}

	feed := &BinlogFeed{Log: log}
	records, version, err := feed.FetchSince(context.Background(), 0)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Key != "1:0:0" {
		t.Fatalf("record key = %q, want 1:0:0", records[0].Key)
	}

	key2 := cmn.SliceKey{Block: cmn.BlockKey{OID: 2, Offset: 0}, Range: cmn.SliceRange{Offset: 0, Length: 4}}
	spaces2, err := alloc.Alloc(key2.Block, 4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	space2 := spaces2[0]
	if err := log.AppendAdd(key2, index.SliceKindFile, space2); err != nil {
		t.Fatalf("AppendAdd: %v", err)
	}

	records, version, err = feed.FetchSince(context.Background(), version)
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(records) != 1 || records[0].Key != "2:0:0" {
		t.Fatalf("second fetch = %+v, want single record keyed 2:0:0", records)
	}
}
