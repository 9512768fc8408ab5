package recovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/marmos91/blockgrid/pkg/binlog"
	"github.com/marmos91/blockgrid/pkg/index"
	"github.com/marmos91/blockgrid/pkg/trunk"
)

type fakeFeed struct {
	records    []Record
	newVersion uint64
}

func (f *fakeFeed) FetchSince(ctx context.Context, dataVersion uint64) ([]Record, uint64, error) {
	return f.records, f.newVersion, nil
}

func addLine(oid, boff uint64, soff, slen uint32, trunkID, spaceOff, spaceSize uint64) string {
	return "1 a " + itoa(oid) + " " + itoa(boff) + " " + itoa(uint64(soff)) + " " + itoa(uint64(slen)) +
		" 0 0 " + itoa(trunkID) + " " + itoa(spaceOff) + " " + itoa(spaceSize)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestRunDrivesFullPipeline(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	feed := &fakeFeed{
		records: []Record{
			{Line: addLine(1, 0, 0, 4096, 1, 0, 4096), Key: "1:0:0"},
			{Line: addLine(1, 0, 0, 2048, 1, 4096, 2048), Key: "1:0:0"}, // overwrite same key, last wins
		},
		newVersion: 42,
	}

	idx := index.New(16)
	alloc := trunk.New([]string{filepath.Join(dir, "store")}, 1)
	defer alloc.Close()
	log, err := binlog.Open(filepath.Join(dir, "binlog.log"))
	if err != nil {
		t.Fatalf("binlog.Open: %v", err)
	}
	defer log.Close()

	confirmed := false
	stats, err := r.Run(context.Background(), feed, 0, idx, alloc, log, func(newDataVersion uint64) error {
		confirmed = true
		if newDataVersion != 42 {
			t.Fatalf("activeConfirm got version %d, want 42", newDataVersion)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.RecordsFetched != 2 {
		t.Fatalf("RecordsFetched = %d, want 2", stats.RecordsFetched)
	}
	if stats.RecordsDeduped != 1 {
		t.Fatalf("RecordsDeduped = %d, want 1 (last-writer-wins)", stats.RecordsDeduped)
	}
	if stats.RecordsReplayed != 1 {
		t.Fatalf("RecordsReplayed = %d, want 1", stats.RecordsReplayed)
	}
	if !confirmed {
		t.Fatalf("activeConfirm was not invoked")
	}
	if r.CurrentStage() != StageActive {
		t.Fatalf("CurrentStage = %v, want StageActive", r.CurrentStage())
	}
}

func TestResumesFromSavedStage(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.setStage(StageReplay); err != nil {
		t.Fatalf("setStage: %v", err)
	}
	r.Close()

	r2, err := Open(dir)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer r2.Close()
	if r2.CurrentStage() != StageReplay {
		t.Fatalf("CurrentStage = %v, want StageReplay after reopen", r2.CurrentStage())
	}
}
